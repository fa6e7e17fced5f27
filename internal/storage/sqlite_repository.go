package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"vidvault/internal/models"
)

// SQLiteConfig describes the SQLite database backing SQLiteRepository.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	Clock       func() time.Time
}

type videoRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Filename  string `gorm:"not null"`
	Filepath  string `gorm:"not null;index"`
	Size      float64
	Duration  float64
	Revision  int64     `gorm:"not null;default:1"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (videoRow) TableName() string { return "videos" }

func (row videoRow) model() models.Video {
	return models.Video{
		ID:        row.ID,
		Filename:  row.Filename,
		Filepath:  row.Filepath,
		Size:      row.Size,
		Duration:  row.Duration,
		Revision:  row.Revision,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
}

// SQLiteRepository stores video records in a SQLite file through gorm.
type SQLiteRepository struct {
	db  *gorm.DB
	cfg SQLiteConfig
}

// NewSQLiteRepository opens the database at path and migrates the videos table.
func NewSQLiteRepository(path string, opts ...Option) (*SQLiteRepository, error) {
	cfg := SQLiteConfig{
		Path:        strings.TrimSpace(path),
		BusyTimeout: 5 * time.Second,
		Clock:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applySQLite(&cfg)
		}
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite allows one writer; a single connection keeps writes serialized.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&videoRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &SQLiteRepository{db: db, cfg: cfg}, nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *SQLiteRepository) Close(context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *SQLiteRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	if err := params.validate(); err != nil {
		return models.Video{}, err
	}
	now := r.cfg.Clock()
	row := videoRow{
		Filename:  params.Filename,
		Filepath:  params.Filepath,
		Size:      params.Size,
		Duration:  params.Duration,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return row.model(), nil
}

func (r *SQLiteRepository) GetVideo(ctx context.Context, id int64) (models.Video, error) {
	var row videoRow
	err := r.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Video{}, notFound(id)
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("select video %d: %w", id, err)
	}
	return row.model(), nil
}

func (r *SQLiteRepository) GetVideos(ctx context.Context, ids []int64) ([]models.Video, error) {
	unique := uniqueIDs(ids)
	if len(unique) == 0 {
		return []models.Video{}, nil
	}
	var rows []videoRow
	if err := r.db.WithContext(ctx).Where("id IN ?", unique).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("select videos: %w", err)
	}
	return rowsToModels(rows), nil
}

func (r *SQLiteRepository) UpdateVideo(ctx context.Context, id int64, update VideoUpdate) (models.Video, error) {
	if err := update.validate(); err != nil {
		return models.Video{}, err
	}
	var updated videoRow
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&videoRow{}).Where("id = ?", id)
		if update.ExpectedRevision > 0 {
			query = query.Where("revision = ?", update.ExpectedRevision)
		}
		result := query.Updates(map[string]any{
			"filepath":   update.Filepath,
			"size":       update.Size,
			"duration":   update.Duration,
			"revision":   gorm.Expr("revision + 1"),
			"updated_at": r.cfg.Clock(),
		})
		if result.Error != nil {
			return fmt.Errorf("update video %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&videoRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return fmt.Errorf("check video %d: %w", id, err)
			}
			if count == 0 {
				return notFound(id)
			}
			return revisionConflict(id, update.ExpectedRevision)
		}
		if err := tx.First(&updated, id).Error; err != nil {
			return fmt.Errorf("reload video %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return updated.model(), nil
}

func (r *SQLiteRepository) ListVideos(ctx context.Context, opts ListOptions) ([]models.Video, error) {
	opts = opts.normalized()
	var rows []videoRow
	if err := r.db.WithContext(ctx).Order("id").Limit(opts.Limit).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	return rowsToModels(rows), nil
}

func (r *SQLiteRepository) CountVideosByFilepath(ctx context.Context, path string) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&videoRow{}).Where("filepath = ?", path).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count videos by filepath: %w", err)
	}
	return int(count), nil
}

// ImportVideos upserts records keeping their ids.
func (r *SQLiteRepository) ImportVideos(ctx context.Context, videos []models.Video) error {
	if len(videos) == 0 {
		return nil
	}
	rows := make([]videoRow, 0, len(videos))
	for _, video := range videos {
		if video.ID <= 0 {
			return fmt.Errorf("import video: invalid id %d", video.ID)
		}
		revision := video.Revision
		if revision <= 0 {
			revision = 1
		}
		rows = append(rows, videoRow{
			ID:        video.ID,
			Filename:  video.Filename,
			Filepath:  video.Filepath,
			Size:      video.Size,
			Duration:  video.Duration,
			Revision:  revision,
			CreatedAt: timestampOrNow(video.CreatedAt, r.cfg.Clock),
			UpdatedAt: timestampOrNow(video.UpdatedAt, r.cfg.Clock),
		})
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, 200).Error
	if err != nil {
		return fmt.Errorf("import videos: %w", err)
	}
	return nil
}

func rowsToModels(rows []videoRow) []models.Video {
	videos := make([]models.Video, 0, len(rows))
	for _, row := range rows {
		videos = append(videos, row.model())
	}
	return videos
}
