package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vidvault/internal/models"
)

// PostgresRepository stores video records in Postgres through a pgx pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

const videoColumns = `id, filename, filepath, size, duration, revision, created_at, updated_at`

// NewPostgresRepository opens a pool for dsn and ensures the schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &PostgresRepository{pool: pool, cfg: cfg}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	acquireCtx := ctx
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var video models.Video
	err := row.Scan(&video.ID, &video.Filename, &video.Filepath, &video.Size, &video.Duration,
		&video.Revision, &video.CreatedAt, &video.UpdatedAt)
	if err != nil {
		return models.Video{}, err
	}
	video.CreatedAt = video.CreatedAt.UTC()
	video.UpdatedAt = video.UpdatedAt.UTC()
	return video, nil
}

func collectVideos(rows pgx.Rows) ([]models.Video, error) {
	defer rows.Close()
	videos := make([]models.Video, 0)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, video)
	}
	return videos, rows.Err()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

func (r *PostgresRepository) Close(context.Context) error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	if err := params.validate(); err != nil {
		return models.Video{}, err
	}
	var created models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		now := r.cfg.Clock()
		row := conn.QueryRow(ctx, `INSERT INTO videos (filename, filepath, size, duration, revision, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5, $5)
			RETURNING `+videoColumns,
			params.Filename, params.Filepath, params.Size, params.Duration, now)
		video, err := scanVideo(row)
		if err != nil {
			return fmt.Errorf("insert video: %w", err)
		}
		created = video
		return nil
	})
	return created, err
}

func (r *PostgresRepository) GetVideo(ctx context.Context, id int64) (models.Video, error) {
	var video models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		found, err := scanVideo(conn.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
		if isNoRows(err) {
			return notFound(id)
		}
		if err != nil {
			return fmt.Errorf("select video %d: %w", id, err)
		}
		video = found
		return nil
	})
	return video, err
}

func (r *PostgresRepository) GetVideos(ctx context.Context, ids []int64) ([]models.Video, error) {
	unique := uniqueIDs(ids)
	if len(unique) == 0 {
		return []models.Video{}, nil
	}
	var videos []models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ANY($1) ORDER BY id`, unique)
		if err != nil {
			return fmt.Errorf("select videos: %w", err)
		}
		videos, err = collectVideos(rows)
		if err != nil {
			return fmt.Errorf("scan videos: %w", err)
		}
		return nil
	})
	return videos, err
}

func (r *PostgresRepository) UpdateVideo(ctx context.Context, id int64, update VideoUpdate) (models.Video, error) {
	if err := update.validate(); err != nil {
		return models.Video{}, err
	}
	var updated models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `UPDATE videos
			SET filepath = $2, size = $3, duration = $4, revision = revision + 1, updated_at = $5
			WHERE id = $1 AND ($6::BIGINT = 0 OR revision = $6)
			RETURNING `+videoColumns,
			id, update.Filepath, update.Size, update.Duration, r.cfg.Clock(), update.ExpectedRevision)
		video, err := scanVideo(row)
		if err == nil {
			updated = video
			return nil
		}
		if !isNoRows(err) {
			return fmt.Errorf("update video %d: %w", id, err)
		}
		var exists bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM videos WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check video %d: %w", id, err)
		}
		if !exists {
			return notFound(id)
		}
		return revisionConflict(id, update.ExpectedRevision)
	})
	return updated, err
}

func (r *PostgresRepository) ListVideos(ctx context.Context, opts ListOptions) ([]models.Video, error) {
	opts = opts.normalized()
	var videos []models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY id LIMIT $1 OFFSET $2`, opts.Limit, opts.Offset)
		if err != nil {
			return fmt.Errorf("list videos: %w", err)
		}
		videos, err = collectVideos(rows)
		if err != nil {
			return fmt.Errorf("scan videos: %w", err)
		}
		return nil
	})
	return videos, err
}

func (r *PostgresRepository) CountVideosByFilepath(ctx context.Context, path string) (int, error) {
	var count int
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM videos WHERE filepath = $1`, path).Scan(&count); err != nil {
			return fmt.Errorf("count videos by filepath: %w", err)
		}
		return nil
	})
	return count, err
}
