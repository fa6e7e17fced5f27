// Package videos implements the clip pipeline: upload ingestion with duration
// checks, in-place trims and merges into new clips. Every operation reconciles
// files on disk with the metadata store and removes files no record points to.
package videos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vidvault/internal/locks"
	"vidvault/internal/media"
	"vidvault/internal/models"
	"vidvault/internal/observability/logging"
	"vidvault/internal/observability/metrics"
	"vidvault/internal/storage"
)

const (
	DefaultMinDuration      = 5.0
	DefaultMaxDuration      = 25.0
	defaultProbeConcurrency = 4
)

// Config wires a Service. Store, Media and OutputDir are required.
type Config struct {
	Store     storage.Repository
	Media     media.Tool
	Locker    locks.Locker
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	OutputDir string
	// MinDuration and MaxDuration bound accepted uploads, inclusive. Both zero
	// selects the 5..25 second default.
	MinDuration      float64
	MaxDuration      float64
	ProbeConcurrency int
	// RemoveSuperseded deletes a trimmed clip's previous file once no record
	// references it.
	RemoveSuperseded bool
	Clock            func() time.Time
}

type Service struct {
	store            storage.Repository
	media            media.Tool
	locker           locks.Locker
	metrics          *metrics.Recorder
	logger           *slog.Logger
	outputDir        string
	minDuration      float64
	maxDuration      float64
	probeConcurrency int
	removeSuperseded bool
	clock            func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("videos: store is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("videos: media tool is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		return nil, errors.New("videos: output directory is required")
	}
	absDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, fmt.Errorf("videos: resolve output directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("videos: create output directory: %w", err)
	}

	minDuration, maxDuration := cfg.MinDuration, cfg.MaxDuration
	if minDuration == 0 && maxDuration == 0 {
		minDuration, maxDuration = DefaultMinDuration, DefaultMaxDuration
	}
	if minDuration < 0 || maxDuration <= minDuration {
		return nil, fmt.Errorf("videos: invalid duration window [%v, %v]", minDuration, maxDuration)
	}

	svc := &Service{
		store:            cfg.Store,
		media:            cfg.Media,
		locker:           cfg.Locker,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		outputDir:        absDir,
		minDuration:      minDuration,
		maxDuration:      maxDuration,
		probeConcurrency: cfg.ProbeConcurrency,
		removeSuperseded: cfg.RemoveSuperseded,
		clock:            cfg.Clock,
	}
	if svc.locker == nil {
		svc.locker = locks.NewMemoryLocker()
	}
	if svc.metrics == nil {
		svc.metrics = metrics.Default()
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	svc.logger = logging.WithComponent(svc.logger, "videos")
	if svc.probeConcurrency <= 0 {
		svc.probeConcurrency = defaultProbeConcurrency
	}
	if svc.clock == nil {
		svc.clock = time.Now
	}
	return svc, nil
}

// OutputDir is the absolute directory trims and merges write to.
func (s *Service) OutputDir() string {
	return s.outputDir
}

// DurationWindow reports the inclusive accepted duration range in seconds.
func (s *Service) DurationWindow() (float64, float64) {
	return s.minDuration, s.maxDuration
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id int64) (models.Video, error) {
	if id <= 0 {
		return models.Video{}, newError(ErrNotFound, "Video not found", nil)
	}
	video, err := s.store.GetVideo(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Video{}, newError(ErrNotFound, "Video not found", err)
		}
		return models.Video{}, newError(ErrStore, "Error retrieving video from database", err)
	}
	return video, nil
}

// List pages through records ordered by id.
func (s *Service) List(ctx context.Context, limit, offset int) ([]models.Video, error) {
	videos, err := s.store.ListVideos(ctx, storage.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, newError(ErrStore, "Error retrieving videos from database", err)
	}
	return videos, nil
}

func (s *Service) durationMessage() string {
	return fmt.Sprintf("Video duration must be between %s and %s seconds.", formatBound(s.minDuration), formatBound(s.maxDuration))
}

func (s *Service) inWindow(duration float64) bool {
	return duration >= s.minDuration && duration <= s.maxDuration
}

func formatBound(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// outputName builds a collision-free file name such as
// trimmed-1714564800000-1a2b3c4d.mp4.
func (s *Service) outputName(prefix string) string {
	return fmt.Sprintf("%s-%d-%s.mp4", prefix, s.clock().UnixMilli(), uuid.NewString()[:8])
}

func (s *Service) removeFile(logger *slog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove file", "path", path, "error", err)
	}
}

// toolDetail extracts the diagnostic line from a media tool failure.
func toolDetail(err error) string {
	var toolErr *media.ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Detail()
	}
	return err.Error()
}
