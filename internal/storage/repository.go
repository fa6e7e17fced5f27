package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vidvault/internal/models"
)

var (
	// ErrNotFound reports that no video exists for the requested id.
	ErrNotFound = errors.New("video not found")
	// ErrRevisionConflict reports that an update carried a stale revision.
	ErrRevisionConflict = errors.New("video revision conflict")
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Repository is the metadata store for video records. Implementations assign
// ids on create, never reuse them, and increment Revision on every update.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, id int64) (models.Video, error)
	// GetVideos returns the existing records among ids, each at most once.
	// The result may be shorter than ids.
	GetVideos(ctx context.Context, ids []int64) ([]models.Video, error)
	UpdateVideo(ctx context.Context, id int64, update VideoUpdate) (models.Video, error)
	ListVideos(ctx context.Context, opts ListOptions) ([]models.Video, error)
	CountVideosByFilepath(ctx context.Context, path string) (int, error)
}

// Importer loads records with their existing ids, used when moving data
// between drivers.
type Importer interface {
	ImportVideos(ctx context.Context, videos []models.Video) error
}

type CreateVideoParams struct {
	Filename string
	Filepath string
	Size     float64
	Duration float64
}

func (p CreateVideoParams) validate() error {
	if strings.TrimSpace(p.Filename) == "" {
		return errors.New("filename is required")
	}
	if strings.TrimSpace(p.Filepath) == "" {
		return errors.New("filepath is required")
	}
	if p.Size < 0 || p.Duration < 0 {
		return errors.New("size and duration must not be negative")
	}
	return nil
}

// VideoUpdate replaces a record's backing file metadata. When
// ExpectedRevision is positive the update only applies if it matches the
// stored revision.
type VideoUpdate struct {
	Filepath         string
	Size             float64
	Duration         float64
	ExpectedRevision int64
}

func (u VideoUpdate) validate() error {
	if strings.TrimSpace(u.Filepath) == "" {
		return errors.New("filepath is required")
	}
	if u.Size < 0 || u.Duration < 0 {
		return errors.New("size and duration must not be negative")
	}
	return nil
}

type ListOptions struct {
	Limit  int
	Offset int
}

func (o ListOptions) normalized() ListOptions {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// uniqueIDs drops duplicates and non-positive ids, keeping first-seen order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func notFound(id int64) error {
	return fmt.Errorf("video %d: %w", id, ErrNotFound)
}

func revisionConflict(id, expected int64) error {
	return fmt.Errorf("video %d at revision %d: %w", id, expected, ErrRevisionConflict)
}

func timestampOrNow(ts time.Time, now func() time.Time) time.Time {
	if ts.IsZero() {
		return now()
	}
	return ts.UTC()
}
