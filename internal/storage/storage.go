package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"vidvault/internal/models"
)

type dataset struct {
	// NextID is the last id handed out; ids are never reused.
	NextID int64                  `json:"nextId"`
	Videos map[int64]models.Video `json:"videos"`
}

func newDataset() dataset {
	return dataset{Videos: make(map[int64]models.Video)}
}

func cloneDataset(src dataset) dataset {
	clone := dataset{NextID: src.NextID, Videos: make(map[int64]models.Video, len(src.Videos))}
	for id, video := range src.Videos {
		clone.Videos[id] = video
	}
	return clone
}

// JSONRepository keeps every record in memory and rewrites a single JSON
// document on each mutation. Suitable for single-process deployments.
type JSONRepository struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewJSONRepository opens (or creates) the datastore at path.
func NewJSONRepository(path string, opts ...Option) (*JSONRepository, error) {
	store := &JSONRepository{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *JSONRepository) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if data.Videos == nil {
		data.Videos = make(map[int64]models.Video)
	}
	for id := range data.Videos {
		if id > data.NextID {
			data.NextID = id
		}
	}
	s.data = data
	return nil
}

func (s *JSONRepository) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// mutate applies fn to a copy of the dataset and swaps it in only after the
// copy has been written to disk.
func (s *JSONRepository) mutate(fn func(*dataset) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneDataset(s.data)
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.persistDataset(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

func (s *JSONRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(filepath.Dir(s.filePath))
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data path %s is not a directory", filepath.Dir(s.filePath))
	}
	return nil
}

func (s *JSONRepository) Close(context.Context) error {
	return nil
}

func (s *JSONRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	if err := params.validate(); err != nil {
		return models.Video{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Video{}, err
	}

	var created models.Video
	err := s.mutate(func(data *dataset) error {
		now := s.now()
		data.NextID++
		created = models.Video{
			ID:        data.NextID,
			Filename:  params.Filename,
			Filepath:  params.Filepath,
			Size:      params.Size,
			Duration:  params.Duration,
			Revision:  1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		data.Videos[created.ID] = created
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return created, nil
}

func (s *JSONRepository) GetVideo(ctx context.Context, id int64) (models.Video, error) {
	if err := ctx.Err(); err != nil {
		return models.Video{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, notFound(id)
	}
	return video, nil
}

func (s *JSONRepository) GetVideos(ctx context.Context, ids []int64) ([]models.Video, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	unique := uniqueIDs(ids)
	videos := make([]models.Video, 0, len(unique))
	for _, id := range unique {
		if video, ok := s.data.Videos[id]; ok {
			videos = append(videos, video)
		}
	}
	return videos, nil
}

func (s *JSONRepository) UpdateVideo(ctx context.Context, id int64, update VideoUpdate) (models.Video, error) {
	if err := update.validate(); err != nil {
		return models.Video{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Video{}, err
	}

	var updated models.Video
	err := s.mutate(func(data *dataset) error {
		video, ok := data.Videos[id]
		if !ok {
			return notFound(id)
		}
		if update.ExpectedRevision > 0 && video.Revision != update.ExpectedRevision {
			return revisionConflict(id, update.ExpectedRevision)
		}
		video.Filepath = update.Filepath
		video.Size = update.Size
		video.Duration = update.Duration
		video.Revision++
		video.UpdatedAt = s.now()
		data.Videos[id] = video
		updated = video
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return updated, nil
}

func (s *JSONRepository) ListVideos(ctx context.Context, opts ListOptions) ([]models.Video, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.normalized()

	s.mu.RLock()
	ids := make([]int64, 0, len(s.data.Videos))
	for id := range s.data.Videos {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if opts.Offset >= len(ids) {
		s.mu.RUnlock()
		return []models.Video{}, nil
	}
	ids = ids[opts.Offset:]
	if len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}
	videos := make([]models.Video, 0, len(ids))
	for _, id := range ids {
		videos = append(videos, s.data.Videos[id])
	}
	s.mu.RUnlock()
	return videos, nil
}

func (s *JSONRepository) CountVideosByFilepath(ctx context.Context, path string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, video := range s.data.Videos {
		if video.Filepath == path {
			count++
		}
	}
	return count, nil
}

// ImportVideos upserts records keeping their ids and advances NextID past
// the highest imported id.
func (s *JSONRepository) ImportVideos(ctx context.Context, videos []models.Video) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mutate(func(data *dataset) error {
		for _, video := range videos {
			if video.ID <= 0 {
				return fmt.Errorf("import video: invalid id %d", video.ID)
			}
			if video.Revision <= 0 {
				video.Revision = 1
			}
			data.Videos[video.ID] = video
			if video.ID > data.NextID {
				data.NextID = video.ID
			}
		}
		return nil
	})
}
