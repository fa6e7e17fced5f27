package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"vidvault/internal/models"
)

// Snapshot is a driver-neutral copy of every video record, used to move data
// between backing stores.
type Snapshot struct {
	Videos []models.Video `json:"videos"`
}

// MaxID returns the highest id in the snapshot.
func (s *Snapshot) MaxID() int64 {
	var max int64
	for _, video := range s.Videos {
		if video.ID > max {
			max = video.ID
		}
	}
	return max
}

// LoadSnapshotFromJSON reads a JSON datastore file without opening it as a
// live repository.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open json datastore: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return &Snapshot{}, nil
		}
		return nil, fmt.Errorf("decode json datastore: %w", err)
	}
	snapshot := &Snapshot{Videos: make([]models.Video, 0, len(data.Videos))}
	for _, video := range data.Videos {
		snapshot.Videos = append(snapshot.Videos, video)
	}
	sort.Slice(snapshot.Videos, func(i, j int) bool { return snapshot.Videos[i].ID < snapshot.Videos[j].ID })
	return snapshot, nil
}

// ExportSnapshot pages through every record in repo.
func ExportSnapshot(ctx context.Context, repo Repository) (*Snapshot, error) {
	snapshot := &Snapshot{}
	offset := 0
	for {
		page, err := repo.ListVideos(ctx, ListOptions{Limit: maxListLimit, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("export videos at offset %d: %w", offset, err)
		}
		snapshot.Videos = append(snapshot.Videos, page...)
		if len(page) < maxListLimit {
			return snapshot, nil
		}
		offset += len(page)
	}
}

// ImportSnapshot writes the snapshot into repo, preserving ids.
func ImportSnapshot(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot is required")
	}
	importer, ok := repo.(Importer)
	if !ok {
		return fmt.Errorf("repository %T does not support imports", repo)
	}
	return importer.ImportVideos(ctx, snapshot.Videos)
}
