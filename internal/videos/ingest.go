package videos

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"vidvault/internal/models"
	"vidvault/internal/observability/logging"
	"vidvault/internal/storage"
)

// IncomingFile is an upload already written to disk.
type IncomingFile struct {
	// Filename is the stored name, also used as the record's display name.
	Filename  string
	Path      string
	SizeBytes int64
}

// Ingest probes every file concurrently and records those whose duration is
// inside the window. Rejected files are deleted. The batch is not atomic:
// on failure the returned slice still holds the records committed for sibling
// files, in input order, alongside the first failure in input order.
func (s *Service) Ingest(ctx context.Context, files []IncomingFile) ([]models.Video, error) {
	if len(files) == 0 {
		return nil, newError(ErrValidation, "No files uploaded", nil)
	}
	// Probes and writes run to completion even if the client goes away.
	ctx = context.WithoutCancel(ctx)
	logger := logging.WithContext(ctx, s.logger)

	sem := semaphore.NewWeighted(int64(s.probeConcurrency))
	results := make([]*models.Video, len(files))
	failures := make([]error, len(files))

	var group errgroup.Group
	for i, file := range files {
		i, file := i, file
		group.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				failures[i] = err
				return err
			}
			defer sem.Release(1)

			video, err := s.ingestOne(ctx, logger, file)
			if err != nil {
				failures[i] = err
				return err
			}
			results[i] = &video
			return nil
		})
	}
	waitErr := group.Wait()

	created := make([]models.Video, 0, len(files))
	for _, video := range results {
		if video != nil {
			created = append(created, *video)
		}
	}
	if waitErr != nil {
		for _, err := range failures {
			if err != nil {
				logger.Warn("upload batch rejected", "accepted", len(created), "files", len(files), "error", err)
				return created, err
			}
		}
		return created, waitErr
	}
	logger.Info("upload batch accepted", "files", len(files))
	return created, nil
}

func (s *Service) ingestOne(ctx context.Context, logger *slog.Logger, file IncomingFile) (models.Video, error) {
	logger = logger.With("file", file.Filename)
	if strings.TrimSpace(file.Path) == "" || strings.TrimSpace(file.Filename) == "" {
		s.metrics.ObserveIngest("invalid")
		return models.Video{}, newError(ErrValidation, "Invalid upload", nil)
	}

	probe, err := s.media.Probe(ctx, file.Path)
	if err != nil {
		s.removeFile(logger, file.Path)
		s.metrics.ObserveIngest("probe_failed")
		logger.Warn("probe upload", "error", err)
		return models.Video{}, newError(ErrProbe, "Error reading video metadata: "+toolDetail(err), err)
	}

	if !s.inWindow(probe.Duration) {
		s.removeFile(logger, file.Path)
		s.metrics.ObserveIngest("duration_rejected")
		logger.Info("upload duration out of range", "duration", probe.Duration)
		return models.Video{}, newError(ErrDurationOutOfRange, s.durationMessage(), nil)
	}

	sizeBytes := file.SizeBytes
	if sizeBytes <= 0 {
		sizeBytes = probe.SizeBytes
	}
	video, err := s.store.CreateVideo(ctx, storage.CreateVideoParams{
		Filename: file.Filename,
		Filepath: file.Path,
		Size:     models.SizeMegabytes(sizeBytes),
		Duration: probe.Duration,
	})
	if err != nil {
		// Nothing references the file without a record.
		s.removeFile(logger, file.Path)
		s.metrics.ObserveIngest("store_failed")
		logger.Error("record upload", "error", err)
		return models.Video{}, newError(ErrStore, "Error saving video to database", err)
	}
	s.metrics.ObserveIngest("accepted")
	logger.Info("upload recorded", "video_id", video.ID, "duration", video.Duration, "size_mb", video.Size)
	return video, nil
}
