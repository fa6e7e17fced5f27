package videos

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"time"

	"vidvault/internal/models"
	"vidvault/internal/observability/logging"
	"vidvault/internal/storage"
)

const (
	opTrim  = "trim"
	opMerge = "merge"
)

type TrimRequest struct {
	VideoID int64
	Start   float64
	End     float64
}

type TrimResult struct {
	Video models.Video
	// OutputFile is the new file's base name; OutputPath is its location.
	OutputFile string
	OutputPath string
}

func validRange(start, end float64) bool {
	for _, v := range []float64{start, end} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return start >= 0 && start < end
}

func lockKey(id int64) string {
	return "video:" + strconv.FormatInt(id, 10)
}

// Trim replaces a record's backing file with the [Start, End) sub-range of
// it. The record is locked for the whole run and updated against the revision
// read under the lock. The stored duration is the probed length of the new
// file, which is not re-checked against the upload window.
func (s *Service) Trim(ctx context.Context, req TrimRequest) (TrimResult, error) {
	if !validRange(req.Start, req.End) {
		return TrimResult{}, newError(ErrValidation, "Invalid start or end time", nil)
	}
	if req.VideoID <= 0 {
		return TrimResult{}, newError(ErrNotFound, "Video not found", nil)
	}

	ctx = logging.ContextWithVideoID(ctx, req.VideoID)
	logger := logging.WithContext(ctx, s.logger)

	unlock, err := s.locker.Lock(ctx, lockKey(req.VideoID))
	if err != nil {
		return TrimResult{}, newError(ErrStore, "Error locking video", err)
	}
	defer unlock()

	// Once the lock is held the run is not cancelled by the caller.
	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	s.metrics.TransformStarted(opTrim)
	result, err := s.trimLocked(ctx, logger, req)
	if err != nil {
		s.metrics.TransformFailed(opTrim, time.Since(started))
		logger.Warn("trim failed", "error", err)
		return TrimResult{}, err
	}
	s.metrics.TransformCompleted(opTrim, time.Since(started))
	return result, nil
}

func (s *Service) trimLocked(ctx context.Context, logger *slog.Logger, req TrimRequest) (TrimResult, error) {
	video, err := s.store.GetVideo(ctx, req.VideoID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TrimResult{}, newError(ErrNotFound, "Video not found", err)
		}
		return TrimResult{}, newError(ErrStore, "Error retrieving video from database", err)
	}
	if video.Duration > 0 && req.Start >= video.Duration {
		return TrimResult{}, newError(ErrValidation, "Invalid start or end time", nil)
	}

	outputFile := s.outputName("trimmed")
	outputPath := filepath.Join(s.outputDir, outputFile)
	if err := s.media.Trim(ctx, video.Filepath, req.Start, req.End-req.Start, outputPath); err != nil {
		s.removeFile(logger, outputPath)
		return TrimResult{}, newError(ErrTransform, "Error trimming video: "+toolDetail(err), err)
	}

	probe, err := s.media.Probe(ctx, outputPath)
	if err != nil {
		s.removeFile(logger, outputPath)
		return TrimResult{}, newError(ErrProbe, "Error reading video metadata: "+toolDetail(err), err)
	}

	updated, err := s.store.UpdateVideo(ctx, video.ID, storage.VideoUpdate{
		Filepath:         outputPath,
		Size:             models.SizeMegabytes(probe.SizeBytes),
		Duration:         probe.Duration,
		ExpectedRevision: video.Revision,
	})
	if err != nil {
		s.removeFile(logger, outputPath)
		return TrimResult{}, newError(ErrStore, "Error updating video in database", err)
	}

	if !s.inWindow(updated.Duration) {
		logger.Warn("trimmed duration outside upload window", "duration", updated.Duration, "min", s.minDuration, "max", s.maxDuration)
	}
	logger.Info("video trimmed", "output", outputFile, "duration", updated.Duration, "revision", updated.Revision)

	if s.removeSuperseded && video.Filepath != updated.Filepath {
		s.removeIfUnreferenced(ctx, logger, video.Filepath)
	}
	return TrimResult{Video: updated, OutputFile: outputFile, OutputPath: outputPath}, nil
}

// removeIfUnreferenced deletes path when no record points at it any more.
func (s *Service) removeIfUnreferenced(ctx context.Context, logger *slog.Logger, path string) {
	count, err := s.store.CountVideosByFilepath(ctx, path)
	if err != nil {
		logger.Warn("count superseded file references", "path", path, "error", err)
		return
	}
	if count > 0 {
		return
	}
	s.removeFile(logger, path)
	logger.Debug("superseded file removed", "path", path)
}

// Merge concatenates the clips in ids order into a new record. Sources are
// only read, so no record locks are taken.
func (s *Service) Merge(ctx context.Context, ids []int64) (models.Video, error) {
	if len(ids) < 2 {
		return models.Video{}, newError(ErrValidation, "Please provide at least two video IDs to merge.", nil)
	}
	for _, id := range ids {
		if id <= 0 {
			return models.Video{}, newError(ErrValidation, "Invalid video ID", nil)
		}
	}

	ctx = context.WithoutCancel(ctx)
	logger := logging.WithContext(ctx, s.logger)
	started := time.Now()
	s.metrics.TransformStarted(opMerge)
	video, err := s.merge(ctx, logger, ids)
	if err != nil {
		s.metrics.TransformFailed(opMerge, time.Since(started))
		logger.Warn("merge failed", "video_ids", ids, "error", err)
		return models.Video{}, err
	}
	s.metrics.TransformCompleted(opMerge, time.Since(started))
	return video, nil
}

func (s *Service) merge(ctx context.Context, logger *slog.Logger, ids []int64) (models.Video, error) {
	sources, err := s.store.GetVideos(ctx, ids)
	if err != nil {
		return models.Video{}, newError(ErrStore, "Error retrieving videos from database", err)
	}
	// Duplicate ids resolve to one record and therefore fail here too.
	if len(sources) < len(ids) {
		return models.Video{}, newError(ErrNotFound, "One or more videos not found", nil)
	}
	byID := make(map[int64]models.Video, len(sources))
	for _, source := range sources {
		byID[source.ID] = source
	}
	inputs := make([]string, 0, len(ids))
	for _, id := range ids {
		inputs = append(inputs, byID[id].Filepath)
	}

	outputFile := s.outputName("merged")
	outputPath := filepath.Join(s.outputDir, outputFile)
	if err := s.media.Concat(ctx, inputs, outputPath); err != nil {
		s.removeFile(logger, outputPath)
		return models.Video{}, newError(ErrMerge, "Error merging videos: "+toolDetail(err), err)
	}

	probe, err := s.media.Probe(ctx, outputPath)
	if err != nil {
		s.removeFile(logger, outputPath)
		return models.Video{}, newError(ErrProbe, "Error reading video metadata: "+toolDetail(err), err)
	}

	merged, err := s.store.CreateVideo(ctx, storage.CreateVideoParams{
		Filename: outputFile,
		Filepath: outputPath,
		Size:     models.SizeMegabytes(probe.SizeBytes),
		Duration: probe.Duration,
	})
	if err != nil {
		s.removeFile(logger, outputPath)
		return models.Video{}, newError(ErrStore, "Error saving merged video to database", err)
	}
	logger.Info("videos merged", "video_id", merged.ID, "sources", ids, "duration", merged.Duration)
	return merged, nil
}
