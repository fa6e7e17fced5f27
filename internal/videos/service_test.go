package videos

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vidvault/internal/models"
	"vidvault/internal/observability/logging"
	"vidvault/internal/observability/metrics"
	"vidvault/internal/storage"
	"vidvault/internal/testsupport/mediastub"
)

type fixture struct {
	svc     *Service
	store   storage.Repository
	tool    *mediastub.Tool
	dir     string
	metrics *metrics.Recorder
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewJSONRepository(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	tool := mediastub.New()
	recorder := metrics.New()
	cfg := Config{
		Store:            store,
		Media:            tool,
		Metrics:          recorder,
		Logger:           logging.Discard(),
		OutputDir:        filepath.Join(dir, "uploads"),
		RemoveSuperseded: true,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{svc: svc, store: cfg.Store, tool: tool, dir: svc.OutputDir(), metrics: recorder}
}

func (f *fixture) upload(t *testing.T, name string, seconds float64) IncomingFile {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := f.tool.WriteFile(path, seconds, 2*1024*1024); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	return IncomingFile{Filename: name, Path: path, SizeBytes: 2 * 1024 * 1024}
}

func (f *fixture) seed(t *testing.T, name string, seconds float64) models.Video {
	t.Helper()
	created, err := f.svc.Ingest(context.Background(), []IncomingFile{f.upload(t, name, seconds)})
	if err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	return created[0]
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func outputsWithPrefix(t *testing.T, dir, prefix string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.mp4"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func TestNewServiceValidatesConfig(t *testing.T) {
	store, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing store", cfg: Config{Media: mediastub.New(), OutputDir: t.TempDir()}},
		{name: "missing media", cfg: Config{Store: store, OutputDir: t.TempDir()}},
		{name: "missing output dir", cfg: Config{Store: store, Media: mediastub.New()}},
		{name: "inverted window", cfg: Config{Store: store, Media: mediastub.New(), OutputDir: t.TempDir(), MinDuration: 30, MaxDuration: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewService(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestIngestDurationWindow(t *testing.T) {
	tests := []struct {
		duration float64
		accept   bool
	}{
		{duration: 3, accept: false},
		{duration: 4.99, accept: false},
		{duration: 5, accept: true},
		{duration: 10, accept: true},
		{duration: 25, accept: true},
		{duration: 25.01, accept: false},
	}
	for _, tt := range tests {
		f := newFixture(t)
		file := f.upload(t, "clip.mp4", tt.duration)
		created, err := f.svc.Ingest(context.Background(), []IncomingFile{file})
		if tt.accept {
			if err != nil {
				t.Fatalf("duration %v: unexpected error %v", tt.duration, err)
			}
			if len(created) != 1 || created[0].Duration != tt.duration || created[0].Filepath != file.Path {
				t.Fatalf("duration %v: unexpected records %+v", tt.duration, created)
			}
			if created[0].Size != 2 {
				t.Fatalf("expected 2 MB, got %v", created[0].Size)
			}
			continue
		}
		if !errors.Is(err, ErrDurationOutOfRange) {
			t.Fatalf("duration %v: expected ErrDurationOutOfRange, got %v", tt.duration, err)
		}
		if msg := Message(err, ""); msg != "Video duration must be between 5 and 25 seconds." {
			t.Fatalf("unexpected message %q", msg)
		}
		if fileExists(file.Path) {
			t.Fatalf("duration %v: rejected file must be deleted", tt.duration)
		}
	}
}

func TestIngestMessageUsesConfiguredWindow(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.MinDuration = 2.5
		cfg.MaxDuration = 60
	})
	_, err := f.svc.Ingest(context.Background(), []IncomingFile{f.upload(t, "long.mp4", 61)})
	if msg := Message(err, ""); msg != "Video duration must be between 2.5 and 60 seconds." {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestIngestEmptyBatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Ingest(context.Background(), nil)
	if !errors.Is(err, ErrValidation) || Message(err, "") != "No files uploaded" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestIngestPartialBatchKeepsSiblings(t *testing.T) {
	f := newFixture(t)
	good := f.upload(t, "good.mp4", 10)
	short := f.upload(t, "short.mp4", 3)
	other := f.upload(t, "other.mp4", 20)

	created, err := f.svc.Ingest(context.Background(), []IncomingFile{good, short, other})
	if !errors.Is(err, ErrDurationOutOfRange) {
		t.Fatalf("expected ErrDurationOutOfRange, got %v", err)
	}
	if len(created) != 2 || created[0].Filename != "good.mp4" || created[1].Filename != "other.mp4" {
		t.Fatalf("expected committed siblings in input order, got %+v", created)
	}
	stored, err := f.store.ListVideos(context.Background(), storage.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored records, got %d", len(stored))
	}
	if fileExists(short.Path) || !fileExists(good.Path) {
		t.Fatal("only the rejected file should be deleted")
	}
	counts := f.metrics.IngestCounts()
	if counts["accepted"] != 2 || counts["duration_rejected"] != 1 {
		t.Fatalf("unexpected ingest metrics %+v", counts)
	}
}

func TestIngestProbeFailureDeletesFile(t *testing.T) {
	f := newFixture(t)
	file := f.upload(t, "broken.mp4", 10)
	f.tool.FailProbe(file.Path, errors.New("Invalid data found when processing input"))

	_, err := f.svc.Ingest(context.Background(), []IncomingFile{file})
	if !errors.Is(err, ErrProbe) {
		t.Fatalf("expected ErrProbe, got %v", err)
	}
	if !strings.Contains(Message(err, ""), "Invalid data found") {
		t.Fatalf("expected tool detail in message, got %q", Message(err, ""))
	}
	if fileExists(file.Path) {
		t.Fatal("unreadable upload must be deleted")
	}
}

func TestIngestFallsBackToProbedSize(t *testing.T) {
	f := newFixture(t)
	file := f.upload(t, "nosize.mp4", 8)
	file.SizeBytes = 0
	created, err := f.svc.Ingest(context.Background(), []IncomingFile{file})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if created[0].Size != 2 {
		t.Fatalf("expected size from probe, got %v", created[0].Size)
	}
}

type failingStore struct {
	storage.Repository
	failCreate bool
	failUpdate bool
}

func (s *failingStore) CreateVideo(ctx context.Context, params storage.CreateVideoParams) (models.Video, error) {
	if s.failCreate {
		return models.Video{}, errors.New("disk full")
	}
	return s.Repository.CreateVideo(ctx, params)
}

func (s *failingStore) UpdateVideo(ctx context.Context, id int64, update storage.VideoUpdate) (models.Video, error) {
	if s.failUpdate {
		return models.Video{}, errors.New("disk full")
	}
	return s.Repository.UpdateVideo(ctx, id, update)
}

func TestIngestStoreFailure(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Store = &failingStore{Repository: cfg.Store, failCreate: true}
	})
	file := f.upload(t, "clip.mp4", 10)
	_, err := f.svc.Ingest(context.Background(), []IncomingFile{file})
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
	if fileExists(file.Path) {
		t.Fatal("unrecorded upload must be deleted")
	}
}

func TestTrimUpdatesRecordFromProbe(t *testing.T) {
	f := newFixture(t)
	video := f.seed(t, "source.mp4", 20)

	result, err := f.svc.Trim(context.Background(), TrimRequest{VideoID: video.ID, Start: 15, End: 30})
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if result.Video.Duration != 5 {
		t.Fatalf("expected probed duration 5, got %v", result.Video.Duration)
	}
	if result.Video.Filepath == video.Filepath || result.Video.Filepath != result.OutputPath {
		t.Fatalf("expected filepath to move to the output, got %+v", result)
	}
	if !strings.HasPrefix(result.OutputFile, "trimmed-") || filepath.Base(result.OutputPath) != result.OutputFile {
		t.Fatalf("unexpected output name %q", result.OutputFile)
	}
	if result.Video.Revision != video.Revision+1 {
		t.Fatalf("expected revision bump, got %d", result.Video.Revision)
	}
	if fileExists(video.Filepath) {
		t.Fatal("expected superseded file to be removed")
	}
	stored, err := f.store.GetVideo(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Filepath != result.OutputPath || stored.Filename != video.Filename {
		t.Fatalf("unexpected stored record %+v", stored)
	}

	calls := f.tool.Calls()
	if len(calls) != 1 || calls[0].Start != 15 || calls[0].Duration != 15 {
		t.Fatalf("unexpected tool calls %+v", calls)
	}
	if counts := f.metrics.TransformCounts(); counts[metrics.TransformLabel{Operation: "trim", Status: "complete"}] != 1 {
		t.Fatalf("unexpected transform metrics %+v", counts)
	}
}

func TestTrimKeepsSupersededWhenDisabledOrShared(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.RemoveSuperseded = false })
	video := f.seed(t, "keep.mp4", 12)
	if _, err := f.svc.Trim(context.Background(), TrimRequest{VideoID: video.ID, Start: 0, End: 6}); err != nil {
		t.Fatalf("trim: %v", err)
	}
	if !fileExists(video.Filepath) {
		t.Fatal("superseded file must stay when removal is disabled")
	}

	shared := newFixture(t)
	first := shared.seed(t, "shared.mp4", 12)
	second, err := shared.store.CreateVideo(context.Background(), storage.CreateVideoParams{
		Filename: "alias.mp4", Filepath: first.Filepath, Size: first.Size, Duration: first.Duration,
	})
	if err != nil {
		t.Fatalf("create alias: %v", err)
	}
	if _, err := shared.svc.Trim(context.Background(), TrimRequest{VideoID: first.ID, Start: 1, End: 7}); err != nil {
		t.Fatalf("trim: %v", err)
	}
	if !fileExists(second.Filepath) {
		t.Fatal("file still referenced by another record must stay")
	}
}

func TestTrimValidation(t *testing.T) {
	f := newFixture(t)
	video := f.seed(t, "v.mp4", 10)
	tests := []struct {
		name       string
		start, end float64
	}{
		{name: "start equals end", start: 4, end: 4},
		{name: "start after end", start: 6, end: 2},
		{name: "negative start", start: -1, end: 2},
		{name: "nan", start: math.NaN(), end: 2},
		{name: "infinite end", start: 0, end: math.Inf(1)},
		{name: "start past clip", start: 10, end: 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Trim(context.Background(), TrimRequest{VideoID: video.ID, Start: tt.start, End: tt.end})
			if !errors.Is(err, ErrValidation) || Message(err, "") != "Invalid start or end time" {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if calls := f.tool.Calls(); len(calls) != 0 {
		t.Fatalf("validation failures must not invoke the tool, got %+v", calls)
	}
	stored, err := f.store.GetVideo(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Revision != video.Revision {
		t.Fatal("store must be untouched")
	}
}

func TestTrimNotFound(t *testing.T) {
	f := newFixture(t)
	for _, id := range []int64{0, 42} {
		_, err := f.svc.Trim(context.Background(), TrimRequest{VideoID: id, Start: 0, End: 5})
		if !errors.Is(err, ErrNotFound) || Message(err, "") != "Video not found" {
			t.Fatalf("id %d: expected not found, got %v", id, err)
		}
	}
}

func TestTrimToolFailureLeavesRecord(t *testing.T) {
	f := newFixture(t)
	video := f.seed(t, "v.mp4", 10)
	f.tool.TrimErr = errors.New("Conversion failed!")

	_, err := f.svc.Trim(context.Background(), TrimRequest{VideoID: video.ID, Start: 0, End: 5})
	if !errors.Is(err, ErrTransform) {
		t.Fatalf("expected ErrTransform, got %v", err)
	}
	if !strings.Contains(Message(err, ""), "Conversion failed!") {
		t.Fatalf("expected tool detail, got %q", Message(err, ""))
	}
	if leftovers := outputsWithPrefix(t, f.dir, "trimmed"); len(leftovers) != 0 {
		t.Fatalf("partial output must be removed, found %v", leftovers)
	}
	stored, _ := f.store.GetVideo(context.Background(), video.ID)
	if stored.Filepath != video.Filepath || stored.Revision != video.Revision {
		t.Fatalf("record must be unchanged, got %+v", stored)
	}
	if counts := f.metrics.TransformCounts(); counts[metrics.TransformLabel{Operation: "trim", Status: "fail"}] != 1 {
		t.Fatalf("unexpected transform metrics %+v", counts)
	}
}

func TestTrimStoreFailureRemovesOutput(t *testing.T) {
	var wrapped *failingStore
	f := newFixture(t, func(cfg *Config) {
		wrapped = &failingStore{Repository: cfg.Store}
		cfg.Store = wrapped
	})
	video := f.seed(t, "v.mp4", 10)
	wrapped.failUpdate = true

	_, err := f.svc.Trim(context.Background(), TrimRequest{VideoID: video.ID, Start: 0, End: 5})
	if !errors.Is(err, ErrStore) || Message(err, "") != "Error updating video in database" {
		t.Fatalf("expected store error, got %v", err)
	}
	if leftovers := outputsWithPrefix(t, f.dir, "trimmed"); len(leftovers) != 0 {
		t.Fatalf("output must be removed, found %v", leftovers)
	}
	if !fileExists(video.Filepath) {
		t.Fatal("source must survive a failed update")
	}
}

func TestTrimDetectsConcurrentUpdate(t *testing.T) {
	f := newFixture(t)
	video := f.seed(t, "v.mp4", 10)
	f.tool.OnTrim = func() {
		// An unlocked writer changes the record mid-trim.
		if _, err := f.store.UpdateVideo(context.Background(), video.ID, storage.VideoUpdate{Filepath: video.Filepath, Size: video.Size, Duration: video.Duration}); err != nil {
			t.Errorf("concurrent update: %v", err)
		}
	}
	_, err := f.svc.Trim(context.Background(), TrimRequest{VideoID: video.ID, Start: 0, End: 5})
	if !errors.Is(err, ErrStore) || !errors.Is(err, storage.ErrRevisionConflict) {
		t.Fatalf("expected revision conflict, got %v", err)
	}
}

func TestConcurrentTrimsAreSerialized(t *testing.T) {
	f := newFixture(t)
	video := f.seed(t, "v.mp4", 20)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, end := range []float64{15, 10} {
		i, end := i, end
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Trim(context.Background(), TrimRequest{VideoID: video.ID, Start: 0, End: end})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("trim: %v", err)
		}
	}
	stored, err := f.store.GetVideo(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Revision != video.Revision+2 {
		t.Fatalf("expected two sequential updates, got revision %d", stored.Revision)
	}
	if !fileExists(stored.Filepath) {
		t.Fatal("current file must exist")
	}
	if leftovers := outputsWithPrefix(t, f.dir, "trimmed"); len(leftovers) != 1 {
		t.Fatalf("expected only the current output on disk, got %v", leftovers)
	}
}

func TestTrimHonoursCancelledLockWait(t *testing.T) {
	f := newFixture(t)
	video := f.seed(t, "v.mp4", 10)
	unlock, err := f.svc.locker.Lock(context.Background(), lockKey(video.ID))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.svc.Trim(ctx, TrimRequest{VideoID: video.ID, Start: 0, End: 5}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected lock wait to time out, got %v", err)
	}
}

func TestMergeCreatesNewRecord(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "a.mp4", 6)
	b := f.seed(t, "b.mp4", 9)

	merged, err := f.svc.Merge(context.Background(), []int64{b.ID, a.ID})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.ID == a.ID || merged.ID == b.ID || merged.Duration != 15 {
		t.Fatalf("unexpected merged record %+v", merged)
	}
	if !strings.HasPrefix(merged.Filename, "merged-") || !fileExists(merged.Filepath) {
		t.Fatalf("unexpected merged file %+v", merged)
	}
	calls := f.tool.Calls()
	if len(calls) != 1 || calls[0].Inputs[0] != b.Filepath || calls[0].Inputs[1] != a.Filepath {
		t.Fatalf("expected inputs in request order, got %+v", calls)
	}
	for _, source := range []models.Video{a, b} {
		stored, err := f.store.GetVideo(context.Background(), source.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.Filepath != source.Filepath || stored.Duration != source.Duration || stored.Revision != source.Revision {
			t.Fatalf("source %d modified: %+v", source.ID, stored)
		}
	}
}

func TestMergeValidationAndLookup(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "a.mp4", 6)
	tests := []struct {
		name    string
		ids     []int64
		kind    error
		message string
	}{
		{name: "empty", ids: nil, kind: ErrValidation, message: "Please provide at least two video IDs to merge."},
		{name: "single", ids: []int64{a.ID}, kind: ErrValidation, message: "Please provide at least two video IDs to merge."},
		{name: "non-positive", ids: []int64{a.ID, -3}, kind: ErrValidation, message: "Invalid video ID"},
		{name: "missing", ids: []int64{a.ID, 999}, kind: ErrNotFound, message: "One or more videos not found"},
		{name: "duplicate", ids: []int64{a.ID, a.ID}, kind: ErrNotFound, message: "One or more videos not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Merge(context.Background(), tt.ids)
			if !errors.Is(err, tt.kind) || Message(err, "") != tt.message {
				t.Fatalf("expected %v %q, got %v", tt.kind, tt.message, err)
			}
		})
	}
	if calls := f.tool.Calls(); len(calls) != 0 {
		t.Fatalf("tool must not run, got %+v", calls)
	}
}

func TestMergeToolFailureCreatesNothing(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "a.mp4", 6)
	b := f.seed(t, "b.mp4", 7)
	f.tool.ConcatErr = errors.New("Error while filtering")

	_, err := f.svc.Merge(context.Background(), []int64{a.ID, b.ID})
	if !errors.Is(err, ErrMerge) {
		t.Fatalf("expected ErrMerge, got %v", err)
	}
	stored, err := f.store.ListVideos(context.Background(), storage.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected no new record, got %d", len(stored))
	}
	if leftovers := outputsWithPrefix(t, f.dir, "merged"); len(leftovers) != 0 {
		t.Fatalf("partial output must be removed, found %v", leftovers)
	}
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "a.mp4", 6)
	f.seed(t, "b.mp4", 7)

	got, err := f.svc.Get(context.Background(), a.ID)
	if err != nil || got.ID != a.ID {
		t.Fatalf("get: %+v, %v", got, err)
	}
	if _, err := f.svc.Get(context.Background(), 77); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	page, err := f.svc.List(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 1 || page[0].Filename != "b.mp4" {
		t.Fatalf("unexpected page %+v", page)
	}
}
