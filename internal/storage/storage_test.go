package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONRepositoryPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "store.json")
	repo, err := NewJSONRepository(path, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	first := mustCreate(t, repo, "a.mp4", 10)
	second := mustCreate(t, repo, "b.mp4", 11)

	reopened, err := NewJSONRepository(path)
	if err != nil {
		t.Fatalf("reopen repository: %v", err)
	}
	got, err := reopened.GetVideo(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Filename != "a.mp4" || !got.CreatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected record after reopen %+v", got)
	}

	third := mustCreate(t, reopened, "c.mp4", 12)
	if third.ID != second.ID+1 {
		t.Fatalf("expected id %d after reopen, got %d", second.ID+1, third.ID)
	}
}

func TestJSONRepositoryFailedPersistLeavesStateUntouched(t *testing.T) {
	repo, err := NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	video := mustCreate(t, repo, "a.mp4", 10)

	diskErr := errors.New("disk full")
	repo.persistOverride = func(dataset) error { return diskErr }

	_, err = repo.UpdateVideo(context.Background(), video.ID, VideoUpdate{Filepath: "/uploads/new.mp4", Duration: 5})
	if !errors.Is(err, diskErr) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if _, err := repo.CreateVideo(context.Background(), CreateVideoParams{Filename: "b.mp4", Filepath: "/uploads/b.mp4"}); !errors.Is(err, diskErr) {
		t.Fatalf("expected persist error on create, got %v", err)
	}

	repo.persistOverride = nil
	current, err := repo.GetVideo(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if current.Filepath != "/uploads/a.mp4" || current.Revision != 1 {
		t.Fatalf("failed update leaked into memory: %+v", current)
	}
	next := mustCreate(t, repo, "c.mp4", 10)
	if next.ID != video.ID+1 {
		t.Fatalf("failed create must not consume an id, got %d", next.ID)
	}
}

func TestJSONRepositoryRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := NewJSONRepository(path); err == nil || !strings.Contains(err.Error(), "decode store file") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestJSONRepositoryHonoursCancelledContext(t *testing.T) {
	repo, err := NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := repo.GetVideo(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoadSnapshotFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	repo, err := NewJSONRepository(path)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	mustCreate(t, repo, "b.mp4", 10)
	mustCreate(t, repo, "a.mp4", 10)

	snapshot, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(snapshot.Videos) != 2 || snapshot.Videos[0].ID != 1 || snapshot.MaxID() != 2 {
		t.Fatalf("unexpected snapshot %+v", snapshot.Videos)
	}
}

func TestParseDriver(t *testing.T) {
	cases := map[string]Driver{
		"":           DriverJSON,
		"JSON":       DriverJSON,
		" postgres ": DriverPostgres,
		"pg":         DriverPostgres,
		"sqlite3":    DriverSQLite,
	}
	for input, want := range cases {
		got, err := ParseDriver(input)
		if err != nil {
			t.Fatalf("ParseDriver(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseDriver(%q) = %q, want %q", input, got, want)
		}
	}
	if _, err := ParseDriver("mongo"); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	dir := t.TempDir()
	repo, err := Open(Config{Driver: DriverJSON, JSONPath: filepath.Join(dir, "store.json")})
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	if _, ok := repo.(*JSONRepository); !ok {
		t.Fatalf("expected *JSONRepository, got %T", repo)
	}

	repo, err = Open(Config{Driver: DriverSQLite, SQLitePath: filepath.Join(dir, "videos.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close(context.Background()) })
	if _, ok := repo.(*SQLiteRepository); !ok {
		t.Fatalf("expected *SQLiteRepository, got %T", repo)
	}

	if _, err := Open(Config{Driver: DriverPostgres}); err == nil {
		t.Fatal("expected missing postgres dsn to fail")
	}
	if _, err := Open(Config{Driver: DriverJSON}); err == nil {
		t.Fatal("expected missing json path to fail")
	}
}
