package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vidvault/internal/api"
	"vidvault/internal/observability/logging"
)

type fakeSweeper struct {
	calls chan struct{}
}

func (f *fakeSweeper) Sweep() (int, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return 1, nil
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartUploadSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	s := &fakeSweeper{calls: make(chan struct{}, 1)}

	stop := startUploadSweeperWithTicker(ctx, logging.Discard(), s, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case <-s.calls:
	case <-time.After(time.Second):
		t.Fatal("expected sweep to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestPendingUploadSweeperRemovesOnlyStalePartials(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	write := func(name string, age time.Duration) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		stamp := now.Add(-age)
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
		return path
	}
	stale := write(api.PendingUploadPrefix+"1", 2*time.Hour)
	fresh := write(api.PendingUploadPrefix+"2", time.Minute)
	stored := write("1700000000000-clip.mp4", 48*time.Hour)

	s := pendingUploadSweeper{dir: dir, maxAge: time.Hour, now: func() time.Time { return now }}
	removed, err := s.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale partial still present: %v", err)
	}
	for _, path := range []string{fresh, stored} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("%s removed: %v", path, err)
		}
	}

	missing := pendingUploadSweeper{dir: filepath.Join(dir, "absent"), maxAge: time.Hour}
	if n, err := missing.Sweep(); err != nil || n != 0 {
		t.Fatalf("missing dir sweep = %d, %v", n, err)
	}
}
