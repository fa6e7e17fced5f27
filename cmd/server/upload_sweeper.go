package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vidvault/internal/api"
)

type sweeper interface {
	Sweep() (int, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

// pendingUploadSweeper removes partial uploads abandoned by interrupted
// requests.
type pendingUploadSweeper struct {
	dir    string
	maxAge time.Duration
	now    func() time.Time
}

func (s pendingUploadSweeper) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	cutoff := now().Add(-s.maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), api.PendingUploadPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func startUploadSweeper(ctx context.Context, logger *slog.Logger, s sweeper, interval time.Duration) func() {
	return startUploadSweeperWithTicker(ctx, logger, s, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startUploadSweeperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	s sweeper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if s == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				removed, err := s.Sweep()
				if logger == nil {
					continue
				}
				if err != nil {
					logger.Error("failed to sweep pending uploads", "error", err)
				} else if removed > 0 {
					logger.Info("removed abandoned uploads", "count", removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
