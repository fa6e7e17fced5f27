// Command migrate-store copies video records between datastores, keeping ids.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"vidvault/internal/observability/logging"
	"vidvault/internal/storage"
)

type endpoint struct {
	driver string
	target string
}

func main() {
	from := endpoint{}
	to := endpoint{}
	flag.StringVar(&from.driver, "from", "json", "source driver (json, sqlite or postgres)")
	flag.StringVar(&from.target, "from-path", "data/videos.json", "source path or Postgres DSN")
	flag.StringVar(&to.driver, "to", "postgres", "destination driver (json, sqlite or postgres)")
	flag.StringVar(&to.target, "to-path", "", "destination path or Postgres DSN")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: "text"})

	if to.driver == "postgres" && strings.TrimSpace(to.target) == "" {
		to.target = firstNonEmpty(os.Getenv("VIDVAULT_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	}
	if strings.TrimSpace(to.target) == "" {
		logger.Error("destination required", "hint", "set --to-path, VIDVAULT_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()
	count, err := migrate(ctx, from, to)
	if err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed", "from", from.driver, "to", to.driver, "videos", count)
}

func migrate(ctx context.Context, from, to endpoint) (int, error) {
	var snapshot *storage.Snapshot
	if strings.EqualFold(from.driver, "json") {
		// Read the file directly so a JSON source is never rewritten.
		loaded, err := storage.LoadSnapshotFromJSON(from.target)
		if err != nil {
			return 0, err
		}
		snapshot = loaded
	} else {
		source, err := open(from)
		if err != nil {
			return 0, fmt.Errorf("open source: %w", err)
		}
		defer source.Close(ctx)
		snapshot, err = storage.ExportSnapshot(ctx, source)
		if err != nil {
			return 0, err
		}
	}

	dest, err := open(to)
	if err != nil {
		return 0, fmt.Errorf("open destination: %w", err)
	}
	defer dest.Close(ctx)

	if err := storage.ImportSnapshot(ctx, dest, snapshot); err != nil {
		return 0, fmt.Errorf("import snapshot: %w", err)
	}
	if err := verify(ctx, dest, snapshot); err != nil {
		return 0, err
	}
	return len(snapshot.Videos), nil
}

func open(e endpoint) (storage.Repository, error) {
	driver, err := storage.ParseDriver(e.driver)
	if err != nil {
		return nil, err
	}
	cfg := storage.Config{Driver: driver}
	switch driver {
	case storage.DriverJSON:
		cfg.JSONPath = e.target
	case storage.DriverSQLite:
		cfg.SQLitePath = e.target
	case storage.DriverPostgres:
		cfg.PostgresDSN = e.target
	}
	return storage.Open(cfg, storage.WithPostgresApplicationName("vidvault-migrate"))
}

// verify checks that every migrated record is readable from the destination.
func verify(ctx context.Context, repo storage.Repository, snapshot *storage.Snapshot) error {
	ids := make([]int64, 0, len(snapshot.Videos))
	for _, video := range snapshot.Videos {
		ids = append(ids, video.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	found, err := repo.GetVideos(ctx, ids)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if len(found) != len(ids) {
		return errors.New("verify: destination is missing migrated records")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
