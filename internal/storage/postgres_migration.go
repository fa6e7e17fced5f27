package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vidvault/internal/models"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		id BIGSERIAL PRIMARY KEY,
		filename TEXT NOT NULL,
		filepath TEXT NOT NULL,
		size DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration DOUBLE PRECISION NOT NULL DEFAULT 0,
		revision BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS videos_filepath_idx ON videos (filepath)`,
}

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		for _, stmt := range postgresSchema {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
}

// ImportVideos upserts records keeping their ids inside one transaction and
// moves the id sequence past the highest id present.
func (r *PostgresRepository) ImportVideos(ctx context.Context, videos []models.Video) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin import transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		batch := &pgx.Batch{}
		for _, video := range videos {
			if video.ID <= 0 {
				return fmt.Errorf("import video: invalid id %d", video.ID)
			}
			revision := video.Revision
			if revision <= 0 {
				revision = 1
			}
			batch.Queue(`INSERT INTO videos (id, filename, filepath, size, duration, revision, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (id) DO UPDATE SET
					filename = EXCLUDED.filename,
					filepath = EXCLUDED.filepath,
					size = EXCLUDED.size,
					duration = EXCLUDED.duration,
					revision = EXCLUDED.revision,
					created_at = EXCLUDED.created_at,
					updated_at = EXCLUDED.updated_at`,
				video.ID, video.Filename, video.Filepath, video.Size, video.Duration, revision,
				timestampOrNow(video.CreatedAt, r.cfg.Clock), timestampOrNow(video.UpdatedAt, r.cfg.Clock))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("import videos: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT setval(pg_get_serial_sequence('videos', 'id'), GREATEST((SELECT COALESCE(MAX(id), 0) FROM videos), 1))`); err != nil {
			return fmt.Errorf("advance video id sequence: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit import: %w", err)
		}
		return nil
	})
}
