package storage

import (
	"strings"
	"time"
)

// Option tunes a repository. Each option applies to the drivers it
// understands and is ignored by the others.
type Option interface {
	applyJSON(*JSONRepository)
	applyPostgres(*PostgresConfig)
	applySQLite(*SQLiteConfig)
}

type optionAdapter struct {
	json   func(*JSONRepository)
	pg     func(*PostgresConfig)
	sqlite func(*SQLiteConfig)
}

func (o optionAdapter) applyJSON(store *JSONRepository) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func (o optionAdapter) applySQLite(cfg *SQLiteConfig) {
	if o.sqlite != nil && cfg != nil {
		o.sqlite(cfg)
	}
}

func composeOption(json func(*JSONRepository), pg func(*PostgresConfig), sqlite func(*SQLiteConfig)) Option {
	return optionAdapter{json: json, pg: pg, sqlite: sqlite}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

func sqliteOnlyOption(sqlite func(*SQLiteConfig)) Option {
	return optionAdapter{sqlite: sqlite}
}

// WithClock overrides the timestamp source for CreatedAt and UpdatedAt.
func WithClock(now func() time.Time) Option {
	if now == nil {
		return optionAdapter{}
	}
	return composeOption(
		func(s *JSONRepository) { s.now = now },
		func(cfg *PostgresConfig) { cfg.Clock = now },
		func(cfg *SQLiteConfig) { cfg.Clock = now },
	)
}

// WithPostgresPoolLimits configures the maximum and minimum number of pooled
// connections maintained by the Postgres repository.
func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresPoolDurations sets lifetime, idle and health check intervals.
func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

// WithPostgresAcquireTimeout bounds how long a query waits for a pooled
// connection.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

// WithPostgresApplicationName tags connections for pg_stat_activity.
func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

// WithSQLiteBusyTimeout sets how long SQLite waits on a locked database.
func WithSQLiteBusyTimeout(timeout time.Duration) Option {
	return sqliteOnlyOption(func(cfg *SQLiteConfig) {
		if timeout > 0 {
			cfg.BusyTimeout = timeout
		}
	})
}
