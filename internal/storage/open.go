package storage

import (
	"fmt"
	"strings"
)

// Driver names a Repository implementation.
type Driver string

const (
	DriverJSON     Driver = "json"
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// ParseDriver normalizes a configured driver name. Empty selects JSON.
func ParseDriver(value string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "json":
		return DriverJSON, nil
	case "postgres", "postgresql", "pg":
		return DriverPostgres, nil
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", value)
	}
}

// Config selects and locates a backing store.
type Config struct {
	Driver      Driver
	JSONPath    string
	PostgresDSN string
	SQLitePath  string
}

// Open constructs the repository named by cfg.Driver.
func Open(cfg Config, opts ...Option) (Repository, error) {
	switch cfg.Driver {
	case DriverJSON, "":
		if strings.TrimSpace(cfg.JSONPath) == "" {
			return nil, fmt.Errorf("json datastore path required")
		}
		return NewJSONRepository(cfg.JSONPath, opts...)
	case DriverPostgres:
		return NewPostgresRepository(cfg.PostgresDSN, opts...)
	case DriverSQLite:
		return NewSQLiteRepository(cfg.SQLitePath, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
