// Package store persists the pipeline's state in SQLite. It implements
// the narrow Store interfaces declared by the domain packages (fact,
// intervention, rule, shadow, promotion, executor, pathextract) so that
// the domain never depends on SQL.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// Config holds SQLite settings.
type Config struct {
	// Path is the database file. ":memory:" opens an in-memory database.
	Path string `koanf:"path"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{Path: "autopath.db"}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("store path is required")
	}
	return nil
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens the database at cfg.Path, applies pragmas, and runs
// migrations. The caller owns the returned Store and must Close it.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Debug("store opened", zap.String("path", cfg.Path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
