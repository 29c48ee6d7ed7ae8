// Package store is the relational layer of topicmap.
//
// One database handle serves three roles:
// - the Vector Source, streaming records and their embeddings in batches
// - the Result Sink, upserting one topic assignment per record
// - the topic catalog and run history written after each run
//
// SQLite (modernc, pure Go) and PostgreSQL (lib/pq) are supported.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNoRuns is returned when the run history is empty.
var ErrNoRuns = errors.New("no pipeline runs recorded")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config holds connection settings for Open.
type Config struct {
	Driver string
	DSN    string
}

// DB wraps the sqlx handle with the dialect it was opened for.
type DB struct {
	db     *sqlx.DB
	driver string
}

// Open connects, verifies the connection and applies dialect settings.
// Pass DSN ":memory:" with the sqlite driver for tests.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	if driver == DriverSQLite && cfg.DSN != ":memory:" && !strings.HasPrefix(cfg.DSN, "file:") {
		dir := filepath.Dir(cfg.DSN)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if driver == DriverSQLite {
		// A :memory: database exists per connection, and SQLite allows one
		// writer anyway.
		db.SetMaxOpenConns(1)

		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		}
		for _, p := range pragmas {
			if _, err := db.ExecContext(ctx, p); err != nil {
				db.Close()
				return nil, fmt.Errorf("setting pragma %q: %w", p, err)
			}
		}
	}

	return &DB{db: db, driver: driver}, nil
}

// Driver returns the dialect name, "sqlite" or "postgres".
func (d *DB) Driver() string { return d.driver }

// SQL exposes the underlying handle for read-only reporting queries.
func (d *DB) SQL() *sqlx.DB { return d.db }

// Close releases the connection pool.
func (d *DB) Close() error { return d.db.Close() }

func (d *DB) isPostgres() bool { return d.driver == DriverPostgres }

// rebind converts ?-style placeholders to the dialect's style.
func (d *DB) rebind(query string) string { return d.db.Rebind(query) }

// placeholders returns "(?, ?, ...)" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return "()"
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}
