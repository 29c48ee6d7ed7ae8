package store

import (
	"context"
	"fmt"
	"strings"
)

// EnsureSchema creates the sink, catalog and run history tables if they do
// not exist. The source table is owned by whoever computes embeddings and
// is never touched here.
func (d *DB) EnsureSchema(ctx context.Context, sinkTable string) error {
	if sinkTable == "" {
		sinkTable = DefaultSinkTable
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			record_id TEXT PRIMARY KEY,
			topic_id INTEGER NOT NULL,
			topic_name TEXT NOT NULL,
			topic_probability DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`, sinkTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (topic_id)`, indexName(sinkTable, "topic"), sinkTable),

		`CREATE TABLE IF NOT EXISTS topic_runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			records INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			topics INTEGER NOT NULL DEFAULT 0,
			noise INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			settings TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_topic_runs_started ON topic_runs (started_at)`,

		`CREATE TABLE IF NOT EXISTS topics (
			run_id TEXT NOT NULL REFERENCES topic_runs(id) ON DELETE CASCADE,
			topic_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			keywords TEXT NOT NULL DEFAULT '[]',
			member_count INTEGER NOT NULL DEFAULT 0,
			representatives TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (run_id, topic_id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

func indexName(table, suffix string) string {
	return "idx_" + strings.ReplaceAll(table, ".", "_") + "_" + suffix
}
