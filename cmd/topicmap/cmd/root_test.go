package cmd

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/soika/topicmap/internal/store"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("topicmap %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

// seedSQLite writes a small contract table with three embedding groups.
func seedSQLite(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, DSN: path})
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer db.Close()

	_, err = db.SQL().ExecContext(ctx, `CREATE TABLE contracts (
		id INTEGER PRIMARY KEY,
		name_ru TEXT,
		description_ru TEXT,
		embedding TEXT
	)`)
	if err != nil {
		t.Fatalf("creating source table: %v", err)
	}

	names := []string{"бумага офисная", "ремонт кровли", "топливо дизельное"}
	rng := rand.New(rand.NewSource(3))
	id := 0
	for g, name := range names {
		centre := make([]float32, 8)
		for d := range centre {
			centre[d] = float32(rng.NormFloat64())
		}
		for i := 0; i < 15; i++ {
			v := make([]float32, len(centre))
			for d := range v {
				v[d] = centre[d] + float32(rng.NormFloat64()*0.05)
			}
			enc, err := store.EncodeVector(v, store.EncodingText)
			if err != nil {
				t.Fatalf("encoding vector: %v", err)
			}
			id++
			_, err = db.SQL().ExecContext(ctx,
				`INSERT INTO contracts (id, name_ru, description_ru, embedding) VALUES (?, ?, ?, ?)`,
				id, fmt.Sprintf("%s %d", name, g), "", enc)
			if err != nil {
				t.Fatalf("inserting contract: %v", err)
			}
		}
	}
}

func TestVersionCommand(t *testing.T) {
	if out := execute(t, "version"); !strings.Contains(out, "topicmap "+version) {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestConfigCommand_ShowsSources(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TOPICMAP_DSN", filepath.Join(dir, "env.db"))

	out := execute(t, "config", "--config", filepath.Join(dir, "missing.yaml"))
	if !strings.Contains(out, "env.db (env TOPICMAP_DSN)") {
		t.Fatalf("expected env-sourced dsn, got:\n%s", out)
	}
}

func TestRunThenReport(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "topicmap.db")
	seedSQLite(t, dbPath)
	cfg := filepath.Join(dir, "missing.yaml")

	out := execute(t, "run", "--config", cfg, "--dsn", dbPath)
	if !strings.Contains(out, "Topic distribution:") {
		t.Fatalf("run output missing distribution:\n%s", out)
	}

	out = execute(t, "report", "--config", cfg, "--dsn", dbPath, "--samples", "1")
	if !strings.Contains(out, "(completed)") {
		t.Fatalf("report output missing completed run:\n%s", out)
	}

	csvPath := filepath.Join(dir, "map.csv")
	execute(t, "project", "--config", cfg, "--dsn", dbPath, "--out", csvPath)
}
