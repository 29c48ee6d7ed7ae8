package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one row of the run history.
type Run struct {
	ID         string `db:"id" json:"id"`
	Status     string `db:"status" json:"status"`
	Records    int    `db:"records" json:"records"`
	Skipped    int    `db:"skipped" json:"skipped"`
	Topics     int    `db:"topics" json:"topics"`
	Noise      int    `db:"noise" json:"noise"`
	Error      string `db:"error" json:"error,omitempty"`
	StartedAt  string `db:"started_at" json:"started_at"`
	FinishedAt string `db:"finished_at" json:"finished_at,omitempty"`
}

// RunStats are the counters recorded when a run completes.
type RunStats struct {
	Records int
	Skipped int
	Topics  int
	Noise   int
}

// KeywordScore is a keyword with its relevance inside one topic.
type KeywordScore struct {
	Term  string  `json:"term"`
	Score float64 `json:"score"`
}

// CatalogTopic is a topic as stored for one run.
type CatalogTopic struct {
	RunID           string         `json:"run_id"`
	TopicID         int            `json:"topic_id"`
	Name            string         `json:"name"`
	Keywords        []KeywordScore `json:"keywords"`
	MemberCount     int            `json:"member_count"`
	Representatives []string       `json:"representatives,omitempty"`
}

type topicRow struct {
	RunID           string `db:"run_id"`
	TopicID         int    `db:"topic_id"`
	Name            string `db:"name"`
	Keywords        string `db:"keywords"`
	MemberCount     int    `db:"member_count"`
	Representatives string `db:"representatives"`
}

const runColumns = `id, status, records, skipped, topics, noise,
	COALESCE(error, '') AS error, started_at, COALESCE(finished_at, '') AS finished_at`

// RunLog records run lifecycle and the topic catalog of each run.
type RunLog struct {
	db  *DB
	now func() time.Time
}

// NewRunLog returns a run log over db.
func NewRunLog(db *DB) *RunLog {
	return &RunLog{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (l *RunLog) timestamp() string { return l.now().Format(time.RFC3339Nano) }

// Begin inserts a running row and returns its id. settings is stored as
// given for later inspection.
func (l *RunLog) Begin(ctx context.Context, settings any) (string, error) {
	id := uuid.NewString()
	raw, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("encoding run settings: %w", err)
	}
	_, err = l.db.db.ExecContext(ctx, l.db.rebind(
		`INSERT INTO topic_runs (id, status, settings, started_at) VALUES (?, ?, ?, ?)`),
		id, RunRunning, string(raw), l.timestamp())
	if err != nil {
		return "", fmt.Errorf("recording run start: %w", err)
	}
	return id, nil
}

// Complete marks a run completed with its counters.
func (l *RunLog) Complete(ctx context.Context, id string, st RunStats) error {
	_, err := l.db.db.ExecContext(ctx, l.db.rebind(
		`UPDATE topic_runs SET status = ?, records = ?, skipped = ?, topics = ?, noise = ?, finished_at = ?
		 WHERE id = ?`),
		RunCompleted, st.Records, st.Skipped, st.Topics, st.Noise, l.timestamp(), id)
	if err != nil {
		return fmt.Errorf("recording run completion: %w", err)
	}
	return nil
}

// Fail marks a run failed with the error text.
func (l *RunLog) Fail(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := l.db.db.ExecContext(ctx, l.db.rebind(
		`UPDATE topic_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`),
		RunFailed, msg, l.timestamp(), id)
	if err != nil {
		return fmt.Errorf("recording run failure: %w", err)
	}
	return nil
}

// SaveTopics replaces the catalog of one run in a single transaction.
func (l *RunLog) SaveTopics(ctx context.Context, runID string, topics []CatalogTopic) error {
	tx, err := l.db.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, l.db.rebind(`DELETE FROM topics WHERE run_id = ?`), runID); err != nil {
		return fmt.Errorf("clearing topics of run %s: %w", runID, err)
	}

	insert := l.db.rebind(`INSERT INTO topics (run_id, topic_id, name, keywords, member_count, representatives)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for _, t := range topics {
		kw := t.Keywords
		if kw == nil {
			kw = []KeywordScore{}
		}
		kwJSON, err := json.Marshal(kw)
		if err != nil {
			return fmt.Errorf("encoding keywords of topic %d: %w", t.TopicID, err)
		}
		reps := t.Representatives
		if reps == nil {
			reps = []string{}
		}
		repJSON, err := json.Marshal(reps)
		if err != nil {
			return fmt.Errorf("encoding representatives of topic %d: %w", t.TopicID, err)
		}
		if _, err := tx.ExecContext(ctx, insert, runID, t.TopicID, t.Name, string(kwJSON), t.MemberCount, string(repJSON)); err != nil {
			return fmt.Errorf("inserting topic %d: %w", t.TopicID, err)
		}
	}
	return tx.Commit()
}

// LatestRun returns the most recent run with the given status, or any
// status when status is empty.
func (l *RunLog) LatestRun(ctx context.Context, status string) (*Run, error) {
	q := `SELECT ` + runColumns + ` FROM topic_runs`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY started_at DESC LIMIT 1`

	var runs []Run
	if err := l.db.db.SelectContext(ctx, &runs, l.db.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("querying latest run: %w", err)
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	return &runs[0], nil
}

// GetRun returns one run by id.
func (l *RunLog) GetRun(ctx context.Context, id string) (*Run, error) {
	var runs []Run
	q := l.db.rebind(`SELECT ` + runColumns + ` FROM topic_runs WHERE id = ?`)
	if err := l.db.db.SelectContext(ctx, &runs, q, id); err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run %s: %w", id, ErrNoRuns)
	}
	return &runs[0], nil
}

// ListRuns returns up to limit runs, newest first.
func (l *RunLog) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []Run
	q := l.db.rebind(`SELECT ` + runColumns + ` FROM topic_runs ORDER BY started_at DESC LIMIT ?`)
	if err := l.db.db.SelectContext(ctx, &runs, q, limit); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// ListTopics returns the catalog of a run ordered by topic id, noise first.
func (l *RunLog) ListTopics(ctx context.Context, runID string) ([]CatalogTopic, error) {
	var rows []topicRow
	q := l.db.rebind(`SELECT run_id, topic_id, name, keywords, member_count, representatives
		FROM topics WHERE run_id = ? ORDER BY topic_id ASC`)
	if err := l.db.db.SelectContext(ctx, &rows, q, runID); err != nil {
		return nil, fmt.Errorf("listing topics of run %s: %w", runID, err)
	}

	out := make([]CatalogTopic, 0, len(rows))
	for _, r := range rows {
		t := CatalogTopic{
			RunID:       r.RunID,
			TopicID:     r.TopicID,
			Name:        r.Name,
			MemberCount: r.MemberCount,
		}
		if err := json.Unmarshal([]byte(r.Keywords), &t.Keywords); err != nil {
			return nil, fmt.Errorf("decoding keywords of topic %d: %w", r.TopicID, err)
		}
		if err := json.Unmarshal([]byte(r.Representatives), &t.Representatives); err != nil {
			return nil, fmt.Errorf("decoding representatives of topic %d: %w", r.TopicID, err)
		}
		out = append(out, t)
	}
	return out, nil
}
