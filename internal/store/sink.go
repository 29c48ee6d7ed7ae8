package store

import (
	"context"
	"fmt"
	"strings"
)

// DefaultSinkTable is the assignment table of the original contract job.
const DefaultSinkTable = "contract_topics"

// DefaultSinkBatchSize bounds rows per upsert statement.
const DefaultSinkBatchSize = 1000

// Assignment is the per-record outcome of a run.
type Assignment struct {
	RecordID    string  `db:"record_id" json:"record_id"`
	TopicID     int     `db:"topic_id" json:"topic_id"`
	TopicName   string  `db:"topic_name" json:"topic_name"`
	Probability float64 `db:"topic_probability" json:"probability"`
}

// StoredAssignment is an Assignment as read back, with its insert time.
type StoredAssignment struct {
	Assignment
	CreatedAt string `db:"created_at" json:"created_at"`
}

// TopicCount is one row of the stored topic distribution.
type TopicCount struct {
	TopicID   int    `db:"topic_id" json:"topic_id"`
	TopicName string `db:"topic_name" json:"topic_name"`
	Count     int    `db:"n" json:"count"`
}

// ResultSink upserts assignments keyed by record id.
type ResultSink struct {
	db        *DB
	table     string
	batchSize int
}

// NewResultSink returns a sink writing to table.
func NewResultSink(db *DB, table string, batchSize int) *ResultSink {
	if table == "" {
		table = DefaultSinkTable
	}
	if batchSize <= 0 {
		batchSize = DefaultSinkBatchSize
	}
	return &ResultSink{db: db, table: table, batchSize: batchSize}
}

// Table returns the sink table name.
func (s *ResultSink) Table() string { return s.table }

// Upsert writes assignments in chunks, one transaction per chunk. Existing
// rows are updated only when a value changed, so created_at and the row
// itself stay untouched on an identical rerun. Records not in as are never
// touched.
//
// A failure returns the number of rows in chunks that committed before it;
// those are not rolled back.
func (s *ResultSink) Upsert(ctx context.Context, as []Assignment) (int, error) {
	written := 0
	for start := 0; start < len(as); start += s.batchSize {
		end := start + s.batchSize
		if end > len(as) {
			end = len(as)
		}
		if err := s.upsertChunk(ctx, as[start:end]); err != nil {
			return written, fmt.Errorf("upserting rows %d-%d: %w", start, end-1, err)
		}
		written += end - start
	}
	return written, nil
}

func (s *ResultSink) upsertChunk(ctx context.Context, chunk []Assignment) error {
	tx, err := s.db.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.rebind(s.upsertSQL(len(chunk))), upsertArgs(chunk)...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *ResultSink) upsertSQL(rows int) string {
	distinct := "IS NOT"
	if s.db.isPostgres() {
		distinct = "IS DISTINCT FROM"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s AS cur (record_id, topic_id, topic_name, topic_probability) VALUES ", s.table)
	row := placeholders(4)
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
	}
	b.WriteString(` ON CONFLICT (record_id) DO UPDATE SET
		topic_id = excluded.topic_id,
		topic_name = excluded.topic_name,
		topic_probability = excluded.topic_probability`)
	fmt.Fprintf(&b, ` WHERE cur.topic_id %[1]s excluded.topic_id
		OR cur.topic_name %[1]s excluded.topic_name
		OR cur.topic_probability %[1]s excluded.topic_probability`, distinct)
	return b.String()
}

func upsertArgs(chunk []Assignment) []any {
	args := make([]any, 0, len(chunk)*4)
	for _, a := range chunk {
		args = append(args, a.RecordID, a.TopicID, a.TopicName, a.Probability)
	}
	return args
}

// Get returns the stored assignment for one record, nil if there is none.
func (s *ResultSink) Get(ctx context.Context, recordID string) (*StoredAssignment, error) {
	var out []StoredAssignment
	q := s.db.rebind(fmt.Sprintf(
		`SELECT record_id, topic_id, topic_name, topic_probability, CAST(created_at AS TEXT) AS created_at
		 FROM %s WHERE record_id = ?`, s.table))
	if err := s.db.db.SelectContext(ctx, &out, q, recordID); err != nil {
		return nil, fmt.Errorf("getting assignment %s: %w", recordID, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// Members lists assignments of one topic, most confident first.
func (s *ResultSink) Members(ctx context.Context, topicID, limit int) ([]StoredAssignment, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []StoredAssignment
	q := s.db.rebind(fmt.Sprintf(
		`SELECT record_id, topic_id, topic_name, topic_probability, CAST(created_at AS TEXT) AS created_at
		 FROM %s WHERE topic_id = ?
		 ORDER BY topic_probability DESC, record_id ASC
		 LIMIT ?`, s.table))
	if err := s.db.db.SelectContext(ctx, &out, q, topicID, limit); err != nil {
		return nil, fmt.Errorf("listing members of topic %d: %w", topicID, err)
	}
	return out, nil
}

// Distribution counts stored assignments per topic, largest first.
func (s *ResultSink) Distribution(ctx context.Context) ([]TopicCount, error) {
	var out []TopicCount
	q := fmt.Sprintf(
		`SELECT topic_id, topic_name, COUNT(*) AS n
		 FROM %s
		 GROUP BY topic_id, topic_name
		 ORDER BY n DESC, topic_id ASC`, s.table)
	if err := s.db.db.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("querying topic distribution: %w", err)
	}
	return out, nil
}

// TopicIDs maps every stored record id to its topic.
func (s *ResultSink) TopicIDs(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.db.QueryxContext(ctx, fmt.Sprintf(`SELECT record_id, topic_id FROM %s`, s.table))
	if err != nil {
		return nil, fmt.Errorf("querying topic ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			id    string
			topic int
		)
		if err := rows.Scan(&id, &topic); err != nil {
			return nil, fmt.Errorf("scanning topic id: %w", err)
		}
		out[id] = topic
	}
	return out, rows.Err()
}
