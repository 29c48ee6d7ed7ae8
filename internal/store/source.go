package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// DefaultBatchSize is the number of rows fetched per round-trip.
const DefaultBatchSize = 5000

// ErrDimensionMismatch is returned when an embedding's length differs from
// the length fixed by the first record of the run.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Record is one source row that made it past parsing.
type Record struct {
	ID        string
	Text      string
	Embedding []float32
}

// SkippedRecord is a source row dropped at the source boundary.
type SkippedRecord struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Batch is one fetch worth of records.
type Batch struct {
	Records []Record
	Skipped []SkippedRecord
}

// SourceConfig selects records from the source table. ShortText and
// LongText are SQL expressions evaluated per row.
type SourceConfig struct {
	Table           string
	IDColumn        string
	ShortText       string
	LongText        string
	EmbeddingColumn string
	Where           string
	Limit           int
	BatchSize       int
	Encoding        string
	Dimensions      int
}

// VectorSource streams (id, text, embedding) rows in bounded batches.
type VectorSource struct {
	db  *DB
	cfg SourceConfig
}

// NewVectorSource returns a source over db.
func NewVectorSource(db *DB, cfg SourceConfig) *VectorSource {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	if cfg.EmbeddingColumn == "" {
		cfg.EmbeddingColumn = "embedding"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingText
	}
	return &VectorSource{db: db, cfg: cfg}
}

type sourceRow struct {
	Key       any            `db:"row_key"`
	ShortText sql.NullString `db:"short_text"`
	LongText  sql.NullString `db:"long_text"`
	Embedding []byte         `db:"embedding"`
}

// Count returns how many rows the source query would stream. Concurrent
// writers can make it diverge from what Open actually yields, so callers
// use it for progress reporting only.
func (s *VectorSource) Count(ctx context.Context) (int64, error) {
	q := fmt.Sprintf("SELECT 1 FROM %s WHERE %s IS NOT NULL", s.cfg.Table, s.cfg.EmbeddingColumn)
	if w := strings.TrimSpace(s.cfg.Where); w != "" {
		q += " AND (" + w + ")"
	}
	if s.cfg.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", s.cfg.Limit)
	}

	var n int64
	if err := s.db.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM ("+q+") counted"); err != nil {
		return 0, fmt.Errorf("counting source rows: %w", err)
	}
	return n, nil
}

// Open starts iteration. The returned cursor owns a transaction until Close.
func (s *VectorSource) Open(ctx context.Context) (*Cursor, error) {
	var opts *sql.TxOptions
	if s.db.isPostgres() {
		opts = &sql.TxOptions{ReadOnly: true}
	}
	tx, err := s.db.db.BeginTxx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("beginning source transaction: %w", err)
	}

	c := &Cursor{src: s, tx: tx, dims: s.cfg.Dimensions}
	if s.db.isPostgres() {
		c.name = "topicmap_source"
		declare := fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", c.name, s.selectSQL(false))
		if _, err := tx.ExecContext(ctx, declare); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("declaring source cursor: %w", err)
		}
	}
	return c, nil
}

func (s *VectorSource) selectSQL(afterKey bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s AS row_key, %s AS short_text, %s AS long_text, %s AS embedding FROM %s WHERE %s IS NOT NULL",
		s.cfg.IDColumn,
		exprOrNull(s.cfg.ShortText),
		exprOrNull(s.cfg.LongText),
		s.embeddingExpr(),
		s.cfg.Table,
		s.cfg.EmbeddingColumn,
	)
	if w := strings.TrimSpace(s.cfg.Where); w != "" {
		b.WriteString(" AND (" + w + ")")
	}
	if afterKey {
		b.WriteString(" AND " + s.cfg.IDColumn + " > ?")
	}
	b.WriteString(" ORDER BY " + s.cfg.IDColumn)
	if !s.db.isPostgres() {
		b.WriteString(" LIMIT ?")
	} else if s.cfg.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", s.cfg.Limit)
	}
	return b.String()
}

func (s *VectorSource) embeddingExpr() string {
	if s.cfg.Encoding == EncodingBlob {
		return s.cfg.EmbeddingColumn
	}
	return "CAST(" + s.cfg.EmbeddingColumn + " AS TEXT)"
}

func exprOrNull(expr string) string {
	if strings.TrimSpace(expr) == "" {
		return "NULL"
	}
	return expr
}

// Cursor iterates a VectorSource. It is not safe for concurrent use.
type Cursor struct {
	src *VectorSource
	tx  *sqlx.Tx

	name     string // server-side cursor (postgres)
	lastKey  any    // keyset position (sqlite)
	started  bool
	streamed int
	dims     int
	done     bool
	closed   bool
}

// Next returns the next batch, or io.EOF when the source is exhausted.
// A batch may hold only skipped records.
func (c *Cursor) Next(ctx context.Context) (*Batch, error) {
	if c.closed {
		return nil, errors.New("cursor is closed")
	}
	if c.done {
		return nil, io.EOF
	}

	size := c.src.cfg.BatchSize
	if limit := c.src.cfg.Limit; limit > 0 && limit-c.streamed < size {
		size = limit - c.streamed
	}
	if size <= 0 {
		c.done = true
		return nil, io.EOF
	}

	var (
		rows *sqlx.Rows
		err  error
	)
	if c.src.db.isPostgres() {
		rows, err = c.tx.QueryxContext(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", size, c.name))
	} else if !c.started {
		rows, err = c.tx.QueryxContext(ctx, c.src.selectSQL(false), size)
	} else {
		rows, err = c.tx.QueryxContext(ctx, c.src.selectSQL(true), c.lastKey, size)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching source batch: %w", err)
	}
	defer rows.Close()
	c.started = true

	batch := &Batch{}
	n := 0
	for rows.Next() {
		var row sourceRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scanning source row: %w", err)
		}
		n++
		c.lastKey = row.Key

		rec, reason, err := c.decode(row)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			batch.Skipped = append(batch.Skipped, SkippedRecord{ID: rec.ID, Reason: reason})
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating source rows: %w", err)
	}

	c.streamed += n
	if n == 0 {
		c.done = true
		return nil, io.EOF
	}
	if n < size {
		c.done = true
	}
	return batch, nil
}

// decode turns a row into a Record. A non-empty reason means the record is
// skipped; an error aborts iteration.
func (c *Cursor) decode(row sourceRow) (Record, string, error) {
	rec := Record{
		ID:   keyString(row.Key),
		Text: joinText(row.ShortText.String, row.LongText.String),
	}

	vec, err := DecodeVector(row.Embedding, c.src.cfg.Encoding)
	if err != nil {
		return rec, "malformed embedding: " + err.Error(), nil
	}

	switch {
	case c.src.cfg.Dimensions > 0 && len(vec) != c.src.cfg.Dimensions:
		return rec, fmt.Sprintf("embedding has %d dimensions, want %d", len(vec), c.src.cfg.Dimensions), nil
	case c.dims == 0:
		c.dims = len(vec)
	case len(vec) != c.dims:
		return rec, "", fmt.Errorf("%w: record %s has %d dimensions, earlier records have %d",
			ErrDimensionMismatch, rec.ID, len(vec), c.dims)
	}

	rec.Embedding = vec
	return rec, "", nil
}

// Streamed returns the number of rows read so far, skipped ones included.
func (c *Cursor) Streamed() int { return c.streamed }

// Dimensions returns the embedding length seen so far, 0 before any record.
func (c *Cursor) Dimensions() int { return c.dims }

// Close releases the cursor and its transaction. It is safe to call more
// than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.name != "" {
		// The rollback below discards the cursor as well; CLOSE frees it early.
		_, _ = c.tx.Exec("CLOSE " + c.name)
	}
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("releasing source transaction: %w", err)
	}
	return nil
}

// joinText prefers the short name, appends the long description when both
// are present.
func joinText(short, long string) string {
	short = strings.TrimSpace(short)
	long = strings.TrimSpace(long)
	switch {
	case short != "" && long != "":
		return short + "\n" + long
	case short != "":
		return short
	default:
		return long
	}
}

func keyString(key any) string {
	switch k := key.(type) {
	case nil:
		return ""
	case []byte:
		return string(k)
	case string:
		return k
	case int64:
		return strconv.FormatInt(k, 10)
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64)
	default:
		return fmt.Sprint(k)
	}
}
