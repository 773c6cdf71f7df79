// Package sqlite is the embedded telemetry database: log records, finished
// spans and metric points in three indexed tables.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// TimeLayout is the fixed-width UTC layout used for timestamp columns so
// that lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t for a timestamp column.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// LogRow is a row of the telemetry table.
type LogRow struct {
	ID           int64          `db:"id"`
	Timestamp    string         `db:"timestamp"`
	ServiceName  string         `db:"service_name"`
	Level        string         `db:"level"`
	Message      string         `db:"message"`
	TraceID      sql.NullString `db:"trace_id"`
	SpanID       sql.NullString `db:"span_id"`
	ParentSpanID sql.NullString `db:"parent_span_id"`
	Attributes   string         `db:"attributes"` // JSON object
}

// SpanRow is a row of the spans table. Times are unix nanoseconds.
type SpanRow struct {
	ID           int64          `db:"id"`
	TraceID      string         `db:"trace_id"`
	SpanID       string         `db:"span_id"`
	ParentSpanID sql.NullString `db:"parent_span_id"`
	Name         string         `db:"name"`
	StartTime    int64          `db:"start_time"`
	EndTime      int64          `db:"end_time"`
	Attributes   string         `db:"attributes"` // JSON object
	Status       string         `db:"status"`
	ServiceName  string         `db:"service_name"`
}

// MetricRow is a row of the metrics table.
type MetricRow struct {
	ID          int64   `db:"id"`
	Timestamp   string  `db:"timestamp"`
	ServiceName string  `db:"service_name"`
	MetricName  string  `db:"metric_name"`
	MetricValue float64 `db:"metric_value"`
	Labels      string  `db:"labels"` // JSON object
}

// Store writes and reads telemetry rows. Writes are serialized through one
// mutex per database path, shared by every Store opened on that path.
type Store struct {
	db   *sqlx.DB
	path string
	mu   *sync.Mutex
}

var pathLocks sync.Map // map[string]*sync.Mutex

func lockFor(path string) *sync.Mutex {
	if abs, err := filepath.Abs(path); err == nil && !isMemory(path) {
		path = abs
	}
	mu, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Open opens (creating if needed) the database at path and initializes the
// schema. Use ":memory:" for a private in-memory database.
func Open(path string) (*Store, error) {
	if !isMemory(path) && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases alive and matches the
	// single-writer model.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, path: path, mu: lockFor(path)}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS telemetry (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			service_name TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			trace_id TEXT,
			span_id TEXT,
			parent_span_id TEXT,
			attributes TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS spans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			span_id TEXT NOT NULL,
			parent_span_id TEXT,
			name TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			attributes TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			service_name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			service_name TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			metric_value REAL NOT NULL,
			labels TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_trace ON telemetry(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_start ON spans(start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_name ON metrics(metric_name)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Path returns the path the store was opened with.
func (s *Store) Path() string { return s.path }

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) InsertLog(ctx context.Context, row *LogRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.NamedExecContext(ctx, `INSERT INTO telemetry
		(timestamp, service_name, level, message, trace_id, span_id, parent_span_id, attributes)
		VALUES (:timestamp, :service_name, :level, :message, :trace_id, :span_id, :parent_span_id, :attributes)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	row.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) InsertSpan(ctx context.Context, row *SpanRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.NamedExecContext(ctx, `INSERT INTO spans
		(trace_id, span_id, parent_span_id, name, start_time, end_time, attributes, status, service_name)
		VALUES (:trace_id, :span_id, :parent_span_id, :name, :start_time, :end_time, :attributes, :status, :service_name)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert span: %w", err)
	}
	row.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) InsertMetric(ctx context.Context, row *MetricRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.NamedExecContext(ctx, `INSERT INTO metrics
		(timestamp, service_name, metric_name, metric_value, labels)
		VALUES (:timestamp, :service_name, :metric_name, :metric_value, :labels)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}
	row.ID, _ = res.LastInsertId()
	return nil
}

// Spans returns the spans of a trace ordered by start time. An empty
// traceID returns every span.
func (s *Store) Spans(ctx context.Context, traceID string) ([]SpanRow, error) {
	var rows []SpanRow
	var err error
	if traceID == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM spans ORDER BY start_time, id`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM spans WHERE trace_id = ? ORDER BY start_time, id`, traceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	return rows, nil
}

// Logs returns the most recent log rows, oldest first. limit <= 0 means all.
func (s *Store) Logs(ctx context.Context, limit int) ([]LogRow, error) {
	var rows []LogRow
	query := `SELECT * FROM telemetry ORDER BY id`
	args := []any{}
	if limit > 0 {
		query = `SELECT * FROM (SELECT * FROM telemetry ORDER BY id DESC LIMIT ?) ORDER BY id`
		args = append(args, limit)
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	return rows, nil
}

// Metrics returns metric points with the given name, oldest first. An empty
// name returns every point.
func (s *Store) Metrics(ctx context.Context, name string) ([]MetricRow, error) {
	var rows []MetricRow
	var err error
	if name == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM metrics ORDER BY id`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM metrics WHERE metric_name = ? ORDER BY id`, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	return rows, nil
}

// Prune deletes rows older than before from all three tables and returns
// the number of rows removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer tx.Rollback()

	cutoff := FormatTime(before)
	var total int64
	for _, q := range []struct {
		query string
		arg   any
	}{
		{`DELETE FROM telemetry WHERE timestamp < ?`, cutoff},
		{`DELETE FROM metrics WHERE timestamp < ?`, cutoff},
		{`DELETE FROM spans WHERE end_time < ?`, before.UnixNano()},
	} {
		res, err := tx.ExecContext(ctx, q.query, q.arg)
		if err != nil {
			return 0, fmt.Errorf("failed to prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return total, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
