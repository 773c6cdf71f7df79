package telemetry

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tjfontaine/observicia-go/internal/storage/sqlite"
)

// Formatter encodes records and writes them to one backend.
type Formatter interface {
	// Name identifies the backend in errors and metrics.
	Name() string
	Format(rec *Record) ([]byte, error)
	Write(ctx context.Context, rec *Record, encoded []byte) error
	Close() error
}

// ConsoleFormatter writes one JSON document per record to a writer.
type ConsoleFormatter struct {
	mu     sync.Mutex
	w      io.Writer
	indent bool
}

// NewConsoleFormatter writes to w, or stdout when w is nil.
func NewConsoleFormatter(w io.Writer, indent bool) *ConsoleFormatter {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleFormatter{w: w, indent: indent}
}

func (f *ConsoleFormatter) Name() string { return "console" }

func (f *ConsoleFormatter) Format(rec *Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil || !f.indent {
		return b, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *ConsoleFormatter) Write(_ context.Context, _ *Record, encoded []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.w.Write(append(encoded, '\n'))
	return err
}

func (f *ConsoleFormatter) Close() error { return nil }

// FileFormatter appends newline-delimited JSON to a file.
type FileFormatter struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileFormatter opens path for appending, creating parent directories.
func NewFileFormatter(path string) (*FileFormatter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	return &FileFormatter{path: path, file: file}, nil
}

func (f *FileFormatter) Name() string { return "file" }

// Path returns the file being appended to.
func (f *FileFormatter) Path() string { return f.path }

func (f *FileFormatter) Format(rec *Record) ([]byte, error) {
	return json.Marshal(rec)
}

func (f *FileFormatter) Write(_ context.Context, _ *Record, encoded []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return os.ErrClosed
	}
	_, err := f.file.Write(append(encoded, '\n'))
	return err
}

func (f *FileFormatter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// SQLiteFormatter writes records into the embedded database, one table per
// record type.
type SQLiteFormatter struct {
	store *sqlite.Store
}

// NewSQLiteFormatter wraps an open store. The formatter owns the store and
// closes it on Close.
func NewSQLiteFormatter(store *sqlite.Store) *SQLiteFormatter {
	return &SQLiteFormatter{store: store}
}

func (f *SQLiteFormatter) Name() string { return "sqlite" }

// Store returns the underlying store.
func (f *SQLiteFormatter) Store() *sqlite.Store { return f.store }

// Format encodes the record's attributes (or labels for metrics), which is
// the JSON column the row carries.
func (f *SQLiteFormatter) Format(rec *Record) ([]byte, error) {
	if rec.Type == RecordMetric {
		if rec.Labels == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(rec.Labels)
	}
	if rec.Attributes == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(encodeMap(rec.Attributes))
}

func (f *SQLiteFormatter) Write(ctx context.Context, rec *Record, encoded []byte) error {
	switch rec.Type {
	case RecordSpan:
		return f.store.InsertSpan(ctx, &sqlite.SpanRow{
			TraceID:      rec.TraceID,
			SpanID:       rec.SpanID,
			ParentSpanID: nullString(rec.ParentID),
			Name:         rec.Name,
			StartTime:    rec.StartTime,
			EndTime:      rec.EndTime,
			Attributes:   string(encoded),
			Status:       rec.Status,
			ServiceName:  rec.ServiceName,
		})
	case RecordMetric:
		return f.store.InsertMetric(ctx, &sqlite.MetricRow{
			Timestamp:   sqlite.FormatTime(rec.Timestamp),
			ServiceName: rec.ServiceName,
			MetricName:  rec.MetricName,
			MetricValue: rec.MetricValue,
			Labels:      string(encoded),
		})
	case RecordLog:
		return f.store.InsertLog(ctx, &sqlite.LogRow{
			Timestamp:    sqlite.FormatTime(rec.Timestamp),
			ServiceName:  rec.ServiceName,
			Level:        string(rec.Level),
			Message:      rec.Message,
			TraceID:      nullString(rec.TraceID),
			SpanID:       nullString(rec.SpanID),
			ParentSpanID: nullString(rec.ParentID),
			Attributes:   string(encoded),
		})
	default:
		return fmt.Errorf("unknown record type %q", rec.Type)
	}
}

func (f *SQLiteFormatter) Close() error {
	return f.store.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
