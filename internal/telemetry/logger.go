package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

// ChatLevel selects which chat content is written to the chat channel.
type ChatLevel string

const (
	ChatNone       ChatLevel = "none"
	ChatPrompt     ChatLevel = "prompt"
	ChatCompletion ChatLevel = "completion"
	ChatBoth       ChatLevel = "both"
)

// ChatKind is the side of a conversation being logged.
type ChatKind string

const (
	ChatKindPrompt     ChatKind = "prompt"
	ChatKindCompletion ChatKind = "completion"
)

// Allows reports whether content of kind passes the level.
func (l ChatLevel) Allows(kind ChatKind) bool {
	switch l {
	case ChatBoth:
		return true
	case ChatPrompt:
		return kind == ChatKindPrompt
	case ChatCompletion:
		return kind == ChatKindCompletion
	default:
		return false
	}
}

// TransactionLookup resolves the transaction a record belongs to.
type TransactionLookup func(ctx context.Context) (domain.Transaction, bool)

// Logger fans records out to formatters. Backend failures are logged and
// discarded; they never reach the caller.
type Logger struct {
	service    string
	formatters []Formatter
	chat       []Formatter
	chatLevel  ChatLevel
	lookup     TransactionLookup
	metrics    *Metrics
	logger     *slog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithFormatters sets the telemetry backends.
func WithFormatters(fs ...Formatter) Option {
	return func(l *Logger) { l.formatters = append(l.formatters, fs...) }
}

// WithChat enables the chat channel at the given level. Chat records go to
// fs, or to the telemetry backends when fs is empty.
func WithChat(level ChatLevel, fs ...Formatter) Option {
	return func(l *Logger) {
		l.chatLevel = level
		l.chat = append(l.chat, fs...)
	}
}

// WithTransactionLookup sets how chat records find their transaction.
func WithTransactionLookup(fn TransactionLookup) Option {
	return func(l *Logger) { l.lookup = fn }
}

// WithMetrics counts dropped records.
func WithMetrics(m *Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// WithSlog sets the diagnostic logger.
func WithSlog(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// NewLogger creates a telemetry logger for a service.
func NewLogger(service string, opts ...Option) *Logger {
	l := &Logger{
		service:   service,
		chatLevel: ChatNone,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enabled reports whether any telemetry backend is configured.
func (l *Logger) Enabled() bool {
	return l != nil && len(l.formatters) > 0
}

// ChatLevel returns the configured chat verbosity.
func (l *Logger) ChatLevel() ChatLevel {
	if l == nil {
		return ChatNone
	}
	return l.chatLevel
}

// Write sends a record to every telemetry backend.
func (l *Logger) Write(ctx context.Context, rec *Record) {
	if l == nil {
		return
	}
	l.writeTo(ctx, l.formatters, rec)
}

func (l *Logger) writeTo(ctx context.Context, fs []Formatter, rec *Record) {
	if rec.ServiceName == "" {
		rec.ServiceName = l.service
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	for _, f := range fs {
		if err := l.writeOne(ctx, f, rec); err != nil {
			l.metrics.RecordWriteError(f.Name())
			l.logger.Warn("telemetry write failed",
				slog.String("backend", f.Name()),
				slog.String("record_type", string(rec.Type)),
				slog.String("error", err.Error()))
		}
	}
}

func (l *Logger) writeOne(ctx context.Context, f Formatter, rec *Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.TelemetryWriteError{Backend: f.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	encoded, err := f.Format(rec)
	if err != nil {
		return &domain.TelemetryWriteError{Backend: f.Name(), Err: err}
	}
	if err := f.Write(ctx, rec, encoded); err != nil {
		return &domain.TelemetryWriteError{Backend: f.Name(), Err: err}
	}
	return nil
}

// Log writes a log record correlated with the span in ctx.
func (l *Logger) Log(ctx context.Context, level Level, msg string, attrs map[string]any) {
	if !l.Enabled() {
		return
	}
	rec := &Record{
		Type:       RecordLog,
		Level:      level,
		Message:    msg,
		Attributes: maps.Clone(attrs),
	}
	stampSpan(ctx, rec)
	l.Write(ctx, rec)
}

// Metric writes a metric point.
func (l *Logger) Metric(ctx context.Context, name string, value float64, labels map[string]string) {
	if !l.Enabled() {
		return
	}
	l.Write(ctx, &Record{
		Type:        RecordMetric,
		MetricName:  name,
		MetricValue: value,
		Labels:      maps.Clone(labels),
	})
}

// LogChatInteraction writes raw chat content to the chat channel when the
// configured level allows kind. The record carries the active transaction
// id and its parent when one exists.
func (l *Logger) LogChatInteraction(ctx context.Context, kind ChatKind, content string, metadata map[string]any) {
	if l == nil || !l.chatLevel.Allows(kind) {
		return
	}
	fs := l.chat
	if len(fs) == 0 {
		fs = l.formatters
	}
	if len(fs) == 0 {
		return
	}

	attrs := make(map[string]any, len(metadata)+3)
	maps.Copy(attrs, metadata)
	attrs["chat.type"] = string(kind)
	if l.lookup != nil {
		if txn, ok := l.lookup(ctx); ok {
			attrs["transaction_id"] = txn.ID
			if txn.ParentID != "" {
				attrs["transaction.parent_id"] = txn.ParentID
			}
		}
	}

	rec := &Record{
		Type:        RecordLog,
		Level:       LevelInfo,
		Message:     content,
		Attributes:  attrs,
		Interaction: kind,
	}
	stampSpan(ctx, rec)
	l.writeTo(ctx, fs, rec)
}

// Close closes every backend.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	var errs []error
	for _, f := range l.formatters {
		errs = append(errs, f.Close())
	}
	for _, f := range l.chat {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

func stampSpan(ctx context.Context, rec *Record) {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return
	}
	rec.TraceID = sc.TraceID().String()
	rec.SpanID = sc.SpanID().String()
	if ro, ok := span.(sdktrace.ReadOnlySpan); ok && ro.Parent().IsValid() {
		rec.ParentID = ro.Parent().SpanID().String()
	}
}

// ParseChatLevel maps a configuration string to a ChatLevel.
func ParseChatLevel(s string) ChatLevel {
	switch ChatLevel(strings.ToLower(s)) {
	case ChatPrompt:
		return ChatPrompt
	case ChatCompletion:
		return ChatCompletion
	case ChatBoth:
		return ChatBoth
	default:
		return ChatNone
	}
}
