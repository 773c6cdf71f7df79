package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanExporter converts finished OpenTelemetry spans into span records
// and writes them through a Logger.
type SpanExporter struct {
	logger *Logger
}

var _ sdktrace.SpanExporter = (*SpanExporter)(nil)

// NewSpanExporter creates an exporter writing through logger.
func NewSpanExporter(logger *Logger) *SpanExporter {
	return &SpanExporter{logger: logger}
}

func (e *SpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if !e.logger.Enabled() {
		return nil
	}
	for _, s := range spans {
		e.logger.Write(ctx, SpanRecord(s))
	}
	return nil
}

// Shutdown is a no-op; the Logger owns the backends.
func (e *SpanExporter) Shutdown(context.Context) error { return nil }

// SpanRecord converts a finished span into a record.
func SpanRecord(s sdktrace.ReadOnlySpan) *Record {
	rec := &Record{
		Type:       RecordSpan,
		Timestamp:  s.EndTime(),
		Name:       s.Name(),
		TraceID:    s.SpanContext().TraceID().String(),
		SpanID:     s.SpanContext().SpanID().String(),
		StartTime:  s.StartTime().UnixNano(),
		EndTime:    s.EndTime().UnixNano(),
		Attributes: attributesMap(s.Attributes()),
		Status:     statusString(s.Status().Code),
	}
	if p := s.Parent(); p.IsValid() {
		rec.ParentID = p.SpanID().String()
	}
	if res := s.Resource(); res != nil {
		if v, ok := res.Set().Value("service.name"); ok {
			rec.ServiceName = v.AsString()
		}
	}
	for _, ev := range s.Events() {
		rec.Events = append(rec.Events, Event{
			Name:       ev.Name,
			Timestamp:  ev.Time.UnixNano(),
			Attributes: attributesMap(ev.Attributes),
		})
	}
	return rec
}

func statusString(c codes.Code) string {
	switch c {
	case codes.Ok:
		return "OK"
	case codes.Error:
		return "ERROR"
	default:
		return "UNSET"
	}
}

func attributesMap(kvs []attribute.KeyValue) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = attributeValue(kv.Value)
	}
	return out
}

// attributeValue flattens an attribute to the types a parsed record line
// yields, so records compare equal after a round trip.
func attributeValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.STRING:
		return v.AsString()
	case attribute.BOOLSLICE:
		return toAny(v.AsBoolSlice())
	case attribute.INT64SLICE:
		return toAny(v.AsInt64Slice())
	case attribute.FLOAT64SLICE:
		return toAny(v.AsFloat64Slice())
	case attribute.STRINGSLICE:
		return toAny(v.AsStringSlice())
	default:
		return v.Emit()
	}
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, x := range in {
		out[i] = x
	}
	return out
}
