// Package telemetry turns spans, log lines and metric points into records
// and fans them out to the configured backends.
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RecordType tags a Record.
type RecordType string

const (
	RecordSpan   RecordType = "span"
	RecordMetric RecordType = "metric"
	RecordLog    RecordType = "log"
)

// Level is a log record severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARNING"
	LevelError Level = "ERROR"
)

// Event is a timestamped span annotation.
type Event struct {
	Name       string         `json:"name"`
	Timestamp  int64          `json:"timestamp"` // unix ns
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Record is one unit of telemetry. Which fields are meaningful depends on
// Type; the JSON encoding only carries the fields of its type.
type Record struct {
	Type        RecordType
	Timestamp   time.Time
	ServiceName string

	// span and log
	TraceID    string
	SpanID     string
	ParentID   string // empty for root spans
	Attributes map[string]any

	// span
	Name      string
	StartTime int64 // unix ns
	EndTime   int64 // unix ns
	Status    string
	Events    []Event

	// log
	Level   Level
	Message string

	// Interaction marks a chat record; its Message is the chat content.
	Interaction ChatKind

	// metric
	MetricName  string
	MetricValue float64
	Labels      map[string]string
}

type spanJSON struct {
	Type        RecordType     `json:"type"`
	Timestamp   string         `json:"timestamp"`
	ServiceName string         `json:"service_name,omitempty"`
	Name        string         `json:"name"`
	TraceID     string         `json:"trace_id"`
	SpanID      string         `json:"span_id"`
	ParentID    *string        `json:"parent_id"`
	StartTime   int64          `json:"start_time"`
	EndTime     int64          `json:"end_time"`
	Attributes  map[string]any `json:"attributes"`
	Status      string         `json:"status"`
	Events      []Event        `json:"events"`
}

type metricJSON struct {
	Type        RecordType        `json:"type"`
	Timestamp   string            `json:"timestamp"`
	ServiceName string            `json:"service_name,omitempty"`
	MetricName  string            `json:"metric_name"`
	MetricValue float64           `json:"metric_value"`
	Labels      map[string]string `json:"labels"`
}

type logJSON struct {
	Type         RecordType     `json:"type"`
	Timestamp    string         `json:"timestamp"`
	ServiceName  string         `json:"service_name,omitempty"`
	Level        Level          `json:"level"`
	Message      string         `json:"message"`
	TraceID      *string        `json:"trace_id"`
	SpanID       *string        `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id"`
	Attributes   map[string]any `json:"attributes"`

	// chat records only
	InteractionType ChatKind `json:"interaction_type,omitempty"`
	Content         string   `json:"content,omitempty"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// MarshalJSON encodes the record in the telemetry line format.
func (r *Record) MarshalJSON() ([]byte, error) {
	ts := r.Timestamp.UTC().Format(time.RFC3339Nano)
	attrs := encodeMap(r.Attributes)
	if attrs == nil {
		attrs = map[string]any{}
	}

	switch r.Type {
	case RecordSpan:
		events := make([]Event, len(r.Events))
		for i, e := range r.Events {
			e.Attributes = encodeMap(e.Attributes)
			events[i] = e
		}
		return json.Marshal(spanJSON{
			Type:        RecordSpan,
			Timestamp:   ts,
			ServiceName: r.ServiceName,
			Name:        r.Name,
			TraceID:     r.TraceID,
			SpanID:      r.SpanID,
			ParentID:    optional(r.ParentID),
			StartTime:   r.StartTime,
			EndTime:     r.EndTime,
			Attributes:  attrs,
			Status:      r.Status,
			Events:      events,
		})
	case RecordMetric:
		labels := r.Labels
		if labels == nil {
			labels = map[string]string{}
		}
		return json.Marshal(metricJSON{
			Type:        RecordMetric,
			Timestamp:   ts,
			ServiceName: r.ServiceName,
			MetricName:  r.MetricName,
			MetricValue: r.MetricValue,
			Labels:      labels,
		})
	case RecordLog:
		l := logJSON{
			Type:         RecordLog,
			Timestamp:    ts,
			ServiceName:  r.ServiceName,
			Level:        r.Level,
			Message:      r.Message,
			TraceID:      optional(r.TraceID),
			SpanID:       optional(r.SpanID),
			ParentSpanID: optional(r.ParentID),
			Attributes:   attrs,
		}
		if r.Interaction != "" {
			l.InteractionType = r.Interaction
			l.Content = r.Message
		}
		return json.Marshal(l)
	default:
		return nil, fmt.Errorf("unknown record type %q", r.Type)
	}
}

// ParseRecord decodes one telemetry line. Attribute numbers written with a
// fraction or exponent are restored as float64, the rest as int64.
func ParseRecord(line []byte) (*Record, error) {
	var head struct {
		Type RecordType `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	dec := func(v any) error {
		d := json.NewDecoder(bytes.NewReader(line))
		d.UseNumber()
		return d.Decode(v)
	}

	var (
		rec = &Record{Type: head.Type}
		ts  string
	)
	switch head.Type {
	case RecordSpan:
		var s spanJSON
		if err := dec(&s); err != nil {
			return nil, fmt.Errorf("failed to decode span record: %w", err)
		}
		ts = s.Timestamp
		rec.ServiceName = s.ServiceName
		rec.Name = s.Name
		rec.TraceID = s.TraceID
		rec.SpanID = s.SpanID
		rec.ParentID = deref(s.ParentID)
		rec.StartTime = s.StartTime
		rec.EndTime = s.EndTime
		rec.Attributes = normalizeMap(s.Attributes)
		rec.Status = s.Status
		for _, e := range s.Events {
			e.Attributes = normalizeMap(e.Attributes)
			rec.Events = append(rec.Events, e)
		}
	case RecordMetric:
		var m metricJSON
		if err := dec(&m); err != nil {
			return nil, fmt.Errorf("failed to decode metric record: %w", err)
		}
		ts = m.Timestamp
		rec.ServiceName = m.ServiceName
		rec.MetricName = m.MetricName
		rec.MetricValue = m.MetricValue
		if len(m.Labels) > 0 {
			rec.Labels = m.Labels
		}
	case RecordLog:
		var l logJSON
		if err := dec(&l); err != nil {
			return nil, fmt.Errorf("failed to decode log record: %w", err)
		}
		ts = l.Timestamp
		rec.ServiceName = l.ServiceName
		rec.Level = l.Level
		rec.Message = l.Message
		rec.TraceID = deref(l.TraceID)
		rec.SpanID = deref(l.SpanID)
		rec.ParentID = deref(l.ParentSpanID)
		rec.Attributes = normalizeMap(l.Attributes)
		rec.Interaction = l.InteractionType
		if rec.Interaction != "" && rec.Message == "" {
			rec.Message = l.Content
		}
	default:
		return nil, fmt.Errorf("unknown record type %q", head.Type)
	}

	if ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		rec.Timestamp = t
	}
	return rec, nil
}

func normalizeMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if !strings.ContainsAny(x.String(), ".eE") {
			if i, err := x.Int64(); err == nil {
				return i
			}
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeValue(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeValue(e)
		}
		return x
	default:
		return v
	}
}

// encodeMap copies attributes into a form that survives a round trip:
// floats always carry a fraction or exponent, and non-finite floats, which
// JSON cannot represent, become the strings "NaN", "+Inf" and "-Inf".
func encodeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case float64:
		return encodeFloat(x)
	case float32:
		return encodeFloat(float64(x))
	case map[string]any:
		return encodeMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = encodeValue(e)
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = encodeFloat(e)
		}
		return out
	default:
		return v
	}
}

func encodeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	b := strconv.AppendFloat(nil, f, 'g', -1, 64)
	if !bytes.ContainsAny(b, ".eE") {
		b = append(b, ".0"...)
	}
	return json.RawMessage(b)
}
