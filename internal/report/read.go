// Package report turns NDJSON telemetry back into something people read:
// per-call token rows for spreadsheets and Mermaid sequence diagrams.
package report

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/tjfontaine/observicia-go/internal/telemetry"
)

// maxLine bounds a single telemetry line. Chat records can carry whole
// completions.
const maxLine = 16 << 20

// Read parses NDJSON telemetry. Blank and undecodable lines are skipped and
// counted; only I/O failures are errors.
func Read(r io.Reader) (records []*telemetry.Record, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := telemetry.ParseRecord(line)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, skipped, fmt.Errorf("failed to read telemetry: %w", err)
	}
	return records, skipped, nil
}

// Spans returns the span records.
func Spans(records []*telemetry.Record) []*telemetry.Record {
	var out []*telemetry.Record
	for _, r := range records {
		if r.Type == telemetry.RecordSpan {
			out = append(out, r)
		}
	}
	return out
}

func attrString(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func attrInt(attrs map[string]any, key string) int64 {
	switch v := attrs[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
