package report

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/tjfontaine/observicia-go/internal/telemetry"
)

// MermaidOptions tunes diagram rendering.
type MermaidOptions struct {
	// SkipPrefixes drops attributes from notes. Defaults to stream.total_chunks.
	SkipPrefixes []string
	// NoNotes omits attribute notes entirely.
	NoNotes bool
}

const rootParticipant = "Root"

// Mermaid renders spans as a sequence diagram. Each distinct span name is a
// participant; a call arrow runs from the parent span's participant (Root
// when the parent is not in the input) to the span's own.
func Mermaid(records []*telemetry.Record, opts MermaidOptions) string {
	spans := Spans(records)
	if opts.SkipPrefixes == nil {
		opts.SkipPrefixes = []string{"stream.total_chunks"}
	}

	var b strings.Builder
	b.WriteString("sequenceDiagram\n")
	if len(spans) == 0 {
		b.WriteString("    Note over " + rootParticipant + ": No spans found\n")
		return b.String()
	}

	slices.SortStableFunc(spans, func(x, y *telemetry.Record) int {
		switch {
		case x.StartTime < y.StartTime:
			return -1
		case x.StartTime > y.StartTime:
			return 1
		}
		return 0
	})

	// Participant aliases keep dotted span names out of Mermaid identifiers.
	alias := map[string]string{}
	var names []string
	byID := make(map[string]*telemetry.Record, len(spans))
	for _, s := range spans {
		byID[s.SpanID] = s
		if _, ok := alias[s.Name]; !ok {
			alias[s.Name] = fmt.Sprintf("P%d", len(names)+1)
			names = append(names, s.Name)
		}
	}

	fmt.Fprintf(&b, "    participant %s\n", rootParticipant)
	for _, n := range names {
		fmt.Fprintf(&b, "    participant %s as %s\n", alias[n], sanitize(n))
	}
	b.WriteString("\n")

	seenTrace := map[string]bool{}
	for _, s := range spans {
		if !seenTrace[s.TraceID] {
			seenTrace[s.TraceID] = true
			fmt.Fprintf(&b, "    Note over %s: Trace ID - %s\n", rootParticipant, sanitize(s.TraceID))
		}

		self := alias[s.Name]
		caller := rootParticipant
		if parent, ok := byID[s.ParentID]; ok {
			caller = alias[parent.Name]
		}

		fmt.Fprintf(&b, "    %s->>+%s: start (%s)\n", caller, self, clock(s.StartTime))
		if !opts.NoNotes {
			if note := formatAttributes(s.Attributes, opts.SkipPrefixes); note != "" {
				fmt.Fprintf(&b, "    Note over %s: %s\n", self, note)
			}
		}
		label := "complete"
		if s.Status == "ERROR" {
			label = "error"
		}
		fmt.Fprintf(&b, "    %s-->>-%s: %s (%s)\n\n", self, caller, label, elapsed(s))
	}
	return b.String()
}

// WriteMermaid writes Mermaid(records, opts) to w.
func WriteMermaid(w io.Writer, records []*telemetry.Record, opts MermaidOptions) error {
	_, err := io.WriteString(w, Mermaid(records, opts))
	return err
}

func formatAttributes(attrs map[string]any, skip []string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if hasAnyPrefix(k, skip) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, sanitize(k)+" - "+sanitize(fmt.Sprint(attrs[k])))
	}
	return strings.Join(parts, "<br/>")
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

var mermaidReplacer = strings.NewReplacer(
	";", ",",
	":", " - ",
	"#", "",
	"\r", "",
	"\n", "<br/>",
)

// sanitize strips characters Mermaid treats as syntax in messages and notes.
func sanitize(s string) string {
	return mermaidReplacer.Replace(s)
}

func clock(unixNano int64) string {
	return time.Unix(0, unixNano).UTC().Format("15:04:05.000")
}

func elapsed(s *telemetry.Record) string {
	d := time.Duration(s.EndTime - s.StartTime)
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}
