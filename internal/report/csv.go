package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tjfontaine/observicia-go/internal/telemetry"
)

// CSVHeader is the column order written by WriteCSV.
var CSVHeader = []string{
	"timestamp", "transaction_id", "user_id", "model", "provider",
	"request_type", "prompt_tokens", "completion_tokens", "total_tokens",
	"duration_ms", "success",
}

// TokenRow is one completion span with its token counts.
type TokenRow struct {
	Timestamp        time.Time
	TransactionID    string
	UserID           string
	Model            string
	Provider         string
	RequestType      string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	DurationMs       float64
	// Success is policy.passed, true when no policy ran.
	Success bool
}

// TokenRows selects completion spans that carry token counts.
func TokenRows(records []*telemetry.Record) []TokenRow {
	var rows []TokenRow
	for _, r := range records {
		if r.Type != telemetry.RecordSpan || !strings.Contains(r.Name, "completion") {
			continue
		}
		if _, ok := r.Attributes["prompt.tokens"]; !ok {
			continue
		}

		success := true
		if passed, ok := r.Attributes["policy.passed"].(bool); ok {
			success = passed
		}
		rows = append(rows, TokenRow{
			Timestamp:        r.Timestamp,
			TransactionID:    attrString(r.Attributes, "transaction_id"),
			UserID:           attrString(r.Attributes, "user.id"),
			Model:            attrString(r.Attributes, "llm.model"),
			Provider:         attrString(r.Attributes, "llm.provider"),
			RequestType:      attrString(r.Attributes, "llm.request.type"),
			PromptTokens:     attrInt(r.Attributes, "prompt.tokens"),
			CompletionTokens: attrInt(r.Attributes, "completion.tokens"),
			TotalTokens:      attrInt(r.Attributes, "total.tokens"),
			DurationMs:       float64(r.EndTime-r.StartTime) / float64(time.Millisecond),
			Success:          success,
		})
	}
	return rows
}

// WriteCSV writes a header and one line per row.
func WriteCSV(w io.Writer, rows []TokenRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range rows {
		err := cw.Write([]string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.TransactionID,
			r.UserID,
			r.Model,
			r.Provider,
			r.RequestType,
			strconv.FormatInt(r.PromptTokens, 10),
			strconv.FormatInt(r.CompletionTokens, 10),
			strconv.FormatInt(r.TotalTokens, 10),
			strconv.FormatFloat(r.DurationMs, 'f', 3, 64),
			strconv.FormatBool(r.Success),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summary aggregates token rows.
type Summary struct {
	Requests         int
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	AvgDurationMs    float64
	Blocked          int
}

func Summarize(rows []TokenRow) Summary {
	var s Summary
	var duration float64
	for _, r := range rows {
		s.Requests++
		s.PromptTokens += r.PromptTokens
		s.CompletionTokens += r.CompletionTokens
		s.TotalTokens += r.TotalTokens
		duration += r.DurationMs
		if !r.Success {
			s.Blocked++
		}
	}
	if s.Requests > 0 {
		s.AvgDurationMs = duration / float64(s.Requests)
	}
	return s
}

// WriteText prints the summary for humans.
func (s Summary) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		"Summary:\nRequests: %d\nPolicy failures: %d\nTotal Prompt Tokens: %d\nTotal Completion Tokens: %d\nTotal Tokens: %d\nAverage Request Duration: %.2fms\n",
		s.Requests, s.Blocked, s.PromptTokens, s.CompletionTokens, s.TotalTokens, s.AvgDurationMs)
	return err
}
