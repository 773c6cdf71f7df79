package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/observicia-go/internal/config"
	"github.com/tjfontaine/observicia-go/internal/observability"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *observability.Context, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.ServiceName = "admin-test"
	if mutate != nil {
		mutate(cfg)
	}
	octx := observability.New(cfg, observability.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { _ = octx.Shutdown(context.Background()) })

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(":0", octx, logger), octx, &logs
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "admin-test" {
		t.Errorf("body = %v", body)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestTransactions(t *testing.T) {
	s, octx, _ := newTestServer(t, nil)

	ctx, outer := octx.StartTransaction(context.Background(), map[string]any{"user": "alice"})
	_, inner := octx.StartTransaction(ctx, nil)

	rec := get(t, s, "/debug/transactions")
	var body transactionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || body.Transactions[0].ID != outer || body.Transactions[1].ID != inner {
		t.Errorf("transactions = %+v", body)
	}
	if body.Transactions[1].ParentID != outer {
		t.Errorf("inner parent = %q, want %q", body.Transactions[1].ParentID, outer)
	}

	if rec := get(t, s, "/debug/transactions/"+inner); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), inner) {
		t.Errorf("single transaction = %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, s, "/debug/transactions/unknown"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown transaction status = %d, want 404", rec.Code)
	}
}

func TestTransactions_Empty(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := get(t, s, "/debug/transactions")
	if got := strings.TrimSpace(rec.Body.String()); got != `{"count":0,"transactions":[]}` {
		t.Errorf("body = %s", got)
	}
}

func TestTokens(t *testing.T) {
	s, octx, _ := newTestServer(t, nil)
	octx.TokenTracker().Update("openai", 10, 5)
	session := octx.TokenTracker().StreamContext("openai", "stream-1")
	defer session.Close()

	rec := get(t, s, "/debug/tokens")
	var body tokensResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := body.Providers["openai"]; got.TotalTokens != 15 {
		t.Errorf("openai usage = %+v", got)
	}
	if len(body.ActiveSessions) != 1 || body.ActiveSessions[0] != "stream-1" {
		t.Errorf("sessions = %v", body.ActiveSessions)
	}
}

func TestPolicies(t *testing.T) {
	s, _, _ := newTestServer(t, func(c *config.Config) {
		c.Policies = []config.PolicyConfig{
			{Name: "pii", Target: "prompt", Endpoint: "http://pii/analyze", Action: "block"},
		}
	})

	rec := get(t, s, "/debug/policies")
	var body []policyView
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := policyView{Name: "pii", Target: "prompt", Action: "block", FailMode: "closed", Endpoint: "http://pii/analyze"}
	if len(body) != 1 || body[0] != want {
		t.Errorf("policies = %+v", body)
	}
}

func TestMetrics(t *testing.T) {
	s, octx, _ := newTestServer(t, nil)
	octx.TokenTracker().Update("openai", 3, 4)

	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `observicia_tokens_total{provider="openai",type="completion"} 4`) {
		t.Errorf("metrics body missing token counter:\n%s", rec.Body.String())
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"generated", "", false},
		{"kept", "3f2504e0-4f89-11d3-9a0c-0305e82c3301", true},
		{"malformed replaced", "not-an-id", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if seen == "" || rec.Header().Get(RequestIDHeader) != seen {
				t.Errorf("context id %q, header %q", seen, rec.Header().Get(RequestIDHeader))
			}
			if (seen == tt.inbound) != tt.keep {
				t.Errorf("id = %q, inbound %q, keep %v", seen, tt.inbound, tt.keep)
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	s, _, logs := newTestServer(t, nil)

	get(t, s, "/debug/transactions/missing")

	var entry map[string]any
	for line := range strings.SplitSeq(strings.TrimSpace(logs.String()), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err == nil && m["msg"] == "admin request" {
			entry = m
		}
	}
	if entry == nil {
		t.Fatalf("no request log in %s", logs.String())
	}
	if entry["level"] != "WARN" || entry["path"] != "/debug/transactions/missing" || entry["status"] != float64(404) {
		t.Errorf("log entry = %v", entry)
	}
	if entry["request_id"] == "" {
		t.Error("request_id missing")
	}
}
