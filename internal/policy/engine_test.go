package policy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/observicia-go/internal/domain"
	"github.com/tjfontaine/observicia-go/internal/testutil"
)

// fakeRecorder collects outcomes by policy name.
type fakeRecorder struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (r *fakeRecorder) RecordPolicy(policy, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string][]string)
	}
	r.outcomes[policy] = append(r.outcomes[policy], outcome)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// jsonServer answers every request with body and records the decoded
// request payloads.
func jsonServer(t *testing.T, status int, body string) (*httptest.Server, *[]analyzeRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []analyzeRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func newEngine(t *testing.T, policies []domain.Policy, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	e, err := NewEngine(context.Background(), policies, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func enforce(t *testing.T, e *Engine, in Input) ([]domain.PolicyResult, map[attribute.Key]attribute.Value, []string, error) {
	t.Helper()
	tp, sr := testutil.NewTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "openai.completion")
	results, err := e.EnforcePolicies(ctx, span, in)
	span.End()

	s := testutil.EndedSpan(t, sr, "openai.completion")
	var events []string
	for _, ev := range s.Events() {
		events = append(events, ev.Name)
	}
	return results, testutil.SpanAttributes(s), events, err
}

func TestEnforcePolicies_Findings(t *testing.T) {
	srv, reqs := jsonServer(t, http.StatusOK,
		`[{"entity_type":"EMAIL_ADDRESS","start":0,"end":5,"score":0.9},{"entity_type":"PERSON","start":0,"end":5,"score":0.3}]`)

	e := newEngine(t, []domain.Policy{{
		Name: "pii", Target: domain.TargetPrompt, Endpoint: srv.URL,
		Action: domain.ActionWarn, FailMode: domain.FailClosed, Threshold: 0.5,
	}})

	results, attrs, events, err := enforce(t, e, Input{Prompt: "mail jane@example.com", Completion: "ok"})
	if err != nil {
		t.Fatalf("EnforcePolicies() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if r.Passed || len(r.Violations) != 1 || r.Violations[0] != "EMAIL_ADDRESS" {
		t.Errorf("result = %+v", r)
	}
	if r.Score == nil || *r.Score != 0.9 {
		t.Errorf("score = %v, want 0.9", r.Score)
	}

	if got := (*reqs)[0]; got.Text != "mail jane@example.com" || got.Target != "prompt" || got.Completion != "ok" {
		t.Errorf("request payload = %+v", got)
	}
	if attrs["policy.pii.passed"].AsBool() {
		t.Error("policy.pii.passed = true")
	}
	if v := attrs["policy.pii.violations"].AsStringSlice(); len(v) != 1 || v[0] != "EMAIL_ADDRESS" {
		t.Errorf("policy.pii.violations = %v", v)
	}
	if attrs["policy.passed"].AsBool() {
		t.Error("policy.passed = true")
	}
	if len(events) != 1 || events[0] != "policy.violation" {
		t.Errorf("events = %v", events)
	}
}

func TestEnforcePolicies_FailOpen(t *testing.T) {
	rec := &fakeRecorder{}
	e := newEngine(t, []domain.Policy{{
		Name: "pii", Target: domain.TargetPrompt, Endpoint: "http://pii.invalid/analyze",
		Action: domain.ActionBlock, FailMode: domain.FailOpen, Retries: 2,
	}}, WithHTTPClient(testutil.UnreachableClient()), WithRecorder(rec))

	results, attrs, _, err := enforce(t, e, Input{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("EnforcePolicies() error = %v, want nil for fail-open", err)
	}
	if len(results) != 1 || !results[0].Passed {
		t.Fatalf("results = %+v, want one passing result", results)
	}
	if !strings.Contains(results[0].Error, testutil.ErrUnreachable.Error()) {
		t.Errorf("Error = %q", results[0].Error)
	}
	if !strings.Contains(attrs["policy.pii.error"].AsString(), "connection refused") {
		t.Errorf("policy.pii.error = %q", attrs["policy.pii.error"].AsString())
	}
	if !attrs["policy.passed"].AsBool() {
		t.Error("policy.passed = false, want true")
	}
	if got := rec.outcomes["pii"]; len(got) != 1 || got[0] != OutcomeError {
		t.Errorf("recorded outcomes = %v", got)
	}
}

func TestEnforcePolicies_FailClosed(t *testing.T) {
	tests := []struct {
		name      string
		action    domain.PolicyAction
		wantBlock bool
	}{
		{"block", domain.ActionBlock, true},
		{"warn", domain.ActionWarn, false},
		{"log", domain.ActionLog, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, []domain.Policy{{
				Name: "pii", Target: domain.TargetPrompt, Endpoint: "http://pii.invalid/analyze",
				Action: tt.action, FailMode: domain.FailClosed,
			}}, WithHTTPClient(testutil.UnreachableClient()))

			results, attrs, _, err := enforce(t, e, Input{Prompt: "Hello"})
			if len(results) != 1 || results[0].Passed || results[0].Error == "" {
				t.Fatalf("results = %+v, want one failed result with error", results)
			}
			if got := domain.IsPolicyViolation(err); got != tt.wantBlock {
				t.Errorf("IsPolicyViolation(%v) = %v, want %v", err, got, tt.wantBlock)
			}
			if attrs["policy.passed"].AsBool() {
				t.Error("policy.passed = true")
			}
		})
	}
}

func TestEnforcePolicies_BlockedCompletion(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK, `{"passed":false,"violations":["disallowed_content"],"reason":"completion mentions weapons"}`)

	e := newEngine(t, []domain.Policy{{
		Name: "content", Target: domain.TargetCompletion, Endpoint: srv.URL,
		Action: domain.ActionBlock, FailMode: domain.FailClosed,
	}})

	results, attrs, events, err := enforce(t, e, Input{Prompt: "tell me", Completion: "forbidden text"})

	var pv *domain.PolicyViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("error = %v, want *PolicyViolationError", err)
	}
	if len(pv.Results) != 1 || pv.Results[0].PolicyName != "content" {
		t.Errorf("violation results = %+v", pv.Results)
	}
	if len(results) != 1 || results[0].Detail != "completion mentions weapons" {
		t.Errorf("results = %+v", results)
	}
	if attrs["policy.passed"].AsBool() {
		t.Error("policy.passed = true, want false")
	}
	if len(events) != 1 || events[0] != "policy.violation" {
		t.Errorf("events = %v", events)
	}
}

func TestEnforcePolicies_AllBlockingFailuresReported(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK, `{"allow":false}`)
	e := newEngine(t, []domain.Policy{
		{Name: "a", Target: domain.TargetPrompt, Endpoint: srv.URL, Action: domain.ActionBlock},
		{Name: "b", Target: domain.TargetPrompt, Endpoint: srv.URL, Action: domain.ActionWarn},
		{Name: "c", Target: domain.TargetCompletion, Endpoint: srv.URL, Action: domain.ActionBlock},
	})

	results, _, _, err := enforce(t, e, Input{Prompt: "p", Completion: "c"})
	var pv *domain.PolicyViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("error = %v, want *PolicyViolationError", err)
	}
	if len(results) != 3 {
		t.Errorf("results = %d, want 3", len(results))
	}
	if len(pv.Results) != 2 || pv.Results[0].PolicyName != "a" || pv.Results[1].PolicyName != "c" {
		t.Errorf("blocking results = %+v", pv.Results)
	}
	if pv.Error() != "policy violation: a, c" {
		t.Errorf("Error() = %q", pv.Error())
	}
}

func TestEnforcePolicies_ScoreDecision(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		minScore float64
		want     bool
	}{
		{"score above minimum", `{"score":0.8,"metadata":{}}`, 0.5, true},
		{"score below minimum", `{"score":0.2}`, 0.5, false},
		{"score equals minimum", `{"score":0.5}`, 0.5, true},
		{"explicit passed wins", `{"score":0.1,"passed":true}`, 0.5, true},
		{"explicit allow false", `{"score":0.9,"allow":false}`, 0.5, false},
		{"empty object passes", `{}`, 0.5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := jsonServer(t, http.StatusOK, tt.body)
			e := newEngine(t, []domain.Policy{{
				Name: "compliance", Target: domain.TargetCompletion, Endpoint: srv.URL,
				Action: domain.ActionLog, MinScore: tt.minScore,
			}})
			results, err := e.EnforcePolicies(context.Background(), nil, Input{Completion: "text"})
			if err != nil {
				t.Fatalf("EnforcePolicies() error = %v", err)
			}
			if results[0].Passed != tt.want {
				t.Errorf("Passed = %v, want %v", results[0].Passed, tt.want)
			}
		})
	}
}

func TestEnforcePolicies_MalformedResponse(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK, `not json`)
	e := newEngine(t, []domain.Policy{{
		Name: "pii", Target: domain.TargetPrompt, Endpoint: srv.URL,
		Action: domain.ActionBlock, FailMode: domain.FailOpen,
	}})
	results, err := e.EnforcePolicies(context.Background(), nil, Input{Prompt: "x"})
	if err != nil {
		t.Fatalf("EnforcePolicies() error = %v", err)
	}
	if !results[0].Passed || results[0].Error == "" {
		t.Errorf("result = %+v, want fail-open pass with error", results[0])
	}
}

func TestEnforcePolicies_Retries(t *testing.T) {
	tests := []struct {
		name      string
		retries   int
		wantCalls int32
		wantPass  bool
	}{
		{"recovers on third attempt", 2, 3, true},
		{"gives up after second attempt", 1, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) < 3 {
					http.Error(w, "overloaded", http.StatusServiceUnavailable)
					return
				}
				_, _ = w.Write([]byte(`[]`))
			}))
			defer srv.Close()

			e := newEngine(t, []domain.Policy{{
				Name: "pii", Target: domain.TargetPrompt, Endpoint: srv.URL,
				Action: domain.ActionBlock, FailMode: domain.FailClosed, Retries: tt.retries,
			}})
			results, _ := e.EnforcePolicies(context.Background(), nil, Input{Prompt: "x"})
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if results[0].Passed != tt.wantPass {
				t.Errorf("Passed = %v, want %v (error %q)", results[0].Passed, tt.wantPass, results[0].Error)
			}
		})
	}
}

func TestEnforcePolicies_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	e := newEngine(t, []domain.Policy{{
		Name: "slow", Target: domain.TargetPrompt, Endpoint: srv.URL,
		Action: domain.ActionBlock, FailMode: domain.FailOpen, Timeout: 20 * time.Millisecond,
	}})

	start := time.Now()
	results, err := e.EnforcePolicies(context.Background(), nil, Input{Prompt: "x"})
	if err != nil {
		t.Fatalf("EnforcePolicies() error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout not applied")
	}
	if !results[0].Passed || results[0].Error == "" {
		t.Errorf("result = %+v", results[0])
	}
}

func TestEnforcePolicies_TargetSelection(t *testing.T) {
	srv, reqs := jsonServer(t, http.StatusOK, `[]`)
	e := newEngine(t, []domain.Policy{
		{Name: "prompt", Target: domain.TargetPrompt, Endpoint: srv.URL, Action: domain.ActionBlock},
		{Name: "completion", Target: domain.TargetCompletion, Endpoint: srv.URL, Action: domain.ActionBlock},
		{Name: "rag", Target: domain.TargetRAGContext, Endpoint: srv.URL, Action: domain.ActionBlock},
	})

	// Before the call completes only the prompt and context are known.
	results, err := e.EnforcePolicies(context.Background(), nil, Input{
		Prompt:     "question",
		RAGContext: []string{"doc one", "doc two"},
	})
	if err != nil {
		t.Fatalf("EnforcePolicies() error = %v", err)
	}
	if len(results) != 2 || results[0].PolicyName != "prompt" || results[1].PolicyName != "rag" {
		t.Fatalf("results = %+v", results)
	}
	if got := (*reqs)[1].Text; got != "doc one\ndoc two" {
		t.Errorf("rag text = %q", got)
	}
	if got := (*reqs)[1].Context; len(got) != 2 {
		t.Errorf("rag context = %v", got)
	}
}

func TestEnforcePolicies_NoPolicies(t *testing.T) {
	var nilEngine *Engine
	results, err := nilEngine.EnforcePolicies(context.Background(), nil, Input{Prompt: "x"})
	if results != nil || err != nil {
		t.Errorf("nil engine = %v, %v", results, err)
	}

	e := newEngine(t, nil)
	_, attrs, _, _ := enforce(t, e, Input{Prompt: "x"})
	if v, ok := attrs["policy.passed"]; !ok || !v.AsBool() {
		t.Errorf("policy.passed = %v (set %v), want true", v.AsBool(), ok)
	}

	// A configured policy whose target text is absent passes too.
	e = newEngine(t, []domain.Policy{{Name: "out", Target: domain.TargetCompletion, Endpoint: "http://unused", Action: domain.ActionBlock}})
	results, attrs, _, err = enforce(t, e, Input{Prompt: "x"})
	if err != nil || len(results) != 0 {
		t.Errorf("results = %v, err = %v", results, err)
	}
	if !attrs["policy.passed"].AsBool() {
		t.Error("policy.passed = false with no applicable policy")
	}
}

func TestEnforcePolicies_Headers(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	e := newEngine(t, []domain.Policy{{
		Name: "pii", Target: domain.TargetPrompt, Endpoint: srv.URL, Action: domain.ActionBlock,
		Headers: map[string]string{"Authorization": "Bearer s3cret"},
	}})
	if _, err := e.EnforcePolicies(context.Background(), nil, Input{Prompt: "x"}); err != nil {
		t.Fatalf("EnforcePolicies() error = %v", err)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

const bannedTermsRego = `package observicia

default decision := {"passed": true, "violations": [], "reason": ""}

decision := {"passed": false, "violations": banned, "reason": "banned terms"} if {
	count(banned) > 0
}

banned contains term if {
	some term in ["password", "secret"]
	contains(lower(input.text), term)
}
`

const analysisRego = `package observicia

default decision := {"passed": true, "violations": [], "reason": ""}

decision := {"passed": false, "violations": ["toxicity"], "reason": "toxicity"} if {
	input.analysis.toxicity >= 0.7
}
`

func TestEnforcePolicies_Rego(t *testing.T) {
	e := newEngine(t, []domain.Policy{{
		Name: "terms", Target: domain.TargetCompletion, Action: domain.ActionBlock, Rego: bannedTermsRego,
	}})

	results, attrs, _, err := enforce(t, e, Input{Completion: "the Password is hunter2 and the secret is out"})
	if !domain.IsPolicyViolation(err) {
		t.Fatalf("error = %v, want policy violation", err)
	}
	r := results[0]
	if r.Passed || r.Detail != "banned terms" {
		t.Errorf("result = %+v", r)
	}
	if len(r.Violations) != 2 || r.Violations[0] != "password" || r.Violations[1] != "secret" {
		t.Errorf("violations = %v", r.Violations)
	}
	if got := attrs["policy.terms.violations"].AsStringSlice(); len(got) != 2 {
		t.Errorf("policy.terms.violations = %v", got)
	}

	results, err = e.EnforcePolicies(context.Background(), nil, Input{Completion: "all clear"})
	if err != nil || !results[0].Passed {
		t.Errorf("clean completion = %+v, %v", results, err)
	}
}

func TestEnforcePolicies_RegoOverAnalysis(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK, `{"toxicity":0.9,"score":0.1}`)
	e := newEngine(t, []domain.Policy{{
		Name: "toxicity", Target: domain.TargetCompletion, Endpoint: srv.URL,
		Action: domain.ActionWarn, Rego: analysisRego,
	}})

	results, err := e.EnforcePolicies(context.Background(), nil, Input{Completion: "rude words"})
	if err != nil {
		t.Fatalf("EnforcePolicies() error = %v", err)
	}
	if results[0].Passed || results[0].Detail != "toxicity" {
		t.Errorf("result = %+v", results[0])
	}
	if results[0].Score == nil || *results[0].Score != 0.1 {
		t.Errorf("score = %v, want endpoint score 0.1", results[0].Score)
	}
}

func TestNewEngine_InvalidRego(t *testing.T) {
	p := domain.Policy{Name: "broken", Target: domain.TargetPrompt, Rego: "package observicia\n\ndecision := {"}
	if _, err := NewEngine(context.Background(), []domain.Policy{p}); err == nil {
		t.Error("NewEngine() error = nil, want compile error")
	}
	if err := Validate(context.Background(), p); err == nil {
		t.Error("Validate() error = nil, want compile error")
	}
	if err := Validate(context.Background(), domain.Policy{Name: "http", Endpoint: "http://x"}); err != nil {
		t.Errorf("Validate() error = %v for endpoint-only policy", err)
	}
}

func TestEnforcePolicies_RecordedAnalyzer(t *testing.T) {
	r := testutil.NewVCRRecorder(t, "pii_analyzer")

	e := newEngine(t, []domain.Policy{{
		Name: "pii", Target: domain.TargetPrompt, Endpoint: "http://pii-analyzer:8000/analyze",
		Action: domain.ActionBlock, FailMode: domain.FailClosed, Threshold: 0.5,
	}}, WithHTTPClient(testutil.VCRHTTPClient(r)))

	results, err := e.EnforcePolicies(context.Background(), trace.SpanFromContext(context.Background()),
		Input{Prompt: "Email me at jane.doe@example.com"})
	if !domain.IsPolicyViolation(err) {
		t.Fatalf("error = %v, want policy violation", err)
	}
	if got := results[0].Violations; len(got) != 1 || got[0] != "EMAIL_ADDRESS" {
		t.Errorf("violations = %v, want [EMAIL_ADDRESS]", got)
	}
	if results[0].Error != "" {
		t.Errorf("Error = %q", results[0].Error)
	}
}

func TestInput_Text(t *testing.T) {
	in := Input{Prompt: "p", Completion: "c", RAGContext: []string{"a", "b"}}
	tests := map[domain.PolicyTarget]string{
		domain.TargetPrompt:     "p",
		domain.TargetCompletion: "c",
		domain.TargetRAGContext: "a\nb",
		"unknown":               "",
	}
	for target, want := range tests {
		if got := in.Text(target); got != want {
			t.Errorf("Text(%s) = %q, want %q", target, got, want)
		}
	}
}
