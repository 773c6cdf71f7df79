// Package policy evaluates configured policies against prompts, completions
// and retrieved context by calling external decision services.
package policy

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

// Outcome labels reported to a Recorder.
const (
	OutcomePassed = "passed"
	OutcomeFailed = "failed"
	OutcomeError  = "error"
)

// Input is the text a call exposes to policies.
type Input struct {
	Prompt     string
	Completion string
	RAGContext []string
}

// Text returns the text a policy with the given target inspects.
func (in Input) Text(target domain.PolicyTarget) string {
	switch target {
	case domain.TargetPrompt:
		return in.Prompt
	case domain.TargetCompletion:
		return in.Completion
	case domain.TargetRAGContext:
		return strings.Join(in.RAGContext, "\n")
	default:
		return ""
	}
}

// Recorder counts policy evaluations. telemetry.Metrics satisfies it.
type Recorder interface {
	RecordPolicy(policy, outcome string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient overrides the client used to reach decision endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.client = c
		}
	}
}

// WithLogger sets the logger for warn and log actions.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRecorder reports every evaluation outcome to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

type compiledPolicy struct {
	domain.Policy
	query *rego.PreparedEvalQuery
}

// Engine holds the configured policies. It is immutable after construction
// and safe for concurrent use.
type Engine struct {
	policies []compiledPolicy
	client   *http.Client
	logger   *slog.Logger
	recorder Recorder
}

// NewEngine compiles any Rego rules and returns an engine evaluating
// policies in the given order.
func NewEngine(ctx context.Context, policies []domain.Policy, opts ...Option) (*Engine, error) {
	e := &Engine{
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.policies = make([]compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp := compiledPolicy{Policy: p}
		if strings.TrimSpace(p.Rego) != "" {
			pq, err := compileRego(ctx, &p)
			if err != nil {
				return nil, err
			}
			cp.query = pq
		}
		e.policies = append(e.policies, cp)
	}
	return e, nil
}

// Validate reports whether a single policy can be loaded.
func Validate(ctx context.Context, p domain.Policy) error {
	if strings.TrimSpace(p.Rego) == "" {
		return nil
	}
	_, err := compileRego(ctx, &p)
	return err
}

// Policies returns the configured policies in evaluation order.
func (e *Engine) Policies() []domain.Policy {
	if e == nil {
		return nil
	}
	out := make([]domain.Policy, len(e.policies))
	for i, cp := range e.policies {
		out[i] = cp.Policy
	}
	return out
}

// EnforcePolicies evaluates every policy whose target text is present and
// records the outcome on span. policy.passed is true when nothing failed,
// including when no policy applied. Endpoint failures are resolved by each
// policy's fail mode and are never returned. The error is a
// *domain.PolicyViolationError when at least one blocking policy failed; the
// results are returned either way.
func (e *Engine) EnforcePolicies(ctx context.Context, span trace.Span, in Input) ([]domain.PolicyResult, error) {
	if span == nil {
		span = trace.SpanFromContext(ctx)
	}
	if e == nil || len(e.policies) == 0 {
		span.SetAttributes(attribute.Bool("policy.passed", true))
		return nil, nil
	}

	var (
		results  []domain.PolicyResult
		blocking []domain.PolicyResult
	)
	for i := range e.policies {
		cp := &e.policies[i]
		text := in.Text(cp.Target)
		if strings.TrimSpace(text) == "" {
			continue
		}

		res := e.evaluate(ctx, cp, in, text)
		results = append(results, res)
		e.annotate(span, res)
		e.report(ctx, res)

		if res.Blocking() {
			blocking = append(blocking, res)
		}
	}

	passed := true
	for _, r := range results {
		passed = passed && r.Passed
	}
	span.SetAttributes(attribute.Bool("policy.passed", passed))

	if len(blocking) > 0 {
		return results, &domain.PolicyViolationError{Results: blocking}
	}
	return results, nil
}

func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, in Input, text string) domain.PolicyResult {
	res := domain.PolicyResult{
		PolicyName: cp.Name,
		Target:     cp.Target,
		Action:     cp.Action,
	}

	v, err := e.verdict(ctx, cp, in, text)
	if err != nil {
		res.Error = err.Error()
		res.Passed = cp.FailMode == domain.FailOpen
		e.logger.Warn("policy evaluation failed",
			slog.String("policy", cp.Name),
			slog.String("fail_mode", string(cp.FailMode)),
			slog.String("error", err.Error()),
		)
		return res
	}

	res.Passed = v.Passed
	res.Score = v.Score
	res.Violations = v.Violations
	res.Detail = v.Detail
	return res
}

func (e *Engine) verdict(ctx context.Context, cp *compiledPolicy, in Input, text string) (verdict, error) {
	var analysis any
	var base verdict
	if cp.Endpoint != "" {
		body, err := e.analyze(ctx, &cp.Policy, in, text)
		if err != nil {
			return verdict{}, err
		}
		base, analysis, err = interpret(&cp.Policy, body)
		if err != nil {
			return verdict{}, err
		}
	}
	if cp.query == nil {
		return base, nil
	}

	evalCtx := ctx
	if cp.Timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, cp.Timeout)
		defer cancel()
	}
	return decide(evalCtx, cp.query, &cp.Policy, in, text, analysis, base)
}

func (e *Engine) annotate(span trace.Span, res domain.PolicyResult) {
	prefix := "policy." + res.PolicyName + "."
	attrs := []attribute.KeyValue{attribute.Bool(prefix+"passed", res.Passed)}
	if res.Score != nil {
		attrs = append(attrs, attribute.Float64(prefix+"score", *res.Score))
	}
	if len(res.Violations) > 0 {
		attrs = append(attrs, attribute.StringSlice(prefix+"violations", res.Violations))
	}
	if res.Error != "" {
		attrs = append(attrs, attribute.String(prefix+"error", res.Error))
	}
	span.SetAttributes(attrs...)

	if !res.Passed {
		span.AddEvent("policy.violation", trace.WithAttributes(
			attribute.String("policy.name", res.PolicyName),
			attribute.String("policy.action", string(res.Action)),
			attribute.StringSlice("policy.violations", res.Violations),
		), trace.WithTimestamp(time.Now()))
	}
}

func (e *Engine) report(ctx context.Context, res domain.PolicyResult) {
	outcome := OutcomePassed
	switch {
	case res.Error != "":
		outcome = OutcomeError
	case !res.Passed:
		outcome = OutcomeFailed
	}
	if e.recorder != nil {
		e.recorder.RecordPolicy(res.PolicyName, outcome)
	}

	if res.Passed {
		return
	}
	attrs := []any{
		slog.String("policy", res.PolicyName),
		slog.String("target", string(res.Target)),
		slog.Any("violations", res.Violations),
	}
	if res.Detail != "" {
		attrs = append(attrs, slog.String("detail", res.Detail))
	}
	switch res.Action {
	case domain.ActionBlock:
		e.logger.WarnContext(ctx, "policy blocked call", attrs...)
	case domain.ActionWarn:
		e.logger.WarnContext(ctx, "policy violation", attrs...)
	default:
		e.logger.InfoContext(ctx, "policy violation", attrs...)
	}
}
