package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

// regoQuery is the rule every policy's Rego module must define.
const regoQuery = "data.observicia.decision"

// Finding is one entity reported by an analyzer that answers with a list,
// such as a PII detector.
type Finding struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// verdict is the interpreted answer of a decision endpoint.
type verdict struct {
	Passed     bool
	Score      *float64
	Violations []string
	Detail     string
}

// interpret turns a decision endpoint's body into a verdict. A JSON array is
// read as findings, an object as a scored decision.
func interpret(p *domain.Policy, body []byte) (verdict, any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return verdict{}, nil, errors.New("empty decision response")
	}

	var analysis any
	if err := json.Unmarshal(trimmed, &analysis); err != nil {
		return verdict{}, nil, fmt.Errorf("decode decision response: %w", err)
	}

	switch trimmed[0] {
	case '[':
		var findings []Finding
		if err := json.Unmarshal(trimmed, &findings); err != nil {
			return verdict{}, nil, fmt.Errorf("decode findings: %w", err)
		}
		return fromFindings(p, findings), analysis, nil
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return verdict{}, nil, fmt.Errorf("decode decision: %w", err)
		}
		return fromDecision(p, obj), analysis, nil
	default:
		return verdict{}, nil, fmt.Errorf("unexpected decision response %q", truncate(string(trimmed), 64))
	}
}

func fromFindings(p *domain.Policy, findings []Finding) verdict {
	v := verdict{Passed: true}
	seen := make(map[string]bool)
	var top float64
	for _, f := range findings {
		if f.Score < p.Threshold {
			continue
		}
		v.Passed = false
		if f.Score > top {
			top = f.Score
		}
		if !seen[f.EntityType] {
			seen[f.EntityType] = true
			v.Violations = append(v.Violations, f.EntityType)
		}
	}
	if !v.Passed {
		v.Score = &top
		v.Detail = fmt.Sprintf("%d entities detected", len(v.Violations))
	}
	return v
}

func fromDecision(p *domain.Policy, obj map[string]any) verdict {
	v := verdict{Passed: true}

	if s, ok := obj["score"].(float64); ok {
		v.Score = &s
		v.Passed = s >= p.MinScore
	}
	// An explicit verdict beats the score.
	if b, ok := obj["passed"].(bool); ok {
		v.Passed = b
	} else if b, ok := obj["allow"].(bool); ok {
		v.Passed = b
	}

	v.Violations = stringSlice(obj["violations"])
	for _, key := range []string{"reason", "detail"} {
		if s, ok := obj[key].(string); ok && s != "" {
			v.Detail = s
			break
		}
	}
	return v
}

// compileRego prepares a policy's Rego module for evaluation.
func compileRego(ctx context.Context, p *domain.Policy) (*rego.PreparedEvalQuery, error) {
	pq, err := rego.New(
		rego.Query(regoQuery),
		rego.Module(p.Name+".rego", p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego for policy %q: %w", p.Name, err)
	}
	return &pq, nil
}

// decide evaluates a prepared Rego query over the endpoint's analysis. The
// rule answers with {passed, violations, reason}; a missing passed key fails.
func decide(ctx context.Context, pq *rego.PreparedEvalQuery, p *domain.Policy, in Input, text string, analysis any, base verdict) (verdict, error) {
	input := map[string]any{
		"policy":     p.Name,
		"target":     string(p.Target),
		"text":       text,
		"prompt":     in.Prompt,
		"completion": in.Completion,
		"analysis":   analysis,
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return verdict{}, fmt.Errorf("rego decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return verdict{}, errors.New("rego decision undefined")
	}

	out, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return verdict{}, fmt.Errorf("rego decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	v := verdict{Score: base.Score}
	v.Passed, _ = out["passed"].(bool)
	v.Violations = stringSlice(out["violations"])
	v.Detail, _ = out["reason"].(string)
	return v, nil
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	// Rego sets come back unordered.
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
