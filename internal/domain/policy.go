package domain

import "time"

// PolicyTarget selects which text a policy inspects.
type PolicyTarget string

const (
	TargetPrompt     PolicyTarget = "prompt"
	TargetCompletion PolicyTarget = "completion"
	TargetRAGContext PolicyTarget = "rag_context"
)

// PolicyAction is what happens when a policy fails.
type PolicyAction string

const (
	ActionBlock PolicyAction = "block"
	ActionWarn  PolicyAction = "warn"
	ActionLog   PolicyAction = "log"
)

// FailMode decides the outcome when a decision endpoint cannot be reached.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// Policy is a configured rule evaluated by an external decision service.
// Policies are loaded once at initialization and never mutated afterwards.
type Policy struct {
	Name     string
	Target   PolicyTarget
	Endpoint string
	Action   PolicyAction
	FailMode FailMode
	Timeout  time.Duration
	Retries  int
	// Threshold is the minimum finding score that counts as a violation
	// when the endpoint answers with a list of findings.
	Threshold float64
	// MinScore is the minimum decision score that passes when the endpoint
	// answers with a scored decision object.
	MinScore float64
	// Rego optionally holds a module in package observicia whose
	// "decision" rule interprets the endpoint's analysis.
	Rego    string
	Headers map[string]string
}

// PolicyResult is the outcome of evaluating one policy.
type PolicyResult struct {
	PolicyName string       `json:"policy_name"`
	Target     PolicyTarget `json:"target"`
	Action     PolicyAction `json:"action"`
	Passed     bool         `json:"passed"`
	Score      *float64     `json:"score,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	Violations []string     `json:"violations,omitempty"`
	// Error is set when the decision endpoint failed and the fail mode
	// decided the outcome.
	Error string `json:"error,omitempty"`
}

// Blocking reports whether this result should stop the caller.
func (r PolicyResult) Blocking() bool {
	return !r.Passed && r.Action == ActionBlock
}
