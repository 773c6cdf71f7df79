package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tjfontaine/observicia-go/internal/domain"
	"github.com/tjfontaine/observicia-go/internal/policy"
	"github.com/tjfontaine/observicia-go/internal/telemetry"
)

// DefaultComplianceURL is where the prompt compliance service listens by
// default.
const DefaultComplianceURL = "http://localhost:8100"

// ChatPair is one round of a conversation read back from a chat log.
type ChatPair struct {
	Prompt        string
	Completion    string
	TransactionID string
}

// ChatPairs pairs chat records in log order. Each completion is matched
// with the most recent prompt; a completion with no prompt before it is
// dropped.
func ChatPairs(records []*telemetry.Record) []ChatPair {
	var (
		pairs  []ChatPair
		prompt string
		seen   bool
	)
	for _, r := range records {
		switch r.Interaction {
		case telemetry.ChatKindPrompt:
			prompt, seen = r.Message, true
		case telemetry.ChatKindCompletion:
			if !seen {
				continue
			}
			pairs = append(pairs, ChatPair{
				Prompt:        prompt,
				Completion:    r.Message,
				TransactionID: attrString(r.Attributes, "transaction_id"),
			})
		}
	}
	return pairs
}

// CoherenceScore is the compliance service's answer for one round. Score is
// nil when the service could not score the round.
type CoherenceScore struct {
	Round int
	Pair  ChatPair
	Score *float64
	Err   string
}

// CoherenceScorer sends each round to a compliance service's /analyze
// endpoint as {prompt, completion} and reads back its score.
type CoherenceScorer struct {
	engine *policy.Engine
}

// NewCoherenceScorer builds a scorer for the service at baseURL.
func NewCoherenceScorer(ctx context.Context, baseURL string, opts ...policy.Option) (*CoherenceScorer, error) {
	if baseURL == "" {
		baseURL = DefaultComplianceURL
	}
	engine, err := policy.NewEngine(ctx, []domain.Policy{{
		Name:     "coherence",
		Target:   domain.TargetCompletion,
		Endpoint: strings.TrimRight(baseURL, "/") + "/analyze",
		Action:   domain.ActionLog,
		FailMode: domain.FailOpen,
		Timeout:  30 * time.Second,
	}}, opts...)
	if err != nil {
		return nil, err
	}
	return &CoherenceScorer{engine: engine}, nil
}

// Score scores every pair in order. A failed round does not stop the rest.
func (s *CoherenceScorer) Score(ctx context.Context, pairs []ChatPair) []CoherenceScore {
	out := make([]CoherenceScore, 0, len(pairs))
	for i, p := range pairs {
		sc := CoherenceScore{Round: i + 1, Pair: p}
		results, _ := s.engine.EnforcePolicies(ctx, nil, policy.Input{Prompt: p.Prompt, Completion: p.Completion})
		switch {
		case len(results) == 0:
			sc.Err = "empty completion"
		case results[0].Error != "":
			sc.Err = results[0].Error
		default:
			sc.Score = results[0].Score
			if sc.Score == nil {
				sc.Err = "no score in response"
			}
		}
		out = append(out, sc)
	}
	return out
}

// WriteCoherence prints one line per round.
func WriteCoherence(w io.Writer, scores []CoherenceScore) error {
	for _, s := range scores {
		var err error
		if s.Score != nil {
			_, err = fmt.Fprintf(w, "Round %d: Coherence Score = %g\n", s.Round, *s.Score)
		} else {
			_, err = fmt.Fprintf(w, "Round %d: Coherence Score = n/a (%s)\n", s.Round, s.Err)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
