package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

// analyzeRequest is the body POSTed to a decision endpoint. Services that
// only read "text" ignore the other keys.
type analyzeRequest struct {
	Text       string   `json:"text"`
	Prompt     string   `json:"prompt"`
	Completion string   `json:"completion"`
	Context    []string `json:"context,omitempty"`
	Target     string   `json:"target"`
}

// analyze calls the policy's endpoint, retrying transport and status
// failures, and returns the raw response body.
func (e *Engine) analyze(ctx context.Context, p *domain.Policy, in Input, text string) ([]byte, error) {
	body, err := json.Marshal(analyzeRequest{
		Text:       text,
		Prompt:     in.Prompt,
		Completion: in.Completion,
		Context:    in.RAGContext,
		Target:     string(p.Target),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}

	var lastErr error
	attempts := p.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		respBody, err := e.doRequest(ctx, p, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (e *Engine) doRequest(ctx context.Context, p *domain.Policy, body []byte) ([]byte, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("decision request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("decision endpoint returned status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	return respBody, nil
}

const maxResponseBytes = 4 << 20
