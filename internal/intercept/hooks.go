package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/observicia-go/internal/domain"
	"github.com/tjfontaine/observicia-go/internal/telemetry"
)

// CallInfo describes an intercepted call to hooks.
type CallInfo struct {
	Op        Op
	Streaming bool
	Request   *domain.Request
	Span      trace.Span
	Started   time.Time
}

// CallOutcome is what hooks see once a call has finished. For streams,
// Result carries the accumulated text.
type CallOutcome struct {
	Result   *domain.CallResult
	Usage    domain.TokenUsage
	Policies []domain.PolicyResult
	Err      error
	Duration time.Duration
	// State is the terminal stream state; empty for blocking calls.
	State StreamState
}

// Status summarizes the outcome as success, error or blocked.
func (o *CallOutcome) Status() string {
	switch {
	case o.Err != nil && domain.IsPolicyViolation(o.Err):
		return "blocked"
	case o.Err != nil:
		return "error"
	default:
		return "success"
	}
}

// Hook observes intercepted calls. Before runs after the span is opened and
// before the provider is invoked; an error aborts the call. After runs once
// the call is finished, for streams after finalization.
type Hook interface {
	Name() string
	Before(ctx context.Context, call *CallInfo) error
	After(ctx context.Context, call *CallInfo, out *CallOutcome)
}

// HookConfig places a hook in the chain. Lower Order runs first.
type HookConfig struct {
	Name  string
	Order int
	Hook  Hook
}

// HookError reports a Before hook that aborted a call.
type HookError struct {
	Hook string
	Err  error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s: %v", e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// chain is an ordered, immutable list of hooks.
type chain struct {
	hooks  []Hook
	logger *slog.Logger
}

func newChain(cfgs []HookConfig, logger *slog.Logger) *chain {
	sorted := make([]HookConfig, len(cfgs))
	copy(sorted, cfgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})

	c := &chain{hooks: make([]Hook, 0, len(sorted)), logger: logger}
	for _, s := range sorted {
		if s.Hook != nil {
			c.hooks = append(c.hooks, s.Hook)
		}
	}
	return c
}

// before runs Before hooks in order. It returns how many ran successfully;
// only those get an After call.
func (c *chain) before(ctx context.Context, call *CallInfo) (int, error) {
	for i, h := range c.hooks {
		if err := h.Before(ctx, call); err != nil {
			return i, &HookError{Hook: h.Name(), Err: err}
		}
	}
	return len(c.hooks), nil
}

func (c *chain) after(ctx context.Context, ran int, call *CallInfo, out *CallOutcome) {
	for _, h := range c.hooks[:ran] {
		c.safeAfter(ctx, h, call, out)
	}
}

func (c *chain) safeAfter(ctx context.Context, h Hook, call *CallInfo, out *CallOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("hook panicked", slog.String("hook", h.Name()), slog.Any("panic", r))
		}
	}()
	h.After(ctx, call, out)
}

// ChatLogHook writes prompts and completions to the chat channel.
type ChatLogHook struct {
	Logger *telemetry.Logger
}

func (h *ChatLogHook) Name() string { return "chat_log" }

func (h *ChatLogHook) Before(ctx context.Context, call *CallInfo) error {
	if text := promptText(call.Op, call.Request); text != "" {
		h.Logger.LogChatInteraction(ctx, telemetry.ChatKindPrompt, text, chatMetadata(call))
	}
	return nil
}

func (h *ChatLogHook) After(ctx context.Context, call *CallInfo, out *CallOutcome) {
	if out.Result == nil || out.Result.Text == "" {
		return
	}
	md := chatMetadata(call)
	md["total.tokens"] = out.Usage.TotalTokens
	h.Logger.LogChatInteraction(ctx, telemetry.ChatKindCompletion, out.Result.Text, md)
}

func chatMetadata(call *CallInfo) map[string]any {
	return map[string]any{
		"llm.provider":     call.Op.Provider,
		"llm.model":        call.Request.Model,
		"llm.request.type": string(call.Op.Type),
		"streaming":        call.Streaming,
	}
}

// MetricsHook counts requests, their latency and open streams.
type MetricsHook struct {
	Metrics *telemetry.Metrics
}

func (h *MetricsHook) Name() string { return "metrics" }

func (h *MetricsHook) Before(_ context.Context, call *CallInfo) error {
	if call.Streaming {
		h.Metrics.StreamStarted()
	}
	return nil
}

func (h *MetricsHook) After(_ context.Context, call *CallInfo, out *CallOutcome) {
	if call.Streaming {
		h.Metrics.StreamFinished()
	}
	h.Metrics.RecordRequest(call.Op.Provider, string(call.Op.Type), out.Status(), out.Duration)
}
