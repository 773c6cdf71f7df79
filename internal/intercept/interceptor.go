// Package intercept wraps provider calls: each call gets a span nested under
// the current transaction, token accounting, policy enforcement and the
// configured hook chain. Blocking, asynchronous and streaming calls share
// the same bookkeeping.
package intercept

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/observicia-go/internal/domain"
	"github.com/tjfontaine/observicia-go/internal/observability"
	"github.com/tjfontaine/observicia-go/internal/policy"
)

// Built-in hook order. Custom hooks may slot in between.
const (
	OrderChatLog = 100
	OrderMetrics = 200
)

// Op identifies an intercepted operation.
type Op struct {
	Provider string
	Type     domain.RequestType
}

// SpanName returns e.g. openai.completion, openai.chat.completion or
// openai.chat.completion.stream.
func (op Op) SpanName(streaming bool) string {
	name := op.Provider + ".completion"
	if op.Type == domain.RequestTypeChat {
		name = op.Provider + ".chat.completion"
	}
	if streaming {
		name += ".stream"
	}
	return name
}

// CallFunc performs a blocking provider call.
type CallFunc func(ctx context.Context, req *domain.Request) (*domain.CallResult, error)

// StreamFunc opens a provider stream.
type StreamFunc func(ctx context.Context, req *domain.Request) (domain.Stream, error)

// Outcome is delivered by CallAsync.
type Outcome struct {
	Result *domain.CallResult
	Err    error
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithHooks adds hooks to the chain.
func WithHooks(hooks ...HookConfig) Option {
	return func(i *Interceptor) { i.hookCfgs = append(i.hookCfgs, hooks...) }
}

// WithoutBuiltinHooks drops the chat log and metrics hooks.
func WithoutBuiltinHooks() Option {
	return func(i *Interceptor) { i.builtins = false }
}

// Interceptor applies observability to provider calls.
type Interceptor struct {
	octx     *observability.Context
	hookCfgs []HookConfig
	builtins bool
	hooks    *chain
}

// New builds an interceptor over octx. The hook chain is fixed here.
func New(octx *observability.Context, opts ...Option) *Interceptor {
	if octx == nil {
		octx = observability.Current()
	}
	i := &Interceptor{octx: octx, builtins: true}
	for _, opt := range opts {
		opt(i)
	}

	cfgs := i.hookCfgs
	if i.builtins {
		cfgs = append([]HookConfig{
			{Name: "chat_log", Order: OrderChatLog, Hook: &ChatLogHook{Logger: octx.Logger()}},
			{Name: "metrics", Order: OrderMetrics, Hook: &MetricsHook{Metrics: octx.Metrics()}},
		}, cfgs...)
	}
	i.hooks = newChain(cfgs, octx.Slog())
	return i
}

// Context returns the observability context calls are recorded in.
func (i *Interceptor) Context() *observability.Context { return i.octx }

func (i *Interceptor) startSpan(ctx context.Context, op Op, req *domain.Request, streaming bool) (context.Context, trace.Span) {
	return i.octx.StartSpan(ctx, op.SpanName(streaming),
		attribute.String("llm.provider", op.Provider),
		attribute.String("llm.model", req.Model),
		attribute.String("llm.request.type", string(op.Type)),
		attribute.Bool("streaming", streaming),
	)
}

// Call runs fn inside a span. The provider's error is returned unchanged.
// When a blocking policy fails the result is returned together with a
// *domain.PolicyViolationError.
func (i *Interceptor) Call(ctx context.Context, op Op, req *domain.Request, fn CallFunc) (*domain.CallResult, error) {
	if req == nil {
		req = &domain.Request{}
	}
	ctx, span := i.startSpan(ctx, op, req, false)
	defer span.End()

	info := &CallInfo{Op: op, Request: req, Span: span, Started: time.Now()}
	ran, err := i.hooks.before(ctx, info)
	if err != nil {
		failSpan(span, err)
		i.hooks.after(ctx, ran, info, &CallOutcome{Err: err, Duration: time.Since(info.Started)})
		return nil, err
	}

	res, err := fn(ctx, req)
	if err != nil {
		failSpan(span, err)
		i.hooks.after(ctx, ran, info, &CallOutcome{Err: err, Duration: time.Since(info.Started)})
		return nil, err
	}
	if res == nil {
		res = &domain.CallResult{}
	}

	usage := i.usage(op, req, res.Model, res.Usage, res.Text)
	i.octx.TokenTracker().UpdateUsage(usage)
	span.SetAttributes(tokenAttributes(usage)...)
	if res.Model != "" && res.Model != req.Model {
		span.SetAttributes(attribute.String("llm.response.model", res.Model))
	}

	results, perr := i.octx.PolicyEngine().EnforcePolicies(ctx, span, policy.Input{
		Prompt:     promptText(op, req),
		Completion: res.Text,
		RAGContext: req.Context,
	})
	if perr != nil {
		span.SetStatus(codes.Error, perr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	i.hooks.after(ctx, ran, info, &CallOutcome{
		Result:   res,
		Usage:    usage,
		Policies: results,
		Err:      perr,
		Duration: time.Since(info.Started),
	})
	return res, perr
}

// CallAsync runs Call on a new goroutine. The channel receives exactly one
// Outcome and is then closed.
func (i *Interceptor) CallAsync(ctx context.Context, op Op, req *domain.Request, fn CallFunc) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		res, err := i.Call(ctx, op, req, fn)
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}

// Stream opens fn's stream inside a span and returns a stream that forwards
// every chunk unchanged. Accounting, policies and the span end happen once,
// when the stream is exhausted, fails or is closed early.
func (i *Interceptor) Stream(ctx context.Context, op Op, req *domain.Request, fn StreamFunc) (domain.Stream, error) {
	if req == nil {
		req = &domain.Request{}
	}
	ctx, span := i.startSpan(ctx, op, req, true)

	info := &CallInfo{Op: op, Streaming: true, Request: req, Span: span, Started: time.Now()}
	ran, err := i.hooks.before(ctx, info)
	if err != nil {
		failSpan(span, err)
		i.hooks.after(ctx, ran, info, &CallOutcome{Err: err, Duration: time.Since(info.Started), State: StateFailed})
		span.End()
		return nil, err
	}

	upstream, err := fn(ctx, req)
	if err != nil {
		failSpan(span, err)
		span.SetAttributes(attribute.String("stream.state", string(StateFailed)))
		i.hooks.after(ctx, ran, info, &CallOutcome{Err: err, Duration: time.Since(info.Started), State: StateFailed})
		span.End()
		return nil, err
	}

	session := i.octx.TokenTracker().StreamContext(op.Provider, "")
	session.SetModel(req.Model)
	session.AddPrompt(i.promptTokens(op, req))
	span.SetAttributes(attribute.String("stream.session_id", session.ID()))

	return &trackedStream{
		i:        i,
		ctx:      context.WithoutCancel(ctx),
		info:     info,
		hooksRan: ran,
		upstream: upstream,
		session:  session,
		state:    StateNotStarted,
	}, nil
}

// usage prefers provider-reported counts and counts text otherwise.
func (i *Interceptor) usage(op Op, req *domain.Request, model string, reported *domain.Usage, completion string) domain.TokenUsage {
	if model == "" {
		model = req.Model
	}
	if reported != nil {
		prompt := reported.PromptTokens
		comp := reported.CompletionTokens
		if comp == 0 && reported.TotalTokens > prompt {
			comp = reported.TotalTokens - prompt
		}
		if prompt == 0 && reported.TotalTokens > comp {
			prompt = reported.TotalTokens - comp
		}
		if prompt > 0 || comp > 0 {
			return domain.NewTokenUsage(op.Provider, model, prompt, comp)
		}
	}
	counter := i.octx.TokenCounter()
	return domain.NewTokenUsage(op.Provider, model, i.promptTokens(op, req), counter.CountText(model, completion))
}

// promptTokens counts the prompt; for chat every message counts.
func (i *Interceptor) promptTokens(op Op, req *domain.Request) int {
	counter := i.octx.TokenCounter()
	if op.Type == domain.RequestTypeChat {
		return counter.CountMessages(req.Model, req.Messages)
	}
	return counter.CountText(req.Model, req.Prompt)
}

// promptText is what prompt policies inspect: the prompt, or for chat the
// most recent user message.
func promptText(op Op, req *domain.Request) string {
	if op.Type == domain.RequestTypeChat {
		return req.LastUserMessage()
	}
	return req.Prompt
}

func tokenAttributes(u domain.TokenUsage) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("prompt.tokens", u.PromptTokens),
		attribute.Int("completion.tokens", u.CompletionTokens),
		attribute.Int("total.tokens", u.TotalTokens),
	}
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
