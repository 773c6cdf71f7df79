// Package observicia is the public API for instrumenting generative-AI
// provider calls: wrap an adapter once and every call is traced, metered
// and checked against the configured policies.
//
//	octx := observicia.Init(nil) // OBSERVICIA_CONFIG_FILE or observicia_config.yaml
//	defer octx.Shutdown(context.Background())
//
//	llm := observicia.Wrap(observicia.NewOpenAI(os.Getenv("OPENAI_API_KEY")))
//	ctx, txn := octx.StartTransaction(ctx, map[string]any{"feature": "support-bot"})
//	res, err := llm.Chat(ctx, &observicia.Request{Model: "gpt-4", Messages: msgs})
//	ctx, _ = octx.EndTransaction(ctx, txn, nil)
package observicia

import (
	"github.com/tjfontaine/observicia-go/internal/config"
	"github.com/tjfontaine/observicia-go/internal/domain"
	"github.com/tjfontaine/observicia-go/internal/intercept"
	"github.com/tjfontaine/observicia-go/internal/observability"
	"github.com/tjfontaine/observicia-go/internal/provider/openai"
)

// Context owns configuration, tracing, token accounting and policies.
type Context = observability.Context

// Option configures a Context.
type Option = observability.Option

// Config is the typed configuration.
type Config = config.Config

// Provider data model.
type (
	Request    = domain.Request
	Message    = domain.Message
	CallResult = domain.CallResult
	Chunk      = domain.Chunk
	Stream     = domain.Stream
	Adapter    = domain.Adapter
	Usage      = domain.Usage
	TokenUsage = domain.TokenUsage
)

// Policy outcomes and errors.
type (
	PolicyResult         = domain.PolicyResult
	PolicyViolationError = domain.PolicyViolationError
	StackMismatchError   = domain.StackMismatchError
)

// Interception.
type (
	Interceptor = intercept.Interceptor
	Provider    = intercept.Provider
	Hook        = intercept.Hook
	HookConfig  = intercept.HookConfig
	CallInfo    = intercept.CallInfo
	CallOutcome = intercept.CallOutcome
	Outcome     = intercept.Outcome
)

var (
	// Init builds the process-wide Context once. A nil config loads
	// OBSERVICIA_CONFIG_FILE, falling back to safe defaults.
	Init = observability.Initialize

	// Current returns the process-wide Context, a disabled one before Init.
	Current = observability.Current

	// New builds an independent Context.
	New = observability.New

	LoadConfig    = config.Load
	DefaultConfig = config.Default

	WithLogger         = observability.WithLogger
	WithFormatters     = observability.WithFormatters
	WithChatFormatters = observability.WithChatFormatters
	WithSpanProcessor  = observability.WithSpanProcessor
	WithPolicyClient   = observability.WithPolicyClient

	NewInterceptor      = intercept.New
	WithHooks           = intercept.WithHooks
	WithoutBuiltinHooks = intercept.WithoutBuiltinHooks

	// NewOpenAI returns an adapter for the OpenAI API.
	NewOpenAI      = openai.New
	WithBaseURL    = openai.WithBaseURL
	WithHTTPClient = openai.WithHTTPClient

	Chunks            = intercept.Chunks
	Collect           = intercept.Collect
	IsPolicyViolation = domain.IsPolicyViolation
	ErrStreamClosed   = domain.ErrStreamClosed
)

// Wrap intercepts adapter with the process-wide Context.
func Wrap(adapter Adapter, opts ...intercept.Option) *Provider {
	return intercept.New(Current(), opts...).Wrap(adapter)
}
