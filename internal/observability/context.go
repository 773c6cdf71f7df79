// Package observability is the composition root: it turns a configuration
// into telemetry backends, a tracer provider, a policy engine and a token
// tracker, and keeps the registry of active transactions.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/observicia-go/internal/config"
	"github.com/tjfontaine/observicia-go/internal/domain"
	"github.com/tjfontaine/observicia-go/internal/policy"
	"github.com/tjfontaine/observicia-go/internal/telemetry"
	"github.com/tjfontaine/observicia-go/internal/tokens"
)

// TracerName is the instrumentation scope of every span this module opens.
const TracerName = "github.com/tjfontaine/observicia-go"

// ConfigFileEnv names the environment variable holding the config path.
const ConfigFileEnv = "OBSERVICIA_CONFIG_FILE"

// Option configures a Context.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	formatters     []telemetry.Formatter
	chatFormatters []telemetry.Formatter
	processors     []sdktrace.SpanProcessor
	policyClient   *http.Client
}

// WithLogger sets the diagnostic logger. Without it one is built from
// logging.file and logging.messages.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFormatters adds telemetry backends to those named by the config.
func WithFormatters(fs ...telemetry.Formatter) Option {
	return func(o *options) { o.formatters = append(o.formatters, fs...) }
}

// WithChatFormatters adds chat channel backends.
func WithChatFormatters(fs ...telemetry.Formatter) Option {
	return func(o *options) { o.chatFormatters = append(o.chatFormatters, fs...) }
}

// WithSpanProcessor registers an extra span processor on the tracer provider.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, sp) }
}

// WithPolicyClient overrides the HTTP client used for decision endpoints.
func WithPolicyClient(c *http.Client) Option {
	return func(o *options) { o.policyClient = c }
}

// Context owns every component of one observability setup.
type Context struct {
	cfg     *config.Config
	logger  *slog.Logger
	tel     *telemetry.Logger
	metrics *telemetry.Metrics
	tracker *tokens.Tracker
	counter *tokens.Counter
	engine  *policy.Engine
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer

	mu     sync.RWMutex
	active map[string]*txnState
	seq    uint64

	defaultUser atomic.Pointer[string]

	shutdownOnce sync.Once
	shutdownErr  error
}

var (
	globalOnce sync.Once
	global     atomic.Pointer[Context]

	disabledOnce sync.Once
	disabled     *Context
)

// Initialize builds the process-wide Context on first use and returns it on
// every call; later arguments are ignored. A nil cfg is loaded from
// $OBSERVICIA_CONFIG_FILE, falling back to observicia_config.yaml.
func Initialize(cfg *config.Config, opts ...Option) *Context {
	globalOnce.Do(func() {
		if cfg == nil {
			path := os.Getenv(ConfigFileEnv)
			if path == "" {
				path = config.DefaultConfigFile
			}
			cfg = config.LoadOrDefault(path, slog.Default())
		}
		global.Store(New(cfg, opts...))
	})
	return global.Load()
}

// Current returns the Context created by Initialize, or a disabled one when
// Initialize was never called.
func Current() *Context {
	if c := global.Load(); c != nil {
		return c
	}
	disabledOnce.Do(func() {
		disabled = New(config.Default())
	})
	return disabled
}

// New builds a Context. It never fails: an invalid configuration falls back
// to config.Default(), and a backend that cannot be opened disables
// telemetry while the rest of the configuration stays in effect.
func New(cfg *config.Config, opts ...Option) *Context {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if cfg == nil {
		cfg = config.Default()
	}
	logger := o.logger
	if logger == nil {
		logger = newSlogger(cfg)
	}
	if err := cfg.Validate(); err != nil {
		logger.Warn("invalid configuration, using defaults", slog.String("error", err.Error()))
		cfg = config.Default()
	}

	c := &Context{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(),
		active:  make(map[string]*txnState),
	}
	if cfg.UserID != "" {
		c.SetDefaultUserID(cfg.UserID)
	}

	b, err := openBackends(cfg, logger)
	if err != nil {
		// Only telemetry is lost; policies and identity still apply.
		logger.Warn("telemetry backend unavailable, telemetry disabled", slog.String("error", err.Error()))
		b = backends{chatLevel: telemetry.ChatNone}
	}

	c.tel = telemetry.NewLogger(cfg.ServiceName,
		telemetry.WithFormatters(append(b.telemetry, o.formatters...)...),
		telemetry.WithChat(b.chatLevel, append(b.chat, o.chatFormatters...)...),
		telemetry.WithTransactionLookup(c.lookupTransaction),
		telemetry.WithMetrics(c.metrics),
		telemetry.WithSlog(logger),
	)

	c.counter = tokens.NewCounter(logger)
	c.tracker = tokens.NewTracker(logger)
	c.tracker.OnCommit(c.recordTokens)

	c.engine = c.buildEngine(cfg, o.policyClient)
	c.tp = c.buildTracerProvider(cfg, o.processors)
	c.tracer = c.tp.Tracer(TracerName)

	logger.Debug("observability initialized",
		slog.String("service", cfg.ServiceName),
		slog.Bool("telemetry", c.tel.Enabled()),
		slog.Int("policies", len(c.engine.Policies())),
	)
	return c
}

func (c *Context) buildEngine(cfg *config.Config, client *http.Client) *policy.Engine {
	ctx := context.Background()
	defs, err := cfg.PolicyDefinitions()
	if err != nil {
		c.logger.Warn("policies ignored", slog.String("error", err.Error()))
		defs = nil
	}

	valid := defs[:0]
	for _, p := range defs {
		if err := policy.Validate(ctx, p); err != nil {
			c.logger.Warn("dropping policy", slog.String("policy", p.Name), slog.String("error", err.Error()))
			continue
		}
		valid = append(valid, p)
	}

	engine, err := policy.NewEngine(ctx, valid,
		policy.WithHTTPClient(client),
		policy.WithLogger(c.logger),
		policy.WithRecorder(c.metrics),
	)
	if err != nil {
		c.logger.Warn("policy engine unavailable", slog.String("error", err.Error()))
		engine, _ = policy.NewEngine(ctx, nil, policy.WithLogger(c.logger))
	}
	return engine
}

func (c *Context) buildTracerProvider(cfg *config.Config, processors []sdktrace.SpanProcessor) *sdktrace.TracerProvider {
	var exporter sdktrace.SpanExporter
	if c.tel.Enabled() {
		exporter = telemetry.NewSpanExporter(c.tel)
	}
	tcfg := telemetry.TracerConfig{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTelEndpoint,
		Stdout:       cfg.Logging.Telemetry.Enabled && cfg.Logging.Telemetry.OTelStdout,
	}

	tp, err := telemetry.NewTracerProvider(context.Background(), tcfg, exporter, c.logger)
	if err != nil {
		c.logger.Warn("trace export unavailable", slog.String("error", err.Error()))
		tp, _ = telemetry.NewTracerProvider(context.Background(), telemetry.TracerConfig{ServiceName: cfg.ServiceName}, exporter, c.logger)
	}
	for _, sp := range processors {
		tp.RegisterSpanProcessor(sp)
	}
	return tp
}

// recordTokens feeds committed usage to metrics and telemetry.
func (c *Context) recordTokens(delta domain.TokenUsage) {
	c.metrics.RecordTokens(delta.Provider, delta.PromptTokens, delta.CompletionTokens)

	labels := map[string]string{"provider": delta.Provider}
	if delta.Model != "" {
		labels["model"] = delta.Model
	}
	ctx := context.Background()
	c.tel.Metric(ctx, "tokens.prompt", float64(delta.PromptTokens), labels)
	c.tel.Metric(ctx, "tokens.completion", float64(delta.CompletionTokens), labels)
	c.tel.Metric(ctx, "tokens.total", float64(delta.TotalTokens), labels)
}

// Config returns the effective configuration.
func (c *Context) Config() *config.Config { return c.cfg }

// ServiceName returns the configured service name.
func (c *Context) ServiceName() string { return c.cfg.ServiceName }

// Logger returns the telemetry logger.
func (c *Context) Logger() *telemetry.Logger { return c.tel }

// Slog returns the diagnostic logger.
func (c *Context) Slog() *slog.Logger { return c.logger }

// Metrics returns the Prometheus collectors.
func (c *Context) Metrics() *telemetry.Metrics { return c.metrics }

// TokenTracker returns the cumulative token tracker.
func (c *Context) TokenTracker() *tokens.Tracker { return c.tracker }

// TokenCounter returns the model-aware token counter.
func (c *Context) TokenCounter() *tokens.Counter { return c.counter }

// PolicyEngine returns the policy engine.
func (c *Context) PolicyEngine() *policy.Engine { return c.engine }

// Tracer returns the tracer spans are opened with.
func (c *Context) Tracer() trace.Tracer { return c.tracer }

// Shutdown flushes pending spans and closes every backend. Calls after the
// first return the first result.
func (c *Context) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = errors.Join(c.tp.Shutdown(ctx), c.tel.Close())
	})
	return c.shutdownErr
}
