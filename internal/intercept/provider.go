package intercept

import (
	"context"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

// Provider is an adapter whose every call is intercepted. It has the same
// shape as the adapter it wraps plus asynchronous variants.
type Provider struct {
	adapter domain.Adapter
	i       *Interceptor
}

var _ domain.Adapter = (*Provider)(nil)

// Wrap returns an intercepted view of adapter.
func (i *Interceptor) Wrap(adapter domain.Adapter) *Provider {
	return &Provider{adapter: adapter, i: i}
}

// Name returns the wrapped adapter's name.
func (p *Provider) Name() string { return p.adapter.Name() }

// Unwrap returns the underlying adapter.
func (p *Provider) Unwrap() domain.Adapter { return p.adapter }

func (p *Provider) op(t domain.RequestType) Op {
	return Op{Provider: p.adapter.Name(), Type: t}
}

// modelDefaulter is implemented by adapters configured with a default model.
type modelDefaulter interface {
	DefaultModel() string
}

// prepare resolves the model before interception so spans and token
// counts see the model the adapter will actually use.
func (p *Provider) prepare(req *domain.Request) *domain.Request {
	if req == nil {
		req = &domain.Request{}
	}
	d, ok := p.adapter.(modelDefaulter)
	if !ok || req.Model != "" || d.DefaultModel() == "" {
		return req
	}
	clone := *req
	clone.Model = d.DefaultModel()
	return &clone
}

func (p *Provider) Generate(ctx context.Context, req *domain.Request) (*domain.CallResult, error) {
	return p.i.Call(ctx, p.op(domain.RequestTypeCompletion), p.prepare(req), p.adapter.Generate)
}

func (p *Provider) GenerateStream(ctx context.Context, req *domain.Request) (domain.Stream, error) {
	return p.i.Stream(ctx, p.op(domain.RequestTypeCompletion), p.prepare(req), p.adapter.GenerateStream)
}

func (p *Provider) Chat(ctx context.Context, req *domain.Request) (*domain.CallResult, error) {
	return p.i.Call(ctx, p.op(domain.RequestTypeChat), p.prepare(req), p.adapter.Chat)
}

func (p *Provider) ChatStream(ctx context.Context, req *domain.Request) (domain.Stream, error) {
	return p.i.Stream(ctx, p.op(domain.RequestTypeChat), p.prepare(req), p.adapter.ChatStream)
}

// GenerateAsync runs Generate on a new goroutine.
func (p *Provider) GenerateAsync(ctx context.Context, req *domain.Request) <-chan Outcome {
	return p.i.CallAsync(ctx, p.op(domain.RequestTypeCompletion), p.prepare(req), p.adapter.Generate)
}

// ChatAsync runs Chat on a new goroutine.
func (p *Provider) ChatAsync(ctx context.Context, req *domain.Request) <-chan Outcome {
	return p.i.CallAsync(ctx, p.op(domain.RequestTypeChat), p.prepare(req), p.adapter.Chat)
}
