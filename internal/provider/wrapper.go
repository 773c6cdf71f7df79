package provider

import (
	"context"

	"github.com/tjfontaine/observicia-go/internal/domain"
)

// ConfiguredAdapter renames an adapter and supplies a default model.
type ConfiguredAdapter struct {
	inner domain.Adapter
	name  string
	model string
}

var _ domain.Adapter = (*ConfiguredAdapter)(nil)

// NewConfiguredAdapter wraps inner. An empty name keeps inner's name.
func NewConfiguredAdapter(inner domain.Adapter, name, model string) *ConfiguredAdapter {
	return &ConfiguredAdapter{inner: inner, name: name, model: model}
}

func (a *ConfiguredAdapter) Name() string {
	if a.name != "" {
		return a.name
	}
	return a.inner.Name()
}

// DefaultModel is the model used for requests that name none.
func (a *ConfiguredAdapter) DefaultModel() string { return a.model }

// Unwrap returns the wrapped adapter.
func (a *ConfiguredAdapter) Unwrap() domain.Adapter { return a.inner }

// withModel clones req so the caller's request is never mutated.
func (a *ConfiguredAdapter) withModel(req *domain.Request) *domain.Request {
	if req == nil {
		req = &domain.Request{}
	}
	if req.Model != "" || a.model == "" {
		return req
	}
	clone := *req
	clone.Model = a.model
	return &clone
}

func (a *ConfiguredAdapter) Generate(ctx context.Context, req *domain.Request) (*domain.CallResult, error) {
	return a.inner.Generate(ctx, a.withModel(req))
}

func (a *ConfiguredAdapter) GenerateStream(ctx context.Context, req *domain.Request) (domain.Stream, error) {
	return a.inner.GenerateStream(ctx, a.withModel(req))
}

func (a *ConfiguredAdapter) Chat(ctx context.Context, req *domain.Request) (*domain.CallResult, error) {
	return a.inner.Chat(ctx, a.withModel(req))
}

func (a *ConfiguredAdapter) ChatStream(ctx context.Context, req *domain.Request) (domain.Stream, error) {
	return a.inner.ChatStream(ctx, a.withModel(req))
}
