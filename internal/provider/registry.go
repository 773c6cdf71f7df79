// Package provider builds adapters from configuration.
//
// # Adding a New Provider
//
// Implement domain.Adapter in its own package and register a Factory for
// it in builtinFactories, or at runtime:
//
//	reg := provider.NewRegistry()
//	err := reg.Register(provider.Factory{
//	    Type:        "watsonx",
//	    Description: "IBM watsonx.ai",
//	    Create:      watsonx.CreateFromConfig,
//	})
package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/observicia-go/internal/config"
	"github.com/tjfontaine/observicia-go/internal/domain"
	"github.com/tjfontaine/observicia-go/internal/provider/openai"
	"github.com/tjfontaine/observicia-go/internal/provider/scripted"
)

// Factory defines how to create an adapter of a specific type.
type Factory struct {
	// Type is the identifier used in configuration.
	Type        string
	Description string

	Create func(cfg config.ProviderConfig) (domain.Adapter, error)

	// ValidateConfig is optional.
	ValidateConfig func(cfg config.ProviderConfig) error
}

// Registry creates adapters from configuration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in factories.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	for _, f := range builtinFactories() {
		// Built-ins are distinct by construction.
		_ = r.Register(f)
	}
	return r
}

func builtinFactories() []Factory {
	return []Factory{
		{
			Type:        "openai",
			Description: "OpenAI API",
			Create:      createOpenAI,
		},
		{
			Type:        "openai-compatible",
			Description: "Any server speaking the OpenAI API at base_url",
			Create:      createOpenAI,
			ValidateConfig: func(cfg config.ProviderConfig) error {
				if cfg.BaseURL == "" {
					return errors.New("base_url is required")
				}
				return nil
			},
		},
		{
			Type:        "scripted",
			Description: "In-memory adapter replaying configured replies",
			Create: func(cfg config.ProviderConfig) (domain.Adapter, error) {
				replies := make([]scripted.Reply, len(cfg.Replies))
				for i, text := range cfg.Replies {
					replies[i] = scripted.Text(text)
				}
				return scripted.New(cfg.Name, replies...), nil
			},
		},
	}
}

func createOpenAI(cfg config.ProviderConfig) (domain.Adapter, error) {
	var opts []openai.ProviderOption
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(cfg.APIKey, opts...), nil
}

// Register adds a factory. Types must be unique.
func (r *Registry) Register(f Factory) error {
	if f.Type == "" {
		return errors.New("provider factory type cannot be empty")
	}
	if f.Create == nil {
		return fmt.Errorf("provider factory %q must have a Create function", f.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[f.Type]; exists {
		return fmt.Errorf("provider factory %q already registered", f.Type)
	}
	r.factories[f.Type] = f
	return nil
}

// Factory returns the factory for a provider type, if registered.
func (r *Registry) Factory(providerType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[providerType]
	return f, ok
}

// Types returns the registered provider types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create builds the adapter described by cfg. The adapter reports cfg.Name
// when set and fills in cfg.Model for requests that name no model.
func (r *Registry) Create(cfg config.ProviderConfig) (domain.Adapter, error) {
	f, ok := r.Factory(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s (registered types: %v)", cfg.Type, r.Types())
	}
	if f.ValidateConfig != nil {
		if err := f.ValidateConfig(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration for provider type %s: %w", cfg.Type, err)
		}
	}

	adapter, err := f.Create(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" && cfg.Model == "" {
		return adapter, nil
	}
	return NewConfiguredAdapter(adapter, cfg.Name, cfg.Model), nil
}

// CreateAll builds every configured adapter keyed by name.
func (r *Registry) CreateAll(configs []config.ProviderConfig) (map[string]domain.Adapter, error) {
	adapters := make(map[string]domain.Adapter, len(configs))
	for _, cfg := range configs {
		a, err := r.Create(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", cfg.Name, err)
		}
		adapters[cfg.Name] = a
	}
	return adapters, nil
}
