package stt

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps provider names to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces a provider.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Lookup returns the factory for name.
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return f, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve picks the provider configuration for a session. When provider is
// "auto" the choice follows SelectProvider; otherwise the fixed provider is
// used with the requested language.
func (r *Registry) Resolve(provider, language string, serviceModels []string) (Factory, Config, error) {
	sel := Selection{Provider: provider, Language: language}
	if provider == ProviderAuto {
		sel = SelectProvider(language, serviceModels)
	}
	f, err := r.Lookup(sel.Provider)
	if err != nil {
		return nil, Config{}, err
	}
	return f, Config{Provider: sel.Provider, Model: sel.Model, Language: sel.Language}, nil
}
