package providers

import "sync"

// Registry resolves a configured model name to a concrete model identifier,
// falling back to the default when the name is unknown or empty. Built at
// startup, read-only afterwards.
type Registry struct {
	mu           sync.RWMutex
	aliases      map[string]string
	defaultModel string
	provider     Provider
}

func NewRegistry(provider Provider, defaultModel string) *Registry {
	return &Registry{
		aliases:      make(map[string]string),
		defaultModel: defaultModel,
		provider:     provider,
	}
}

// RegisterAlias lets configs refer to models by a short name.
func (r *Registry) RegisterAlias(alias, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = model
}

// Resolve maps name to a model id. Unknown names fall back to the default
// rather than failing; the pipeline should not break on a config typo.
func (r *Registry) Resolve(name string) string {
	if name == "" {
		return r.defaultModel
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if model, ok := r.aliases[name]; ok {
		return model
	}
	return name
}

// Provider returns the backing client.
func (r *Registry) Provider() Provider { return r.provider }
