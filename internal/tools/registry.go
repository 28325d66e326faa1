// Package tools holds the tool registry and the per-agent access policy.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
)

// RiskLevel classifies what a tool can do if misused.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// Handler executes a tool call.
type Handler func(ctx context.Context, input map[string]any) (string, error)

// Entry is one registered tool.
type Entry struct {
	Name             string
	Description      string
	Risk             RiskLevel
	RequiresApproval bool
	InputSchema      map[string]any
	Handler          Handler
}

// Definition renders the entry for the model client.
func (e Entry) Definition() providers.ToolDefinition {
	schema := e.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return providers.ToolDefinition{
		Name:        e.Name,
		Description: e.Description,
		InputSchema: schema,
	}
}

// Registry is built once at startup from static registration and read-only
// afterwards. Iteration order is insertion order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a tool. Duplicate names are a startup bug.
func (r *Registry) Register(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Name]; exists {
		return fmt.Errorf("tool %q already registered", e.Name)
	}
	r.entries[e.Name] = e
	r.order = append(r.order, e.Name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// All returns every tool in registration order.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}
