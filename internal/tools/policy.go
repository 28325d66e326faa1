package tools

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// PolicyEngine resolves which tools an agent may see on a given call.
type PolicyEngine struct {
	registry *Registry
	configs  store.AgentConfigStore
	logger   *slog.Logger
}

func NewPolicyEngine(registry *Registry, configs store.AgentConfigStore) *PolicyEngine {
	return &PolicyEngine{
		registry: registry,
		configs:  configs,
		logger:   slog.Default().With("component", "toolpolicy"),
	}
}

// IsAllowed decides one tool against one agent config.
//
// A missing config grants LOW-risk tools only. The deny-list always wins.
// A non-empty allow-list is a membership test; an empty one allows anything
// not denied. RESTRICTED trust caps risk at LOW even for allow-listed tools.
func IsAllowed(toolName string, risk RiskLevel, cfg *store.AgentConfig) bool {
	if cfg == nil {
		return risk == RiskLow
	}
	if slices.Contains(cfg.DeniedTools, toolName) {
		return false
	}
	if len(cfg.AllowedTools) > 0 && !slices.Contains(cfg.AllowedTools, toolName) {
		return false
	}
	if cfg.TrustLevel == store.TrustRestricted && risk > RiskLow {
		return false
	}
	return true
}

// ResolveTools returns the agent's visible tool set in registry order. A
// missing config record is not an error; the secure default applies.
func (p *PolicyEngine) ResolveTools(ctx context.Context, agentID string) ([]Entry, error) {
	cfg, err := p.configs.GetAgentConfig(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		cfg = nil
	} else if err != nil {
		return nil, err
	}

	var out []Entry
	for _, e := range p.registry.All() {
		if IsAllowed(e.Name, e.Risk, cfg) {
			out = append(out, e)
		}
	}
	p.logger.Debug("resolved tools", "agent", agentID, "count", len(out))
	return out, nil
}
