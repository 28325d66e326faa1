package tools

import "context"

type agentIDKey struct{}

// WithAgentID stamps the calling agent's id onto the context so builtin
// handlers can look up that agent's config instead of a global default.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentIDFrom returns the agent id carried by the context, or "".
func AgentIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey{}).(string)
	return id
}
