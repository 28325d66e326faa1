package tools

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	entries := []Entry{
		{Name: "current_time", Risk: RiskLow},
		{Name: "web_fetch", Risk: RiskMedium},
		{Name: "web_search", Risk: RiskMedium},
		{Name: "data_query", Risk: RiskHigh},
		{Name: "message_send", Risk: RiskMedium},
	}
	for _, e := range entries {
		require.NoError(t, r.Register(e))
	}
	return r
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestRegistryInsertionOrder(t *testing.T) {
	r := testRegistry(t)
	want := []string{"current_time", "web_fetch", "web_search", "data_query", "message_send"}
	assert.Equal(t, want, names(r.All()))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := testRegistry(t)
	assert.Error(t, r.Register(Entry{Name: "web_fetch"}))
}

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name string
		tool string
		risk RiskLevel
		cfg  *store.AgentConfig
		want bool
	}{
		{"nil config LOW", "current_time", RiskLow, nil, true},
		{"nil config MEDIUM", "web_fetch", RiskMedium, nil, false},
		{"nil config HIGH", "data_query", RiskHigh, nil, false},
		{"deny wins over allow", "data_query", RiskHigh,
			&store.AgentConfig{AllowedTools: []string{"data_query"}, DeniedTools: []string{"data_query"}}, false},
		{"allowlist membership", "web_fetch", RiskMedium,
			&store.AgentConfig{AllowedTools: []string{"web_fetch"}}, true},
		{"allowlist excludes others", "web_search", RiskMedium,
			&store.AgentConfig{AllowedTools: []string{"web_fetch"}}, false},
		{"empty allowlist allows non-denied", "data_query", RiskHigh,
			&store.AgentConfig{DeniedTools: []string{"web_fetch"}}, true},
		{"restricted caps risk even if allowlisted", "web_fetch", RiskMedium,
			&store.AgentConfig{TrustLevel: store.TrustRestricted, AllowedTools: []string{"web_fetch"}}, false},
		{"restricted still gets LOW", "current_time", RiskLow,
			&store.AgentConfig{TrustLevel: store.TrustRestricted}, true},
		{"elevated gets HIGH", "data_query", RiskHigh,
			&store.AgentConfig{TrustLevel: store.TrustElevated}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAllowed(tt.tool, tt.risk, tt.cfg))
		})
	}
}

func newPolicyEngine(t *testing.T) (*PolicyEngine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewPolicyEngine(testRegistry(t), s), s
}

func TestResolveToolsDenyList(t *testing.T) {
	p, s := newPolicyEngine(t)
	ctx := context.Background()

	require.NoError(t, s.PutAgentConfig(ctx, &store.AgentConfig{
		AgentID:     "helper",
		TrustLevel:  store.TrustStandard,
		DeniedTools: []string{"data_query"},
	}))

	resolved, err := p.ResolveTools(ctx, "helper")
	require.NoError(t, err)
	assert.Equal(t, []string{"current_time", "web_fetch", "web_search", "message_send"}, names(resolved))
}

func TestResolveToolsRestrictedWithAllowlist(t *testing.T) {
	p, s := newPolicyEngine(t)
	ctx := context.Background()

	// web_fetch is MEDIUM risk; RESTRICTED trust empties the set even
	// though it is explicitly allow-listed.
	require.NoError(t, s.PutAgentConfig(ctx, &store.AgentConfig{
		AgentID:      "locked",
		TrustLevel:   store.TrustRestricted,
		AllowedTools: []string{"web_fetch"},
	}))

	resolved, err := p.ResolveTools(ctx, "locked")
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestResolveToolsNoConfigLowOnly(t *testing.T) {
	p, _ := newPolicyEngine(t)

	resolved, err := p.ResolveTools(context.Background(), "unconfigured")
	require.NoError(t, err)
	assert.Equal(t, []string{"current_time"}, names(resolved))
	for _, e := range resolved {
		assert.Equal(t, RiskLow, e.Risk)
	}
}
