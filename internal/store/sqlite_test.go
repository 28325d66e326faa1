package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{
		AgentID:     "helper",
		ChannelType: "discord",
		Principal:   "alice",
		Scope:       ScopeMain,
		Status:      StatusActive,
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NotEqual(t, uuid.Nil, sess.ID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Principal)
	assert.Equal(t, ScopeMain, got.Scope)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 0, got.MessageCount)

	_, err = s.GetSession(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindActiveByPrincipal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{AgentID: "helper", ChannelType: "telegram", Principal: "bob", Scope: ScopeMain, Status: StatusActive}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.FindActiveByPrincipal(ctx, "helper", "bob", ScopeMain)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	// Compacted sessions are not resolvable.
	require.NoError(t, s.SetSessionStatus(ctx, sess.ID, StatusCompacted))
	_, err = s.FindActiveByPrincipal(ctx, "helper", "bob", ScopeMain)
	assert.ErrorIs(t, err, ErrNotFound)

	// Scope mismatch is not resolvable either.
	sess2 := &Session{AgentID: "helper", ChannelType: "telegram", Principal: "bob", Scope: ScopeAPI, Status: StatusActive}
	require.NoError(t, s.CreateSession(ctx, sess2))
	_, err = s.FindActiveByPrincipal(ctx, "helper", "bob", ScopeMain)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindActiveByConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group := &Session{AgentID: "helper", ChannelType: "discord", ConversationID: "chan-42", Scope: ScopeGroup, Status: StatusActive}
	require.NoError(t, s.CreateSession(ctx, group))

	// MAIN sessions with the same conversation id must not match.
	main := &Session{AgentID: "helper", ChannelType: "discord", ConversationID: "chan-42", Principal: "alice", Scope: ScopeMain, Status: StatusActive}
	require.NoError(t, s.CreateSession(ctx, main))

	got, err := s.FindActiveByConversation(ctx, "helper", "discord", "chan-42")
	require.NoError(t, err)
	assert.Equal(t, group.ID, got.ID)
}

func TestAppendMessageBumpsCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{AgentID: "helper", ChannelType: "webchat", Principal: "alice", Scope: ScopeMain, Status: StatusActive}
	require.NoError(t, s.CreateSession(ctx, sess))

	require.NoError(t, s.AppendMessage(ctx, &SessionMessage{
		SessionID: sess.ID, Role: RoleUser, Content: "hello", TokenCount: 5,
	}))
	require.NoError(t, s.AppendMessage(ctx, &SessionMessage{
		SessionID: sess.ID, Role: RoleAssistant, Content: "hi there", TokenCount: 7,
	}))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.Equal(t, 12, got.TotalTokens)
	assert.True(t, got.LastActiveAt.After(got.CreatedAt) || got.LastActiveAt.Equal(got.CreatedAt))

	sum, err := s.TokenSum(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, sum)

	err = s.AppendMessage(ctx, &SessionMessage{SessionID: uuid.New(), Role: RoleUser, Content: "orphan"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessagesOrderAndCompactionFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{AgentID: "helper", ChannelType: "webchat", Principal: "alice", Scope: ScopeMain, Status: StatusActive}
	require.NoError(t, s.CreateSession(ctx, sess))

	base := time.Now().UTC().Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		m := &SessionMessage{
			SessionID:  sess.ID,
			Role:       RoleUser,
			Content:    string(rune('a' + i)),
			TokenCount: 10,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.AppendMessage(ctx, m))
		ids = append(ids, m.ID)
	}

	require.NoError(t, s.MarkCompacted(ctx, sess.ID, ids[:2]))

	visible, err := s.Messages(ctx, sess.ID, false)
	require.NoError(t, err)
	require.Len(t, visible, 2)
	assert.Equal(t, "c", visible[0].Content)
	assert.Equal(t, "d", visible[1].Content)

	all, err := s.Messages(ctx, sess.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.True(t, all[0].Compacted)

	// Token total was recomputed over live messages only.
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.TotalTokens)
}

func TestListSessionsIdleSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &Session{
		AgentID: "helper", ChannelType: "webchat", Principal: "stale", Scope: ScopeMain,
		Status: StatusActive, LastActiveAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	fresh := &Session{AgentID: "helper", ChannelType: "webchat", Principal: "fresh", Scope: ScopeMain, Status: StatusActive}
	require.NoError(t, s.CreateSession(ctx, old))
	require.NoError(t, s.CreateSession(ctx, fresh))

	idle, err := s.ListSessionsIdleSince(ctx, StatusActive, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "stale", idle[0].Principal)
}

func TestIdentityMappingFirstSeenWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateMapping(ctx, &IdentityMapping{
		ChannelType: "discord", ExternalUserID: "u-100", DisplayName: "Alice",
	})
	require.NoError(t, err)
	assert.False(t, first.Approved)

	// A second create for the same external identity returns the original row.
	second, err := s.CreateMapping(ctx, &IdentityMapping{
		ChannelType: "discord", ExternalUserID: "u-100", DisplayName: "Imposter",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Alice", second.DisplayName)

	pending, err := s.ListPendingMappings(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	first.Approved = true
	first.ApprovedBy = "operator"
	first.Principal = "alice"
	require.NoError(t, s.UpdateMapping(ctx, first))

	got, err := s.GetMapping(ctx, "discord", "u-100")
	require.NoError(t, err)
	assert.True(t, got.Approved)
	assert.Equal(t, "alice", got.Principal)

	pending, err = s.ListPendingMappings(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTouchMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMapping(ctx, &IdentityMapping{ChannelType: "telegram", ExternalUserID: "tg-1"})
	require.NoError(t, err)

	seen := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.TouchMapping(ctx, m.ID, seen))

	got, err := s.GetMappingByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, seen, got.LastSeenAt)
}

func TestAgentConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := &AgentConfig{
		AgentID:          "helper",
		TrustLevel:       TrustRestricted,
		AllowedTools:     []string{"current_time", "web_fetch"},
		EgressAllowlist:  []string{"example.com", "*.internal.corp"},
		Model:            "claude-sonnet-4-20250514",
		SystemPrompt:     "You are a helpful assistant.",
		MaxHistoryTokens: 8000,
	}
	require.NoError(t, s.PutAgentConfig(ctx, cfg))

	got, err := s.GetAgentConfig(ctx, "helper")
	require.NoError(t, err)
	assert.Equal(t, TrustRestricted, got.TrustLevel)
	assert.Equal(t, []string{"current_time", "web_fetch"}, got.AllowedTools)
	assert.Nil(t, got.DeniedTools)
	assert.Equal(t, []string{"example.com", "*.internal.corp"}, got.EgressAllowlist)

	// Upsert replaces fields.
	cfg.TrustLevel = TrustElevated
	cfg.AllowedTools = nil
	require.NoError(t, s.PutAgentConfig(ctx, cfg))

	got, err = s.GetAgentConfig(ctx, "helper")
	require.NoError(t, err)
	assert.Equal(t, TrustElevated, got.TrustLevel)
	assert.Nil(t, got.AllowedTools)

	list, err := s.ListAgentConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetAgentConfig(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuditAppendAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	entries := []AuditEntry{
		{Actor: "alice", Action: AuditSessionCreated, TargetType: "session", TargetID: "s1", Timestamp: base},
		{Actor: "system", Action: AuditSessionCompacted, TargetType: "session", TargetID: "s1",
			Detail: map[string]any{"compacted": float64(30), "retained": float64(10)}, Timestamp: base.Add(time.Minute)},
		{Actor: "alice", Action: AuditFilterRejected, TargetType: "message", TargetID: "m1", Timestamp: base.Add(2 * time.Minute)},
	}
	for i := range entries {
		require.NoError(t, s.AppendAudit(ctx, &entries[i]))
	}

	all, err := s.ListAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, AuditFilterRejected, all[0].Action)

	action := AuditSessionCompacted
	byAction, err := s.ListAudit(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, map[string]any{"compacted": float64(30), "retained": float64(10)}, byAction[0].Detail)

	actor := "alice"
	byActor, err := s.ListAudit(ctx, AuditFilter{Actor: &actor})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	since := base.Add(90 * time.Second)
	recent, err := s.ListAudit(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	limited, err := s.ListAudit(ctx, AuditFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStoreSinkSwallowsErrors(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	// Recording against a closed store must not panic or block.
	sink := NewStoreSink(s)
	sink.Record(context.Background(), AuditEntry{Actor: "system", Action: AuditSessionPurged})
}
