package sessions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

type stubProvider struct {
	reply string
	err   error
	calls int
}

func (p *stubProvider) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &providers.ChatResponse{Content: p.reply}, nil
}

func (p *stubProvider) ChatStream(ctx context.Context, req providers.ChatRequest, fn func(providers.StreamChunk) error) error {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return err
	}
	if err := fn(providers.StreamChunk{Text: resp.Content}); err != nil {
		return err
	}
	return fn(providers.StreamChunk{Done: true})
}

func seedSession(t *testing.T, s *store.SQLiteStore, messages, tokensEach int) *store.Session {
	t.Helper()
	ctx := context.Background()
	sess := &store.Session{AgentID: "helper", ChannelType: "webchat", Principal: "alice", Scope: store.ScopeMain, Status: store.StatusActive}
	require.NoError(t, s.CreateSession(ctx, sess))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < messages; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		require.NoError(t, s.AppendMessage(ctx, &store.SessionMessage{
			SessionID:  sess.ID,
			Role:       role,
			Content:    fmt.Sprintf("message %d", i),
			TokenCount: tokensEach,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}
	return sess
}

func TestCompactionRetainsQuarter(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "compact.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	// 40 messages at 100 tokens each, threshold 1000: compaction retains
	// max(2, 40/4)=10 originals plus one summary.
	sess := seedSession(t, s, 40, 100)
	provider := &stubProvider{reply: "they discussed forty things"}
	engine := NewCompactionEngine(s, store.NopSink{}, provider, "test-model", 1000, 120)

	require.NoError(t, engine.CompactIfNeeded(ctx, sess.ID))
	assert.Equal(t, 1, provider.calls)

	history, err := s.Messages(ctx, sess.ID, false)
	require.NoError(t, err)
	require.Len(t, history, 11)

	// Retained tail is the newest ten; summary is the appended SYSTEM turn.
	assert.Equal(t, "message 30", history[0].Content)
	last := history[len(history)-1]
	assert.Equal(t, store.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "they discussed forty things")

	// Recomputed token sum excludes the 30 compacted messages.
	tokens, err := s.TokenSum(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 10*100+EstimateTokens(last.Content), tokens)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompacted, got.Status)
}

func TestCompactionSkipsUnderThreshold(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "compact.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	sess := seedSession(t, s, 10, 10)
	provider := &stubProvider{reply: "unused"}
	engine := NewCompactionEngine(s, store.NopSink{}, provider, "test-model", 1000, 120)

	require.NoError(t, engine.CompactIfNeeded(ctx, sess.ID))
	assert.Zero(t, provider.calls)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, got.Status)
}

func TestCompactionSkipsTinySessions(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "compact.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	// Over the token threshold but only two messages: nothing to compact.
	sess := seedSession(t, s, 2, 5000)
	engine := NewCompactionEngine(s, store.NopSink{}, &stubProvider{}, "test-model", 1000, 120)

	require.NoError(t, engine.CompactIfNeeded(ctx, sess.ID))

	history, err := s.Messages(ctx, sess.ID, false)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCompactionFallsBackOnModelFailure(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "compact.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	sess := seedSession(t, s, 12, 500)
	provider := &stubProvider{err: errors.New("model unavailable")}
	engine := NewCompactionEngine(s, store.NopSink{}, provider, "test-model", 1000, 40)

	require.NoError(t, engine.CompactIfNeeded(ctx, sess.ID))

	history, err := s.Messages(ctx, sess.ID, false)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, store.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "truncated")
	for _, line := range strings.Split(strings.TrimSpace(last.Content), "\n")[1:] {
		assert.LessOrEqual(t, len(line), 40+3)
	}
}

func TestRetentionSweep(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "retention.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	mkSession := func(principal string, status store.SessionStatus, idle time.Duration) *store.Session {
		sess := &store.Session{
			AgentID: "helper", ChannelType: "webchat", Principal: principal,
			Scope: store.ScopeMain, Status: status, LastActiveAt: now.Add(-idle),
		}
		require.NoError(t, s.CreateSession(ctx, sess))
		return sess
	}

	staleActive := mkSession("a", store.StatusActive, 20*24*time.Hour)
	freshActive := mkSession("b", store.StatusActive, time.Hour)
	oldArchived := mkSession("c", store.StatusArchived, 40*24*time.Hour)

	job := NewRetentionJob(s, store.NopSink{}, 14*24*time.Hour, 30*24*time.Hour)
	job.Sweep(ctx)

	assertStatus := func(sess *store.Session, want store.SessionStatus) {
		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "session %s", sess.Principal)
	}
	assertStatus(staleActive, store.StatusArchived)
	assertStatus(freshActive, store.StatusActive)
	assertStatus(oldArchived, store.StatusPurged)
}
