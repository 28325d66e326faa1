// Package sessions owns conversation session lifecycle: scoping, history,
// token accounting, and budget-driven compaction.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// APIChannel is the channel type of the synchronous HTTP surface. Its
// sessions always get API scope.
const APIChannel = "api"

// EstimateTokens is the fixed heuristic used for history budgeting: one
// token per four characters, minimum one.
func EstimateTokens(content string) int {
	n := len(content) / 4
	if n < 1 {
		n = 1
	}
	return n
}

type Manager struct {
	store       store.SessionStore
	audit       store.Sink
	groupMarker string
	locks       sync.Map // session key -> *sync.Mutex
	logger      *slog.Logger
}

func NewManager(s store.SessionStore, audit store.Sink, groupMarker string) *Manager {
	if groupMarker == "" {
		groupMarker = "group:"
	}
	return &Manager{
		store:       s,
		audit:       audit,
		groupMarker: groupMarker,
		logger:      slog.Default().With("component", "sessions"),
	}
}

// DeriveScope picks the session scope: the synchronous API surface is always
// API-scoped, conversation ids carrying the group marker are GROUP-scoped,
// everything else is MAIN.
func (m *Manager) DeriveScope(channelType, conversationID string) store.SessionScope {
	if channelType == APIChannel {
		return store.ScopeAPI
	}
	if strings.HasPrefix(conversationID, m.groupMarker) {
		return store.ScopeGroup
	}
	return store.ScopeMain
}

// SessionKey is the serialization key for a turn: GROUP sessions are shared
// per conversation, all others are per principal.
func (m *Manager) SessionKey(agentID, principal, channelType, conversationID string) string {
	scope := m.DeriveScope(channelType, conversationID)
	if scope == store.ScopeGroup {
		return fmt.Sprintf("%s|%s|%s", agentID, channelType, conversationID)
	}
	return fmt.Sprintf("%s|%s|%s", agentID, principal, scope)
}

// Lock serializes all turns sharing one session key. Two concurrent
// messages into the same session must not interleave their
// read-modify-write of history. Returns the unlock func.
func (m *Manager) Lock(key string) func() {
	v, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ResolveSession finds the ACTIVE session for the derived key or creates
// one. Sessions in any other status, including COMPACTED, are deliberately
// not resolvable: after a compaction sweep the next inbound message starts a
// fresh session rather than reviving the compacted one.
func (m *Manager) ResolveSession(ctx context.Context, agentID, principal, channelType, conversationID string) (*store.Session, error) {
	scope := m.DeriveScope(channelType, conversationID)

	var sess *store.Session
	var err error
	if scope == store.ScopeGroup {
		sess, err = m.store.FindActiveByConversation(ctx, agentID, channelType, conversationID)
	} else {
		sess, err = m.store.FindActiveByPrincipal(ctx, agentID, principal, scope)
	}
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	sess = &store.Session{
		AgentID:        agentID,
		ChannelType:    channelType,
		ConversationID: conversationID,
		Principal:      principal,
		Scope:          scope,
		Status:         store.StatusActive,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	m.audit.Record(ctx, store.AuditEntry{
		Actor:      principal,
		Action:     store.AuditSessionCreated,
		TargetType: "session",
		TargetID:   sess.ID.String(),
		Detail: map[string]any{
			"agent": agentID, "channel": channelType, "scope": string(scope),
		},
	})
	m.logger.Info("session created",
		"session_id", sess.ID, "agent", agentID, "scope", scope, "channel", channelType)
	return sess, nil
}

// AddMessage appends one turn and bumps the session counters.
func (m *Manager) AddMessage(ctx context.Context, sessionID uuid.UUID, role, content string, tokenEstimate int) error {
	return m.store.AppendMessage(ctx, &store.SessionMessage{
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		TokenCount: tokenEstimate,
	})
}

// History returns non-compacted messages, oldest first.
func (m *Manager) History(ctx context.Context, sessionID uuid.UUID) ([]*store.SessionMessage, error) {
	return m.store.Messages(ctx, sessionID, false)
}

// TokenCount sums token estimates over non-compacted messages.
func (m *Manager) TokenCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	return m.store.TokenSum(ctx, sessionID)
}

// ArchiveSession moves a session to ARCHIVED.
func (m *Manager) ArchiveSession(ctx context.Context, sessionID uuid.UUID) error {
	if err := m.store.SetSessionStatus(ctx, sessionID, store.StatusArchived); err != nil {
		return err
	}
	m.audit.Record(ctx, store.AuditEntry{
		Actor:      "system",
		Action:     store.AuditSessionArchived,
		TargetType: "session",
		TargetID:   sessionID.String(),
	})
	return nil
}

// ActiveSessions lists every ACTIVE session.
func (m *Manager) ActiveSessions(ctx context.Context) ([]*store.Session, error) {
	return m.store.ListSessionsByStatus(ctx, store.StatusActive)
}
