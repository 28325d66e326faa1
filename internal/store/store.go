// Package store defines the persistence layer: sessions, session messages,
// identity mappings, agent configs, and the audit log. Two backends implement
// it: SQLite (default) and Postgres (managed mode, internal/store/pg).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// SessionScope is the conversational grouping rule for a session.
type SessionScope string

const (
	ScopeMain  SessionScope = "MAIN"  // one per (agent, principal)
	ScopeGroup SessionScope = "GROUP" // one per (agent, channel, conversation)
	ScopeAPI   SessionScope = "API"   // one per synchronous caller
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "ACTIVE"
	StatusCompacted SessionStatus = "COMPACTED"
	StatusArchived  SessionStatus = "ARCHIVED"
	StatusPurged    SessionStatus = "PURGED"
)

// Message roles.
const (
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleSystem    = "SYSTEM"
	RoleTool      = "TOOL"
)

// Session is one stateful conversation between a principal (or a group
// conversation) and an agent.
type Session struct {
	ID             uuid.UUID
	AgentID        string
	ChannelType    string
	ConversationID string // empty for API/MAIN sessions without a channel conversation
	Principal      string
	Scope          SessionScope
	Status         SessionStatus
	MessageCount   int
	TotalTokens    int
	CreatedAt      time.Time
	LastActiveAt   time.Time
}

// SessionMessage is one turn inside a session. Immutable after insert except
// for the Compacted flag.
type SessionMessage struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	Role       string
	Content    string
	TokenCount int
	Compacted  bool
	CreatedAt  time.Time
}

// IdentityMapping links an external platform identity to an internal
// principal. Created unapproved on first sight; approval is an explicit
// operator action.
type IdentityMapping struct {
	ID             uuid.UUID
	ChannelType    string
	ExternalUserID string
	DisplayName    string
	Principal      string
	Approved       bool
	ApprovedBy     string
	LastSeenAt     time.Time
	CreatedAt      time.Time
}

// TrustLevel caps the tool risk an agent may use.
type TrustLevel string

const (
	TrustStandard   TrustLevel = "STANDARD"
	TrustRestricted TrustLevel = "RESTRICTED"
	TrustElevated   TrustLevel = "ELEVATED"
)

// AgentConfig is the per-agent policy and model record. Owned by the config
// store; the pipeline only reads it per call.
type AgentConfig struct {
	AgentID          string
	TrustLevel       TrustLevel
	AllowedTools     []string // empty = no allow-list restriction
	DeniedTools      []string
	EgressAllowlist  []string // host patterns; empty = unrestricted egress
	Model            string
	SystemPrompt     string
	MaxRequestTokens int
	MaxHistoryTokens int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SessionStore persists sessions and their messages.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	// FindActiveByPrincipal locates the ACTIVE session for a
	// (agent, principal, scope) key. ErrNotFound when none exists.
	FindActiveByPrincipal(ctx context.Context, agentID, principal string, scope SessionScope) (*Session, error)
	// FindActiveByConversation locates the ACTIVE GROUP session for a
	// (agent, channel, conversation) key.
	FindActiveByConversation(ctx context.Context, agentID, channelType, conversationID string) (*Session, error)
	// AppendMessage inserts a message and bumps the owning session's
	// message counter, token total, and last-active timestamp atomically.
	AppendMessage(ctx context.Context, m *SessionMessage) error
	// Messages returns a session's messages oldest first. Compacted
	// messages are excluded unless includeCompacted is set.
	Messages(ctx context.Context, sessionID uuid.UUID, includeCompacted bool) ([]*SessionMessage, error)
	// TokenSum is the token total over non-compacted messages.
	TokenSum(ctx context.Context, sessionID uuid.UUID) (int, error)
	// MarkCompacted flips the compacted flag on the given messages and
	// refreshes the session's token total from the surviving messages.
	MarkCompacted(ctx context.Context, sessionID uuid.UUID, messageIDs []uuid.UUID) error
	SetSessionStatus(ctx context.Context, sessionID uuid.UUID, status SessionStatus) error
	ListSessionsByStatus(ctx context.Context, status SessionStatus) ([]*Session, error)
	// ListSessionsIdleSince returns sessions in the given status whose
	// last activity predates the cutoff (retention sweeps).
	ListSessionsIdleSince(ctx context.Context, status SessionStatus, cutoff time.Time) ([]*Session, error)
}

// IdentityStore persists external-identity mappings.
type IdentityStore interface {
	GetMapping(ctx context.Context, channelType, externalUserID string) (*IdentityMapping, error)
	GetMappingByID(ctx context.Context, id uuid.UUID) (*IdentityMapping, error)
	// CreateMapping inserts a mapping unless one already exists for the
	// (channelType, externalUserID) key; first write wins and repeats are
	// silent no-ops. Returns the stored mapping either way.
	CreateMapping(ctx context.Context, m *IdentityMapping) (*IdentityMapping, error)
	UpdateMapping(ctx context.Context, m *IdentityMapping) error
	TouchMapping(ctx context.Context, id uuid.UUID, seenAt time.Time) error
	ListPendingMappings(ctx context.Context) ([]*IdentityMapping, error)
}

// AgentConfigStore persists per-agent policy records.
type AgentConfigStore interface {
	GetAgentConfig(ctx context.Context, agentID string) (*AgentConfig, error)
	PutAgentConfig(ctx context.Context, cfg *AgentConfig) error
	ListAgentConfigs(ctx context.Context) ([]*AgentConfig, error)
}

// Store is the full persistence surface consumed by the gateway.
type Store interface {
	SessionStore
	IdentityStore
	AgentConfigStore
	AuditStore
	Close() error
}
