// Package pg provides the PostgreSQL-backed Store used in managed
// deployments. Schema is owned by the migrations under migrations/ and
// applied with the migrate command, not at open time.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New connects to the database at dsn and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Store{db: db, logger: slog.Default().With("component", "store", "driver", "pg")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- Sessions ---

const sessionColumns = `id, agent_id, channel_type, conversation_id, principal, scope, status,
	message_count, total_tokens, created_at, last_active_at`

func scanSession(scanner interface{ Scan(dest ...any) error }) (*store.Session, error) {
	var sess store.Session
	var scope, status string
	if err := scanner.Scan(&sess.ID, &sess.AgentID, &sess.ChannelType, &sess.ConversationID,
		&sess.Principal, &scope, &status, &sess.MessageCount, &sess.TotalTokens,
		&sess.CreatedAt, &sess.LastActiveAt); err != nil {
		return nil, err
	}
	sess.Scope = store.SessionScope(scope)
	sess.Status = store.SessionStatus(status)
	return &sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	if sess.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating session id: %w", err)
		}
		sess.ID = id
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActiveAt.IsZero() {
		sess.LastActiveAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, channel_type, conversation_id, principal, scope, status,
			message_count, total_tokens, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.AgentID, sess.ChannelType, sess.ConversationID, sess.Principal,
		string(sess.Scope), string(sess.Status), sess.MessageCount, sess.TotalTokens,
		sess.CreatedAt, sess.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

func (s *Store) FindActiveByPrincipal(ctx context.Context, agentID, principal string, scope store.SessionScope) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE agent_id = $1 AND principal = $2 AND scope = $3 AND status = $4
		ORDER BY created_at DESC LIMIT 1`,
		agentID, principal, string(scope), string(store.StatusActive))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session by principal: %w", err)
	}
	return sess, nil
}

func (s *Store) FindActiveByConversation(ctx context.Context, agentID, channelType, conversationID string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE agent_id = $1 AND channel_type = $2 AND conversation_id = $3 AND scope = $4 AND status = $5
		ORDER BY created_at DESC LIMIT 1`,
		agentID, channelType, conversationID, string(store.ScopeGroup), string(store.StatusActive))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session by conversation: %w", err)
	}
	return sess, nil
}

func (s *Store) AppendMessage(ctx context.Context, m *store.SessionMessage) error {
	if m.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating message id: %w", err)
		}
		m.ID = id
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET message_count = message_count + 1,
		    total_tokens = total_tokens + $1,
		    last_active_at = $2
		WHERE id = $3`,
		m.TokenCount, m.CreatedAt, m.SessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_messages (id, session_id, role, content, token_count, compacted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.SessionID, m.Role, m.Content, m.TokenCount, m.Compacted, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}
	return nil
}

func (s *Store) Messages(ctx context.Context, sessionID uuid.UUID, includeCompacted bool) ([]*store.SessionMessage, error) {
	query := `
		SELECT id, session_id, role, content, token_count, compacted, created_at
		FROM session_messages
		WHERE session_id = $1`
	if !includeCompacted {
		query += ` AND compacted = FALSE`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*store.SessionMessage
	for rows.Next() {
		var m store.SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.TokenCount, &m.Compacted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (s *Store) TokenSum(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var sum int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(token_count), 0) FROM session_messages
		WHERE session_id = $1 AND compacted = FALSE`, sessionID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("summing tokens: %w", err)
	}
	return sum, nil
}

func (s *Store) MarkCompacted(ctx context.Context, sessionID uuid.UUID, messageIDs []uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning compact tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE session_messages SET compacted = TRUE WHERE session_id = $1 AND id = ANY($2)`,
		sessionID, uuidStrings(messageIDs),
	); err != nil {
		return fmt.Errorf("marking messages compacted: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET total_tokens = (
			SELECT COALESCE(SUM(token_count), 0) FROM session_messages
			WHERE session_id = $1 AND compacted = FALSE
		) WHERE id = $1`, sessionID,
	); err != nil {
		return fmt.Errorf("refreshing token total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing compact: %w", err)
	}
	return nil
}

// uuidStrings renders ids as a postgres text array literal so the query can
// use = ANY without a pgx-native []uuid binding through database/sql.
func uuidStrings(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (s *Store) SetSessionStatus(ctx context.Context, sessionID uuid.UUID, status store.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1 WHERE id = $2`, string(status), sessionID)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListSessionsByStatus(ctx context.Context, status store.SessionStatus) ([]*store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = $1 ORDER BY last_active_at ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

func (s *Store) ListSessionsIdleSince(ctx context.Context, status store.SessionStatus, cutoff time.Time) ([]*store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = $1 AND last_active_at < $2 ORDER BY last_active_at ASC`,
		string(status), cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing idle sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]*store.Session, error) {
	var out []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- Identity mappings ---

const mappingColumns = `id, channel_type, external_user_id, display_name, principal, approved, approved_by, last_seen_at, created_at`

func scanMapping(scanner interface{ Scan(dest ...any) error }) (*store.IdentityMapping, error) {
	var m store.IdentityMapping
	if err := scanner.Scan(&m.ID, &m.ChannelType, &m.ExternalUserID, &m.DisplayName,
		&m.Principal, &m.Approved, &m.ApprovedBy, &m.LastSeenAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) GetMapping(ctx context.Context, channelType, externalUserID string) (*store.IdentityMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM identity_mappings WHERE channel_type = $1 AND external_user_id = $2`,
		channelType, externalUserID)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying mapping: %w", err)
	}
	return m, nil
}

func (s *Store) GetMappingByID(ctx context.Context, id uuid.UUID) (*store.IdentityMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM identity_mappings WHERE id = $1`, id)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying mapping by id: %w", err)
	}
	return m, nil
}

func (s *Store) CreateMapping(ctx context.Context, m *store.IdentityMapping) (*store.IdentityMapping, error) {
	if m.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating mapping id: %w", err)
		}
		m.ID = id
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastSeenAt.IsZero() {
		m.LastSeenAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_mappings
			(id, channel_type, external_user_id, display_name, principal, approved, approved_by, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (channel_type, external_user_id) DO NOTHING`,
		m.ID, m.ChannelType, m.ExternalUserID, m.DisplayName, m.Principal,
		m.Approved, m.ApprovedBy, m.LastSeenAt, m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting mapping: %w", err)
	}
	return s.GetMapping(ctx, m.ChannelType, m.ExternalUserID)
}

func (s *Store) UpdateMapping(ctx context.Context, m *store.IdentityMapping) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identity_mappings
		SET display_name = $1, principal = $2, approved = $3, approved_by = $4, last_seen_at = $5
		WHERE id = $6`,
		m.DisplayName, m.Principal, m.Approved, m.ApprovedBy, m.LastSeenAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating mapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) TouchMapping(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identity_mappings SET last_seen_at = $1 WHERE id = $2`, seenAt, id)
	if err != nil {
		return fmt.Errorf("touching mapping: %w", err)
	}
	return nil
}

func (s *Store) ListPendingMappings(ctx context.Context) ([]*store.IdentityMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mappingColumns+` FROM identity_mappings WHERE approved = FALSE ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing pending mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.IdentityMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Agent configs ---

func (s *Store) GetAgentConfig(ctx context.Context, agentID string) (*store.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, trust_level, allowed_tools, denied_tools, egress_allowlist,
			model, system_prompt, max_request_tokens, max_history_tokens, created_at, updated_at
		FROM agent_configs WHERE agent_id = $1`, agentID)

	var cfg store.AgentConfig
	var trust string
	var allowed, denied, egress []byte
	err := row.Scan(&cfg.AgentID, &trust, &allowed, &denied, &egress,
		&cfg.Model, &cfg.SystemPrompt, &cfg.MaxRequestTokens, &cfg.MaxHistoryTokens,
		&cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent config: %w", err)
	}

	cfg.TrustLevel = store.TrustLevel(trust)
	cfg.AllowedTools = decodeJSONList(allowed)
	cfg.DeniedTools = decodeJSONList(denied)
	cfg.EgressAllowlist = decodeJSONList(egress)
	return &cfg, nil
}

func (s *Store) PutAgentConfig(ctx context.Context, cfg *store.AgentConfig) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	if cfg.TrustLevel == "" {
		cfg.TrustLevel = store.TrustStandard
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_configs
			(agent_id, trust_level, allowed_tools, denied_tools, egress_allowlist,
			 model, system_prompt, max_request_tokens, max_history_tokens, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (agent_id) DO UPDATE SET
			trust_level = EXCLUDED.trust_level,
			allowed_tools = EXCLUDED.allowed_tools,
			denied_tools = EXCLUDED.denied_tools,
			egress_allowlist = EXCLUDED.egress_allowlist,
			model = EXCLUDED.model,
			system_prompt = EXCLUDED.system_prompt,
			max_request_tokens = EXCLUDED.max_request_tokens,
			max_history_tokens = EXCLUDED.max_history_tokens,
			updated_at = EXCLUDED.updated_at`,
		cfg.AgentID, string(cfg.TrustLevel),
		encodeJSONList(cfg.AllowedTools), encodeJSONList(cfg.DeniedTools), encodeJSONList(cfg.EgressAllowlist),
		cfg.Model, cfg.SystemPrompt, cfg.MaxRequestTokens, cfg.MaxHistoryTokens,
		cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting agent config: %w", err)
	}
	return nil
}

func (s *Store) ListAgentConfigs(ctx context.Context) ([]*store.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM agent_configs ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("listing agent configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*store.AgentConfig, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.GetAgentConfig(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// --- Audit log ---

func (s *Store) AppendAudit(ctx context.Context, e *store.AuditEntry) error {
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating audit id: %w", err)
		}
		e.ID = id
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON []byte
	if e.Detail != nil {
		var err error
		detailJSON, err = json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, target_type, target_id, detail, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.Actor, string(e.Action), e.TargetType, e.TargetID, detailJSON, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}

	var conds []string
	var args []any
	if f.Action != nil {
		args = append(args, string(*f.Action))
		conds = append(conds, fmt.Sprintf("action = $%d", len(args)))
	}
	if f.Actor != nil {
		args = append(args, *f.Actor)
		conds = append(conds, fmt.Sprintf("actor = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		conds = append(conds, fmt.Sprintf("ts >= $%d", len(args)))
	}

	query := `SELECT id, actor, action, target_type, target_id, detail, ts FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []store.AuditEntry{}
	for rows.Next() {
		var e store.AuditEntry
		var action string
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Actor, &action, &e.TargetType, &e.TargetID, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = store.AuditAction(action)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func encodeJSONList(list []string) []byte {
	if len(list) == 0 {
		return nil
	}
	data, _ := json.Marshal(list)
	return data
}

func decodeJSONList(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
