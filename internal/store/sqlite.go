package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path, enables WAL and
// foreign keys, and ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			channel_type TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			principal TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL,
			status TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_active_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_principal_key
			ON sessions(agent_id, principal, scope, status);

		CREATE INDEX IF NOT EXISTS idx_sessions_conversation_key
			ON sessions(agent_id, channel_type, conversation_id, status);

		CREATE TABLE IF NOT EXISTS session_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			compacted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON session_messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS identity_mappings (
			id TEXT PRIMARY KEY,
			channel_type TEXT NOT NULL,
			external_user_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			principal TEXT NOT NULL DEFAULT '',
			approved INTEGER NOT NULL DEFAULT 0,
			approved_by TEXT NOT NULL DEFAULT '',
			last_seen_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_identity_channel_external
			ON identity_mappings(channel_type, external_user_id);

		CREATE TABLE IF NOT EXISTS agent_configs (
			agent_id TEXT PRIMARY KEY,
			trust_level TEXT NOT NULL,
			allowed_tools TEXT,
			denied_tools TEXT,
			egress_allowlist TEXT,
			model TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			max_request_tokens INTEGER NOT NULL DEFAULT 0,
			max_history_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			detail_json TEXT,
			ts TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID.String(), sess.AgentID, sess.ChannelType, sess.ConversationID, sess.Principal,
		string(sess.Scope), string(sess.Status), sess.MessageCount, sess.TotalTokens,
		fmtTime(sess.CreatedAt), fmtTime(sess.LastActiveAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

const sessionColumns = `id, agent_id, channel_type, conversation_id, principal, scope, status,
	message_count, total_tokens, created_at, last_active_at`

func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var sess Session
	var id, scope, status, createdAt, lastActiveAt string
	if err := scanner.Scan(&id, &sess.AgentID, &sess.ChannelType, &sess.ConversationID,
		&sess.Principal, &scope, &status, &sess.MessageCount, &sess.TotalTokens,
		&createdAt, &lastActiveAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing session id: %w", err)
	}
	sess.ID = parsed
	sess.Scope = SessionScope(scope)
	sess.Status = SessionStatus(status)
	sess.CreatedAt = parseTime(createdAt)
	sess.LastActiveAt = parseTime(lastActiveAt)
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id.String())
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) FindActiveByPrincipal(ctx context.Context, agentID, principal string, scope SessionScope) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE agent_id = ? AND principal = ? AND scope = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		agentID, principal, string(scope), string(StatusActive))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session by principal: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) FindActiveByConversation(ctx context.Context, agentID, channelType, conversationID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE agent_id = ? AND channel_type = ? AND conversation_id = ? AND scope = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		agentID, channelType, conversationID, string(ScopeGroup), string(StatusActive))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session by conversation: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *SessionMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
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
		    total_tokens = total_tokens + ?,
		    last_active_at = ?
		WHERE id = ?`,
		m.TokenCount, fmtTime(m.CreatedAt), m.SessionID.String(),
	)
	if err != nil {
		return fmt.Errorf("updating session counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_messages (id, session_id, role, content, token_count, compacted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.SessionID.String(), m.Role, m.Content, m.TokenCount,
		boolToInt(m.Compacted), fmtTime(m.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Messages(ctx context.Context, sessionID uuid.UUID, includeCompacted bool) ([]*SessionMessage, error) {
	query := `
		SELECT id, session_id, role, content, token_count, compacted, created_at
		FROM session_messages
		WHERE session_id = ?`
	if !includeCompacted {
		query += ` AND compacted = 0`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*SessionMessage
	for rows.Next() {
		var m SessionMessage
		var id, sid, createdAt string
		var compacted int
		if err := rows.Scan(&id, &sid, &m.Role, &m.Content, &m.TokenCount, &compacted, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.ID, _ = uuid.Parse(id)
		m.SessionID, _ = uuid.Parse(sid)
		m.Compacted = compacted != 0
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) TokenSum(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var sum int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(token_count), 0) FROM session_messages
		WHERE session_id = ? AND compacted = 0`,
		sessionID.String()).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("summing tokens: %w", err)
	}
	return sum, nil
}

func (s *SQLiteStore) MarkCompacted(ctx context.Context, sessionID uuid.UUID, messageIDs []uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning compact tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]any, 0, len(messageIDs)+1)
	args = append(args, sessionID.String())
	for _, id := range messageIDs {
		args = append(args, id.String())
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE session_messages SET compacted = 1 WHERE session_id = ? AND id IN (`+placeholders+`)`,
		args...,
	); err != nil {
		return fmt.Errorf("marking messages compacted: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET total_tokens = (
			SELECT COALESCE(SUM(token_count), 0) FROM session_messages
			WHERE session_id = ? AND compacted = 0
		) WHERE id = ?`,
		sessionID.String(), sessionID.String(),
	); err != nil {
		return fmt.Errorf("refreshing token total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing compact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetSessionStatus(ctx context.Context, sessionID uuid.UUID, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`,
		string(status), sessionID.String())
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListSessionsByStatus(ctx context.Context, status SessionStatus) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY last_active_at ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

func (s *SQLiteStore) ListSessionsIdleSince(ctx context.Context, status SessionStatus, cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? AND last_active_at < ? ORDER BY last_active_at ASC`,
		string(status), fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("listing idle sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
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

func scanMapping(scanner interface{ Scan(dest ...any) error }) (*IdentityMapping, error) {
	var m IdentityMapping
	var id, lastSeen, createdAt string
	var approved int
	if err := scanner.Scan(&id, &m.ChannelType, &m.ExternalUserID, &m.DisplayName,
		&m.Principal, &approved, &m.ApprovedBy, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	m.ID, _ = uuid.Parse(id)
	m.Approved = approved != 0
	m.LastSeenAt = parseTime(lastSeen)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func (s *SQLiteStore) GetMapping(ctx context.Context, channelType, externalUserID string) (*IdentityMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM identity_mappings WHERE channel_type = ? AND external_user_id = ?`,
		channelType, externalUserID)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying mapping: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetMappingByID(ctx context.Context, id uuid.UUID) (*IdentityMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM identity_mappings WHERE id = ?`, id.String())
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying mapping by id: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) CreateMapping(ctx context.Context, m *IdentityMapping) (*IdentityMapping, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastSeenAt.IsZero() {
		m.LastSeenAt = now
	}

	// First-seen wins: the unique index makes repeats no-ops.
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO identity_mappings
			(id, channel_type, external_user_id, display_name, principal, approved, approved_by, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.ChannelType, m.ExternalUserID, m.DisplayName, m.Principal,
		boolToInt(m.Approved), m.ApprovedBy, fmtTime(m.LastSeenAt), fmtTime(m.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting mapping: %w", err)
	}
	return s.GetMapping(ctx, m.ChannelType, m.ExternalUserID)
}

func (s *SQLiteStore) UpdateMapping(ctx context.Context, m *IdentityMapping) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identity_mappings
		SET display_name = ?, principal = ?, approved = ?, approved_by = ?, last_seen_at = ?
		WHERE id = ?`,
		m.DisplayName, m.Principal, boolToInt(m.Approved), m.ApprovedBy,
		fmtTime(m.LastSeenAt), m.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("updating mapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) TouchMapping(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE identity_mappings SET last_seen_at = ? WHERE id = ?`,
		fmtTime(seenAt), id.String())
	if err != nil {
		return fmt.Errorf("touching mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPendingMappings(ctx context.Context) ([]*IdentityMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mappingColumns+` FROM identity_mappings WHERE approved = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing pending mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*IdentityMapping
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

func (s *SQLiteStore) GetAgentConfig(ctx context.Context, agentID string) (*AgentConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, trust_level, allowed_tools, denied_tools, egress_allowlist,
			model, system_prompt, max_request_tokens, max_history_tokens, created_at, updated_at
		FROM agent_configs WHERE agent_id = ?`, agentID)

	var cfg AgentConfig
	var trust, createdAt, updatedAt string
	var allowed, denied, egress sql.NullString
	err := row.Scan(&cfg.AgentID, &trust, &allowed, &denied, &egress,
		&cfg.Model, &cfg.SystemPrompt, &cfg.MaxRequestTokens, &cfg.MaxHistoryTokens,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent config: %w", err)
	}

	cfg.TrustLevel = TrustLevel(trust)
	cfg.AllowedTools = decodeStringList(allowed)
	cfg.DeniedTools = decodeStringList(denied)
	cfg.EgressAllowlist = decodeStringList(egress)
	cfg.CreatedAt = parseTime(createdAt)
	cfg.UpdatedAt = parseTime(updatedAt)
	return &cfg, nil
}

func (s *SQLiteStore) PutAgentConfig(ctx context.Context, cfg *AgentConfig) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	if cfg.TrustLevel == "" {
		cfg.TrustLevel = TrustStandard
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_configs
			(agent_id, trust_level, allowed_tools, denied_tools, egress_allowlist,
			 model, system_prompt, max_request_tokens, max_history_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			trust_level = excluded.trust_level,
			allowed_tools = excluded.allowed_tools,
			denied_tools = excluded.denied_tools,
			egress_allowlist = excluded.egress_allowlist,
			model = excluded.model,
			system_prompt = excluded.system_prompt,
			max_request_tokens = excluded.max_request_tokens,
			max_history_tokens = excluded.max_history_tokens,
			updated_at = excluded.updated_at`,
		cfg.AgentID, string(cfg.TrustLevel),
		encodeStringList(cfg.AllowedTools), encodeStringList(cfg.DeniedTools), encodeStringList(cfg.EgressAllowlist),
		cfg.Model, cfg.SystemPrompt, cfg.MaxRequestTokens, cfg.MaxHistoryTokens,
		fmtTime(cfg.CreatedAt), fmtTime(cfg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting agent config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAgentConfigs(ctx context.Context) ([]*AgentConfig, error) {
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

	out := make([]*AgentConfig, 0, len(ids))
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

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, target_type, target_id, detail_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Actor, string(e.Action), e.TargetType, e.TargetID,
		detailJSON, fmtTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}

	var actionStr, sinceStr *string
	if f.Action != nil {
		a := string(*f.Action)
		actionStr = &a
	}
	if f.Since != nil {
		t := fmtTime(*f.Since)
		sinceStr = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, target_type, target_id, detail_json, ts
		FROM audit_log
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		  AND (? IS NULL OR ts >= ?)
		ORDER BY ts DESC
		LIMIT ?`,
		actionStr, actionStr,
		f.Actor, f.Actor,
		sinceStr, sinceStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var id, action, ts string
		var detailJSON *string
		if err := rows.Scan(&id, &e.Actor, &action, &e.TargetType, &e.TargetID, &detailJSON, &ts); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.ID, _ = uuid.Parse(id)
		e.Action = AuditAction(action)
		e.Timestamp = parseTime(ts)
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeStringList(list []string) *string {
	if len(list) == 0 {
		return nil
	}
	data, _ := json.Marshal(list)
	str := string(data)
	return &str
}

func decodeStringList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}
