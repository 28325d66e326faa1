package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

const summarizerInstruction = "Summarize the following conversation transcript concisely. " +
	"Preserve decisions, facts, names, and any commitments made. Output only the summary."

// CompactionEngine replaces aged history with a model-generated summary so
// long-lived sessions stay within the token budget.
type CompactionEngine struct {
	store      store.SessionStore
	audit      store.Sink
	provider   providers.Provider
	model      string
	threshold  int
	lineBudget int
	logger     *slog.Logger
}

func NewCompactionEngine(s store.SessionStore, audit store.Sink, provider providers.Provider, model string, thresholdTokens, lineBudget int) *CompactionEngine {
	if lineBudget <= 0 {
		lineBudget = 120
	}
	return &CompactionEngine{
		store:      s,
		audit:      audit,
		provider:   provider,
		model:      model,
		threshold:  thresholdTokens,
		lineBudget: lineBudget,
		logger:     slog.Default().With("component", "compaction"),
	}
}

// Sweep compacts every ACTIVE session over the token threshold. Per-session
// failures are logged and do not stop the sweep.
func (e *CompactionEngine) Sweep(ctx context.Context) {
	active, err := e.store.ListSessionsByStatus(ctx, store.StatusActive)
	if err != nil {
		e.logger.Error("sweep: listing active sessions", "error", err)
		return
	}

	for _, sess := range active {
		if err := e.CompactIfNeeded(ctx, sess.ID); err != nil {
			e.logger.Error("sweep: compacting session", "session_id", sess.ID, "error", err)
		}
	}
}

// CompactIfNeeded compacts one session when its non-compacted token sum
// exceeds the threshold. Sessions with two or fewer messages are skipped.
func (e *CompactionEngine) CompactIfNeeded(ctx context.Context, sessionID uuid.UUID) error {
	tokens, err := e.store.TokenSum(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("summing tokens: %w", err)
	}
	if tokens <= e.threshold {
		return nil
	}

	history, err := e.store.Messages(ctx, sessionID, false)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}
	if len(history) <= 2 {
		return nil
	}

	retain := len(history) / 4
	if retain < 2 {
		retain = 2
	}
	toCompact := history[:len(history)-retain]

	summary := e.summarize(ctx, toCompact)

	ids := make([]uuid.UUID, len(toCompact))
	for i, m := range toCompact {
		ids[i] = m.ID
	}
	if err := e.store.MarkCompacted(ctx, sessionID, ids); err != nil {
		return fmt.Errorf("marking compacted: %w", err)
	}

	if err := e.store.AppendMessage(ctx, &store.SessionMessage{
		SessionID:  sessionID,
		Role:       store.RoleSystem,
		Content:    summary,
		TokenCount: EstimateTokens(summary),
	}); err != nil {
		return fmt.Errorf("appending summary: %w", err)
	}

	if err := e.store.SetSessionStatus(ctx, sessionID, store.StatusCompacted); err != nil {
		return fmt.Errorf("setting status: %w", err)
	}

	e.audit.Record(ctx, store.AuditEntry{
		Actor:      "system",
		Action:     store.AuditSessionCompacted,
		TargetType: "session",
		TargetID:   sessionID.String(),
		Detail: map[string]any{
			"compacted": len(toCompact),
			"retained":  retain,
		},
	})
	e.logger.Info("session compacted",
		"session_id", sessionID, "compacted", len(toCompact), "retained", retain)
	return nil
}

// summarize asks the model for a summary of the transcript and falls back
// to deterministic per-line truncation when the model call fails.
func (e *CompactionEngine) summarize(ctx context.Context, msgs []*store.SessionMessage) string {
	var transcript strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&transcript, "[%s]: %s\n", m.Role, m.Content)
	}

	if e.provider != nil {
		resp, err := e.provider.Chat(ctx, providers.ChatRequest{
			Model:  e.model,
			System: summarizerInstruction,
			Messages: []providers.Message{
				{Role: "user", Content: transcript.String()},
			},
		})
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return "Conversation summary: " + strings.TrimSpace(resp.Content)
		}
		if err != nil {
			e.logger.Warn("summary model call failed, truncating", "error", err)
		}
	}

	return e.truncateFallback(msgs)
}

func (e *CompactionEngine) truncateFallback(msgs []*store.SessionMessage) string {
	var sb strings.Builder
	sb.WriteString("Conversation summary (truncated):\n")
	for _, m := range msgs {
		line := fmt.Sprintf("[%s]: %s", m.Role, m.Content)
		if len(line) > e.lineBudget {
			line = line[:e.lineBudget] + "..."
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}
