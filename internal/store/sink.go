package store

import (
	"context"
	"log/slog"
)

// StoreSink records audit entries into an AuditStore. Write failures are
// logged and swallowed so audit persistence never blocks message flow.
type StoreSink struct {
	store  AuditStore
	logger *slog.Logger
}

func NewStoreSink(s AuditStore) *StoreSink {
	return &StoreSink{
		store:  s,
		logger: slog.Default().With("component", "audit"),
	}
}

func (s *StoreSink) Record(ctx context.Context, e AuditEntry) {
	if err := s.store.AppendAudit(ctx, &e); err != nil {
		s.logger.Error("failed to record audit entry",
			"action", e.Action, "actor", e.Actor, "error", err)
	}
}

// NopSink discards all audit entries. Useful in tests.
type NopSink struct{}

func (NopSink) Record(ctx context.Context, e AuditEntry) {}
