package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditAction identifies an auditable event in the gateway.
type AuditAction string

const (
	AuditSessionCreated    AuditAction = "session_created"
	AuditSessionCompacted  AuditAction = "session_compacted"
	AuditSessionArchived   AuditAction = "session_archived"
	AuditSessionPurged     AuditAction = "session_purged"
	AuditMappingPending    AuditAction = "mapping_pending"
	AuditMappingApproved   AuditAction = "mapping_approved"
	AuditMessageDropped    AuditAction = "message_dropped"
	AuditFilterRejected    AuditAction = "filter_rejected"
	AuditPipelineCompleted AuditAction = "pipeline_completed"
	AuditPipelineFailed    AuditAction = "pipeline_failed"
	AuditDeliveryFailed    AuditAction = "delivery_failed"
	AuditRateLimited       AuditAction = "rate_limited"
)

// AuditEntry is one row in the audit log.
type AuditEntry struct {
	ID         uuid.UUID
	Actor      string // principal, external id, or "system"
	Action     AuditAction
	TargetType string // "session", "mapping", "message", "delivery"
	TargetID   string
	Detail     map[string]any
	Timestamp  time.Time
}

// AuditFilter narrows ListAudit results.
type AuditFilter struct {
	Action *AuditAction
	Actor  *string
	Since  *time.Time
	Limit  int // default 100, capped at 1000
}

// AuditStore persists the audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Sink is the write-only audit surface handed to the core pipeline. Failures
// to record audit events are logged by implementations, never propagated.
type Sink interface {
	Record(ctx context.Context, e AuditEntry)
}
