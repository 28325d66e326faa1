// Package identity maps external channel identities to internal principals.
// Unknown identities are queued for operator approval rather than dropped
// silently.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// ErrUnmappedIdentity means no approved mapping exists for the external
// identity. The caller is expected to queue a pending mapping and drop the
// message without a reply.
var ErrUnmappedIdentity = errors.New("identity: no approved mapping")

type Resolver struct {
	store  store.IdentityStore
	audit  store.Sink
	logger *slog.Logger
}

func NewResolver(s store.IdentityStore, audit store.Sink) *Resolver {
	return &Resolver{
		store:  s,
		audit:  audit,
		logger: slog.Default().With("component", "identity"),
	}
}

// Resolve returns the principal for an approved mapping and refreshes its
// last-seen timestamp. Unapproved or missing mappings both resolve to
// ErrUnmappedIdentity.
func (r *Resolver) Resolve(ctx context.Context, channelType, externalUserID string) (string, error) {
	m, err := r.store.GetMapping(ctx, channelType, externalUserID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnmappedIdentity
	}
	if err != nil {
		return "", fmt.Errorf("looking up mapping: %w", err)
	}
	if !m.Approved {
		return "", ErrUnmappedIdentity
	}

	if err := r.store.TouchMapping(ctx, m.ID, time.Now().UTC()); err != nil {
		r.logger.Warn("failed to touch mapping", "mapping_id", m.ID, "error", err)
	}
	return m.Principal, nil
}

// CreatePendingMapping records an unapproved mapping for operator review.
// First seen wins; repeat calls for the same identity are no-ops.
func (r *Resolver) CreatePendingMapping(ctx context.Context, channelType, externalUserID, displayName string) error {
	attempt := &store.IdentityMapping{
		ID:             uuid.New(),
		ChannelType:    channelType,
		ExternalUserID: externalUserID,
		DisplayName:    displayName,
	}
	m, err := r.store.CreateMapping(ctx, attempt)
	if err != nil {
		return fmt.Errorf("creating pending mapping: %w", err)
	}

	// A repeat call returns the previously stored row; only the first
	// sighting is audited.
	if m.ID == attempt.ID {
		r.audit.Record(ctx, store.AuditEntry{
			Actor:      externalUserID,
			Action:     store.AuditMappingPending,
			TargetType: "mapping",
			TargetID:   m.ID.String(),
			Detail:     map[string]any{"channel": channelType, "display_name": displayName},
		})
	}
	return nil
}

// Approve marks a pending mapping approved and binds it to a principal.
// Privilege enforcement belongs to the caller; blank principals are rejected
// here.
func (r *Resolver) Approve(ctx context.Context, mappingID uuid.UUID, approver, principal string) (*store.IdentityMapping, error) {
	if principal == "" {
		return nil, fmt.Errorf("principal must not be blank")
	}

	m, err := r.store.GetMappingByID(ctx, mappingID)
	if err != nil {
		return nil, fmt.Errorf("looking up mapping %s: %w", mappingID, err)
	}

	m.Principal = principal
	m.Approved = true
	m.ApprovedBy = approver
	if err := r.store.UpdateMapping(ctx, m); err != nil {
		return nil, fmt.Errorf("approving mapping %s: %w", mappingID, err)
	}

	r.audit.Record(ctx, store.AuditEntry{
		Actor:      approver,
		Action:     store.AuditMappingApproved,
		TargetType: "mapping",
		TargetID:   m.ID.String(),
		Detail:     map[string]any{"principal": principal, "channel": m.ChannelType},
	})
	r.logger.Info("mapping approved",
		"mapping_id", m.ID, "principal", principal, "approver", approver)
	return m, nil
}

// ListPending returns all unapproved mappings, oldest first.
func (r *Resolver) ListPending(ctx context.Context) ([]*store.IdentityMapping, error) {
	return r.store.ListPendingMappings(ctx)
}
