package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// Sweeper runs the compaction and retention jobs on cron schedules. It
// ticks once a minute and fires whichever expressions are due.
type Sweeper struct {
	compaction *CompactionEngine
	retention  *RetentionJob

	compactionCron string
	retentionCron  string

	gron   *gronx.Gronx
	logger *slog.Logger
}

func NewSweeper(compaction *CompactionEngine, retention *RetentionJob, compactionCron, retentionCron string) *Sweeper {
	return &Sweeper{
		compaction:     compaction,
		retention:      retention,
		compactionCron: compactionCron,
		retentionCron:  retentionCron,
		gron:           gronx.New(),
		logger:         slog.Default().With("component", "sweeper"),
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for _, expr := range []string{s.compactionCron, s.retentionCron} {
		if expr != "" && !s.gron.IsValid(expr) {
			s.logger.Error("invalid cron expression, schedule disabled", "cron", expr)
		}
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context, now time.Time) {
	if s.due(s.compactionCron, now) {
		s.compaction.Sweep(ctx)
	}
	if s.due(s.retentionCron, now) {
		s.retention.Sweep(ctx)
	}
}

func (s *Sweeper) due(expr string, now time.Time) bool {
	if expr == "" {
		return false
	}
	due, err := s.gron.IsDue(expr, now)
	if err != nil {
		s.logger.Warn("cron evaluation failed", "cron", expr, "error", err)
		return false
	}
	return due
}

// RetentionJob ages sessions out: idle ACTIVE and COMPACTED sessions become
// ARCHIVED, and ARCHIVED sessions past the retention window become PURGED.
type RetentionJob struct {
	store        store.SessionStore
	audit        store.Sink
	archiveAfter time.Duration
	purgeAfter   time.Duration
	logger       *slog.Logger
}

func NewRetentionJob(s store.SessionStore, audit store.Sink, archiveAfter, purgeAfter time.Duration) *RetentionJob {
	return &RetentionJob{
		store:        s,
		audit:        audit,
		archiveAfter: archiveAfter,
		purgeAfter:   purgeAfter,
		logger:       slog.Default().With("component", "retention"),
	}
}

func (j *RetentionJob) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	if j.archiveAfter > 0 {
		for _, status := range []store.SessionStatus{store.StatusActive, store.StatusCompacted} {
			j.transition(ctx, status, now.Add(-j.archiveAfter), store.StatusArchived, store.AuditSessionArchived)
		}
	}
	if j.purgeAfter > 0 {
		j.transition(ctx, store.StatusArchived, now.Add(-j.purgeAfter), store.StatusPurged, store.AuditSessionPurged)
	}
}

func (j *RetentionJob) transition(ctx context.Context, from store.SessionStatus, cutoff time.Time, to store.SessionStatus, action store.AuditAction) {
	idle, err := j.store.ListSessionsIdleSince(ctx, from, cutoff)
	if err != nil {
		j.logger.Error("retention: listing sessions", "status", from, "error", err)
		return
	}
	for _, sess := range idle {
		if err := j.store.SetSessionStatus(ctx, sess.ID, to); err != nil {
			j.logger.Error("retention: updating session", "session_id", sess.ID, "error", err)
			continue
		}
		j.audit.Record(ctx, store.AuditEntry{
			Actor:      "system",
			Action:     action,
			TargetType: "session",
			TargetID:   sess.ID.String(),
			Detail:     map[string]any{"from": string(from)},
		})
	}
}
