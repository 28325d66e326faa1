// Package router is the single ingress/egress dispatch point: it consumes
// every adapter's inbound stream, attributes each message to an agent and a
// principal, runs the pipeline, and delivers the response back out.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/agent"
	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/identity"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

type Router struct {
	adapters map[string]channels.Adapter
	bindings *BindingTable
	identity *identity.Resolver
	pipeline *agent.Pipeline
	limiter  *channels.RateLimiter
	audit    store.Sink

	workers   int
	delivery  RetryPolicy
	subscribe RetryPolicy

	jobs   chan job
	logger *slog.Logger
}

type job struct {
	adapter channels.Adapter
	msg     bus.InboundMessage
}

type Options struct {
	Workers   int
	Delivery  RetryPolicy
	Subscribe RetryPolicy
}

func New(bindings *BindingTable, resolver *identity.Resolver, pipeline *agent.Pipeline,
	limiter *channels.RateLimiter, audit store.Sink, opts Options) *Router {

	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Delivery.MaxAttempts <= 0 {
		opts.Delivery = RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2}
	}
	if opts.Subscribe.BaseDelay <= 0 {
		opts.Subscribe = RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.2}
	}

	return &Router{
		adapters:  make(map[string]channels.Adapter),
		bindings:  bindings,
		identity:  resolver,
		pipeline:  pipeline,
		limiter:   limiter,
		audit:     audit,
		workers:   opts.Workers,
		delivery:  opts.Delivery,
		subscribe: opts.Subscribe,
		jobs:      make(chan job, opts.Workers*4),
		logger:    slog.Default().With("component", "router"),
	}
}

// RegisterAdapter adds a surface before Run is called.
func (r *Router) RegisterAdapter(a channels.Adapter) {
	r.adapters[a.ChannelType()] = a
}

// Adapter returns the registered adapter for a channel type.
func (r *Router) Adapter(channelType string) (channels.Adapter, bool) {
	a, ok := r.adapters[channelType]
	return a, ok
}

// Run consumes every adapter until ctx is cancelled. Blocking work (store,
// model calls) happens on the worker pool so a slow conversation never
// starves intake on other channels.
func (r *Router) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-r.jobs:
					r.process(ctx, j.adapter, j.msg)
				}
			}
		}()
	}

	for _, a := range r.adapters {
		wg.Add(1)
		go func(a channels.Adapter) {
			defer wg.Done()
			r.consume(ctx, a)
		}(a)
	}

	<-ctx.Done()
	wg.Wait()
}

// consume subscribes to one adapter and feeds its messages to the worker
// pool. The subscription is retried forever with capped backoff; ingestion
// from a surface is never permanently abandoned.
func (r *Router) consume(ctx context.Context, a channels.Adapter) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := a.Subscribe(ctx)
		if err != nil {
			attempt++
			delay := r.subscribe.Delay(attempt)
			r.logger.Warn("adapter subscription failed, retrying",
				"channel", a.ChannelType(), "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		r.logger.Info("consuming channel", "channel", a.ChannelType())

		for {
			msg, ok := stream.Recv(ctx)
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case r.jobs <- job{adapter: a, msg: msg}:
			}
		}
	}
}

// process handles one message end to end. Every failure resolves to a drop
// with audit; nothing may escape to the consume loop.
func (r *Router) process(ctx context.Context, a channels.Adapter, msg bus.InboundMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic processing message",
				"channel", msg.ChannelType, "panic", rec)
		}
	}()

	agentID, activation := r.bindings.Resolve(&msg)
	if !Activated(activation, &msg) {
		return
	}

	principal, ok := r.resolvePrincipal(ctx, a, &msg)
	if !ok {
		return
	}

	if allowed, retryIn := r.limiter.Allow(principal); !allowed {
		r.logger.Info("rate limited", "principal", principal, "retry_in", retryIn)
		r.audit.Record(ctx, store.AuditEntry{
			Actor:      principal,
			Action:     store.AuditRateLimited,
			TargetType: "message",
			Detail:     map[string]any{"channel": msg.ChannelType, "retry_ms": retryIn.Milliseconds()},
		})
		return
	}

	if err := a.SendTyping(ctx, msg.ConversationID); err != nil {
		r.logger.Debug("typing indicator failed", "channel", msg.ChannelType, "error", err)
	}

	outcome := r.pipeline.Process(ctx, agentID, principal, &msg)
	if outcome.Rejected != nil {
		// Already audited by the pipeline; the sender gets no reply.
		return
	}
	if outcome.Content == "" {
		return
	}

	r.deliver(ctx, a, bus.OutboundMessage{
		ChannelType:    msg.ChannelType,
		ConversationID: msg.ConversationID,
		ThreadID:       msg.ThreadID,
		Content:        outcome.Content,
	})
}

// resolvePrincipal attributes the message to an internal identity. Surfaces
// authenticated upstream pass their user id straight through; everything
// else goes through the identity resolver, and an unmapped identity is
// queued for approval and dropped silently.
func (r *Router) resolvePrincipal(ctx context.Context, a channels.Adapter, msg *bus.InboundMessage) (string, bool) {
	if a.AuthenticatedUpstream() {
		return msg.ExternalUserID, true
	}

	principal, err := r.identity.Resolve(ctx, msg.ChannelType, msg.ExternalUserID)
	if err == nil {
		return principal, true
	}
	if !errors.Is(err, identity.ErrUnmappedIdentity) {
		r.logger.Error("identity resolution failed",
			"channel", msg.ChannelType, "external_user", msg.ExternalUserID, "error", err)
		return "", false
	}

	if err := r.identity.CreatePendingMapping(ctx, msg.ChannelType, msg.ExternalUserID, msg.ExternalUserID); err != nil {
		r.logger.Error("queueing pending mapping failed",
			"channel", msg.ChannelType, "external_user", msg.ExternalUserID, "error", err)
	}
	r.audit.Record(ctx, store.AuditEntry{
		Actor:      msg.ExternalUserID,
		Action:     store.AuditMessageDropped,
		TargetType: "message",
		Detail:     map[string]any{"channel": msg.ChannelType, "reason": "unmapped identity"},
	})
	return "", false
}

// deliver sends the response back out, chunked to the adapter's limit.
// Chunks go sequentially in order; each gets its own bounded retry, and an
// exhausted chunk is audited but does not abort the chunks after it.
func (r *Router) deliver(ctx context.Context, a channels.Adapter, out bus.OutboundMessage) {
	content := []string{out.Content}
	if max := a.MaxMessageLength(); max > 0 && len([]rune(out.Content)) > max {
		content = channels.SplitMessage(out.Content, max)
	}

	for i, chunk := range content {
		msg := out
		msg.Content = chunk
		if err := r.sendWithRetry(ctx, a, msg); err != nil {
			r.logger.Error("chunk delivery exhausted",
				"channel", out.ChannelType, "conversation", out.ConversationID,
				"chunk", i, "chunks", len(content), "error", err)
			r.audit.Record(ctx, store.AuditEntry{
				Actor:      "system",
				Action:     store.AuditDeliveryFailed,
				TargetType: "delivery",
				TargetID:   out.ConversationID,
				Detail:     map[string]any{"channel": out.ChannelType, "chunk": i},
			})
		}
	}
}

func (r *Router) sendWithRetry(ctx context.Context, a channels.Adapter, msg bus.OutboundMessage) error {
	var lastErr error
	for attempt := 1; !r.delivery.Exhausted(attempt); attempt++ {
		if err := a.Send(ctx, msg); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if r.delivery.Exhausted(attempt + 1) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delivery.Delay(attempt)):
		}
	}
	return errors.Join(ErrDeliveryFailed, lastErr)
}
