// Package agent orchestrates one conversational turn: content filtering,
// session state, tool policy, and the model call.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/filters"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/tools"
)

// ErrModelInvocation marks a model-call failure. It never leaves the
// pipeline; callers see the generic fallback instead.
var ErrModelInvocation = errors.New("agent: model invocation failed")

const defaultSystemPrompt = "You are a helpful assistant reachable through chat. " +
	"Answer concisely and stay on topic."

const fallbackMessage = "Sorry, something went wrong handling that message. Please try again."

// Outcome is the terminal state of one turn. Exactly one of Content,
// Rejected, or Fallback describes what the caller should deliver: the
// response, nothing (silent drop), or the generic fallback text.
type Outcome struct {
	Content   string
	Rejected  *filters.Rejection
	Fallback  bool
	SessionID string
	Latency   time.Duration
}

type Pipeline struct {
	filters  *filters.Chain
	sessions *sessions.Manager
	policy   *tools.PolicyEngine
	configs  store.AgentConfigStore
	registry *providers.Registry
	audit    store.Sink

	maxTokens    int
	modelTimeout time.Duration
	template     string
	tracer       trace.Tracer
	logger       *slog.Logger
}

type Options struct {
	MaxTokens    int
	ModelTimeout time.Duration
	// TemplatePath points at an optional system-prompt template file used
	// when an agent has no override of its own.
	TemplatePath string
}

func NewPipeline(chain *filters.Chain, mgr *sessions.Manager, policy *tools.PolicyEngine,
	configs store.AgentConfigStore, registry *providers.Registry, audit store.Sink, opts Options) *Pipeline {

	logger := slog.Default().With("component", "pipeline")

	var template string
	if opts.TemplatePath != "" {
		data, err := os.ReadFile(opts.TemplatePath)
		if err != nil {
			logger.Warn("prompt template unreadable, using builtin default",
				"path", opts.TemplatePath, "error", err)
		} else {
			template = strings.TrimSpace(string(data))
		}
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = 90 * time.Second
	}

	return &Pipeline{
		filters:      chain,
		sessions:     mgr,
		policy:       policy,
		configs:      configs,
		registry:     registry,
		audit:        audit,
		maxTokens:    opts.MaxTokens,
		modelTimeout: opts.ModelTimeout,
		template:     template,
		tracer:       otel.Tracer("chatrelay/agent"),
		logger:       logger,
	}
}

// Process runs one turn end to end. It never returns an error: every
// failure inside the pipeline resolves to a rejection (drop) or the generic
// fallback, so no fault can propagate to a channel subscription or HTTP
// handler.
func (p *Pipeline) Process(ctx context.Context, agentID, principal string, msg *bus.InboundMessage) *Outcome {
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("channel.type", msg.ChannelType),
		))
	defer span.End()

	// Tool handlers run under this context; egress checks need to know
	// which agent is calling.
	ctx = tools.WithAgentID(ctx, agentID)

	// One turn per session at a time. The lock covers the whole
	// read-modify-write so concurrent turns cannot interleave appends.
	key := p.sessions.SessionKey(agentID, principal, msg.ChannelType, msg.ConversationID)
	unlock := p.sessions.Lock(key)
	defer unlock()

	sess, err := p.sessions.ResolveSession(ctx, agentID, principal, msg.ChannelType, msg.ConversationID)
	if err != nil {
		return p.fail(ctx, span, agentID, principal, start, fmt.Errorf("resolving session: %w", err))
	}

	if rej, ok := p.filters.Evaluate(msg, filters.Context{
		AgentID: agentID, Principal: principal, ChannelType: msg.ChannelType,
	}); !ok {
		p.audit.Record(ctx, store.AuditEntry{
			Actor:      principal,
			Action:     store.AuditFilterRejected,
			TargetType: "message",
			TargetID:   sess.ID.String(),
			Detail:     map[string]any{"filter": rej.Filter, "reason": rej.Reason},
		})
		span.SetAttributes(attribute.String("filter.rejected_by", rej.Filter))
		return &Outcome{Rejected: rej, SessionID: sess.ID.String(), Latency: time.Since(start)}
	}

	if err := p.sessions.AddMessage(ctx, sess.ID, store.RoleUser, msg.Content, sessions.EstimateTokens(msg.Content)); err != nil {
		return p.fail(ctx, span, agentID, principal, start, fmt.Errorf("appending turn: %w", err))
	}

	cfg, err := p.configs.GetAgentConfig(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		cfg = nil
	} else if err != nil {
		return p.fail(ctx, span, agentID, principal, start, fmt.Errorf("loading agent config: %w", err))
	}

	req, err := p.assembleRequest(ctx, sess.ID, cfg)
	if err != nil {
		return p.fail(ctx, span, agentID, principal, start, err)
	}

	resolved, err := p.policy.ResolveTools(ctx, agentID)
	if err != nil {
		return p.fail(ctx, span, agentID, principal, start, fmt.Errorf("resolving tools: %w", err))
	}
	for _, e := range resolved {
		req.Tools = append(req.Tools, e.Definition())
	}

	content, err := p.invoke(ctx, req)
	if err != nil {
		return p.fail(ctx, span, agentID, principal, start, fmt.Errorf("%w: %w", ErrModelInvocation, err))
	}

	content = sanitizeResponse(content)
	if err := p.sessions.AddMessage(ctx, sess.ID, store.RoleAssistant, content, sessions.EstimateTokens(content)); err != nil {
		p.logger.Error("failed to persist assistant turn", "session_id", sess.ID, "error", err)
	}

	latency := time.Since(start)
	p.audit.Record(ctx, store.AuditEntry{
		Actor:      principal,
		Action:     store.AuditPipelineCompleted,
		TargetType: "session",
		TargetID:   sess.ID.String(),
		Detail:     map[string]any{"agent": agentID, "latency_ms": latency.Milliseconds()},
	})
	span.SetAttributes(attribute.Int64("pipeline.latency_ms", latency.Milliseconds()))

	return &Outcome{Content: content, SessionID: sess.ID.String(), Latency: latency}
}

func (p *Pipeline) assembleRequest(ctx context.Context, sessionID uuid.UUID, cfg *store.AgentConfig) (providers.ChatRequest, error) {
	history, err := p.sessions.History(ctx, sessionID)
	if err != nil {
		return providers.ChatRequest{}, fmt.Errorf("fetching history: %w", err)
	}

	system := defaultSystemPrompt
	if p.template != "" {
		system = p.template
	}
	var model string
	maxTokens := p.maxTokens
	if cfg != nil {
		if cfg.SystemPrompt != "" {
			system = cfg.SystemPrompt
		}
		model = cfg.Model
		if cfg.MaxRequestTokens > 0 {
			maxTokens = cfg.MaxRequestTokens
		}
	}

	var msgs []providers.Message
	for _, m := range history {
		switch m.Role {
		case store.RoleUser:
			msgs = append(msgs, providers.Message{Role: "user", Content: m.Content})
		case store.RoleAssistant:
			msgs = append(msgs, providers.Message{Role: "assistant", Content: m.Content})
		case store.RoleSystem:
			// Compaction summaries ride along in the system prompt.
			system = system + "\n\n" + m.Content
		}
	}

	return providers.ChatRequest{
		Model:     p.registry.Resolve(model),
		System:    system,
		Messages:  msgs,
		MaxTokens: maxTokens,
	}, nil
}

// invoke streams the model response, dropping empty chunks.
func (p *Pipeline) invoke(ctx context.Context, req providers.ChatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.modelTimeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "pipeline.model_call",
		trace.WithAttributes(attribute.String("model.id", req.Model)))
	defer span.End()

	var sb strings.Builder
	err := p.registry.Provider().ChatStream(ctx, req, func(chunk providers.StreamChunk) error {
		if chunk.Done || chunk.Text == "" {
			return nil
		}
		sb.WriteString(chunk.Text)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (p *Pipeline) fail(ctx context.Context, span trace.Span, agentID, principal string, start time.Time, err error) *Outcome {
	p.logger.Error("pipeline failure", "agent", agentID, "principal", principal, "error", err)
	span.RecordError(err)

	p.audit.Record(ctx, store.AuditEntry{
		Actor:      principal,
		Action:     store.AuditPipelineFailed,
		TargetType: "session",
		Detail:     map[string]any{"agent": agentID, "error": err.Error()},
	})
	return &Outcome{Content: fallbackMessage, Fallback: true, Latency: time.Since(start)}
}
