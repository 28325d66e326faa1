// Package gateway is the HTTP front of chatrelay: the synchronous chat API,
// the webchat websocket mount, the webhook surface, and the operator
// endpoints for identity approval.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/agent"
	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/identity"
	"github.com/nextlevelbuilder/chatrelay/internal/router"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// Server exposes the HTTP surfaces of the gateway.
type Server struct {
	cfg      *config.Config
	pipeline *agent.Pipeline
	identity *identity.Resolver
	bindings *router.BindingTable
	limiter  *channels.RateLimiter

	// optional mounts
	webchatHandler http.Handler
	webhookHandler http.Handler

	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

func NewServer(cfg *config.Config, pipeline *agent.Pipeline, resolver *identity.Resolver,
	bindings *router.BindingTable, limiter *channels.RateLimiter) *Server {

	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		identity: resolver,
		bindings: bindings,
		limiter:  limiter,
		logger:   slog.Default().With("component", "gateway"),
	}
}

// MountWebchat attaches the webchat websocket handler at /ws.
func (s *Server) MountWebchat(h http.Handler) { s.webchatHandler = h }

// MountWebhook attaches the webhook inbound handler at /v1/webhook.
func (s *Server) MountWebhook(h http.Handler) { s.webhookHandler = h }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat", s.auth(s.handleChat))
	mux.HandleFunc("GET /v1/identity/pending", s.auth(s.handlePendingMappings))
	mux.HandleFunc("POST /v1/identity/approve", s.auth(s.handleApproveMapping))

	if s.webchatHandler != nil {
		mux.Handle("/ws", s.webchatHandler)
	}
	if s.webhookHandler != nil {
		mux.Handle("POST /v1/webhook", s.authMiddleware(s.webhookHandler))
	}

	s.mux = mux
	return mux
}

// Start serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized checks the bearer token. An empty configured token disables
// auth (dev mode).
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Gateway.Token == "" {
		return true
	}
	return extractBearerToken(r) == s.cfg.Gateway.Token
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type chatResponse struct {
	Content        string `json:"content"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

// handleChat is the synchronous API surface. The caller is authenticated
// upstream, so the X-User header is the principal directly; each principal
// gets its own API-scoped session regardless of conversation id.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	principal := r.Header.Get("X-User")
	if principal == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "X-User header required"})
		return
	}

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}

	if ok, retry := s.limiter.Allow(principal); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = "api-" + uuid.NewString()
	}

	msg := bus.InboundMessage{
		ChannelType:    sessions.APIChannel,
		ExternalUserID: principal,
		ConversationID: conversationID,
		Content:        req.Content,
		ReceivedAt:     time.Now().UTC(),
	}
	agentID, _ := s.bindings.Resolve(&msg)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Gateway.ChatTimeout.Duration)
	defer cancel()

	outcome := s.pipeline.Process(ctx, agentID, principal, &msg)
	if outcome.Rejected != nil {
		// The filter name and reason stay server-side.
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "message rejected"})
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Content:        outcome.Content,
		SessionID:      outcome.SessionID,
		ConversationID: conversationID,
	})
}

type pendingMapping struct {
	ID             string    `json:"id"`
	ChannelType    string    `json:"channel_type"`
	ExternalUserID string    `json:"external_user_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Server) handlePendingMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.identity.ListPending(r.Context())
	if err != nil {
		s.logger.Error("listing pending mappings", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	out := make([]pendingMapping, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, pendingMapping{
			ID:             m.ID.String(),
			ChannelType:    m.ChannelType,
			ExternalUserID: m.ExternalUserID,
			DisplayName:    m.DisplayName,
			CreatedAt:      m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

type approveRequest struct {
	MappingID string `json:"mapping_id"`
	Principal string `json:"principal"`
	Approver  string `json:"approver"`
}

func (s *Server) handleApproveMapping(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	mappingID, err := uuid.Parse(req.MappingID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mapping_id must be a UUID"})
		return
	}
	approver := req.Approver
	if approver == "" {
		approver = "operator"
	}

	if req.Principal == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "principal is required"})
		return
	}

	m, err := s.identity.Approve(r.Context(), mappingID, approver, req.Principal)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "mapping not found"})
			return
		}
		s.logger.Error("approving mapping", "mapping_id", mappingID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":        m.ID.String(),
		"principal": m.Principal,
		"status":    "approved",
	})
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
