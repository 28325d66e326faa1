// Package webhook is the voice-of-channel surface: external systems POST
// messages in, and replies are pushed back to a per-message callback URL.
// Callers are authenticated upstream (the gateway token), so the external
// user id is used as the principal directly.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

const ChannelType = "webhook"

// metaCallbackURL carries the reply target through message metadata.
const metaCallbackURL = "callback_url"

type Adapter struct {
	stream *bus.Stream
	client *http.Client
	logger *slog.Logger

	mu        sync.RWMutex
	callbacks map[string]string // conversation id -> last callback URL
}

func New() *Adapter {
	return &Adapter{
		stream:    bus.NewStream(ChannelType, 256, bus.BlockProducer),
		client:    &http.Client{Timeout: 15 * time.Second},
		callbacks: make(map[string]string),
		logger:    slog.Default().With("component", "webhook"),
	}
}

func (a *Adapter) ChannelType() string         { return ChannelType }
func (a *Adapter) SupportsThreading() bool     { return false }
func (a *Adapter) SupportsReactions() bool     { return false }
func (a *Adapter) MaxMessageLength() int       { return 0 }
func (a *Adapter) AuthenticatedUpstream() bool { return true }

func (a *Adapter) Subscribe(_ context.Context) (*bus.Stream, error) {
	return a.stream, nil
}

type inboundPayload struct {
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id"`
	Content        string            `json:"content"`
	CallbackURL    string            `json:"callback_url,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Handler accepts inbound webhook posts and feeds them to the stream.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p inboundPayload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&p); err != nil {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		if p.UserID == "" || p.ConversationID == "" || p.Content == "" {
			http.Error(w, "user_id, conversation_id and content are required", http.StatusBadRequest)
			return
		}

		if p.CallbackURL != "" {
			a.mu.Lock()
			a.callbacks[p.ConversationID] = p.CallbackURL
			a.mu.Unlock()
		}

		meta := p.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		meta[metaCallbackURL] = p.CallbackURL

		ok := a.stream.Publish(r.Context(), bus.InboundMessage{
			ChannelType:    ChannelType,
			ExternalUserID: p.UserID,
			ConversationID: p.ConversationID,
			Content:        p.Content,
			Metadata:       meta,
			ReceivedAt:     time.Now().UTC(),
		})
		if !ok {
			http.Error(w, "gateway shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// Send posts the reply to the conversation's last known callback URL.
// Conversations that never supplied a callback are reply-less by design of
// the caller; the reply is dropped with a log line.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	a.mu.RLock()
	url := a.callbacks[msg.ConversationID]
	a.mu.RUnlock()
	if url == "" {
		a.logger.Info("no callback url, dropping reply", "conversation", msg.ConversationID)
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"conversation_id": msg.ConversationID,
		"content":         msg.Content,
	})
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}

func (a *Adapter) SendTyping(context.Context, string) error { return nil }

func (a *Adapter) Close() error { return nil }
