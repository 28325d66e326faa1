// Package webchat is the first-party web surface: a websocket endpoint
// whose users are authenticated upstream (reverse proxy or gateway auth),
// so their ids are used as principals directly.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

const ChannelType = "webchat"

type Adapter struct {
	stream    *bus.Stream
	maxLength int
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn // conversation id -> connection

	logger *slog.Logger
}

type conn struct {
	ws *websocket.Conn
	// gorilla allows one concurrent writer per connection
	writeMu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

func New(maxLength int) *Adapter {
	return &Adapter{
		stream:    bus.NewStream(ChannelType, 256, bus.BlockProducer),
		maxLength: maxLength,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth and origin policy sit in front of the gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*conn),
		logger: slog.Default().With("component", "webchat"),
	}
}

func (a *Adapter) ChannelType() string         { return ChannelType }
func (a *Adapter) SupportsThreading() bool     { return false }
func (a *Adapter) SupportsReactions() bool     { return false }
func (a *Adapter) MaxMessageLength() int       { return a.maxLength }
func (a *Adapter) AuthenticatedUpstream() bool { return true }

func (a *Adapter) Subscribe(_ context.Context) (*bus.Stream, error) {
	return a.stream, nil
}

// Handler upgrades websocket connections. The authenticated user id arrives
// in the X-User header (set by the auth layer in front); each connection
// gets its own conversation.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User")
		if userID == "" {
			userID = r.URL.Query().Get("user")
		}
		if userID == "" {
			http.Error(w, "missing user identity", http.StatusUnauthorized)
			return
		}

		ws, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			a.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		conversationID := "web-" + uuid.NewString()
		c := &conn{ws: ws}

		a.mu.Lock()
		a.conns[conversationID] = c
		a.mu.Unlock()

		a.logger.Info("webchat connected", "user", userID, "conversation", conversationID)
		a.readLoop(r.Context(), c, userID, conversationID)

		a.mu.Lock()
		delete(a.conns, conversationID)
		a.mu.Unlock()
		ws.Close()
		a.logger.Info("webchat disconnected", "conversation", conversationID)
	})
}

func (a *Adapter) readLoop(ctx context.Context, c *conn, userID, conversationID string) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Warn("webchat read error", "conversation", conversationID, "error", err)
			}
			return
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = c.writeJSON(protocol.ServerFrame{
				Type: protocol.FrameError, Content: "malformed frame", Timestamp: time.Now().UTC(),
			})
			continue
		}
		if frame.Type != protocol.FrameMessage || frame.Content == "" {
			continue
		}

		ok := a.stream.Publish(ctx, bus.InboundMessage{
			ChannelType:    ChannelType,
			ExternalUserID: userID,
			ConversationID: conversationID,
			ThreadID:       frame.ThreadID,
			Content:        frame.Content,
			ReceivedAt:     time.Now().UTC(),
		})
		if !ok {
			return
		}
	}
}

func (a *Adapter) Send(_ context.Context, msg bus.OutboundMessage) error {
	a.mu.RLock()
	c, ok := a.conns[msg.ConversationID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("webchat conversation %s is not connected", msg.ConversationID)
	}
	return c.writeJSON(protocol.ServerFrame{
		Type:      protocol.FrameMessage,
		Content:   msg.Content,
		ThreadID:  msg.ThreadID,
		Timestamp: time.Now().UTC(),
	})
}

func (a *Adapter) SendTyping(_ context.Context, conversationID string) error {
	a.mu.RLock()
	c, ok := a.conns[conversationID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.writeJSON(protocol.ServerFrame{Type: protocol.FrameTyping, Timestamp: time.Now().UTC()})
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, c := range a.conns {
		c.ws.Close()
		delete(a.conns, id)
	}
	return nil
}
