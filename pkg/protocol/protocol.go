// Package protocol defines the webchat websocket frame types shared by the
// server and clients.
package protocol

import "time"

const (
	FrameMessage = "message"
	FrameTyping  = "typing"
	FrameError   = "error"
)

// ClientFrame is what a webchat client sends.
type ClientFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// ServerFrame is what the gateway sends back.
type ServerFrame struct {
	Type      string    `json:"type"`
	Content   string    `json:"content,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
