// Package providers abstracts the language-model backend behind a small
// streaming client interface.
package providers

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition is the model-facing description of a callable tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type ChatRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

type ChatResponse struct {
	Content      string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// StreamChunk is one text delta from a streaming response.
type StreamChunk struct {
	Text string
	Done bool
}

// Provider is a model backend. ChatStream calls fn for every chunk; fn
// returning an error cancels the stream.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, fn func(StreamChunk) error) error
}
