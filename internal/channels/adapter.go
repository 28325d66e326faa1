// Package channels defines the adapter contract every chat surface
// implements, plus the shared delivery helpers (chunking, rate limiting).
package channels

import (
	"context"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

// Adapter is one chat surface. Subscribe may be called again after a fatal
// stream error; the router wraps it in a capped-backoff retry loop.
type Adapter interface {
	ChannelType() string

	// Subscribe connects to the surface and returns its inbound stream.
	// The stream closes when the connection dies; it is not replayable.
	Subscribe(ctx context.Context) (*bus.Stream, error)

	Send(ctx context.Context, msg bus.OutboundMessage) error
	SendTyping(ctx context.Context, conversationID string) error

	// Capabilities, fixed per surface.
	SupportsThreading() bool
	SupportsReactions() bool
	// MaxMessageLength caps one outbound send; 0 means unlimited.
	MaxMessageLength() int

	// AuthenticatedUpstream reports that the surface performs its own
	// authentication, so the external user id is already a principal and
	// identity mapping is skipped.
	AuthenticatedUpstream() bool

	Close() error
}
