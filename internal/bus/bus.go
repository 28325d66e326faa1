// Package bus carries messages between channel adapters and the router.
//
// Each adapter publishes into its own bounded stream; the router consumes each
// stream independently so one slow channel never blocks another. Overflow
// policy is per-stream: block the producer (default) or drop the oldest
// buffered message.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// OverflowPolicy controls what happens when a stream's buffer is full.
type OverflowPolicy int

const (
	// BlockProducer makes Publish wait until the consumer drains a slot.
	BlockProducer OverflowPolicy = iota
	// DropOldest evicts the oldest buffered message to make room.
	DropOldest
)

const defaultStreamBuffer = 256

// Stream is a bounded FIFO of inbound messages for a single adapter.
type Stream struct {
	name   string
	ch     chan InboundMessage
	policy OverflowPolicy
	mu     sync.Mutex // serializes DropOldest eviction with Publish
}

// NewStream creates a bounded stream. size <= 0 uses the default buffer.
func NewStream(name string, size int, policy OverflowPolicy) *Stream {
	if size <= 0 {
		size = defaultStreamBuffer
	}
	return &Stream{
		name:   name,
		ch:     make(chan InboundMessage, size),
		policy: policy,
	}
}

// Publish enqueues a message according to the stream's overflow policy.
// Returns false if ctx was cancelled before the message was accepted.
func (s *Stream) Publish(ctx context.Context, msg InboundMessage) bool {
	if s.policy == BlockProducer {
		select {
		case s.ch <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- msg:
			return true
		default:
		}
		select {
		case dropped := <-s.ch:
			slog.Warn("stream buffer full, dropping oldest message",
				"stream", s.name,
				"conversation", dropped.ConversationID,
			)
		default:
		}
	}
}

// Recv blocks until a message is available or ctx is cancelled.
func (s *Stream) Recv(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-s.ch:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// Len reports the number of buffered messages.
func (s *Stream) Len() int { return len(s.ch) }
