// Package filters implements the inbound content safety gate: an ordered
// chain of independent checks evaluated fail-fast before any model call.
package filters

import (
	"log/slog"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

// Context carries the resolved attribution for the message under evaluation.
type Context struct {
	AgentID     string
	Principal   string
	ChannelType string
}

// Result is a filter verdict.
type Result struct {
	Passed bool
	Reason string
}

func Pass() Result { return Result{Passed: true} }

func Reject(reason string) Result { return Result{Passed: false, Reason: reason} }

// Rejection identifies which filter stopped a message and why. It is a
// value, not an error; the pipeline translates it to a drop-with-audit.
type Rejection struct {
	Filter string
	Reason string
}

// Filter is one independent check in the chain. Filters may rewrite the
// message content in place (the sanitizer strips control characters).
type Filter interface {
	Name() string
	Filter(msg *bus.InboundMessage, fctx Context) Result
}

// Chain evaluates filters strictly in registration order and stops at the
// first rejection. A message matching several filters is attributed only to
// the earliest one.
type Chain struct {
	filters []Filter
	logger  *slog.Logger
}

func NewChain(filters ...Filter) *Chain {
	return &Chain{
		filters: filters,
		logger:  slog.Default().With("component", "filters"),
	}
}

// DefaultChain builds the canonical chain in its fixed priority order.
func DefaultChain(maxLength int) *Chain {
	return NewChain(
		NewSanitizer(),
		NewPatternDetector(),
		NewLengthEnforcer(maxLength),
		NewInstructionDetector(),
		NewEgressGuard(),
	)
}

// Evaluate runs the chain. The second return is false when a filter
// rejected the message.
func (c *Chain) Evaluate(msg *bus.InboundMessage, fctx Context) (*Rejection, bool) {
	for _, f := range c.filters {
		res := f.Filter(msg, fctx)
		if !res.Passed {
			c.logger.Info("message rejected",
				"filter", f.Name(), "reason", res.Reason,
				"channel", msg.ChannelType, "principal", fctx.Principal)
			return &Rejection{Filter: f.Name(), Reason: res.Reason}, false
		}
	}
	return nil, true
}

// Names returns the chain's filters in evaluation order.
func (c *Chain) Names() []string {
	out := make([]string, len(c.filters))
	for i, f := range c.filters {
		out[i] = f.Name()
	}
	return out
}
