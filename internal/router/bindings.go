package router

import (
	"slices"
	"sync"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

// DefaultAgentID is the reserved fallback when no binding matches.
const DefaultAgentID = "default"

// Activation modes. Anything unrecognized passes, fail-open.
const (
	ActivationAlways  = "ALWAYS"
	ActivationMention = "MENTION"
	ActivationDM      = "DM"
)

// BindingTable maps inbound messages to agents. Read-mostly; Swap supports
// config hot reload.
type BindingTable struct {
	mu       sync.RWMutex
	bindings []config.Binding
}

func NewBindingTable(bindings []config.Binding) *BindingTable {
	return &BindingTable{bindings: bindings}
}

func (t *BindingTable) Swap(bindings []config.Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings = bindings
}

// Resolve returns the bound agent and activation mode for a message. A
// binding constrains by channel, optionally by workspace metadata, and
// optionally by an explicit conversation list; first match wins.
func (t *BindingTable) Resolve(msg *bus.InboundMessage) (agentID, activation string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, b := range t.bindings {
		if b.Channel != msg.ChannelType {
			continue
		}
		if b.Workspace != "" && b.Workspace != msg.Meta(bus.MetaWorkspace) {
			continue
		}
		if len(b.Conversations) > 0 && !slices.Contains(b.Conversations, msg.ConversationID) {
			continue
		}
		return b.AgentID, b.Activation
	}
	return DefaultAgentID, ""
}

// Activated applies the binding's activation mode to a message.
func Activated(mode string, msg *bus.InboundMessage) bool {
	switch mode {
	case ActivationMention:
		return msg.MetaBool(bus.MetaMentioned)
	case ActivationDM:
		return msg.MetaBool(bus.MetaIsDM)
	default:
		// ALWAYS, empty, and unknown modes all pass.
		return true
	}
}
