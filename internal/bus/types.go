package bus

import "time"

// InboundMessage is a message received from a channel surface
// (Discord, Telegram, webchat, webhook, sync API).
type InboundMessage struct {
	ChannelType    string            `json:"channel_type"`
	ExternalUserID string            `json:"external_user_id"`
	ConversationID string            `json:"conversation_id"`
	ThreadID       string            `json:"thread_id,omitempty"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
}

// Meta returns a metadata value, tolerating a nil map.
func (m InboundMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// MetaBool reports whether a metadata flag is set to "true".
func (m InboundMessage) MetaBool(key string) bool {
	return m.Meta(key) == "true"
}

// OutboundMessage is a response to be delivered to a channel surface.
type OutboundMessage struct {
	ChannelType    string            `json:"channel_type"`
	ConversationID string            `json:"conversation_id"`
	ThreadID       string            `json:"thread_id,omitempty"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Well-known metadata keys set by channel adapters.
const (
	MetaMentioned = "mentioned" // "true" when the bot was @-mentioned
	MetaIsDM      = "is_dm"     // "true" for direct messages
	MetaWorkspace = "workspace" // workspace/guild/team identifier
	MetaMessageID = "message_id"
	MetaReplyTo   = "reply_to_message_id"
)
