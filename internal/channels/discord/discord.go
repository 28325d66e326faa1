// Package discord adapts Discord to the channel contract. The heavy lifting
// lives in discordgo; this layer only translates events into the internal
// message types.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

const (
	ChannelType = "discord"

	// Discord caps message content at 2000 characters.
	maxMessageLength = 2000
)

type Adapter struct {
	session     *discordgo.Session
	stream      *bus.Stream
	groupMarker string
	register    sync.Once
	logger      *slog.Logger
}

func New(token, groupMarker string) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Adapter{
		session:     session,
		stream:      bus.NewStream(ChannelType, 256, bus.DropOldest),
		groupMarker: groupMarker,
		logger:      slog.Default().With("component", "discord"),
	}, nil
}

func (a *Adapter) ChannelType() string         { return ChannelType }
func (a *Adapter) SupportsThreading() bool     { return true }
func (a *Adapter) SupportsReactions() bool     { return true }
func (a *Adapter) MaxMessageLength() int       { return maxMessageLength }
func (a *Adapter) AuthenticatedUpstream() bool { return false }

// Subscribe may be called again after a failed Open; the handler must only
// ever be registered once or each message would be published per attempt.
func (a *Adapter) Subscribe(ctx context.Context) (*bus.Stream, error) {
	a.register.Do(func() {
		a.session.AddHandler(a.onMessageCreate)
	})

	if err := a.session.Open(); err != nil {
		return nil, fmt.Errorf("opening discord gateway: %w", err)
	}
	a.logger.Info("discord connected")
	return a.stream, nil
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if m.Content == "" {
		return
	}

	mentioned := false
	if s.State.User != nil {
		for _, u := range m.Mentions {
			if u.ID == s.State.User.ID {
				mentioned = true
				break
			}
		}
	}

	// Guild channels are group conversations; DMs have no guild.
	conversationID := m.ChannelID
	if m.GuildID != "" {
		conversationID = a.groupMarker + m.ChannelID
	}

	a.stream.Publish(context.Background(), bus.InboundMessage{
		ChannelType:    ChannelType,
		ExternalUserID: m.Author.ID,
		ConversationID: conversationID,
		Content:        m.Content,
		Metadata: map[string]string{
			bus.MetaMentioned: fmt.Sprintf("%t", mentioned),
			bus.MetaIsDM:      fmt.Sprintf("%t", m.GuildID == ""),
			bus.MetaWorkspace: m.GuildID,
			bus.MetaMessageID: m.ID,
		},
		ReceivedAt: time.Now().UTC(),
	})
}

// platformChannelID strips the group marker back off before a conversation
// id is handed to the Discord API.
func (a *Adapter) platformChannelID(conversationID string) string {
	if a.groupMarker == "" {
		return conversationID
	}
	return strings.TrimPrefix(conversationID, a.groupMarker)
}

func (a *Adapter) Send(_ context.Context, msg bus.OutboundMessage) error {
	channelID := a.platformChannelID(msg.ConversationID)

	var err error
	if msg.ThreadID != "" {
		_, err = a.session.ChannelMessageSendReply(channelID, msg.Content, &discordgo.MessageReference{
			MessageID: msg.ThreadID,
			ChannelID: channelID,
		})
	} else {
		_, err = a.session.ChannelMessageSend(channelID, msg.Content)
	}
	if err != nil {
		return fmt.Errorf("sending to discord channel %s: %w", channelID, err)
	}
	return nil
}

func (a *Adapter) SendTyping(_ context.Context, conversationID string) error {
	return a.session.ChannelTyping(a.platformChannelID(conversationID))
}

func (a *Adapter) Close() error {
	return a.session.Close()
}
