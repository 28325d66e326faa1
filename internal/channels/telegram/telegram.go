// Package telegram adapts Telegram via long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

const (
	ChannelType = "telegram"

	// Telegram caps message text at 4096 characters.
	maxMessageLength = 4096
)

type Adapter struct {
	bot         *telego.Bot
	stream      *bus.Stream
	groupMarker string
	username    string
	cancel      context.CancelFunc
	logger      *slog.Logger
}

func New(token, groupMarker string) (*Adapter, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return &Adapter{
		bot:         bot,
		stream:      bus.NewStream(ChannelType, 256, bus.DropOldest),
		groupMarker: groupMarker,
		logger:      slog.Default().With("component", "telegram"),
	}, nil
}

func (a *Adapter) ChannelType() string         { return ChannelType }
func (a *Adapter) SupportsThreading() bool     { return true }
func (a *Adapter) SupportsReactions() bool     { return false }
func (a *Adapter) MaxMessageLength() int       { return maxMessageLength }
func (a *Adapter) AuthenticatedUpstream() bool { return false }

func (a *Adapter) Subscribe(ctx context.Context) (*bus.Stream, error) {
	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching bot identity: %w", err)
	}
	a.username = me.Username

	pollCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("starting long polling: %w", err)
	}

	go func() {
		for update := range updates {
			a.handleUpdate(pollCtx, update)
		}
	}()

	a.logger.Info("telegram connected", "username", a.username)
	return a.stream, nil
}

func (a *Adapter) handleUpdate(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}

	isDM := msg.Chat.Type == "private"
	mentioned := a.username != "" && strings.Contains(msg.Text, "@"+a.username)

	var threadID string
	if msg.MessageThreadID != 0 {
		threadID = strconv.Itoa(msg.MessageThreadID)
	}

	// Group and supergroup chats share one session per chat.
	conversationID := strconv.FormatInt(msg.Chat.ID, 10)
	if msg.Chat.Type == "group" || msg.Chat.Type == "supergroup" {
		conversationID = a.groupMarker + conversationID
	}

	a.stream.Publish(ctx, bus.InboundMessage{
		ChannelType:    ChannelType,
		ExternalUserID: strconv.FormatInt(msg.From.ID, 10),
		ConversationID: conversationID,
		ThreadID:       threadID,
		Content:        msg.Text,
		Metadata: map[string]string{
			bus.MetaMentioned: fmt.Sprintf("%t", mentioned),
			bus.MetaIsDM:      fmt.Sprintf("%t", isDM),
			bus.MetaMessageID: strconv.Itoa(msg.MessageID),
		},
		ReceivedAt: time.Now().UTC(),
	})
}

// platformChatID strips the group marker back off and parses the numeric
// chat id Telegram expects.
func (a *Adapter) platformChatID(conversationID string) (int64, error) {
	if a.groupMarker != "" {
		conversationID = strings.TrimPrefix(conversationID, a.groupMarker)
	}
	return strconv.ParseInt(conversationID, 10, 64)
}

func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := a.platformChatID(msg.ConversationID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ConversationID, err)
	}

	params := &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   msg.Content,
	}
	if msg.ThreadID != "" {
		if threadID, err := strconv.Atoi(msg.ThreadID); err == nil {
			params.MessageThreadID = threadID
		}
	}

	if _, err := a.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("sending to telegram chat %d: %w", chatID, err)
	}
	return nil
}

func (a *Adapter) SendTyping(ctx context.Context, conversationID string) error {
	chatID, err := a.platformChatID(conversationID)
	if err != nil {
		return nil
	}
	return a.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: telego.ChatID{ID: chatID},
		Action: telego.ChatActionTyping,
	})
}

func (a *Adapter) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}
