package discord

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

func newTestAdapter() *Adapter {
	return &Adapter{
		stream:      bus.NewStream(ChannelType, 8, bus.DropOldest),
		groupMarker: "group:",
		logger:      slog.Default(),
	}
}

func recvOne(t *testing.T, s *bus.Stream) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := s.Recv(ctx)
	if !ok {
		t.Fatal("no message published")
	}
	return msg
}

func messageCreate(guildID, channelID, authorID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		GuildID:   guildID,
		ChannelID: channelID,
		Author:    &discordgo.User{ID: authorID},
		Content:   content,
	}}
}

func TestGuildMessageGetsGroupConversation(t *testing.T) {
	a := newTestAdapter()
	session := &discordgo.Session{State: discordgo.NewState()}

	a.onMessageCreate(session, messageCreate("guild-1", "chan-1", "user-1", "hello"))

	msg := recvOne(t, a.stream)
	if msg.ConversationID != "group:chan-1" {
		t.Errorf("ConversationID = %q, want %q", msg.ConversationID, "group:chan-1")
	}
	if msg.Metadata[bus.MetaIsDM] != "false" {
		t.Errorf("MetaIsDM = %q, want false", msg.Metadata[bus.MetaIsDM])
	}
}

func TestDirectMessageKeepsChannelID(t *testing.T) {
	a := newTestAdapter()
	session := &discordgo.Session{State: discordgo.NewState()}

	a.onMessageCreate(session, messageCreate("", "dm-chan", "user-1", "hello"))

	msg := recvOne(t, a.stream)
	if msg.ConversationID != "dm-chan" {
		t.Errorf("ConversationID = %q, want %q", msg.ConversationID, "dm-chan")
	}
	if msg.Metadata[bus.MetaIsDM] != "true" {
		t.Errorf("MetaIsDM = %q, want true", msg.Metadata[bus.MetaIsDM])
	}
}

func TestOwnAndEmptyMessagesSkipped(t *testing.T) {
	a := newTestAdapter()
	session := &discordgo.Session{State: discordgo.NewState()}
	session.State.User = &discordgo.User{ID: "bot-1"}

	a.onMessageCreate(session, messageCreate("guild-1", "chan-1", "bot-1", "own message"))
	a.onMessageCreate(session, messageCreate("guild-1", "chan-1", "user-1", ""))

	if got := a.stream.Len(); got != 0 {
		t.Errorf("stream has %d messages, want 0", got)
	}
}

func TestPlatformChannelID(t *testing.T) {
	a := newTestAdapter()

	tests := []struct {
		in, want string
	}{
		{"group:chan-1", "chan-1"},
		{"dm-chan", "dm-chan"},
	}
	for _, tt := range tests {
		if got := a.platformChannelID(tt.in); got != tt.want {
			t.Errorf("platformChannelID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
