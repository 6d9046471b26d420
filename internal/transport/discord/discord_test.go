package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	logx "bnoobot/pkg/logx"
)

func msg(authorID string, bot bool, channelID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "900",
		ChannelID: channelID,
		GuildID:   "42",
		Content:   content,
		Author:    &discordgo.User{ID: authorID, Username: "ana", Bot: bot},
	}}
}

func TestToUpdate(t *testing.T) {
	t.Parallel()
	up, ok := toUpdate(msg("111", false, "1234567890123456789", "!schedule Raid 60"), "999")
	if !ok {
		t.Fatal("toUpdate rejected a user message")
	}
	m := up.Message
	if m.ChatID != 1234567890123456789 || m.FromID != 111 || m.FromName != "ana" || m.GuildID != "42" || m.Text != "!schedule Raid 60" {
		t.Fatalf("message = %+v", m)
	}
}

func TestToUpdateIgnores(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		m    *discordgo.MessageCreate
	}{
		{name: "nil", m: nil},
		{name: "bot author", m: msg("111", true, "1", "hi")},
		{name: "self", m: msg("999", false, "1", "hi")},
		{name: "bad channel", m: msg("111", false, "abc", "hi")},
	}
	for _, tt := range tests {
		if _, ok := toUpdate(tt.m, "999"); ok {
			t.Fatalf("%s: accepted", tt.name)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: " "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
	a, err := New(Config{Token: "abc"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Name() != "discord" {
		t.Fatalf("Name = %q", a.Name())
	}
	if a.session.Identify.Intents&discordgo.IntentMessageContent == 0 {
		t.Fatal("message content intent not requested")
	}
}
