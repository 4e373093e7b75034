package discord

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/moltisdev/moltis/internal/models"
)

func TestNewAdapterIdentity(t *testing.T) {
	a := NewAdapter(Config{AccountID: "ops"})
	if a.Name() != "discord:ops" {
		t.Errorf("Name() = %q", a.Name())
	}
	if a.ChannelType() != models.ChannelDiscord {
		t.Errorf("ChannelType() = %q", a.ChannelType())
	}
}

func TestHandleMessageCreateIgnoresBotAuthors(t *testing.T) {
	a := NewAdapter(Config{AccountID: "ops"})
	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		Content:   "bot chatter",
		Author:    &discordgo.User{ID: "bot1", Username: "botty", Bot: true},
	}})

	select {
	case msg := <-a.messages:
		t.Fatalf("expected bot message to be ignored, got %+v", msg)
	default:
	}
}

func TestHandleMessageCreateNormalizesUserMessage(t *testing.T) {
	a := NewAdapter(Config{AccountID: "ops"})
	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m2",
		ChannelID: "c2",
		GuildID:   "g1",
		Content:   "hello",
		Author:    &discordgo.User{ID: "u1", Username: "ada"},
	}})

	select {
	case msg := <-a.messages:
		if msg.ChatType != "group" {
			t.Errorf("expected group chat type with GuildID set, got %q", msg.ChatType)
		}
		if msg.PeerID != "u1" || msg.Username != "ada" {
			t.Errorf("unexpected sender fields: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a normalized message")
	}
}

func TestHandleMessageCreateDMHasNoGuildID(t *testing.T) {
	a := NewAdapter(Config{AccountID: "ops"})
	a.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m3",
		ChannelID: "c3",
		Content:   "dm",
		Author:    &discordgo.User{ID: "u2", Username: "grace"},
	}})

	select {
	case msg := <-a.messages:
		if msg.ChatType != "dm" {
			t.Errorf("expected dm chat type with no GuildID, got %q", msg.ChatType)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a normalized message")
	}
}
