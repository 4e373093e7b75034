package telegram

import (
	"testing"

	tgmodels "github.com/go-telegram/bot/models"

	"github.com/moltisdev/moltis/internal/models"
)

func TestNewAdapterIdentity(t *testing.T) {
	a := NewAdapter(Config{AccountID: "ops"})
	if a.Name() != "telegram:ops" {
		t.Errorf("Name() = %q", a.Name())
	}
	if a.ChannelType() != models.ChannelTelegram {
		t.Errorf("ChannelType() = %q", a.ChannelType())
	}
	if a.Status().Connected {
		t.Error("expected a fresh adapter to report disconnected")
	}
}

func TestConvertMessageDirect(t *testing.T) {
	msg := &tgmodels.Message{
		ID:   42,
		Date: 1700000000,
		Chat: tgmodels.Chat{ID: 100, Type: "private"},
		From: &tgmodels.User{ID: 7, FirstName: "Ada", LastName: "Lovelace", Username: "ada"},
		Text: "hello there",
	}
	out := convertMessage("ops", msg, nil)
	if out.ChannelType != models.ChannelTelegram {
		t.Errorf("ChannelType = %q", out.ChannelType)
	}
	if out.ChatType != "dm" {
		t.Errorf("expected private chat to map to dm, got %q", out.ChatType)
	}
	if out.PeerID != "7" {
		t.Errorf("PeerID = %q", out.PeerID)
	}
	if out.Username != "ada" {
		t.Errorf("Username = %q", out.Username)
	}
	if out.SenderName != "Ada Lovelace" {
		t.Errorf("SenderName = %q", out.SenderName)
	}
	if out.ChatID != "100" {
		t.Errorf("ChatID = %q", out.ChatID)
	}
}

func TestConvertMessageGroupChat(t *testing.T) {
	msg := &tgmodels.Message{
		ID:   1,
		Chat: tgmodels.Chat{ID: 200, Type: "supergroup"},
		Text: "hi all",
	}
	out := convertMessage("ops", msg, nil)
	if out.ChatType != "group" {
		t.Errorf("expected supergroup to map to group, got %q", out.ChatType)
	}
	if out.PeerID != "" {
		t.Errorf("expected empty peer id with no From, got %q", out.PeerID)
	}
}

func TestUsernameOfHandlesNilFrom(t *testing.T) {
	if got := usernameOf(&tgmodels.Message{}); got != "" {
		t.Errorf("expected empty username for nil From, got %q", got)
	}
}
