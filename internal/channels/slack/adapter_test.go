package slack

import (
	"testing"
	"time"

	"github.com/moltisdev/moltis/internal/models"
)

func TestNewAdapterIdentity(t *testing.T) {
	a := NewAdapter(Config{AccountID: "ops"})
	if a.Name() != "slack:ops" {
		t.Errorf("Name() = %q", a.Name())
	}
	if a.ChannelType() != models.ChannelSlack {
		t.Errorf("ChannelType() = %q", a.ChannelType())
	}
}

func TestStripMentions(t *testing.T) {
	cases := map[string]string{
		"hey <@U123> can you help":        "hey  can you help",
		"no mentions here":                "no mentions here",
		"<@U1><@U2> both gone":            "both gone",
		"unterminated <@U1 stays as-is":   "unterminated <@U1 stays as-is",
	}
	for in, want := range cases {
		if got := stripMentions(in); got != want {
			t.Errorf("stripMentions(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDispatchMessageClassifiesDMByChannelPrefix(t *testing.T) {
	a := NewAdapter(Config{AccountID: "ops"})
	a.dispatchMessage("D12345", "U1", "hi <@U1>", "1.0", false)

	select {
	case msg := <-a.messages:
		if msg.ChatType != "dm" {
			t.Errorf("expected dm chat type for D-prefixed channel, got %q", msg.ChatType)
		}
		if msg.Text != "hi" {
			t.Errorf("expected mentions stripped, got %q", msg.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a message on the channel")
	}
}

func TestDispatchMessageClassifiesGroupByChannelPrefix(t *testing.T) {
	a := NewAdapter(Config{AccountID: "ops"})
	a.dispatchMessage("C12345", "U1", "hello", "1.0", true)

	select {
	case msg := <-a.messages:
		if msg.ChatType != "group" {
			t.Errorf("expected group chat type for C-prefixed channel, got %q", msg.ChatType)
		}
		if !msg.Mentioned {
			t.Error("expected Mentioned to propagate")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a message on the channel")
	}
}
