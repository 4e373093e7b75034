package whatsapp

import (
	"testing"

	"github.com/moltisdev/moltis/internal/models"
)

func TestNewAdapterIdentity(t *testing.T) {
	a := NewAdapter(Config{AccountID: "ops"})
	if a.Name() != "whatsapp:ops" {
		t.Errorf("Name() = %q", a.Name())
	}
	if a.ChannelType() != models.ChannelWhatsApp {
		t.Errorf("ChannelType() = %q", a.ChannelType())
	}
	if a.Status().Connected {
		t.Error("expected a fresh adapter to report disconnected")
	}
}

func TestHasMentionWithNoClientIsFalse(t *testing.T) {
	if hasMention(nil, nil) {
		t.Error("expected hasMention to be false with a nil client")
	}
}
