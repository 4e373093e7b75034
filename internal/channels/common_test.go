package channels

import (
	"testing"

	"github.com/moltisdev/moltis/internal/models"
)

func TestEvaluateAccessDM(t *testing.T) {
	cases := []struct {
		name   string
		policy models.ChannelPolicy
		allow  []string
		peerID string
		want   bool
	}{
		{"open allows anyone", models.PolicyOpen, nil, "p1", true},
		{"disabled denies everyone", models.PolicyDisabled, nil, "p1", false},
		{"allowlist empty denies everyone", models.PolicyAllowlist, nil, "p1", false},
		{"allowlist matches peer", models.PolicyAllowlist, []string{"p1"}, "p1", true},
		{"allowlist rejects non-member", models.PolicyAllowlist, []string{"p1"}, "p2", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			acc := &models.ChannelAccount{DMPolicy: tc.policy, UserAllowlist: tc.allow}
			msg := models.InboundMessage{ChatType: "dm", PeerID: tc.peerID}
			got := EvaluateAccess(acc, msg)
			if got.Allowed != tc.want {
				t.Fatalf("Allowed = %v, want %v", got.Allowed, tc.want)
			}
		})
	}
}

func TestEvaluateAccessGroupMention(t *testing.T) {
	acc := &models.ChannelAccount{GroupPolicy: models.PolicyOpen, MentionMode: models.MentionMention}
	mentioned := models.InboundMessage{ChatType: "group", ChatID: "g1", Mentioned: true}
	notMentioned := models.InboundMessage{ChatType: "group", ChatID: "g1", Mentioned: false}

	if !EvaluateAccess(acc, mentioned).Allowed {
		t.Fatal("expected mentioned message to be allowed")
	}
	if EvaluateAccess(acc, notMentioned).Allowed {
		t.Fatal("expected non-mentioned message to be denied")
	}
}

func TestEvaluateAccessGroupAllowlistDeniesUnlistedChannel(t *testing.T) {
	acc := &models.ChannelAccount{GroupPolicy: models.PolicyAllowlist, ChannelAllowlist: []string{"g1"}, MentionMode: models.MentionAlways}
	denied := models.InboundMessage{ChatType: "group", ChatID: "g2"}
	allowed := models.InboundMessage{ChatType: "group", ChatID: "g1"}

	if EvaluateAccess(acc, denied).Allowed {
		t.Fatal("expected unlisted group to be denied")
	}
	if !EvaluateAccess(acc, allowed).Allowed {
		t.Fatal("expected allowlisted group to be allowed")
	}
}

func TestParseSlashCommand(t *testing.T) {
	cmd, arg, ok := ParseSlashCommand("/model gpt-4o")
	if !ok || cmd != "model" || arg != "gpt-4o" {
		t.Fatalf("got cmd=%q arg=%q ok=%v", cmd, arg, ok)
	}
	if _, _, ok := ParseSlashCommand("/unknown-cmd"); ok {
		t.Fatal("expected unknown command to not parse as slash command")
	}
	if _, _, ok := ParseSlashCommand("hello"); ok {
		t.Fatal("expected plain text to not parse as slash command")
	}
}
