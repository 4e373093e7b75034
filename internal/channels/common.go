// Package channels defines the platform-agnostic contract every inbound
// messaging adapter (telegram, slack, discord, whatsapp) implements,
// the access-gating decision tree for DM/Group senders, and the OTP
// self-approval flow for non-allowlisted DM senders. The Adapter
// interface family and Status/Health shapes follow this module's
// gateway conventions; the policy decision tree is a DM/Group x
// Open/Allowlist/Disabled matrix with OTP self-approval standing in
// for an operator-approved pairing flow.
package channels

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/moltisdev/moltis/internal/models"
	"github.com/moltisdev/moltis/internal/store"
)

// Status reports one account's connection state.
type Status struct {
	Connected bool
	Error     string
	LastPing  time.Time
}

// HealthStatus is the richer probe result returned by HealthAdapter.
type HealthStatus struct {
	Healthy   bool
	Message   string
	Degraded  bool
	LastCheck time.Time
}

// Adapter is the minimum every platform integration implements: an
// identity and a liveness status.
type Adapter interface {
	Name() string
	ChannelType() models.ChannelType
	Status() Status
}

// LifecycleAdapter starts and stops the adapter's background connection
// (long-poll loop, socket-mode session, websocket, whatsmeow client).
type LifecycleAdapter interface {
	Adapter
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// InboundAdapter exposes a channel of normalized inbound messages.
type InboundAdapter interface {
	Adapter
	Messages() <-chan models.InboundMessage
}

// OutboundAdapter sends a reply back to a chat, threaded to the
// originating message where the platform supports it.
type OutboundAdapter interface {
	Adapter
	Send(ctx context.Context, chatID, replyToMessageID, text string) error
}

// HealthAdapter is implemented by adapters that can self-report a
// richer health probe than Status alone (used by /healthz).
type HealthAdapter interface {
	Adapter
	Health(ctx context.Context) HealthStatus
}

// FullAdapter is the complete contract satisfied by every concrete
// platform adapter in this package's subpackages.
type FullAdapter interface {
	LifecycleAdapter
	InboundAdapter
	OutboundAdapter
}

// Dispatcher is the channel ingress plane's seam into the agent turn
// executor: every adapter's inbound loop, once a
// message clears access gating, calls into one of these to reach the
// agent turn executor or the slash-command table, and threads the reply
// back out through the adapter's own Send.
type Dispatcher interface {
	DispatchToChat(ctx context.Context, sessionKey, text string, meta map[string]string) (string, error)
	DispatchToChatWithAttachments(ctx context.Context, sessionKey, text string, attachments []string, meta map[string]string) (string, error)
	DispatchCommand(ctx context.Context, sessionKey, command, arg string) (string, error)
}

// SlashCommands is the fixed set of commands that short-
// circuit to DispatchCommand without invoking the LLM.
var SlashCommands = map[string]struct{}{
	"new": {}, "clear": {}, "compact": {}, "context": {},
	"model": {}, "sessions": {}, "sandbox": {}, "help": {},
}

// ParseSlashCommand splits a leading "/cmd arg..." into its command and
// argument, reporting ok=false if text isn't a recognized slash command.
func ParseSlashCommand(text string) (cmd, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	fields := strings.SplitN(text[1:], " ", 2)
	cmd = strings.ToLower(fields[0])
	if _, known := SlashCommands[cmd]; !known {
		return "", "", false
	}
	if len(fields) > 1 {
		arg = strings.TrimSpace(fields[1])
	}
	return cmd, arg, true
}

// Decision is the access-gating outcome for one inbound message.
type Decision struct {
	Allowed    bool
	OfferOTP   bool // allowed=false but an OTP challenge should be (re)issued
	MentionGate bool
}

// EvaluateAccess runs the deterministic decision tree for one inbound
// message against its account's configured policy.
func EvaluateAccess(acc *models.ChannelAccount, msg models.InboundMessage) Decision {
	switch msg.ChatType {
	case "dm":
		switch acc.DMPolicy {
		case models.PolicyOpen:
			return Decision{Allowed: true}
		case models.PolicyAllowlist:
			if len(acc.UserAllowlist) > 0 && matchesAllowlist(acc.UserAllowlist, msg.PeerID, msg.Username) {
				return Decision{Allowed: true}
			}
			return Decision{Allowed: false, OfferOTP: true}
		default: // PolicyDisabled, or unset
			return Decision{Allowed: false}
		}
	default: // group or channel
		switch acc.GroupPolicy {
		case models.PolicyDisabled:
			return Decision{Allowed: false}
		case models.PolicyAllowlist:
			if !matchesAllowlist(acc.ChannelAllowlist, msg.ChatID, "") && !matchesAllowlist(acc.GroupAllowlist, msg.ChatID, "") {
				return Decision{Allowed: false}
			}
		case models.PolicyOpen:
			// falls through to the mention gate below
		default:
			return Decision{Allowed: false}
		}

		switch acc.MentionMode {
		case models.MentionAlways:
			return Decision{Allowed: true}
		case models.MentionMention:
			return Decision{Allowed: msg.Mentioned, MentionGate: true}
		default: // MentionNone, or unset
			return Decision{Allowed: false, MentionGate: true}
		}
	}
}

func matchesAllowlist(list []string, id, username string) bool {
	for _, entry := range list {
		if entry == "" {
			continue
		}
		if entry == id || (username != "" && strings.EqualFold(entry, username)) {
			return true
		}
	}
	return false
}

// OTPManager issues and verifies self-approval codes, persisting
// challenges via the OTP store so they survive
// a gateway restart.
type OTPManager struct {
	store    *store.OTPStore
	mu       sync.Mutex
	cooldown map[string]time.Time // channelType|accountID|peerID -> last issued
}

// NewOTPManager constructs an OTPManager over the given OTPStore.
func NewOTPManager(s *store.OTPStore) *OTPManager {
	return &OTPManager{store: s, cooldown: make(map[string]time.Time)}
}

const (
	otpExpiry    = 5 * time.Minute
	otpMaxTries  = 5
	otpCooldown  = 60 * time.Second
)

func otpKey(channelType models.ChannelType, accountID, peerID string) string {
	return fmt.Sprintf("%s|%s|%s", channelType, accountID, peerID)
}

// Issue creates (or refreshes, subject to cooldown) a 6-digit OTP
// challenge for a peer. Returns ok=false if still within cooldown.
func (m *OTPManager) Issue(channelType models.ChannelType, accountID, peerID string, cooldown time.Duration) (code string, ok bool, err error) {
	if cooldown <= 0 {
		cooldown = otpCooldown
	}
	m.mu.Lock()
	key := otpKey(channelType, accountID, peerID)
	if last, seen := m.cooldown[key]; seen && time.Since(last) < cooldown {
		m.mu.Unlock()
		return "", false, nil
	}
	m.cooldown[key] = time.Now()
	m.mu.Unlock()

	code = randomDigits(6)
	ch := &models.OTPChallenge{
		ChannelType: channelType,
		AccountID:   accountID,
		PeerID:      peerID,
		Code:        code,
		ExpiresAt:   time.Now().Add(otpExpiry),
	}
	if err := m.store.Put(ch); err != nil {
		return "", false, err
	}
	return code, true, nil
}

// Verify checks a candidate code against the pending challenge for a
// peer. On success the challenge is deleted and the caller should add
// the peer to the account's allowlist. On failure it increments the
// attempt counter and deletes the challenge once exhausted.
func (m *OTPManager) Verify(channelType models.ChannelType, accountID, peerID, candidate string) (bool, error) {
	ch, err := m.store.Get(channelType, accountID, peerID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if time.Now().After(ch.ExpiresAt) {
		_ = m.store.Delete(channelType, accountID, peerID)
		return false, nil
	}
	if strings.TrimSpace(candidate) == ch.Code {
		_ = m.store.Delete(channelType, accountID, peerID)
		return true, nil
	}
	attempts, err := m.store.IncrementAttempts(channelType, accountID, peerID)
	if err != nil {
		return false, err
	}
	if attempts >= otpMaxTries {
		_ = m.store.Delete(channelType, accountID, peerID)
	}
	return false, nil
}

func randomDigits(n int) string {
	digits := make([]byte, n)
	for i := range digits {
		d, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(d.Int64())
	}
	return string(digits)
}
