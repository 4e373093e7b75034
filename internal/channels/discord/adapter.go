// Package discord implements the channels.FullAdapter contract over
// bwmarrin/discordgo: discordgo.New + AddHandler wiring, bot-message
// filtering, GuildID-empty => DM classification, and mention
// extraction from m.Mentions.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/moltisdev/moltis/internal/channels"
	"github.com/moltisdev/moltis/internal/models"
)

// Config configures one Discord bot account.
type Config struct {
	AccountID string
	Token     string
	Logger    *slog.Logger
}

// Adapter is a discordgo-backed bot implementing channels.FullAdapter.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	session *discordgo.Session

	mu     sync.RWMutex
	status channels.Status

	messages chan models.InboundMessage
}

// NewAdapter constructs a Discord adapter for one bot account.
func NewAdapter(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("adapter", "discord", "account_id", cfg.AccountID),
		messages: make(chan models.InboundMessage, 100),
	}
}

func (a *Adapter) Name() string                           { return "discord:" + a.cfg.AccountID }
func (a *Adapter) ChannelType() models.ChannelType         { return models.ChannelDiscord }
func (a *Adapter) Messages() <-chan models.InboundMessage { return a.messages }

func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Adapter) setStatus(connected bool, errMsg string) {
	a.mu.Lock()
	a.status = channels.Status{Connected: connected, Error: errMsg, LastPing: time.Now()}
	a.mu.Unlock()
}

// Start opens the Discord gateway websocket and registers the message
// handler.
func (a *Adapter) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		a.setStatus(false, err.Error())
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	session.AddHandler(a.handleMessageCreate)

	if err := session.Open(); err != nil {
		a.setStatus(false, err.Error())
		return fmt.Errorf("discord: open session: %w", err)
	}
	a.session = session
	a.setStatus(true, "")
	return nil
}

// Stop closes the Discord gateway websocket.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.session == nil {
		return nil
	}
	err := a.session.Close()
	close(a.messages)
	a.setStatus(false, "")
	return err
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	chatType := "group"
	if m.GuildID == "" {
		chatType = "dm"
	}

	mentioned := false
	if s != nil && s.State != nil && s.State.User != nil {
		for _, u := range m.Mentions {
			if u.ID == s.State.User.ID {
				mentioned = true
				break
			}
		}
	}

	msg := models.InboundMessage{
		ChannelType: models.ChannelDiscord,
		AccountID:   a.cfg.AccountID,
		ChatType:    chatType,
		PeerID:      m.Author.ID,
		Username:    m.Author.Username,
		SenderName:  m.Author.Username,
		ChatID:      m.ChannelID,
		MessageID:   m.ID,
		Text:        m.Content,
		Mentioned:   mentioned,
		ReceivedAt:  time.Now(),
	}

	select {
	case a.messages <- msg:
		a.setStatus(true, "")
	default:
		a.logger.Warn("inbound queue full, dropping message", "channel_id", m.ChannelID)
	}
}

// Send posts a text reply to a channel, threaded as a Discord reply
// when replyToMessageID is set.
func (a *Adapter) Send(ctx context.Context, chatID, replyToMessageID, text string) error {
	if a.session == nil {
		return fmt.Errorf("discord: adapter not started")
	}
	if replyToMessageID == "" {
		_, err := a.session.ChannelMessageSend(chatID, text)
		return err
	}
	_, err := a.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: text,
		Reference: &discordgo.MessageReference{
			MessageID: replyToMessageID,
			ChannelID: chatID,
		},
	})
	return err
}
