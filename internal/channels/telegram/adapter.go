// Package telegram implements the channels.FullAdapter contract over
// go-telegram/bot, long-polling only. Built on the Config/Adapter
// shape and bot.New + RegisterHandler
// long-polling wiring common to this module's channel adapters,
// normalizing bot.Message into this system's InboundMessage instead
// of carrying a generic message pipeline.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/moltisdev/moltis/internal/channels"
	"github.com/moltisdev/moltis/internal/models"
)

// Config configures one Telegram bot account.
type Config struct {
	AccountID string
	Token     string
	Logger    *slog.Logger
}

// Adapter is a long-polling Telegram bot implementing
// channels.FullAdapter.
type Adapter struct {
	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	status channels.Status

	bot      *bot.Bot
	messages chan models.InboundMessage
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewAdapter constructs a Telegram adapter for one bot account.
func NewAdapter(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		config:   cfg,
		logger:   logger.With("adapter", "telegram", "account_id", cfg.AccountID),
		messages: make(chan models.InboundMessage, 100),
	}
}

func (a *Adapter) Name() string                       { return "telegram:" + a.config.AccountID }
func (a *Adapter) ChannelType() models.ChannelType     { return models.ChannelTelegram }
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

// Start creates the bot client and begins long-polling in the
// background; it returns once the bot handle is created, not once
// polling stops.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	b, err := bot.New(a.config.Token)
	if err != nil {
		a.setStatus(false, err.Error())
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b

	b.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleUpdate)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.messages)
		a.setStatus(true, "")
		a.logger.Info("telegram long-polling started")
		b.Start(runCtx)
		a.setStatus(false, "")
	}()
	return nil
}

// Stop cancels the polling loop and waits for it to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil {
		return
	}
	msg := convertMessage(a.config.AccountID, update.Message, a.bot)

	select {
	case a.messages <- msg:
		a.setStatus(true, "")
	case <-ctx.Done():
	default:
		a.logger.Warn("inbound queue full, dropping message", "chat_id", update.Message.Chat.ID)
	}
}

func convertMessage(accountID string, msg *tgmodels.Message, b *bot.Bot) models.InboundMessage {
	chatType := "dm"
	if !strings.EqualFold(string(msg.Chat.Type), "private") {
		chatType = "group"
	}

	var mentioned bool
	username := ""
	if b != nil {
		if me, err := b.GetMe(context.Background()); err == nil && me.Username != "" {
			username = me.Username
			if strings.Contains(msg.Text, "@"+me.Username) {
				mentioned = true
			}
		}
	}
	_ = username

	var sender string
	var peerID string
	if msg.From != nil {
		sender = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		peerID = strconv.FormatInt(msg.From.ID, 10)
	}

	return models.InboundMessage{
		ChannelType: models.ChannelTelegram,
		AccountID:   accountID,
		ChatType:    chatType,
		PeerID:      peerID,
		Username:    usernameOf(msg),
		SenderName:  sender,
		ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:   strconv.Itoa(msg.ID),
		Text:        msg.Text,
		Mentioned:   mentioned,
		ReceivedAt:  time.Unix(int64(msg.Date), 0),
	}
}

func usernameOf(msg *tgmodels.Message) string {
	if msg.From == nil {
		return ""
	}
	return msg.From.Username
}

// Send delivers a text reply to a Telegram chat, optionally threaded
// as a reply to the originating message.
func (a *Adapter) Send(ctx context.Context, chatID, replyToMessageID, text string) error {
	if a.bot == nil {
		return fmt.Errorf("telegram: adapter not started")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}
	params := &bot.SendMessageParams{ChatID: id, Text: text}
	if replyToMessageID != "" {
		if msgID, err := strconv.Atoi(replyToMessageID); err == nil {
			params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: msgID}
		}
	}
	_, err = a.bot.SendMessage(ctx, params)
	return err
}
