// Package whatsapp implements the channels.FullAdapter contract by
// embedding go.mau.fi/whatsmeow directly (sqlstore-backed device,
// whatsmeow.Client, QR-code pairing, events.Message handling). The
// session store uses modernc.org/sqlite, already this module's SQL
// driver elsewhere, instead of mattn/go-sqlite3, so the module doesn't
// need to carry two competing sqlite drivers. No separate sidecar
// process is run, and no MOLTIS_WHATSAPP_* environment variable is
// read: the session store's directory comes from Config.AuthDir.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/moltisdev/moltis/internal/channels"
	"github.com/moltisdev/moltis/internal/models"
)

// Config configures one WhatsApp account's embedded whatsmeow client.
type Config struct {
	AccountID string
	// AuthDir holds the whatsmeow sqlite session/device store
	// (the gateway sets <data_dir>/whatsapp/<account_id>).
	AuthDir string
	// OnQRCode, if set, receives QR login codes as they're issued
	// during first-time pairing.
	OnQRCode func(code string)
	Logger   *slog.Logger
}

// Adapter is an embedded whatsmeow client implementing
// channels.FullAdapter.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	client *whatsmeow.Client
	store  *sqlstore.Container

	mu     sync.RWMutex
	status channels.Status

	messages chan models.InboundMessage
	cancel   context.CancelFunc
}

// NewAdapter constructs a WhatsApp adapter backed by a sqlite device
// store under cfg.AuthDir.
func NewAdapter(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("adapter", "whatsapp", "account_id", cfg.AccountID),
		messages: make(chan models.InboundMessage, 100),
	}
}

func (a *Adapter) Name() string                           { return "whatsapp:" + a.cfg.AccountID }
func (a *Adapter) ChannelType() models.ChannelType         { return models.ChannelWhatsApp }
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

// Start opens (or creates) the device store, connects the whatsmeow
// client, and begins handling inbound events. If no device is paired
// yet, QR codes are streamed to cfg.OnQRCode until scanned.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	dsn := fmt.Sprintf("file:%s/session.db?_pragma=foreign_keys(1)", a.cfg.AuthDir)
	container, err := sqlstore.New(runCtx, "sqlite", dsn, waLog.Noop)
	if err != nil {
		a.setStatus(false, err.Error())
		return fmt.Errorf("whatsapp: open device store: %w", err)
	}
	a.store = container

	device, err := container.GetFirstDevice(runCtx)
	if err != nil {
		a.setStatus(false, err.Error())
		return fmt.Errorf("whatsapp: get device: %w", err)
	}

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	if a.client.Store.ID == nil {
		qrChan, err := a.client.GetQRChannel(runCtx)
		if err != nil {
			a.setStatus(false, err.Error())
			return fmt.Errorf("whatsapp: get QR channel: %w", err)
		}
		if err := a.client.Connect(); err != nil {
			a.setStatus(false, err.Error())
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" && a.cfg.OnQRCode != nil {
					a.cfg.OnQRCode(evt.Code)
				}
			}
		}()
		return nil
	}

	if err := a.client.Connect(); err != nil {
		a.setStatus(false, err.Error())
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	a.setStatus(true, "")
	return nil
}

// Stop disconnects the whatsmeow client.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.client != nil {
		a.client.Disconnect()
	}
	close(a.messages)
	a.setStatus(false, "")
	return nil
}

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		a.setStatus(true, "")
	case *events.Disconnected:
		a.setStatus(false, "disconnected")
	case *events.LoggedOut:
		a.setStatus(false, "logged out")
	case *events.Message:
		a.handleMessage(v)
	}
}

func (a *Adapter) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == "broadcast" {
		return
	}

	chatType := "dm"
	if evt.Info.IsGroup {
		chatType = "group"
	}

	text := evt.Message.GetConversation()
	if text == "" && evt.Message.GetExtendedTextMessage() != nil {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return
	}

	msg := models.InboundMessage{
		ChannelType: models.ChannelWhatsApp,
		AccountID:   a.cfg.AccountID,
		ChatType:    chatType,
		PeerID:      evt.Info.Sender.User,
		ChatID:      evt.Info.Chat.String(),
		MessageID:   evt.Info.ID,
		Text:        text,
		Mentioned:   hasMention(evt, a.client),
		ReceivedAt:  evt.Info.Timestamp,
	}

	select {
	case a.messages <- msg:
		a.setStatus(true, "")
	default:
		a.logger.Warn("inbound queue full, dropping message", "chat_id", msg.ChatID)
	}
}

func hasMention(evt *events.Message, client *whatsmeow.Client) bool {
	if client == nil || client.Store.ID == nil {
		return false
	}
	ext := evt.Message.GetExtendedTextMessage()
	if ext == nil || ext.GetContextInfo() == nil {
		return false
	}
	self := client.Store.ID.User
	for _, jid := range ext.GetContextInfo().GetMentionedJid() {
		if parsed, err := types.ParseJID(jid); err == nil && parsed.User == self {
			return true
		}
	}
	return false
}

// Send delivers a text message to a WhatsApp chat JID.
func (a *Adapter) Send(ctx context.Context, chatID, replyToMessageID, text string) error {
	if a.client == nil {
		return fmt.Errorf("whatsapp: adapter not started")
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid chat id %q: %w", chatID, err)
	}
	_, err = a.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	return err
}
