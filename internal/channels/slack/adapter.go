// Package slack implements the channels.FullAdapter contract over
// slack-go/slack's Socket Mode client: a socketmode.Client event loop,
// EventsAPIEvent -> MessageEvent/AppMentionEvent dispatch, and
// bot-mention stripping, normalized to this system's InboundMessage
// shape.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/moltisdev/moltis/internal/channels"
	"github.com/moltisdev/moltis/internal/models"
)

// Config configures one Slack workspace app installation.
type Config struct {
	AccountID string
	BotToken  string // xoxb-...
	AppToken  string // xapp-..., required for Socket Mode
	Logger    *slog.Logger
}

// Adapter is a Socket Mode Slack bot implementing channels.FullAdapter.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	client *slack.Client
	socket *socketmode.Client

	botUserID string
	mu        sync.RWMutex
	status    channels.Status

	messages chan models.InboundMessage
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewAdapter constructs a Slack adapter for one workspace account.
func NewAdapter(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("adapter", "slack", "account_id", cfg.AccountID),
		client:   client,
		socket:   socketmode.New(client),
		messages: make(chan models.InboundMessage, 100),
	}
}

func (a *Adapter) Name() string                           { return "slack:" + a.cfg.AccountID }
func (a *Adapter) ChannelType() models.ChannelType         { return models.ChannelSlack }
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

// Start authenticates, resolves the bot's own user id for mention
// detection, and launches the Socket Mode event loop.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	auth, err := a.client.AuthTestContext(runCtx)
	if err != nil {
		a.setStatus(false, err.Error())
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runEventLoop(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.messages)
		if err := a.socket.Run(); err != nil && runCtx.Err() == nil {
			a.setStatus(false, err.Error())
			a.logger.Error("socket mode run exited", "error", err)
		}
	}()

	a.setStatus(true, "")
	return nil
}

func (a *Adapter) runEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(evt)
			case socketmode.EventTypeConnected:
				a.setStatus(true, "")
			case socketmode.EventTypeConnectionError:
				a.setStatus(false, "connection error")
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(evt socketmode.Event) {
	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if evt.Request != nil {
		a.socket.Ack(*evt.Request)
	}
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.dispatchMessage(ev.Channel, ev.User, ev.Text, ev.TimeStamp, true)
	case *slackevents.MessageEvent:
		if ev.BotID != "" || (ev.SubType != "" && ev.SubType != "file_share") {
			return
		}
		mentioned := strings.Contains(ev.Text, fmt.Sprintf("<@%s>", a.botUserID))
		a.dispatchMessage(ev.Channel, ev.User, ev.Text, ev.TimeStamp, mentioned)
	}
}

func (a *Adapter) dispatchMessage(channelID, userID, text, ts string, mentioned bool) {
	chatType := "group"
	if strings.HasPrefix(channelID, "D") {
		chatType = "dm"
	}
	msg := models.InboundMessage{
		ChannelType: models.ChannelSlack,
		AccountID:   a.cfg.AccountID,
		ChatType:    chatType,
		PeerID:      userID,
		ChatID:      channelID,
		MessageID:   channelID + ":" + ts,
		Text:        stripMentions(text),
		Mentioned:   mentioned,
		ReceivedAt:  time.Now(),
	}
	select {
	case a.messages <- msg:
		a.setStatus(true, "")
	default:
		a.logger.Warn("inbound queue full, dropping message", "channel", channelID)
	}
}

func stripMentions(text string) string {
	for strings.Contains(text, "<@") {
		start := strings.Index(text, "<@")
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

// Send posts a text reply to a channel, threaded under ts when given.
func (a *Adapter) Send(ctx context.Context, chatID, replyToMessageID, text string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if replyToMessageID != "" {
		if _, ts, ok := strings.Cut(replyToMessageID, ":"); ok {
			opts = append(opts, slack.MsgOptionTS(ts))
		}
	}
	_, _, err := a.client.PostMessageContext(ctx, chatID, opts...)
	return err
}

// Stop cancels the event loop and waits for it to exit.
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
