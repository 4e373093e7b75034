// Package gateway wires together every component package into the
// single long-running process: the WebSocket control plane, the agent
// turn executor, the sandbox router, the cron engine, and channel
// ingress, behind one HTTPS listener and a plain-HTTP cert bootstrap
// listener. Construction order builds the store layer, then every
// component against it, then starts listeners last so a construction
// failure never opens a socket.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moltisdev/moltis/internal/agent"
	"github.com/moltisdev/moltis/internal/agent/providers"
	"github.com/moltisdev/moltis/internal/auth"
	"github.com/moltisdev/moltis/internal/channels"
	"github.com/moltisdev/moltis/internal/channels/discord"
	"github.com/moltisdev/moltis/internal/channels/slack"
	"github.com/moltisdev/moltis/internal/channels/telegram"
	"github.com/moltisdev/moltis/internal/channels/whatsapp"
	"github.com/moltisdev/moltis/internal/config"
	"github.com/moltisdev/moltis/internal/cron"
	"github.com/moltisdev/moltis/internal/dispatch"
	"github.com/moltisdev/moltis/internal/frame"
	"github.com/moltisdev/moltis/internal/models"
	"github.com/moltisdev/moltis/internal/observability"
	"github.com/moltisdev/moltis/internal/registry"
	"github.com/moltisdev/moltis/internal/sandbox"
	"github.com/moltisdev/moltis/internal/sessions"
	"github.com/moltisdev/moltis/internal/store"
	"github.com/moltisdev/moltis/internal/vault"
)

// Server is the fully-wired gateway process.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	db         *store.DB
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	auth       *auth.Service
	vault      *vault.Vault

	sessions *sessions.Service
	executor *agent.Executor
	emitter  *broadcastEmitter

	sandboxRouter *sandbox.Router
	approval      *sandbox.ApprovalManager

	cronStore *store.CronStore
	scheduler *cron.Scheduler

	channelAccounts *store.ChannelAccountStore
	otp             *channels.OTPManager
	adapters        []channels.FullAdapter

	mu       sync.Mutex
	httpsSrv *http.Server
	httpSrv  *http.Server
}

// NewServer constructs every component against cfg but starts nothing.
func NewServer(cfg *config.Config) (*Server, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level: cfg.LogLevel,
		JSON:  cfg.LogJSON,
	})
	metrics := observability.NewMetrics()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("gateway: create data dir: %w", err)
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "moltis.db"))
	if err != nil {
		return nil, fmt.Errorf("gateway: open store: %w", err)
	}

	sessionStore := store.NewSessionStore(db)
	cronStore := store.NewCronStore(db)
	channelAccounts := store.NewChannelAccountStore(db)
	otpStore := store.NewOTPStore(db)
	vaultMetaStore := store.NewVaultMetadataStore(db)

	sessSvc := sessions.NewService(cfg.DataDir, sessionStore)

	var jwtSecret, password string
	var apiKeys []string
	if cfg.Auth.Enabled {
		jwtSecret, password, apiKeys = cfg.Auth.JWTSecret, cfg.Auth.Password, cfg.Auth.APIKeys
	}
	authSvc := auth.New(jwtSecret, cfg.Auth.TokenExpiry, apiKeys, password)

	v := vault.New(vaultMetaStore)

	reg := registry.New(logger)
	disp := dispatch.New()

	approvalMgr := sandbox.NewApprovalManager()
	approvalMgr.Broadcast = func(req models.ApprovalRequest) {
		f := frame.NewEvent("exec.approval.requested", reg.NextSeq(), req)
		if data, err := frame.Encode(f); err == nil {
			reg.Broadcast(data, registry.Filter{Scope: "chat"})
		}
	}
	images := sandbox.NewImageBuilder(cfg.Sandbox.ImageCachePrefix)
	skills := sandbox.NewSkillRegistry()
	projectDirs := sandbox.ProjectDirsFunc(func(projectID string) string {
		return filepath.Join(cfg.DataDir, "projects", projectID)
	})
	sandboxRouter := sandbox.NewRouter(sessSvc, projectDirs, skills, images, approvalMgr, logger)
	sandboxRouter.DefaultPolicy = sandbox.Policy{
		Security: sandbox.SecurityLevel(cfg.Sandbox.SecurityLevel),
		Approval: sandbox.ApprovalMode(cfg.Sandbox.ApprovalMode),
		Patterns: cfg.Sandbox.UserPatterns,
	}
	sandboxRouter.ApprovalTimeout = cfg.Sandbox.ApprovalTimeout
	sandboxRouter.ToolTimeout = cfg.Sandbox.ToolTimeout

	executor := agent.NewExecutor(sessSvc, sandboxRouter, logger)
	if cfg.Models.Anthropic.Enabled {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.Models.Anthropic.APIKey,
			BaseURL:      cfg.Models.Anthropic.BaseURL,
			MaxRetries:   cfg.Models.Anthropic.MaxRetries,
			RetryDelay:   cfg.Models.Anthropic.RetryDelay,
			DefaultModel: cfg.Models.Anthropic.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("gateway: anthropic provider: %w", err)
		}
		executor.RegisterProvider("anthropic", p)
	}
	if cfg.Models.OpenAI.Enabled {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.Models.OpenAI.APIKey,
			BaseURL:      cfg.Models.OpenAI.BaseURL,
			MaxRetries:   cfg.Models.OpenAI.MaxRetries,
			RetryDelay:   cfg.Models.OpenAI.RetryDelay,
			DefaultModel: cfg.Models.OpenAI.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("gateway: openai provider: %w", err)
		}
		executor.RegisterProvider("openai", p)
	}

	otpMgr := channels.NewOTPManager(otpStore)

	srv := &Server{
		cfg:             cfg,
		logger:          logger,
		metrics:         metrics,
		db:              db,
		registry:        reg,
		dispatcher:      disp,
		auth:            authSvc,
		vault:           v,
		sessions:        sessSvc,
		executor:        executor,
		emitter:         newBroadcastEmitter(reg),
		sandboxRouter:   sandboxRouter,
		approval:        approvalMgr,
		cronStore:       cronStore,
		channelAccounts: channelAccounts,
		otp:             otpMgr,
	}

	srv.scheduler = cron.New(cronStore, srv, srv, srv, srv, logger).WithOptions(cron.WithRunCap(cfg.Cron.RunCap))
	srv.adapters = srv.buildAdapters()
	srv.registerHandlers()

	return srv, nil
}

// buildAdapters constructs one channel adapter per enabled configured
// account, reading each account's bot secret from the environment
// (MOLTIS_<CHANNEL>_TOKEN_<ACCOUNT_ID>) the way config.go reads its own
// process-wide secrets, rather than carrying a second plaintext-secret
// field in ChannelAccountConfig.
func (s *Server) buildAdapters() []channels.FullAdapter {
	var out []channels.FullAdapter

	for _, acc := range s.cfg.Channels.Telegram {
		if !acc.Enabled {
			continue
		}
		s.persistAccountPolicy(models.ChannelTelegram, acc)
		out = append(out, telegram.NewAdapter(telegram.Config{
			AccountID: acc.AccountID,
			Token:     channelSecret("TELEGRAM", acc.AccountID),
			Logger:    s.logger,
		}))
	}
	for _, acc := range s.cfg.Channels.Slack {
		if !acc.Enabled {
			continue
		}
		s.persistAccountPolicy(models.ChannelSlack, acc)
		out = append(out, slack.NewAdapter(slack.Config{
			AccountID: acc.AccountID,
			BotToken:  channelSecret("SLACK_BOT", acc.AccountID),
			AppToken:  channelSecret("SLACK_APP", acc.AccountID),
			Logger:    s.logger,
		}))
	}
	for _, acc := range s.cfg.Channels.Discord {
		if !acc.Enabled {
			continue
		}
		s.persistAccountPolicy(models.ChannelDiscord, acc)
		out = append(out, discord.NewAdapter(discord.Config{
			AccountID: acc.AccountID,
			Token:     channelSecret("DISCORD", acc.AccountID),
			Logger:    s.logger,
		}))
	}
	for _, acc := range s.cfg.Channels.WhatsApp {
		if !acc.Enabled {
			continue
		}
		s.persistAccountPolicy(models.ChannelWhatsApp, acc)
		out = append(out, whatsapp.NewAdapter(whatsapp.Config{
			AccountID: acc.AccountID,
			AuthDir:   filepath.Join(s.cfg.DataDir, "whatsapp", acc.AccountID),
			Logger:    s.logger,
		}))
	}

	return out
}

func channelSecret(prefix, accountID string) string {
	name := fmt.Sprintf("MOLTIS_%s_TOKEN_%s", prefix, strings.ToUpper(accountID))
	return os.Getenv(name)
}

// persistAccountPolicy upserts a configured account's access policy into
// the relational store so EvaluateAccess always reads durable state, even
// before the account's first inbound message.
func (s *Server) persistAccountPolicy(ct models.ChannelType, acc config.ChannelAccountConfig) {
	existing, err := s.channelAccounts.Get(ct, acc.AccountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("load channel account", "channel", ct, "account_id", acc.AccountID, "error", err)
	}
	row := &models.ChannelAccount{
		ChannelType:     ct,
		AccountID:       acc.AccountID,
		Enabled:         acc.Enabled,
		DMPolicy:        models.ChannelPolicy(acc.DM.Policy),
		GroupPolicy:     models.ChannelPolicy(acc.Group.Policy),
		MentionMode:     models.MentionMode(acc.Group.MentionMode),
		UserAllowlist:   acc.DM.AllowFrom,
		GroupAllowlist:  acc.Group.AllowFrom,
		OTPCooldownSecs: acc.OTPCooldownSecs,
	}
	if existing != nil {
		row.ChannelAllowlist = existing.ChannelAllowlist
	}
	if err := s.channelAccounts.Upsert(row); err != nil {
		s.logger.Warn("persist channel account", "channel", ct, "account_id", acc.AccountID, "error", err)
	}
}

// Run starts every listener and background loop and blocks until ctx is
// canceled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.scheduler.Load(ctx); err != nil {
		return fmt.Errorf("gateway: load cron jobs: %w", err)
	}
	s.scheduler.Start(ctx)
	defer s.scheduler.Stop()

	for _, a := range s.adapters {
		if err := a.Start(ctx); err != nil {
			s.logger.Error("channel adapter start failed", "adapter", a.Name(), "error", err)
			continue
		}
		go s.pumpInbound(ctx, a)
	}

	cert, err := ensureTLSCert(s.cfg.HTTP.CertsDir)
	if err != nil {
		return fmt.Errorf("gateway: tls cert: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.mu.Lock()
	s.httpsSrv = &http.Server{
		Addr:      s.cfg.HTTP.HTTPSAddr,
		Handler:   mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
	}
	s.httpSrv = s.serveCertBootstrap(s.cfg.HTTP.HTTPAddr, s.cfg.HTTP.CertsDir, s.cfg.HTTP.HTTPSAddr)
	s.mu.Unlock()

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("https listener starting", "addr", s.cfg.HTTP.HTTPSAddr)
		if err := s.httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("https listener: %w", err)
		}
	}()
	go func() {
		s.logger.Info("http bootstrap listener starting", "addr", s.cfg.HTTP.HTTPAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		return err
	}
}

// pumpInbound drains one adapter's normalized message channel through
// access gating, OTP self-approval, and slash-command short-circuiting,
// replying through the same adapter's Send.
func (s *Server) pumpInbound(ctx context.Context, a channels.FullAdapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.Messages():
			if !ok {
				return
			}
			s.handleInbound(ctx, a, msg)
		}
	}
}

func (s *Server) handleInbound(ctx context.Context, a channels.FullAdapter, msg models.InboundMessage) {
	acc, err := s.channelAccounts.Get(msg.ChannelType, msg.AccountID)
	if err != nil {
		s.metrics.ChannelMessages.WithLabelValues(string(msg.ChannelType), msg.ChatType, "no-account").Inc()
		return
	}

	decision := channels.EvaluateAccess(acc, msg)
	if !decision.Allowed {
		if decision.OfferOTP {
			s.offerOTP(ctx, a, acc, msg)
		}
		s.metrics.ChannelMessages.WithLabelValues(string(msg.ChannelType), msg.ChatType, "denied").Inc()
		return
	}
	s.metrics.ChannelMessages.WithLabelValues(string(msg.ChannelType), msg.ChatType, "allowed").Inc()

	sessionKey := fmt.Sprintf("channel:%s:%s:%s", msg.ChannelType, msg.AccountID, msg.PeerID)

	if cmd, arg, ok := channels.ParseSlashCommand(msg.Text); ok {
		reply, err := s.DispatchCommand(ctx, sessionKey, cmd, arg)
		if err != nil {
			s.logger.Warn("slash command failed", "command", cmd, "error", err)
			return
		}
		if reply != "" {
			_ = a.Send(ctx, msg.ChatID, msg.MessageID, reply)
		}
		return
	}

	var reply string
	if len(msg.Attachments) > 0 {
		reply, err = s.DispatchToChatWithAttachments(ctx, sessionKey, msg.Text, msg.Attachments, map[string]string{
			"channel":    string(msg.ChannelType),
			"account_id": msg.AccountID,
		})
	} else {
		reply, err = s.DispatchToChat(ctx, sessionKey, msg.Text, map[string]string{
			"channel":    string(msg.ChannelType),
			"account_id": msg.AccountID,
		})
	}
	if err != nil {
		s.logger.Warn("channel turn failed", "channel", msg.ChannelType, "error", err)
		return
	}
	if reply != "" {
		_ = a.Send(ctx, msg.ChatID, msg.MessageID, reply)
	}
}

func (s *Server) offerOTP(ctx context.Context, a channels.FullAdapter, acc *models.ChannelAccount, msg models.InboundMessage) {
	code, ok, err := s.otp.Issue(msg.ChannelType, msg.AccountID, msg.PeerID, time.Duration(acc.OTPCooldownSecs)*time.Second)
	if err != nil || !ok {
		return
	}
	_ = a.Send(ctx, msg.ChatID, msg.MessageID, fmt.Sprintf("You're not on the allowlist yet. Reply with /otp %s from an approved console to link this chat.", code))
}

// Shutdown gracefully stops every listener and adapter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpsSrv, httpSrv := s.httpsSrv, s.httpSrv
	s.mu.Unlock()

	var firstErr error
	if httpsSrv != nil {
		if err := httpsSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, a := range s.adapters {
		_ = a.Stop(ctx)
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// resolveProvider maps a model id to the registered provider that serves
// it. Anthropic and OpenAI model families are distinguished by name
// prefix, matching the naming scheme both vendors actually use.
func (s *Server) resolveProvider(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		return "openai"
	case s.cfg.Models.Anthropic.Enabled:
		return "anthropic"
	default:
		return "openai"
	}
}

func (s *Server) modelOrDefault(model string) string {
	if model != "" {
		return model
	}
	return s.cfg.Models.DefaultModel
}

// --- cron.SystemEventDeliverer / AgentTurnRunner / ChannelDeliverer / SessionEnsurer ---

// InjectSystemEvent delivers a cron SystemEvent payload as a user turn in
// sessionKey, reusing the same executor entry point as chat.send.
func (s *Server) InjectSystemEvent(ctx context.Context, sessionKey, text string) error {
	capture := &captureEmitter{}
	model := s.modelOrDefault("")
	return s.executor.RunTurn(ctx, s.resolveProvider(model), agent.TurnRequest{
		SessionKey: sessionKey,
		Text:       text,
		Model:      model,
	}, capture)
}

// RunIsolatedTurn runs one full agent turn in an isolated cron session,
// capturing its final text and token usage instead of broadcasting it.
func (s *Server) RunIsolatedTurn(ctx context.Context, sessionKey, model, message string) (cron.AgentTurnResult, error) {
	capture := &captureEmitter{}
	model = s.modelOrDefault(model)
	err := s.executor.RunTurn(ctx, s.resolveProvider(model), agent.TurnRequest{
		SessionKey: sessionKey,
		Text:       message,
		Model:      model,
	}, capture)
	if err != nil {
		return cron.AgentTurnResult{}, err
	}
	if capture.errMessage != "" {
		return cron.AgentTurnResult{}, fmt.Errorf("agent turn: %s", capture.errMessage)
	}
	return cron.AgentTurnResult{
		Output:       capture.finalText,
		InputTokens:  capture.inputTokens,
		OutputTokens: capture.outputTokens,
	}, nil
}

// DeliverToChannel forwards text to the first enabled adapter matching
// channel, since cron jobs in this system target a channel type rather
// than one specific multi-account installation.
func (s *Server) DeliverToChannel(ctx context.Context, channel models.ChannelType, to, text string) error {
	for _, a := range s.adapters {
		if a.ChannelType() != channel {
			continue
		}
		return a.Send(ctx, to, "", text)
	}
	return fmt.Errorf("gateway: no adapter configured for channel %q", channel)
}

// EnsureSession creates the cron-isolated session key if it doesn't
// already exist.
func (s *Server) EnsureSession(ctx context.Context, key, label string) error {
	if _, err := s.sessions.Get(ctx, key); err == nil {
		return nil
	}
	_, err := s.sessions.Create(ctx, key, label, s.cfg.Models.DefaultModel)
	return err
}

// --- channels.Dispatcher ---

// DispatchToChat runs one synchronous agent turn for an inbound channel
// message and returns its final text.
func (s *Server) DispatchToChat(ctx context.Context, sessionKey, text string, meta map[string]string) (string, error) {
	return s.runChatTurn(ctx, sessionKey, text, nil, meta)
}

// DispatchToChatWithAttachments is DispatchToChat plus attachment URLs
// folded into the turn's text, since the agent.TurnRequest shape carries
// plain text rather than a multimodal content-block list.
func (s *Server) DispatchToChatWithAttachments(ctx context.Context, sessionKey, text string, attachments []string, meta map[string]string) (string, error) {
	return s.runChatTurn(ctx, sessionKey, text, attachments, meta)
}

func (s *Server) runChatTurn(ctx context.Context, sessionKey, text string, attachments []string, meta map[string]string) (string, error) {
	if _, err := s.sessions.Get(ctx, sessionKey); err != nil {
		if _, cerr := s.sessions.Create(ctx, sessionKey, meta["channel"], s.cfg.Models.DefaultModel); cerr != nil {
			return "", cerr
		}
	}
	if len(attachments) > 0 {
		text = text + "\n\nAttachments:\n" + strings.Join(attachments, "\n")
	}
	model := s.modelOrDefault("")
	capture := &captureEmitter{}
	if err := s.executor.RunTurn(ctx, s.resolveProvider(model), agent.TurnRequest{
		SessionKey: sessionKey,
		Text:       text,
		Model:      model,
	}, capture); err != nil {
		return "", err
	}
	if capture.errMessage != "" {
		return "", fmt.Errorf("agent turn: %s", capture.errMessage)
	}
	return capture.finalText, nil
}

// DispatchCommand runs one of channels.SlashCommands against sessionKey.
func (s *Server) DispatchCommand(ctx context.Context, sessionKey, command, arg string) (string, error) {
	switch command {
	case "new":
		key := fmt.Sprintf("%s:%s", sessionKey, uuid.NewString())
		if _, err := s.sessions.Create(ctx, key, arg, s.cfg.Models.DefaultModel); err != nil {
			return "", err
		}
		return "started a new session", nil
	case "clear", "reset":
		if err := s.sessions.Reset(ctx, sessionKey); err != nil {
			return "", err
		}
		return "session cleared", nil
	case "compact":
		if err := s.sessions.Compact(ctx, sessionKey, 20); err != nil {
			return "", err
		}
		return "session compacted", nil
	case "context":
		sess, err := s.sessions.Get(ctx, sessionKey)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("session %s: %d messages, model %s", sess.Key, sess.MessageCount, sess.Model), nil
	case "model":
		if arg == "" {
			sess, err := s.sessions.Get(ctx, sessionKey)
			if err != nil {
				return "", err
			}
			return "current model: " + sess.Model, nil
		}
		if _, err := s.sessions.Patch(ctx, sessionKey, func(sess *models.Session) { sess.Model = arg }); err != nil {
			return "", err
		}
		return "model set to " + arg, nil
	case "sessions":
		list, err := s.sessions.List(ctx, false, 20, 0)
		if err != nil {
			return "", err
		}
		names := make([]string, 0, len(list))
		for _, sess := range list {
			names = append(names, sess.Key)
		}
		return strings.Join(names, ", "), nil
	case "sandbox":
		return "sandbox security level: " + s.cfg.Sandbox.SecurityLevel, nil
	case "help":
		return "commands: /new /clear /compact /context /model /sessions /sandbox /help", nil
	case "otp":
		return "", fmt.Errorf("otp verification is handled inline, not as a command")
	default:
		return "", fmt.Errorf("unknown command %q", command)
	}
}
