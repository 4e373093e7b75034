// Dispatch handler registration for the method catalogue of
// internal/frame/schema.go. `connect` is handled specially by ws.go's
// handleConnect and is never registered here. Handlers are grouped by
// domain (session, cron, vault, pairing, ...) and registered into one
// shared dispatch table instead of one handleRequest switch.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/moltisdev/moltis/internal/agent"
	"github.com/moltisdev/moltis/internal/auth"
	"github.com/moltisdev/moltis/internal/dispatch"
	"github.com/moltisdev/moltis/internal/frame"
	"github.com/moltisdev/moltis/internal/models"
	"github.com/moltisdev/moltis/internal/store"
	"github.com/moltisdev/moltis/internal/vault"
)

func (s *Server) registerHandlers() {
	d := s.dispatcher

	d.Register("health", s.handleHealth)
	d.Register("system-presence", s.handleSystemPresence)

	d.Register("chat.send", s.handleChatSend)
	d.Register("chat.cancel", s.handleChatCancel)
	d.Register("chat.resend", s.handleChatResend)

	d.Register("session.list", s.handleSessionList)
	d.Register("session.preview", s.handleSessionPreview)
	d.Register("session.resolve", s.handleSessionResolve)
	d.Register("session.patch", s.handleSessionPatch)
	d.Register("session.reset", s.handleSessionReset)
	d.Register("session.delete", s.handleSessionDelete)
	d.Register("session.search", s.handleSessionSearch)
	d.Register("session.compact", s.handleSessionCompact)

	d.Register("mcp.list", s.handleMCPList)
	d.Register("mcp.add", s.handleMCPStub)
	d.Register("mcp.remove", s.handleMCPStub)
	d.Register("mcp.enable", s.handleMCPStub)
	d.Register("mcp.disable", s.handleMCPStub)
	d.Register("mcp.status", s.handleMCPStub)
	d.Register("mcp.tools", s.handleMCPStub)
	d.Register("mcp.restart", s.handleMCPStub)
	d.Register("mcp.update", s.handleMCPStub)

	d.Register("cron.list", s.handleCronList)
	d.Register("cron.add", s.handleCronAdd)
	d.Register("cron.update", s.handleCronUpdate)
	d.Register("cron.remove", s.handleCronRemove)
	d.Register("cron.run", s.handleCronRun)
	d.Register("cron.runs", s.handleCronRuns)
	d.Register("cron.status", s.handleCronStatus)

	d.Register("node.list", s.handleNodeList)
	d.Register("node.describe", s.handleNodeStub)
	d.Register("node.rename", s.handleNodeStub)
	d.Register("node.invoke", s.handleNodeInvoke)
	d.Register("node.invoke.result", s.handleNodeStub)
	d.Register("node.event", s.handleNodeStub)

	d.Register("node.pair.request", s.handlePairRequest(models.ClientRoleNode))
	d.Register("node.pair.approve", s.handlePairApprove)
	d.Register("node.pair.reject", s.handlePairReject)
	d.Register("node.pair.list", s.handlePairList)
	d.Register("node.pair.verify", s.handleNodePairVerify)

	d.Register("device.pair.request", s.handlePairRequest(models.ClientRoleOperator))
	d.Register("device.pair.approve", s.handlePairApprove)
	d.Register("device.pair.reject", s.handlePairReject)
	d.Register("device.token.rotate", s.handleDeviceTokenRotate)
	d.Register("device.token.revoke", s.handleDeviceTokenRevoke)

	d.Register("exec.approval.resolve", s.handleExecApprovalResolve)
	d.Register("location.result", s.handleLocationResult)

	d.Register("vault.init", s.handleVaultInit)
	d.Register("vault.unseal", s.handleVaultUnseal)
	d.Register("vault.seal", s.handleVaultSeal)
	d.Register("vault.status", s.handleVaultStatus)
	d.Register("vault.change-password", s.handleVaultChangePassword)
	d.Register("vault.rotate-key", s.handleVaultRotateKey)
}

func decodeParams(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func invalidRequest(msg string) error {
	return &frame.Error{Code: frame.ErrCodeInvalidRequest, Message: msg}
}

func unavailable(msg string) error {
	return &frame.Error{Code: frame.ErrCodeUnavailable, Message: msg}
}

// --- health / presence ---

func (s *Server) handleHealth(ctx context.Context, req dispatch.Request) (any, error) {
	vaultState, _ := s.vault.Status()
	return map[string]any{
		"ok":           true,
		"connections":  s.registry.Count(),
		"vaultState":   vaultState,
		"stateVersion": s.registry.StateVersion(),
	}, nil
}

func (s *Server) handleSystemPresence(ctx context.Context, req dispatch.Request) (any, error) {
	return map[string]any{
		"stateVersion": s.registry.StateVersion(),
		"clients":      s.registry.Snapshot(),
	}, nil
}

// --- chat ---

type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Content        string `json:"content"`
	Model          string `json:"model"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleChatSend(ctx context.Context, req dispatch.Request) (any, error) {
	var p chatSendParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	if _, err := s.sessions.Get(ctx, p.SessionKey); err != nil {
		if _, cerr := s.sessions.Create(ctx, p.SessionKey, "", s.cfg.Models.DefaultModel); cerr != nil {
			return nil, unavailable(cerr.Error())
		}
	}
	model := s.modelOrDefault(p.Model)
	runID := uuid.NewString()

	go func() {
		turnCtx := context.Background()
		turnReq := agent.TurnRequest{RunID: runID, SessionKey: p.SessionKey, Text: p.Content, Model: model}
		if err := s.executor.RunTurn(turnCtx, s.resolveProvider(model), turnReq, s.emitter); err != nil {
			s.logger.Warn("chat turn failed", "session_key", p.SessionKey, "run_id", runID, "error", err)
		}
	}()

	return map[string]any{"runId": runID, "sessionKey": p.SessionKey}, nil
}

type chatCancelParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
}

func (s *Server) handleChatCancel(ctx context.Context, req dispatch.Request) (any, error) {
	var p chatCancelParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	if p.RunID == "" {
		return nil, invalidRequest("runId is required")
	}
	cancelled := s.executor.Cancel(p.RunID)
	return map[string]any{"ok": true, "cancelled": cancelled}, nil
}

func (s *Server) handleChatResend(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	history, err := s.sessions.History(ctx, p.SessionKey, 1)
	if err != nil {
		return nil, unavailable(err.Error())
	}
	if len(history) == 0 {
		return nil, invalidRequest("session has no messages to resend")
	}
	return map[string]any{"lastMessage": history[len(history)-1]}, nil
}

// --- sessions ---

func (s *Server) handleSessionList(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		IncludeArchived bool `json:"includeArchived"`
		Limit           int  `json:"limit"`
		Offset          int  `json:"offset"`
	}
	_ = decodeParams(req.Params, &p)
	if p.Limit <= 0 {
		p.Limit = 50
	}
	list, err := s.sessions.List(ctx, p.IncludeArchived, p.Limit, p.Offset)
	if err != nil {
		return nil, unavailable(err.Error())
	}
	return map[string]any{"sessions": list}, nil
}

func (s *Server) handleSessionPreview(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	history, err := s.sessions.History(ctx, p.SessionKey, p.Limit)
	if err != nil {
		return nil, unavailable(err.Error())
	}
	return map[string]any{"messages": history}, nil
}

func (s *Server) handleSessionResolve(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	sess, err := s.sessions.Get(ctx, p.SessionKey)
	if err != nil {
		sess, err = s.sessions.Create(ctx, p.SessionKey, "", s.cfg.Models.DefaultModel)
		if err != nil {
			return nil, unavailable(err.Error())
		}
	}
	return sess, nil
}

func (s *Server) handleSessionPatch(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		SessionKey     string  `json:"sessionKey"`
		Label          *string `json:"label"`
		Model          *string `json:"model"`
		ProjectID      *string `json:"projectId"`
		SandboxEnabled *bool   `json:"sandboxEnabled"`
		Archived       *bool   `json:"archived"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	sess, err := s.sessions.Patch(ctx, p.SessionKey, func(sess *models.Session) {
		if p.Label != nil {
			sess.Label = *p.Label
		}
		if p.Model != nil {
			sess.Model = *p.Model
		}
		if p.ProjectID != nil {
			sess.ProjectID = *p.ProjectID
		}
		if p.SandboxEnabled != nil {
			sess.SandboxEnabled = *p.SandboxEnabled
		}
		if p.Archived != nil {
			sess.Archived = *p.Archived
		}
	})
	if err != nil {
		return nil, unavailable(err.Error())
	}
	return sess, nil
}

func (s *Server) handleSessionReset(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	if err := s.sessions.Reset(ctx, p.SessionKey); err != nil {
		return nil, unavailable(err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleSessionDelete(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	if err := s.sessions.Delete(ctx, p.SessionKey); err != nil {
		return nil, unavailable(err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleSessionSearch(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		Query string `json:"query"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	keys, err := s.sessions.Search(ctx, p.Query)
	if err != nil {
		return nil, unavailable(err.Error())
	}
	return map[string]any{"sessionKeys": keys}, nil
}

func (s *Server) handleSessionCompact(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Keep       int    `json:"keep"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	if p.Keep <= 0 {
		p.Keep = 20
	}
	if err := s.sessions.Compact(ctx, p.SessionKey, p.Keep); err != nil {
		return nil, unavailable(err.Error())
	}
	return map[string]any{"ok": true}, nil
}

// --- mcp (thin stubs: no MCP client pool is wired up yet) ---

func (s *Server) handleMCPList(ctx context.Context, req dispatch.Request) (any, error) {
	return map[string]any{"servers": []any{}}, nil
}

func (s *Server) handleMCPStub(ctx context.Context, req dispatch.Request) (any, error) {
	return nil, unavailable("mcp server management is not configured on this gateway")
}

// --- cron ---

func (s *Server) handleCronList(ctx context.Context, req dispatch.Request) (any, error) {
	return map[string]any{"jobs": s.scheduler.Jobs()}, nil
}

type cronAddParams struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Schedule       models.CronSchedule `json:"schedule"`
	Payload        models.CronPayload  `json:"payload"`
	SessionTarget  string              `json:"sessionTarget"`
	Enabled        *bool               `json:"enabled"`
	DeleteAfterRun bool                `json:"deleteAfterRun"`
}

func (s *Server) handleCronAdd(ctx context.Context, req dispatch.Request) (any, error) {
	var p cronAddParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	job := &models.CronJob{
		ID:             p.ID,
		Name:           p.Name,
		Schedule:       p.Schedule,
		Payload:        p.Payload,
		SessionTarget:  models.SessionTarget(p.SessionTarget),
		Enabled:        true,
		DeleteAfterRun: p.DeleteAfterRun,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if p.Enabled != nil {
		job.Enabled = *p.Enabled
	}
	if job.SessionTarget == "" {
		job.SessionTarget = models.SessionTargetMain
	}
	if err := s.scheduler.AddJob(job); err != nil {
		return nil, invalidRequest(err.Error())
	}
	return job, nil
}

func (s *Server) handleCronUpdate(ctx context.Context, req dispatch.Request) (any, error) {
	var p cronAddParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	existing, err := findCronJob(s.scheduler, p.ID)
	if err != nil {
		return nil, invalidRequest(err.Error())
	}
	if p.Name != "" {
		existing.Name = p.Name
	}
	if p.Schedule.Kind != "" {
		existing.Schedule = p.Schedule
	}
	if p.Payload.Kind != "" {
		existing.Payload = p.Payload
	}
	if p.SessionTarget != "" {
		existing.SessionTarget = models.SessionTarget(p.SessionTarget)
	}
	if p.Enabled != nil {
		existing.Enabled = *p.Enabled
	}
	if err := s.scheduler.UpdateJob(existing); err != nil {
		return nil, invalidRequest(err.Error())
	}
	return existing, nil
}

func findCronJob(sched interface{ Jobs() []*models.CronJob }, id string) (*models.CronJob, error) {
	for _, j := range sched.Jobs() {
		if j.ID == id {
			cp := *j
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("cron: no job %q", id)
}

func (s *Server) handleCronRemove(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	if err := s.scheduler.RemoveJob(p.ID); err != nil {
		return nil, invalidRequest(err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleCronRun(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		ID    string `json:"id"`
		Force bool   `json:"force"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	if err := s.scheduler.RunNow(ctx, p.ID, p.Force); err != nil {
		return nil, unavailable(err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleCronRuns(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		ID    string `json:"id"`
		Limit int    `json:"limit"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	runs, err := s.scheduler.Runs(p.ID, p.Limit)
	if err != nil {
		return nil, unavailable(err.Error())
	}
	return map[string]any{"runs": runs}, nil
}

func (s *Server) handleCronStatus(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	job, err := findCronJob(s.scheduler, p.ID)
	if err != nil {
		return nil, invalidRequest(err.Error())
	}
	return job, nil
}

// --- nodes (thin stubs: this gateway doesn't carry a separate node
// RPC transport; node.* methods share the WebSocket connection a node
// role already holds via `connect`) ---

func (s *Server) handleNodeList(ctx context.Context, req dispatch.Request) (any, error) {
	var nodes []models.Client
	for _, c := range s.registry.Snapshot() {
		if c.Role == models.ClientRoleNode {
			nodes = append(nodes, c)
		}
	}
	return map[string]any{"nodes": nodes}, nil
}

func (s *Server) handleNodeStub(ctx context.Context, req dispatch.Request) (any, error) {
	return nil, unavailable("node RPC forwarding is not implemented on this gateway")
}

func (s *Server) handleNodeInvoke(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		NodeID string          `json:"nodeId"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	var target *models.Client
	for _, c := range s.registry.Snapshot() {
		if c.ClientID == p.NodeID && c.Role == models.ClientRoleNode {
			cp := c
			target = &cp
			break
		}
	}
	if target == nil {
		return nil, invalidRequest(fmt.Sprintf("no connected node %q", p.NodeID))
	}
	requestID := uuid.NewString()
	f := frame.Frame{Type: frame.TypeRequest, ID: requestID, Method: p.Method, Params: p.Params}
	data, err := frame.Encode(f)
	if err != nil {
		return nil, unavailable(err.Error())
	}
	if ok, err := s.registry.Send(target.ConnID, data); err != nil || !ok {
		return nil, unavailable("failed to deliver to node")
	}
	return map[string]any{"requestId": requestID}, nil
}

// --- pairing (node + device share the same pending-request table) ---

func (s *Server) handlePairRequest(role models.ClientRole) dispatch.Handler {
	return func(ctx context.Context, req dispatch.Request) (any, error) {
		var p struct {
			ClientID string `json:"clientId"`
			NodeID   string `json:"nodeId"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, invalidRequest(err.Error())
		}
		clientID := p.ClientID
		if clientID == "" {
			clientID = p.NodeID
		}
		pr := s.auth.RequestPairing(uuid.NewString(), clientID, role)
		return map[string]any{"requestId": pr.RequestID, "code": pr.Code}, nil
	}
}

func (s *Server) handlePairApprove(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	pr, err := s.auth.ResolvePairing(p.RequestID, true)
	if err != nil {
		return nil, invalidRequest(err.Error())
	}
	token, err := s.auth.IssueDeviceToken(identityFromPairing(pr))
	if err != nil {
		return nil, unavailable(err.Error())
	}
	return map[string]any{"deviceToken": token}, nil
}

func (s *Server) handlePairReject(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	_, _ = s.auth.ResolvePairing(p.RequestID, false)
	return map[string]any{"ok": true}, nil
}

func (s *Server) handlePairList(ctx context.Context, req dispatch.Request) (any, error) {
	return map[string]any{"pending": s.auth.ListPairing()}, nil
}

func (s *Server) handleNodePairVerify(ctx context.Context, req dispatch.Request) (any, error) {
	return nil, unavailable("out-of-band node pairing codes are not issued by this gateway")
}

func (s *Server) handleDeviceTokenRotate(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		ClientID string `json:"clientId"`
		Role     string `json:"role"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	role := models.ClientRole(p.Role)
	if role == "" {
		role = models.ClientRoleOperator
	}
	token, err := s.auth.RotateDeviceToken(identityFromClient(p.ClientID, role))
	if err != nil {
		return nil, unavailable(err.Error())
	}
	return map[string]any{"deviceToken": token}, nil
}

func (s *Server) handleDeviceTokenRevoke(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		ClientID string `json:"clientId"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	s.auth.RevokeDeviceToken(p.ClientID)
	return map[string]any{"ok": true}, nil
}

// --- exec approval / location ---

func (s *Server) handleExecApprovalResolve(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		RequestID string `json:"requestId"`
		Decision  string `json:"decision"` // "approve" | "deny"
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	approved := p.Decision == "approve"
	by := ""
	if req.Conn != nil {
		by = req.Conn.ConnID
	}
	if err := s.approval.Resolve(p.RequestID, approved, by); err != nil {
		return nil, invalidRequest(err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleLocationResult(ctx context.Context, req dispatch.Request) (any, error) {
	// Location results are acknowledged and not forwarded anywhere; this
	// gateway has no location-aware tool.
	return map[string]any{"ok": true}, nil
}

// --- vault ---

func (s *Server) handleVaultInit(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		Password string `json:"password"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	params := vault.DefaultKDFParams()
	if s.cfg.Vault.KDFTimeCost > 0 {
		params = vault.KDFParams{
			TimeCost:  s.cfg.Vault.KDFTimeCost,
			MemoryKiB: s.cfg.Vault.KDFMemoryKiB,
			Threads:   s.cfg.Vault.KDFThreads,
		}
	}
	if err := s.vault.Initialize(p.Password, params); err != nil {
		return nil, invalidRequest(err.Error())
	}
	s.metrics.VaultState.Set(vaultStateMetric(vault.StateUnsealed))
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleVaultUnseal(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		Password string `json:"password"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	if err := s.vault.Unseal(p.Password); err != nil {
		return nil, invalidRequest(err.Error())
	}
	s.metrics.VaultState.Set(vaultStateMetric(vault.StateUnsealed))
	// Encrypt any remaining plaintext secrets; both steps are idempotent
	// and a migration failure never fails the unseal.
	if _, err := s.vault.MigrateEnvVars(store.NewEnvVarStore(s.db), s.logger); err != nil {
		s.logger.Warn("env var migration failed", "error", err)
	}
	s.vault.MigrateJSONFiles(s.cfg.DataDir, s.logger)
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleVaultSeal(ctx context.Context, req dispatch.Request) (any, error) {
	s.vault.Seal()
	s.metrics.VaultState.Set(vaultStateMetric(vault.StateSealed))
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleVaultStatus(ctx context.Context, req dispatch.Request) (any, error) {
	state, err := s.vault.Status()
	if err != nil {
		return nil, unavailable(err.Error())
	}
	return map[string]any{"state": string(state)}, nil
}

func (s *Server) handleVaultChangePassword(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	if err := s.vault.Unseal(p.OldPassword); err != nil {
		return nil, invalidRequest("old password is incorrect")
	}
	if err := s.vault.ChangePassword(p.NewPassword, vault.DefaultKDFParams()); err != nil {
		return nil, invalidRequest(err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleVaultRotateKey(ctx context.Context, req dispatch.Request) (any, error) {
	var p struct {
		Password string `json:"password"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, invalidRequest(err.Error())
	}
	err := s.vault.RotateKey(p.Password, vault.DefaultKDFParams(), func(reencryptOne func(string, string) (string, error)) error {
		return nil // no encrypted rows outside vault metadata are tracked by this gateway yet
	})
	if err != nil {
		return nil, invalidRequest(err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func identityFromPairing(pr *auth.PairingRequest) auth.Identity {
	scopes := []string{"*"}
	if pr.Role == models.ClientRoleNode {
		scopes = []string{"node"}
	}
	return auth.Identity{ClientID: pr.ClientID, Role: pr.Role, Scopes: scopes}
}

func identityFromClient(clientID string, role models.ClientRole) auth.Identity {
	return auth.Identity{ClientID: clientID, Role: role, Scopes: []string{"*"}}
}

func vaultStateMetric(state vault.State) float64 {
	switch state {
	case vault.StateUninitialized:
		return 0
	case vault.StateSealed:
		return 1
	case vault.StateUnsealed:
		return 2
	default:
		return 0
	}
}
