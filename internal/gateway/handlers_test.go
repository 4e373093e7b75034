package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/moltisdev/moltis/internal/dispatch"
	"github.com/moltisdev/moltis/internal/frame"
	"github.com/moltisdev/moltis/internal/models"
)

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	out, err := srv.handleHealth(context.Background(), dispatch.Request{})
	if err != nil {
		t.Fatalf("handleHealth: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("unexpected health payload: %#v", out)
	}
}

func TestHandleSessionResolveCreatesMissingSession(t *testing.T) {
	srv := newTestServer(t)
	params, _ := json.Marshal(map[string]string{"sessionKey": "resolve-me"})
	out, err := srv.handleSessionResolve(context.Background(), dispatch.Request{Params: params})
	if err != nil {
		t.Fatalf("handleSessionResolve: %v", err)
	}
	sess, ok := out.(*models.Session)
	if !ok || sess.Key != "resolve-me" {
		t.Fatalf("unexpected resolve payload: %#v", out)
	}
}

func TestHandleSessionPatchUpdatesFields(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	if _, err := srv.sessions.Create(ctx, "patch-me", "", "claude-sonnet-4-20250514"); err != nil {
		t.Fatalf("create: %v", err)
	}
	label := "renamed"
	params, _ := json.Marshal(map[string]any{"sessionKey": "patch-me", "label": label})
	out, err := srv.handleSessionPatch(ctx, dispatch.Request{Params: params})
	if err != nil {
		t.Fatalf("handleSessionPatch: %v", err)
	}
	sess := out.(*models.Session)
	if sess.Label != label {
		t.Fatalf("expected label %q, got %q", label, sess.Label)
	}
}

func TestHandleCronAddAndList(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	params, _ := json.Marshal(map[string]any{
		"name":     "daily-digest",
		"schedule": map[string]any{"kind": "at", "atMs": time.Now().Add(time.Hour).UnixMilli()},
		"payload":  map[string]any{"kind": "system_event", "text": "good morning"},
	})
	out, err := srv.handleCronAdd(ctx, dispatch.Request{Params: params})
	if err != nil {
		t.Fatalf("handleCronAdd: %v", err)
	}
	job := out.(*models.CronJob)
	if job.ID == "" {
		t.Fatal("expected generated job id")
	}

	listOut, err := srv.handleCronList(ctx, dispatch.Request{})
	if err != nil {
		t.Fatalf("handleCronList: %v", err)
	}
	jobs := listOut.(map[string]any)["jobs"].([]*models.CronJob)
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("expected one job matching %q, got %#v", job.ID, jobs)
	}
}

func TestHandleVaultLifecycle(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	initParams, _ := json.Marshal(map[string]string{"password": "correct horse battery staple"})
	if _, err := srv.handleVaultInit(ctx, dispatch.Request{Params: initParams}); err != nil {
		t.Fatalf("handleVaultInit: %v", err)
	}

	statusOut, err := srv.handleVaultStatus(ctx, dispatch.Request{})
	if err != nil {
		t.Fatalf("handleVaultStatus: %v", err)
	}
	if statusOut.(map[string]any)["state"] != "unsealed" {
		t.Fatalf("expected unsealed state after init, got %#v", statusOut)
	}

	if _, err := srv.handleVaultSeal(ctx, dispatch.Request{}); err != nil {
		t.Fatalf("handleVaultSeal: %v", err)
	}

	badUnseal, _ := json.Marshal(map[string]string{"password": "wrong"})
	if _, err := srv.handleVaultUnseal(ctx, dispatch.Request{Params: badUnseal}); err == nil {
		t.Fatal("expected unseal with wrong password to fail")
	}

	goodUnseal, _ := json.Marshal(map[string]string{"password": "correct horse battery staple"})
	if _, err := srv.handleVaultUnseal(ctx, dispatch.Request{Params: goodUnseal}); err != nil {
		t.Fatalf("handleVaultUnseal: %v", err)
	}
}

func TestHandleExecApprovalResolveUnknownRequest(t *testing.T) {
	srv := newTestServer(t)
	params, _ := json.Marshal(map[string]string{"requestId": "does-not-exist", "decision": "approve"})
	if _, err := srv.handleExecApprovalResolve(context.Background(), dispatch.Request{Params: params}); err == nil {
		t.Fatal("expected error resolving an unknown approval request")
	}
}

func TestHandlePairRequestApproveIssuesDeviceToken(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	reqParams, _ := json.Marshal(map[string]string{"clientId": "new-device"})
	reqOut, err := srv.handlePairRequest(models.ClientRoleOperator)(ctx, dispatch.Request{Params: reqParams})
	if err != nil {
		t.Fatalf("pair request: %v", err)
	}
	requestID := reqOut.(map[string]any)["requestId"].(string)

	approveParams, _ := json.Marshal(map[string]string{"requestId": requestID})
	approveOut, err := srv.handlePairApprove(ctx, dispatch.Request{Params: approveParams})
	if err != nil {
		t.Fatalf("pair approve: %v", err)
	}
	if approveOut.(map[string]any)["deviceToken"] == "" {
		t.Fatal("expected a device token on approval")
	}
}

func TestDecodeParamsRejectsMalformedJSON(t *testing.T) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	err := decodeParams([]byte("{not json"), &p)
	if err == nil {
		t.Fatal("expected decode error for malformed JSON")
	}
}

func TestUnknownMethodReturnsInvalidRequest(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.dispatcher.Dispatch(context.Background(), dispatch.Request{Method: "no.such.method"})
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	fe, ok := err.(*frame.Error)
	if !ok || fe.Code != frame.ErrCodeInvalidRequest {
		t.Fatalf("expected ErrCodeInvalidRequest, got %#v", err)
	}
}
