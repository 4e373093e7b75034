package agent

import "testing"

func TestClassifyErrorBodyUsageLimitJSON(t *testing.T) {
	raw := `{"error":{"type":"usage_limit_reached","plan_type":"pro","resets_at":1700000000}}`
	reason, detail, resetsAt := ClassifyErrorBody(raw, 0)
	if reason != FailoverUsageLimitReached {
		t.Fatalf("reason = %q, want usage_limit_reached", reason)
	}
	if detail != "Your pro plan limit has been reached." {
		t.Fatalf("detail = %q", detail)
	}
	if resetsAt == nil || *resetsAt != 1700000000000 {
		t.Fatalf("resetsAt = %v, want 1700000000000", resetsAt)
	}
}

func TestClassifyErrorBodyUsageLimitMessageSubstring(t *testing.T) {
	raw := `{"error":{"message":"You have hit your usage limit for this month"}}`
	reason, _, _ := ClassifyErrorBody(raw, 0)
	if reason != FailoverUsageLimitReached {
		t.Fatalf("reason = %q, want usage_limit_reached", reason)
	}
}

func TestClassifyErrorBodyRateLimitJSON(t *testing.T) {
	raw := `{"error":{"message":"You have exceeded the rate limit"}}`
	reason, _, _ := ClassifyErrorBody(raw, 0)
	if reason != FailoverRateLimitExceeded {
		t.Fatalf("reason = %q, want rate_limit_exceeded", reason)
	}
}

func TestClassifyErrorBodyQuotaExceededMapsToRateLimit(t *testing.T) {
	raw := `{"error":{"message":"quota exceeded for this billing period"}}`
	reason, _, _ := ClassifyErrorBody(raw, 0)
	if reason != FailoverRateLimitExceeded {
		t.Fatalf("reason = %q, want rate_limit_exceeded", reason)
	}
}

func TestClassifyErrorBodyHTTP401(t *testing.T) {
	reason, _, _ := ClassifyErrorBody("Request failed with HTTP 401 Unauthorized", 0)
	if reason != FailoverAuthError {
		t.Fatalf("reason = %q, want auth_error", reason)
	}
}

func TestClassifyErrorBodyHTTP429(t *testing.T) {
	reason, _, _ := ClassifyErrorBody("too many requests, HTTP 429", 0)
	if reason != FailoverRateLimitExceeded {
		t.Fatalf("reason = %q, want rate_limit_exceeded", reason)
	}
}

func TestClassifyErrorBodyHTTP500(t *testing.T) {
	reason, _, _ := ClassifyErrorBody("upstream failed, HTTP 503 Service Unavailable", 0)
	if reason != FailoverServerError {
		t.Fatalf("reason = %q, want server_error", reason)
	}
}

func TestClassifyErrorBodyStatusColonFormat(t *testing.T) {
	reason, _, _ := ClassifyErrorBody("request failed, status: 500", 0)
	if reason != FailoverServerError {
		t.Fatalf("reason = %q, want server_error", reason)
	}
}

func TestClassifyErrorBodyStatusEqualsFormat(t *testing.T) {
	reason, _, _ := ClassifyErrorBody("github-copilot API error status=429 retry later", 0)
	if reason != FailoverRateLimitExceeded {
		t.Fatalf("reason = %q, want rate_limit_exceeded", reason)
	}
}

func TestClassifyErrorBodyGenericJSONError(t *testing.T) {
	raw := `{"error":{"message":"invalid request: missing field 'model'"}}`
	reason, detail, _ := ClassifyErrorBody(raw, 0)
	if reason != FailoverAPIError {
		t.Fatalf("reason = %q, want api_error", reason)
	}
	if detail != "invalid request: missing field 'model'" {
		t.Fatalf("detail = %q", detail)
	}
}

func TestClassifyErrorBodyPlainTextFallback(t *testing.T) {
	reason, detail, _ := ClassifyErrorBody("connection reset by peer", 0)
	if reason != FailoverUnknown {
		t.Fatalf("reason = %q, want unknown", reason)
	}
	if detail != "connection reset by peer" {
		t.Fatalf("detail = %q", detail)
	}
}

func TestClassifyErrorBodyNoResetsAtWhenAbsent(t *testing.T) {
	raw := `{"error":{"message":"rate limit hit"}}`
	_, _, resetsAt := ClassifyErrorBody(raw, 0)
	if resetsAt != nil {
		t.Fatalf("resetsAt = %v, want nil", resetsAt)
	}
}

func TestClassifyErrorBodyUnsupportedModelFromBody(t *testing.T) {
	raw := `{"error":{"detail":"model 'gpt-fictional' is not supported by this endpoint"}}`
	reason, _, _ := ClassifyErrorBody(raw, 0)
	if reason != FailoverUnsupportedModel {
		t.Fatalf("reason = %q, want unsupported_model", reason)
	}
}

func TestClassifyErrorBodyUnsupportedModelFromPlainText(t *testing.T) {
	reason, _, _ := ClassifyErrorBody("the requested model is not available in this region", 0)
	if reason != FailoverUnsupportedModel {
		t.Fatalf("reason = %q, want unsupported_model", reason)
	}
}

func TestClassifyErrorBodyExplicitStatusOverridesText(t *testing.T) {
	reason, _, _ := ClassifyErrorBody("server exploded", 500)
	if reason != FailoverServerError {
		t.Fatalf("reason = %q, want server_error", reason)
	}
}

func TestFailoverReasonIsRetryable(t *testing.T) {
	cases := map[FailoverReason]bool{
		FailoverRateLimitExceeded: true,
		FailoverServerError:       true,
		FailoverUsageLimitReached: false,
		FailoverAuthError:         false,
		FailoverUnsupportedModel:  false,
		FailoverAPIError:          false,
		FailoverCancelled:         false,
		FailoverUnknown:           false,
	}
	for reason, want := range cases {
		if got := reason.IsRetryable(); got != want {
			t.Errorf("%s.IsRetryable() = %v, want %v", reason, got, want)
		}
	}
}
