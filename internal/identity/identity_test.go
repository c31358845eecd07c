package identity

import (
	"net/http"
	"regexp"
	"strings"
	"testing"
)

func TestRewriteUserIDKeepsFormat(t *testing.T) {
	orig := "user_" + strings.Repeat("a", 64) + "_account__session_123e4567-e89b-12d3-a456-426614174000"
	got := RewriteUserID(orig, "acct-1", "real-account-uuid")

	pattern := regexp.MustCompile(`^user_[a-f0-9]{64}_account__session_[a-f0-9-]{36}$`)
	if !pattern.MatchString(got) {
		t.Fatalf("rewritten user_id has wrong shape: %q", got)
	}
	if got == orig {
		t.Fatal("user_id should have been rewritten to the account's identity")
	}

	again := RewriteUserID(orig, "acct-1", "real-account-uuid")
	if got != again {
		t.Fatalf("rewrite must be deterministic: %q vs %q", got, again)
	}
}

func TestExtractSessionUUID(t *testing.T) {
	uid := "user_" + strings.Repeat("a", 64) + "_account__session_123e4567-e89b-12d3-a456-426614174000"
	if got := ExtractSessionUUID(uid); got != "123e4567-e89b-12d3-a456-426614174000" {
		t.Fatalf("got %q", got)
	}
	if got := ExtractSessionUUID("no session here"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestIsWarmupRequest(t *testing.T) {
	warm := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "Warmup"},
		},
	}
	if !IsWarmupRequest(warm) {
		t.Fatal("plain Warmup message should be detected")
	}

	real := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "explain this code"},
		},
	}
	if IsWarmupRequest(real) {
		t.Fatal("ordinary request misdetected as warmup")
	}
}

func TestComputeSessionHashStableAndDiscriminating(t *testing.T) {
	body := map[string]interface{}{
		"metadata": map[string]interface{}{
			"user_id": "user_x_account__session_123e4567-e89b-12d3-a456-426614174000",
		},
	}
	a := ComputeSessionHash(body)
	b := ComputeSessionHash(body)
	if a == "" || a != b {
		t.Fatalf("hash must be stable and non-empty: %q vs %q", a, b)
	}

	other := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "different conversation"},
		},
	}
	if ComputeSessionHash(other) == a {
		t.Fatal("different conversations must not collide")
	}
}

func TestSignatureCaptureAndRestore(t *testing.T) {
	sc := NewSignatureCache()
	sc.Store("sess-1", "thinking about it", "sig-abc")
	if got := sc.Lookup("sess-1", "thinking about it"); got != "sig-abc" {
		t.Fatalf("Lookup = %q", got)
	}
	if got := sc.Lookup("sess-2", "thinking about it"); got != "" {
		t.Fatalf("signatures must be session-scoped, got %q", got)
	}

	tr := &Transformer{sigCache: sc}
	tr.CaptureSignatures("sess-3", map[string]interface{}{
		"type": "content_block_stop",
		"content_block": map[string]interface{}{
			"type":      "thinking",
			"thinking":  "captured text",
			"signature": "sig-xyz",
		},
	})
	if got := sc.Lookup("sess-3", "captured text"); got != "sig-xyz" {
		t.Fatalf("CaptureSignatures did not populate the cache, got %q", got)
	}
}

func TestBuildWarmupResponseIsCompleteSSE(t *testing.T) {
	sse := string(BuildWarmupResponse("claude-sonnet-4-5"))
	for _, event := range []string{"message_start", "content_block_delta", "message_stop"} {
		if !strings.Contains(sse, "event: "+event) {
			t.Fatalf("warmup response missing %s:\n%s", event, sse)
		}
	}
	if !strings.Contains(sse, "claude-sonnet-4-5") {
		t.Fatal("warmup response must echo the requested model")
	}
}

func TestKiroUserAgentShape(t *testing.T) {
	ua := KiroUserAgent()
	if !strings.HasPrefix(ua, "aws-sdk-js/") {
		t.Fatalf("unexpected prefix: %q", ua)
	}
	if !strings.Contains(ua, "api/codewhispererstreaming#") || !strings.Contains(ua, "KiroIDE-") {
		t.Fatalf("missing SDK markers: %q", ua)
	}
	if ua != KiroUserAgent() {
		t.Fatal("user agent must be stable within a process")
	}
}

func TestSetVendorHeaders(t *testing.T) {
	h := http.Header{}
	token := "aoaXYZ:signature-tail"
	SetVendorHeaders(h, token, "inv-1")

	if got := h.Get("Authorization"); got != "Bearer "+token {
		t.Fatalf("Authorization = %q; the colon-delimited signature suffix must be preserved", got)
	}
	if h.Get("x-amzn-codewhisperer-optout") != "true" {
		t.Fatal("missing opt-out header")
	}
	if h.Get("x-amzn-kiro-agent-mode") != "intent-classification" {
		t.Fatal("missing agent-mode header")
	}
	if h.Get("amz-sdk-invocation-id") != "inv-1" {
		t.Fatal("missing invocation id")
	}
	if h.Get("amz-sdk-request") != "attempt=1; max=3" {
		t.Fatal("missing amz-sdk-request header")
	}
}

func TestFilterHeadersDropsInfrastructureHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer abc")
	in.Set("X-Forwarded-For", "1.2.3.4")
	in.Set("Cf-Connecting-Ip", "1.2.3.4")
	in.Set("X-Stainless-Os", "MacOS")

	out := FilterHeaders(in)
	if out.Get("Authorization") == "" {
		t.Fatal("allowed header dropped")
	}
	if out.Get("X-Forwarded-For") != "" || out.Get("Cf-Connecting-Ip") != "" {
		t.Fatal("infrastructure headers must not be forwarded")
	}
	if out.Get("X-Stainless-Os") == "" {
		t.Fatal("stainless headers pass the filter (fingerprint binding handles them later)")
	}
}
