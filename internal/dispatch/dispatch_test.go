package dispatch

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		body        string
		wantAction  Action
		wantBackoff bool
	}{
		{"global rate limit", 429, `{"message":"too many requests, please retry"}`, ActionRotate, true},
		{"per-account quota", 429, `{"message":"monthly limit exceeded for this account"}`, ActionRotate, false},
		{"usage limit phrasing", 429, `{"message":"usage limit reached"}`, ActionRotate, false},
		{"internal server error", 500, `{"message":"internal error"}`, ActionRotate, true},
		{"bad gateway", 502, `{}`, ActionRotate, true},
		{"service unavailable", 503, `{}`, ActionRotate, true},
		{"gateway timeout", 504, `{}`, ActionRotate, true},
		{"bad request surrenders", 400, `{"message":"invalid parameter"}`, ActionSurrender, false},
		{"not found surrenders", 404, `{}`, ActionSurrender, false},
		{"unprocessable surrenders", 422, `{}`, ActionSurrender, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			strat := Classify(c.status, []byte(c.body), false)
			if strat.Action != c.wantAction {
				t.Errorf("Classify(%d, %q) action = %v, want %v", c.status, c.body, strat.Action, c.wantAction)
			}
			if strat.Backoff != c.wantBackoff {
				t.Errorf("Classify(%d, %q) backoff = %v, want %v", c.status, c.body, strat.Backoff, c.wantBackoff)
			}
		})
	}
}

func TestBackoffFor(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, c := range cases {
		if got := BackoffFor(c.attempt); got != c.want {
			t.Errorf("BackoffFor(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestIsExpiredToken(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"401 with ExpiredToken marker", 401, `{"__type":"ExpiredTokenException","message":"The security token included in the request is expired"}`, true},
		{"403 with expired marker", 403, `{"message":"token expired"}`, true},
		{"401 unrelated", 401, `{"message":"invalid credentials"}`, false},
		{"429 never classified here", 429, `{"message":"expired"}`, false},
		{"200 never classified here", 200, `{"message":"expired"}`, false},
	}
	for _, c := range cases {
		if got := IsExpiredToken(c.status, []byte(c.body)); got != c.want {
			t.Errorf("IsExpiredToken(%d, %q) = %v, want %v", c.status, c.body, got, c.want)
		}
	}
}

func TestIsBanSignal(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"org disabled", 403, `{"message":"organization has been disabled"}`, true},
		{"account disabled", 403, `{"message":"this account has been disabled"}`, true},
		{"too many sessions", 403, `{"message":"too many active sessions"}`, true},
		{"cc-only restriction", 403, `{"message":"only authorized for use with Claude Code"}`, true},
		{"ordinary 403 is not a ban signal", 403, `{"message":"access denied"}`, false},
		{"wrong status", 500, `{"message":"organization has been disabled"}`, false},
	}
	for _, c := range cases {
		if got := IsBanSignal(c.status, []byte(c.body)); got != c.want {
			t.Errorf("IsBanSignal(%d, %q) = %v, want %v", c.status, c.body, got, c.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short string changed it: %q", got)
	}
	if got := truncate("this is a long string", 7); got != "this is..." {
		t.Errorf("truncate long string = %q", got)
	}
}

func TestIsOldSession(t *testing.T) {
	// A genuinely fresh Claude Code session's first turn is a single message
	// that already carries the full tool definition list.
	freshTurn := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{
				"content": []interface{}{
					map[string]interface{}{"type": "text"},
				},
			},
		},
		"tools": []interface{}{
			map[string]interface{}{"name": "bash"},
		},
	}
	if isOldSession(freshTurn) {
		t.Errorf("single-message request with tools should not be treated as an old session")
	}

	noTools := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{
				"content": []interface{}{
					map[string]interface{}{"type": "text"},
				},
			},
		},
	}
	if !isOldSession(noTools) {
		t.Errorf("single-message request missing tool definitions should be treated as an old session")
	}

	multiTurn := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"content": []interface{}{map[string]interface{}{"type": "text"}}},
			map[string]interface{}{"content": []interface{}{map[string]interface{}{"type": "text"}}},
		},
	}
	if !isOldSession(multiTurn) {
		t.Errorf("multi-message request should be treated as an old session")
	}
}
