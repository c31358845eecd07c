package oauth

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestPrepareReturnsStableURLWhileFlowActive(t *testing.T) {
	client := &Client{SignInURL: "https://app.kiro.dev/signin", TokenURL: "https://example.invalid/oauth2/token", ClientID: "test-client"}
	c := NewCoordinator(client, 0)

	first, err := c.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer c.Cancel()

	second, err := c.Prepare()
	if err != nil {
		t.Fatalf("Prepare (second): %v", err)
	}
	if first != second {
		t.Fatalf("expected stable auth URL across Prepare calls while flow is active, got %q then %q", first, second)
	}
}

func TestCallbackDeliversCodeOnMatchingState(t *testing.T) {
	client := &Client{SignInURL: "https://app.kiro.dev/signin", TokenURL: "https://example.invalid/oauth2/token", ClientID: "test-client"}
	c := NewCoordinator(client, 0)

	if _, err := c.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	f := c.flow

	go func() {
		resp, err := http.Get(f.redirectURI + "?state=" + f.state + "&code=abc123")
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()

	code, err := c.WaitForCode()
	if err != nil {
		t.Fatalf("WaitForCode: %v", err)
	}
	if code != "abc123" {
		t.Fatalf("code = %q, want abc123", code)
	}
}

func TestCancelUnblocksWaitForCode(t *testing.T) {
	client := &Client{SignInURL: "https://app.kiro.dev/signin", TokenURL: "https://example.invalid/oauth2/token", ClientID: "test-client"}
	c := NewCoordinator(client, 0)

	if _, err := c.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.WaitForCode()
		done <- err
	}()

	// Give WaitForCode time to pick up the flow and block on it, so that
	// Cancel interrupts a pending wait.
	time.Sleep(50 * time.Millisecond)
	c.Cancel()

	select {
	case err := <-done:
		if err != ErrCancelled {
			t.Fatalf("WaitForCode after Cancel = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForCode did not return after Cancel")
	}

	// A fresh flow can start after cancellation.
	if _, err := c.Prepare(); err != nil {
		t.Fatalf("Prepare after Cancel: %v", err)
	}
	c.Cancel()
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	client := &Client{SignInURL: "https://app.kiro.dev/signin", TokenURL: "https://example.invalid/oauth2/token", ClientID: "test-client"}
	c := NewCoordinator(client, 0)

	if _, err := c.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	f := c.flow

	go func() {
		resp, err := http.Get(f.redirectURI + "?state=wrong&code=abc123")
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()

	_, err := c.WaitForCode()
	if err == nil || !strings.Contains(err.Error(), "state mismatch") {
		t.Fatalf("expected state mismatch error, got %v", err)
	}
}
