package ratelimit

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/polyrelay/polyrelay/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedAccount(t *testing.T, s *store.SQLiteStore, id string, fields map[string]string) {
	t.Helper()
	base := map[string]string{
		"vendor":    "kiro",
		"email":     "test@example.com",
		"status":    "active",
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		base[k] = v
	}
	if err := s.SetAccount(context.Background(), id, base); err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestAllowedWarningDoesNotSetCooldown(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(s, nil)
	accountID := "acct-warning"
	seedAccount(t, s, accountID, nil)

	mgr.updateFiveHourStatus(context.Background(), accountID, "allowed_warning")

	data, err := s.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got := data["cooldownUntil"]; got != "" {
		t.Fatalf("cooldownUntil should stay unset on warning, got %q", got)
	}
}

func TestRejectedSetsCooldownAndWindow(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(s, nil)
	accountID := "acct-rejected"
	seedAccount(t, s, accountID, nil)

	mgr.updateFiveHourStatus(context.Background(), accountID, "rejected")

	data, err := s.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got := data["cooldownUntil"]; got == "" {
		t.Fatal("cooldownUntil should be set after rejected")
	}
	if got := data["fiveHourStatus"]; got != "rejected" {
		t.Fatalf("fiveHourStatus should be rejected, got %q", got)
	}
	if got := data["sessionWindowEnd"]; got == "" {
		t.Fatal("sessionWindowEnd should be set after rejected")
	}
}

func TestCleanupRestoresAfterWindowReset(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(s, nil)
	accountID := "acct-recover"

	seedAccount(t, s, accountID, map[string]string{
		"fiveHourStatus":   "rejected",
		"sessionWindowEnd": time.Now().Add(-2 * time.Minute).UTC().Format(time.RFC3339),
		"cooldownUntil":    time.Now().Add(-1 * time.Minute).UTC().Format(time.RFC3339),
	})

	mgr.cleanup(context.Background())

	data, err := s.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got := data["fiveHourStatus"]; got != "" {
		t.Fatalf("fiveHourStatus should be cleared after window reset, got %q", got)
	}
	if got := data["cooldownUntil"]; got != "" {
		t.Fatalf("cooldownUntil should be cleared after window reset, got %q", got)
	}
}

func TestCleanupLeavesFutureCooldownAlone(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(s, nil)
	accountID := "acct-still-cooling"

	future := time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339)
	seedAccount(t, s, accountID, map[string]string{
		"cooldownUntil": future,
	})

	mgr.cleanup(context.Background())

	data, err := s.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got := data["cooldownUntil"]; got != future {
		t.Fatalf("cooldownUntil should be left alone while still in the future, got %q", got)
	}
}

func TestCaptureHeadersUpdatesFiveHourStatus(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(s, nil)
	accountID := "acct-headers"
	seedAccount(t, s, accountID, nil)

	h := http.Header{}
	h.Set("anthropic-ratelimit-unified-5h-status", "rejected")
	mgr.CaptureHeaders(context.Background(), accountID, h)

	data, err := s.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got := data["fiveHourStatus"]; got != "rejected" {
		t.Fatalf("got %q, want rejected", got)
	}
}
