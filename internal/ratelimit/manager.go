// Package ratelimit tracks the vendor's rolling five-hour usage window
// from response headers, proactively cooling accounts down before the
// pool would otherwise learn about a rejection from a failed request.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/polyrelay/polyrelay/internal/events"
	"github.com/polyrelay/polyrelay/internal/store"
)

// Manager watches anthropic-ratelimit-unified-* response headers and
// mirrors them into account state so the pool's selection filter can skip
// an account before its five-hour window resets.
type Manager struct {
	store *store.SQLiteStore
	bus   *events.Bus
}

func NewManager(s *store.SQLiteStore, bus *events.Bus) *Manager {
	return &Manager{store: s, bus: bus}
}

func (m *Manager) publish(t events.EventType, accountID, msg string) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: t, AccountID: accountID, Message: msg})
	}
}

// CaptureHeaders updates account state from one upstream response's
// rate-limit headers.
func (m *Manager) CaptureHeaders(ctx context.Context, accountID string, headers http.Header) {
	if status := headers.Get("anthropic-ratelimit-unified-5h-status"); status != "" {
		m.updateFiveHourStatus(ctx, accountID, status)
	}
	if resetStr := headers.Get("anthropic-ratelimit-unified-reset"); resetStr != "" {
		m.updateResetTime(ctx, accountID, resetStr)
	}
}

func (m *Manager) updateFiveHourStatus(ctx context.Context, accountID, status string) {
	fields := map[string]string{"fiveHourStatus": status}
	now := time.Now().UTC()

	switch status {
	case "allowed":
		fields["forbidden"] = "false"
	case "allowed_warning":
		slog.Info("ratelimit: account nearing five-hour cap", "accountId", accountID)
	case "rejected":
		windowStart := now.Truncate(time.Hour)
		windowEnd := windowStart.Add(5 * time.Hour)
		fields["sessionWindowStart"] = windowStart.Format(time.RFC3339)
		fields["sessionWindowEnd"] = windowEnd.Format(time.RFC3339)
		fields["fiveHourStoppedAt"] = now.Format(time.RFC3339)
		fields["cooldownUntil"] = windowEnd.Add(time.Minute).Format(time.RFC3339)
		slog.Warn("ratelimit: account hit five-hour cap, cooling down until window reset", "accountId", accountID, "until", windowEnd)
		m.publish(events.EventFiveHStop, accountID, "five-hour window exhausted")
	}

	_ = m.store.SetAccountFields(ctx, accountID, fields)
}

func (m *Manager) updateResetTime(ctx context.Context, accountID, resetStr string) {
	resetTime, err := time.Parse(time.RFC3339, resetStr)
	if err != nil {
		slog.Warn("ratelimit: parse reset header", "error", err, "value", resetStr)
		return
	}

	windowEnd := resetTime
	windowStart := resetTime.Add(-5 * time.Hour)

	_ = m.store.SetAccountFields(ctx, accountID, map[string]string{
		"sessionWindowStart": windowStart.Format(time.RFC3339),
		"sessionWindowEnd":   windowEnd.Format(time.RFC3339),
		"cooldownUntil":      windowEnd.Format(time.RFC3339),
	})
}

// RunCleanup periodically restores accounts whose cooldown or five-hour
// window has elapsed.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(ctx)
		}
	}
}

func (m *Manager) cleanup(ctx context.Context) {
	ids, err := m.store.ListAccountIDs(ctx)
	if err != nil {
		slog.Error("ratelimit: cleanup list accounts", "error", err)
		return
	}

	now := time.Now()
	for _, id := range ids {
		data, err := m.store.GetAccount(ctx, id)
		if err != nil || len(data) == 0 {
			continue
		}

		if windowEnd, err := time.Parse(time.RFC3339, data["sessionWindowEnd"]); err == nil {
			if data["fiveHourStatus"] == "rejected" && now.After(windowEnd.Add(time.Minute)) {
				_ = m.store.SetAccountFields(ctx, id, map[string]string{
					"fiveHourStatus": "",
					"cooldownUntil":  "",
				})
				slog.Info("ratelimit: account restored after five-hour window reset", "accountId", id)
				m.publish(events.EventRecover, id, "five-hour window reset")
			}
		}

		if cooldownUntil, err := time.Parse(time.RFC3339, data["cooldownUntil"]); err == nil {
			if data["fiveHourStatus"] != "rejected" && now.After(cooldownUntil) {
				_ = m.store.SetAccountField(ctx, id, "cooldownUntil", "")
				slog.Info("ratelimit: account cooldown elapsed", "accountId", id)
			}
		}
	}
}
