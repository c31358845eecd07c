// Package store persists accounts, users, and request history for the relay.
//
// Ephemeral, request-scoped state (sticky sessions, session bindings,
// stainless header fingerprints, per-account refresh locks) lives only in
// memory (TTLMap and sync.Map) and is lost on restart; accounts, users,
// and request logs are durable in SQLite.
package store

import "time"

// User represents an API caller with a hashed bearer token.
type User struct {
	ID           string
	Name         string
	TokenHash    string
	TokenPrefix  string
	Status       string
	CreatedAt    time.Time
	LastActiveAt *time.Time
}

// RequestLog is one completed inbound request, for analytics and auditing.
type RequestLog struct {
	ID                int64
	UserID            string
	AccountID         string
	Vendor            string
	Model             string
	InputTokens       int
	OutputTokens      int
	CacheReadTokens   int
	CacheCreateTokens int
	CostUSD           float64
	Status            string
	DurationMs        int64
	CreatedAt         time.Time
}

// RequestLogQuery paginates and filters request log reads.
type RequestLogQuery struct {
	UserID    string
	AccountID string
	Limit     int
	Offset    int
}

// UsageQueryOpts controls QueryUsageSummary's grouping and time window.
type UsageQueryOpts struct {
	UserID    string
	AccountID string
	GroupBy   string // "day" | "user" | "account" | "model" | ""
	Since     time.Time
	Until     time.Time
}

// UsageSummaryRow is one grouped aggregate row from the request log.
type UsageSummaryRow struct {
	Key               string  `json:"key"`
	RequestCount      int     `json:"requests"`
	InputTokens       int64   `json:"input_tokens"`
	OutputTokens      int64   `json:"output_tokens"`
	CacheReadTokens   int64   `json:"cache_read_tokens"`
	CacheCreateTokens int64   `json:"cache_create_tokens"`
	CostUSD           float64 `json:"cost_usd"`
}

// SessionBindingInfo describes one active sticky-session binding.
type SessionBindingInfo struct {
	SessionUUID string    `json:"session_uuid"`
	AccountID   string    `json:"account_id"`
	CreatedAt   string    `json:"created_at"`
	LastUsedAt  string    `json:"last_used_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
