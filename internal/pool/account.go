package pool

import (
	"encoding/json"
	"strconv"
	"time"
)

// Account is one vendor credential in the pool.
type Account struct {
	ID            string
	Vendor        string
	Email         string
	Status        string // created, active, error, disabled, blocked
	ErrorMessage  string
	Priority      int
	CreatedAt     time.Time
	LastUsedAt    *time.Time
	LastRefreshAt *time.Time
	ExpiresAt     int64 // unix millis
	ProfileARN    string
	Proxy         *ProxyConfig
	ExtInfo       map[string]interface{}

	FiveHourStatus     string
	FiveHourStoppedAt  *time.Time
	SessionWindowStart *time.Time
	SessionWindowEnd   *time.Time
	CooldownUntil      *time.Time
	Forbidden          bool
}

// ProxyConfig is a per-account outbound proxy.
type ProxyConfig struct {
	Type     string `json:"type"` // socks5, http, https
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// schedulable reports whether the account is eligible for selection at
// all, independent of cooldown/forbidden/exclusion (those are checked by
// the caller against the current instant).
func (a *Account) schedulable() bool {
	return a.Status == "active" || a.Status == "created"
}

func accountFromMap(m map[string]string) *Account {
	a := &Account{
		ID:             m["id"],
		Vendor:         m["vendor"],
		Email:          m["email"],
		Status:         m["status"],
		ErrorMessage:   m["errorMessage"],
		Priority:       atoi(m["priority"], 50),
		ExpiresAt:      atoi64(m["expiresAt"], 0),
		ProfileARN:     m["profileArn"],
		FiveHourStatus: m["fiveHourStatus"],
		Forbidden:      m["forbidden"] == "true",
	}
	if t, err := time.Parse(time.RFC3339, m["createdAt"]); err == nil {
		a.CreatedAt = t
	}
	a.LastUsedAt = parseTimePtr(m["lastUsedAt"])
	a.LastRefreshAt = parseTimePtr(m["lastRefreshAt"])
	a.FiveHourStoppedAt = parseTimePtr(m["fiveHourStoppedAt"])
	a.SessionWindowStart = parseTimePtr(m["sessionWindowStart"])
	a.SessionWindowEnd = parseTimePtr(m["sessionWindowEnd"])
	a.CooldownUntil = parseTimePtr(m["cooldownUntil"])

	if proxyStr := m["proxy"]; proxyStr != "" {
		var p ProxyConfig
		if json.Unmarshal([]byte(proxyStr), &p) == nil && p.Host != "" {
			a.Proxy = &p
		}
	}
	if extStr := m["extInfo"]; extStr != "" {
		var ext map[string]interface{}
		if json.Unmarshal([]byte(extStr), &ext) == nil {
			a.ExtInfo = ext
		}
	}
	return a
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func atoi(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func atoi64(s string, def int64) int64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return def
}
