package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/polyrelay/polyrelay/internal/pool"
	"github.com/polyrelay/polyrelay/internal/store"
)

// accountView is the list-shape projection of a pooled account: no tokens,
// no proxy credentials.
type accountView struct {
	ID             string     `json:"id"`
	Vendor         string     `json:"vendor"`
	Email          string     `json:"email"`
	Status         string     `json:"status"`
	Priority       int        `json:"priority"`
	Forbidden      bool       `json:"forbidden"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
	FiveHourStatus string     `json:"fiveHourStatus"`
	CooldownUntil  *time.Time `json:"cooldownUntil,omitempty"`
}

func toAccountView(a *pool.Account) accountView {
	return accountView{
		ID:             a.ID,
		Vendor:         a.Vendor,
		Email:          a.Email,
		Status:         a.Status,
		Priority:       a.Priority,
		Forbidden:      a.Forbidden,
		LastUsedAt:     a.LastUsedAt,
		FiveHourStatus: a.FiveHourStatus,
		CooldownUntil:  a.CooldownUntil,
	}
}

// handleListAccounts returns every pooled account, across all vendors.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	accounts, err := s.pool.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, toAccountView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

// quotaSnapshot is the normalized shape the desktop shell renders for an
// account's usage window — the core treats the underlying numbers as
// opaque beyond whether they push the account into cooldown.
type quotaSnapshot struct {
	Used    string     `json:"used"`
	Limit   string     `json:"limit"`
	ResetAt *time.Time `json:"resetAt,omitempty"`
}

// handleGetAccount returns one account's full detail, including its
// five-hour quota snapshot and any session bindings pinned to it.
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	acct, err := s.pool.AccountSnapshot(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}

	sessions, _ := s.store.ListSessionBindingsForAccount(r.Context(), id)
	if sessions == nil {
		sessions = []store.SessionBindingInfo{}
	}

	// Live usage report from the vendor portal, best-effort: a portal
	// outage must not make account inspection fail.
	var usage interface{}
	quotaCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if snap, err := s.pool.QuotaSnapshot(quotaCtx, id); err == nil {
		usage = snap
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            acct.ID,
		"vendor":        acct.Vendor,
		"email":         acct.Email,
		"status":        acct.Status,
		"priority":      acct.Priority,
		"forbidden":     acct.Forbidden,
		"errorMessage":  acct.ErrorMessage,
		"extInfo":       acct.ExtInfo,
		"proxy":         acct.Proxy,
		"createdAt":     acct.CreatedAt,
		"lastUsedAt":    acct.LastUsedAt,
		"lastRefreshAt": acct.LastRefreshAt,
		"expiresAt":     acct.ExpiresAt,
		"quota": quotaSnapshot{
			Used:    acct.FiveHourStatus,
			Limit:   "5h",
			ResetAt: acct.SessionWindowEnd,
		},
		"cooldownUntil": acct.CooldownUntil,
		"sessions":      sessions,
		"usage":         usage,
	})
}

// handleDeleteAccount removes an account from the pool by ID.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.pool.AccountSnapshot(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	if err := s.pool.Remove(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to delete account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// handleUpdateAccountStatus toggles an account between active and
// disabled, and clears Forbidden when re-activated (the submit-code
// re-auth path clears it too).
func (s *Server) handleUpdateAccountStatus(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Status != "active" && req.Status != "disabled") {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "status must be 'active' or 'disabled'")
		return
	}
	acct, err := s.pool.AccountSnapshot(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	acct.Status = req.Status
	if req.Status == "active" {
		acct.Forbidden = false
	}
	if err := s.pool.Upsert(r.Context(), acct, "", ""); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to update account status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

// handleUpdateAccountPriority sets an account's selection priority. The
// pool's current candidate filter is priority-blind (plain round robin);
// priority is recorded for a future weighting pass and for the desktop
// shell's own display, not yet consulted by GetToken.
func (s *Server) handleUpdateAccountPriority(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	var req struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	acct, err := s.pool.AccountSnapshot(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	acct.Priority = req.Priority
	if err := s.pool.Upsert(r.Context(), acct, "", ""); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to update priority")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "priority": req.Priority})
}

// handleUpdateAccountProxy sets or clears an account's per-account
// outbound proxy.
func (s *Server) handleUpdateAccountProxy(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	var req struct {
		Type     string `json:"type"`
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	acct, err := s.pool.AccountSnapshot(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	if req.Host == "" {
		acct.Proxy = nil
	} else {
		acct.Proxy = &pool.ProxyConfig{
			Type:     req.Type,
			Host:     req.Host,
			Port:     req.Port,
			Username: req.Username,
			Password: req.Password,
		}
	}
	if err := s.pool.Upsert(r.Context(), acct, "", ""); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to update proxy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "proxy": strconv.FormatBool(acct.Proxy != nil)})
}
