package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/polyrelay/polyrelay/internal/store"
)

// handleUsageSummary aggregates the request log, grouped by ?group_by=
// (day, user, account, model) over an optional ?since=/?until= RFC3339
// window, defaulting to the trailing seven days.
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	q := r.URL.Query()
	opts := store.UsageQueryOpts{
		UserID:    q.Get("user_id"),
		AccountID: q.Get("account_id"),
		GroupBy:   q.Get("group_by"),
		Since:     time.Now().Add(-7 * 24 * time.Hour),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Until = t
		}
	}

	rows, err := s.store.QueryUsageSummary(r.Context(), opts)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to query usage")
		return
	}
	if rows == nil {
		rows = []*store.UsageSummaryRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleRequestLogs pages through the raw request log, newest first.
func (s *Server) handleRequestLogs(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	q := r.URL.Query()
	opts := store.RequestLogQuery{
		UserID:    q.Get("user_id"),
		AccountID: q.Get("account_id"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = n
	}

	logs, total, err := s.store.QueryRequestLogs(r.Context(), opts)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to query request log")
		return
	}
	if logs == nil {
		logs = []*store.RequestLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"total": total, "logs": logs})
}
