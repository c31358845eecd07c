package server

import (
	"fmt"
	"net/http"
	"time"
)

// handleHealth reports a liveness snapshot of the store and the pool: it
// is deliberately cheap (no upstream vendor calls) so it can be polled
// frequently by the desktop shell or an external uptime check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		storeStatus = err.Error()
	}

	poolStatus := "ok"
	accounts, err := s.pool.List(r.Context())
	if err != nil {
		poolStatus = err.Error()
	}

	active, forbidden := 0, 0
	for _, a := range accounts {
		if a.Forbidden {
			forbidden++
			continue
		}
		if a.Status == "active" {
			active++
		}
	}

	d := time.Since(s.startTime)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	uptime := fmt.Sprintf("%dd %dh %dm", days, hours, mins)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"store":             storeStatus,
		"pool":              poolStatus,
		"accountsTotal":     len(accounts),
		"accountsActive":    active,
		"accountsForbidden": forbidden,
		"uptime":            uptime,
		"version":           s.version,
	})
}
