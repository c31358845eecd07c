package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents streams pool/dispatch events and log lines to the desktop
// shell as SSE. Recent ring-buffer entries are replayed on connect so a
// reconnecting shell doesn't miss what happened while it was away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeSSE := func(event string, v interface{}) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	busID, busCh, recentEvents := s.bus.Subscribe()
	defer s.bus.Unsubscribe(busID)
	logID, logCh, recentLogs := s.logHandler.Subscribe()
	defer s.logHandler.Unsubscribe(logID)

	for _, e := range recentEvents {
		if !writeSSE("event", e) {
			return
		}
	}
	for _, l := range recentLogs {
		if !writeSSE("log", l) {
			return
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-busCh:
			if !ok || !writeSSE("event", e) {
				return
			}
		case l, ok := <-logCh:
			if !ok || !writeSSE("log", l) {
				return
			}
		}
	}
}
