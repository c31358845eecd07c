package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/polyrelay/polyrelay/internal/store"
)

// ---------------------------------------------------------------------------
// User CRUD (admin only)
// ---------------------------------------------------------------------------

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	plaintext, hashStr, prefix := generateUserToken(req.Name)
	u := &store.User{
		ID:          uuid.New().String(),
		Name:        req.Name,
		TokenHash:   hashStr,
		TokenPrefix: prefix,
		Status:      "active",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		slog.Error("create user failed", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to create user")
		return
	}

	slog.Info("user created", "id", u.ID, "name", u.Name)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    u.ID,
		"name":  u.Name,
		"token": plaintext,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to delete user")
		return
	}
	slog.Info("user deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func generateUserToken(name string) (plaintext, hashStr, prefix string) {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	hexStr := hex.EncodeToString(b)
	plaintext = fmt.Sprintf("tk_%s_%s", name, hexStr)
	h := sha256.Sum256([]byte(plaintext))
	hashStr = hex.EncodeToString(h[:])
	prefix = fmt.Sprintf("tk_%s_%s...", name, hexStr[:4])
	return
}
