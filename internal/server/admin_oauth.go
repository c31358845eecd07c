package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/polyrelay/polyrelay/internal/dispatch"
	"github.com/polyrelay/polyrelay/internal/oauth"
	"github.com/polyrelay/polyrelay/internal/pool"
)

// handleGenerateAuthURL starts (or resumes) the single-active PKCE flow
// and returns the sign-in URL for the administrator to open in a browser.
func (s *Server) handleGenerateAuthURL(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	authURL, err := s.oauthCoord.Prepare()
	if err != nil {
		writeAdminError(w, http.StatusConflict, "oauth_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authUrl": authURL})
}

// handleExchangeCode completes the flow for a brand new account: the code
// is exchanged immediately against the verifier recorded by Prepare, and a
// new pool account is created from the resulting tokens.
func (s *Server) handleExchangeCode(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req struct {
		Code  string `json:"code"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	tokens, err := s.oauthCoord.SubmitCodeManually(req.Code)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, "oauth_error", err.Error())
		return
	}
	s.createAccountFromTokens(w, r, req.Email, tokens)
}

// handleCompleteOAuth blocks until the loopback receiver delivers the
// authorization code (the caller has just opened the sign-in URL in a
// browser), exchanges it, and creates the pool account. Cancelling the
// flow or a state mismatch unblocks this with an error.
func (s *Server) handleCompleteOAuth(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req struct {
		Email string `json:"email"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	code, err := s.oauthCoord.WaitForCode()
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, "oauth_error", err.Error())
		return
	}
	tokens, err := s.oauthCoord.Exchange(code)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, "oauth_error", err.Error())
		return
	}
	s.createAccountFromTokens(w, r, req.Email, tokens)
}

func (s *Server) createAccountFromTokens(w http.ResponseWriter, r *http.Request, email string, tokens *oauth.Tokens) {
	if email == "" {
		email = fmt.Sprintf("kiro-%d", time.Now().UnixMilli())
	}

	acct := &pool.Account{
		ID:         uuid.NewString(),
		Vendor:     dispatch.VendorKiro,
		Email:      email,
		Status:     "active",
		Priority:   50,
		ProfileARN: tokens.ProfileARN,
		ExpiresAt:  tokens.ExpiresAt.UnixMilli(),
	}
	if acct.ProfileARN == "" {
		acct.ProfileARN = s.cfg.DefaultProfileARN
	}
	if err := s.pool.Upsert(r.Context(), acct, tokens.RefreshToken, tokens.AccessToken); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to store account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": acct.ID, "email": acct.Email})
}

// handleSubmitCodeForAccount re-authenticates an existing account whose
// refresh token has been revoked or has expired: the exchanged tokens
// replace the account's stored credentials in place, preserving its ID,
// priority, and history.
func (s *Server) handleSubmitCodeForAccount(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	acct, err := s.pool.AccountSnapshot(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}

	tokens, err := s.oauthCoord.SubmitCodeManually(req.Code)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, "oauth_error", err.Error())
		return
	}

	acct.Status = "active"
	acct.Forbidden = false
	acct.ErrorMessage = ""
	acct.ExpiresAt = tokens.ExpiresAt.UnixMilli()
	if tokens.ProfileARN != "" {
		acct.ProfileARN = tokens.ProfileARN
	}
	if err := s.pool.Upsert(r.Context(), acct, tokens.RefreshToken, tokens.AccessToken); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to update account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": acct.ID, "status": acct.Status})
}

// handleCancelOAuth aborts any PKCE flow currently in progress.
func (s *Server) handleCancelOAuth(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	s.oauthCoord.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": "true"})
}
