package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polyrelay/polyrelay/internal/auth"
	"github.com/polyrelay/polyrelay/internal/bridge"
	"github.com/polyrelay/polyrelay/internal/config"
	"github.com/polyrelay/polyrelay/internal/events"
	"github.com/polyrelay/polyrelay/internal/identity"
	"github.com/polyrelay/polyrelay/internal/pool"
	"github.com/polyrelay/polyrelay/internal/ratelimit"
	"github.com/polyrelay/polyrelay/internal/router"
	"github.com/polyrelay/polyrelay/internal/store"
)

// VendorKiro is the sole streaming vendor this build bridges to; the pool
// and router are keyed by vendor tag so a second vendor plugs in without
// touching this constant's callers.
const VendorKiro = "kiro"

// protocol discriminates which client wire-format the request arrived in,
// so the success/failure paths know how to shape the response.
type protocol int

const (
	protoAnthropic protocol = iota
	protoOpenAI
)

// TransportProvider supplies per-account HTTP clients (utls fingerprint +
// optional proxy); implemented by *transport.Manager.
type TransportProvider interface {
	GetClient(acct *pool.Account) *http.Client
}

// Dispatcher owns the per-request attempt loop: account selection,
// request translation, upstream send, and failure classification.
type Dispatcher struct {
	store       *store.SQLiteStore
	pool        *pool.Pool
	transformer *identity.Transformer
	rateLimit   *ratelimit.Manager
	cfg         *config.Config
	transport   TransportProvider
	bus         *events.Bus
}

func New(
	s *store.SQLiteStore,
	p *pool.Pool,
	trans *identity.Transformer,
	rl *ratelimit.Manager,
	cfg *config.Config,
	tp TransportProvider,
	bus *events.Bus,
) *Dispatcher {
	return &Dispatcher{
		store:       s,
		pool:        p,
		transformer: trans,
		rateLimit:   rl,
		cfg:         cfg,
		transport:   tp,
		bus:         bus,
	}
}

func (d *Dispatcher) publish(t events.EventType, accountID, msg string) {
	if d.bus != nil {
		d.bus.Publish(events.Event{Type: t, AccountID: accountID, Message: msg})
	}
}

// logRequest records one completed inbound request. Token counts stay zero:
// the streaming vendor's transport does not report usage.
func (d *Dispatcher) logRequest(ctx context.Context, keyInfo *auth.KeyInfo, accountID, model, status string, started time.Time) {
	userID := ""
	if keyInfo != nil {
		userID = keyInfo.ID
	}
	_ = d.store.InsertRequestLog(ctx, &store.RequestLog{
		UserID:     userID,
		AccountID:  accountID,
		Vendor:     VendorKiro,
		Model:      model,
		Status:     status,
		DurationMs: time.Since(started).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	})
}

// Handle serves POST /v1/messages — the Anthropic-compatible surface.
func (d *Dispatcher) Handle(w http.ResponseWriter, req *http.Request) {
	d.serve(w, req, protoAnthropic)
}

// HandleOpenAI serves POST /v1/chat/completions.
func (d *Dispatcher) HandleOpenAI(w http.ResponseWriter, req *http.Request) {
	d.serve(w, req, protoOpenAI)
}

// HandleCountTokens serves POST /v1/messages/count_tokens. It runs a single
// unretried attempt against the vendor's count_tokens-shaped companion
// endpoint — the vendor doesn't actually tokenize this protocol, so there
// is nothing to rotate away from beyond ordinary account selection.
func (d *Dispatcher) HandleCountTokens(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if auth.GetKeyInfo(ctx) == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
		return
	}

	body, _, err := parseBody(req, d.cfg.MaxRequestBodyMB)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	model, _ := body["model"].(string)

	tok, err := d.pool.GetToken(ctx, VendorKiro, false, "", model, nil)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no available accounts")
		return
	}

	acct, err := d.pool.AccountSnapshot(ctx, tok.AccountID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "api_error", "account unavailable")
		return
	}

	result := d.transformer.Transform(ctx, body, req.Header, acct)
	payload, err := json.Marshal(result.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to marshal request body")
		return
	}

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.VendorAPIURL+"/count_tokens", bytes.NewReader(payload))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to build upstream request")
		return
	}
	for k, vals := range result.Headers {
		for _, v := range vals {
			upReq.Header.Add(k, v)
		}
	}
	identity.SetVendorHeaders(upReq.Header, tok.AccessToken, uuid.NewString())

	client := d.transport.GetClient(acct)
	resp, err := client.Do(upReq)
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", "upstream request failed")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", "failed to read upstream response")
		return
	}
	respBody = d.transformer.RestoreToolNamesInResponse(respBody, result.ToolNameMap)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

// Models serves GET /v1/models with the static vendor-supported model list.
func Models() map[string]interface{} {
	names := []string{
		"claude-sonnet-4-5",
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"auto",
	}
	data := make([]map[string]interface{}, 0, len(names))
	for _, n := range names {
		data = append(data, map[string]interface{}{"id": n, "object": "model"})
	}
	return map[string]interface{}{"object": "list", "data": data}
}

// serve runs the per-request attempt loop shared by both client protocols.
func (d *Dispatcher) serve(w http.ResponseWriter, req *http.Request, proto protocol) {
	ctx := req.Context()
	keyInfo := auth.GetKeyInfo(ctx)
	if keyInfo == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
		return
	}

	body, rawBody, err := parseBody(req, d.cfg.MaxRequestBodyMB)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	model, _ := body["model"].(string)
	isStream, _ := body["stream"].(bool)

	if proto == protoAnthropic && identity.IsWarmupRequest(body) {
		serveWarmup(w, model)
		return
	}

	started := time.Now()

	var sessionUUID, sessionHint, stickyHash string
	if proto == protoAnthropic {
		sessionUUID = extractSessionUUID(body)
		if sessionUUID != "" {
			if binding, err := d.store.GetSessionBinding(ctx, sessionUUID); err == nil && binding != nil {
				if boundID := binding["accountId"]; boundID != "" {
					if d.pool.IsUsable(ctx, boundID) {
						sessionHint = boundID
						_ = d.store.RenewSessionBinding(ctx, sessionUUID, d.cfg.SessionBindingTTL)
					} else if isOldSession(body) {
						slog.Warn("session pollution detected", "sessionUUID", sessionUUID, "boundAccountId", boundID)
						writeError(w, http.StatusBadRequest, "session_binding_error",
							"bound account unavailable, please start a new session")
						return
					}
				}
			}
		}
	}

	// Clients with no session UUID (OpenAI protocol, non-CC Anthropic
	// clients) still get account affinity via a body-derived sticky hash.
	if sessionUUID == "" {
		stickyHash = identity.ComputeSessionHash(body)
		if stickyHash != "" {
			if boundID, err := d.store.GetStickySession(ctx, stickyHash); err == nil && boundID != "" {
				if d.pool.IsUsable(ctx, boundID) {
					sessionHint = boundID
				} else {
					_ = d.store.DeleteStickySession(ctx, stickyHash)
				}
			}
		}
	}

	vendorModelID := bridge.ResolveVendorModelID(router.Resolve(model, d.cfg.ModelOverrides))
	conversationID := uuid.NewString()
	turnID := uuid.NewString()

	maxAttempts := d.cfg.MaxAttempts
	if poolSize := d.pool.PoolSize(ctx, VendorKiro); poolSize > 0 && poolSize < maxAttempts {
		maxAttempts = poolSize
	}
	if maxAttempts <= 0 {
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", fmt.Sprintf("All %s accounts exhausted", VendorKiro))
		return
	}

	var excludedIDs []string
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		tok, err := d.pool.GetToken(ctx, VendorKiro, attempt > 0, sessionHint, model, excludedIDs)
		if err != nil {
			lastErr = err
			break
		}

		acct, err := d.pool.AccountSnapshot(ctx, tok.AccountID)
		if err != nil {
			lastErr = err
			excludedIDs = append(excludedIDs, tok.AccountID)
			continue
		}

		profileARN := acct.ProfileARN
		if profileARN == "" {
			profileARN = d.cfg.DefaultProfileARN
		}

		var clientReq bridge.ClientRequest
		var outHeaders http.Header
		var sessionHash string
		if proto == protoAnthropic {
			var attemptBody map[string]interface{}
			_ = json.Unmarshal(rawBody, &attemptBody)
			result := d.transformer.Transform(ctx, attemptBody, req.Header, acct)
			outHeaders = result.Headers
			sessionHash = result.SessionHash
			clientReq = bridge.FromAnthropicJSON(result.Body)
		} else {
			outHeaders = identity.FilterHeaders(req.Header)
			clientReq = bridge.FromOpenAIJSON(body)
		}

		client := d.transport.GetClient(acct)

		resp, vendErr := d.sendWithOriginFallback(ctx, client, clientReq, bridge.VendorContext{
			VendorModelID:  vendorModelID,
			ConversationID: conversationID,
			TurnID:         turnID,
			ProfileARN:     profileARN,
		}, outHeaders, tok.AccessToken, isStream)

		if vendErr != nil {
			slog.Error("dispatch: upstream request failed", "accountId", acct.ID, "error", vendErr)
			excludedIDs = append(excludedIDs, acct.ID)
			lastErr = vendErr
			continue
		}

		if resp.StatusCode == http.StatusOK {
			d.rateLimit.CaptureHeaders(ctx, acct.ID, resp.Header)
			if sessionUUID != "" && sessionHash != "" {
				_ = d.store.SetSessionBinding(ctx, sessionUUID, acct.ID, d.cfg.SessionBindingTTL)
			}
			if stickyHash != "" {
				_ = d.store.SetStickySession(ctx, stickyHash, acct.ID, d.cfg.SessionBindingTTL)
			}
			d.publish(events.EventRequest, acct.ID, "request relayed")
			d.logRequest(ctx, keyInfo, acct.ID, model, "ok", started)
			messageID := "msg_" + uuid.NewString()
			d.respondSuccess(w, resp, messageID, vendorModelID, isStream, proto)
			return
		}

		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		d.rateLimit.CaptureHeaders(ctx, acct.ID, resp.Header)

		if stickyHash != "" && acct.ID == sessionHint {
			// The stuck-to account just failed; let the next request rebind.
			_ = d.store.DeleteStickySession(ctx, stickyHash)
		}

		if IsExpiredToken(resp.StatusCode, errBody) {
			// Expired credentials stay out of rotation until re-auth or a
			// successful refresh flips the account back; no back-off applies.
			_ = d.pool.MarkForbidden(ctx, acct.ID)
			excludedIDs = append(excludedIDs, acct.ID)
			lastErr = fmt.Errorf("expired token on account %s", acct.ID)
			continue
		}
		if IsBanSignal(resp.StatusCode, errBody) {
			_ = d.pool.MarkForbidden(ctx, acct.ID)
			excludedIDs = append(excludedIDs, acct.ID)
			lastErr = fmt.Errorf("ban signal on account %s: %s", acct.ID, truncate(string(errBody), 200))
			slog.Error("dispatch: ban signal detected", "accountId", acct.ID)
			continue
		}

		strat := Classify(resp.StatusCode, errBody, isStream)
		switch strat.Action {
		case ActionSurrender:
			d.logRequest(ctx, keyInfo, acct.ID, model, fmt.Sprintf("upstream_%d", resp.StatusCode), started)
			writeRaw(w, resp.StatusCode, errBody, isStream, proto)
			return
		case ActionRetrySame:
			lastErr = fmt.Errorf("upstream %d (retry same account)", resp.StatusCode)
			if strat.Backoff {
				sleepCtx(ctx, BackoffFor(attempt))
			}
			continue
		default: // ActionRotate
			if strat.Backoff {
				until := time.Now().Add(BackoffFor(attempt))
				_ = d.pool.MarkCooldown(ctx, acct.ID, until)
				sleepCtx(ctx, BackoffFor(attempt))
			}
			excludedIDs = append(excludedIDs, acct.ID)
			lastErr = fmt.Errorf("upstream %d", resp.StatusCode)
		}
	}

	msg := fmt.Sprintf("All %s accounts exhausted", VendorKiro)
	if lastErr != nil {
		msg = fmt.Sprintf("%s. Last error: %s", msg, lastErr.Error())
		slog.Error("dispatch: all attempts failed", "error", lastErr)
	}
	d.publish(events.EventOverload, "", msg)
	d.logRequest(ctx, keyInfo, "", model, "exhausted", started)
	writeError(w, http.StatusServiceUnavailable, "overloaded_error", msg)
}

// sendWithOriginFallback tries the AI_EDITOR origin first; per the
// streaming vendor's own client behavior, a 429 on that origin is retried
// once, same account and same attempt, tagged CLI instead, before falling
// through to the ordinary retry classifier.
func (d *Dispatcher) sendWithOriginFallback(
	ctx context.Context,
	client *http.Client,
	clientReq bridge.ClientRequest,
	vc bridge.VendorContext,
	headers http.Header,
	accessToken string,
	isStream bool,
) (*http.Response, error) {
	origins := []string{"AI_EDITOR", "CLI"}
	var resp *http.Response
	var err error

	for i, origin := range origins {
		vc.Origin = origin
		vendorBody := bridge.TranslateRequest(clientReq, vc)
		payload, merr := json.Marshal(vendorBody)
		if merr != nil {
			return nil, merr
		}

		upReq, rerr := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.VendorAPIURL, bytes.NewReader(payload))
		if rerr != nil {
			return nil, rerr
		}
		for k, vals := range headers {
			for _, v := range vals {
				upReq.Header.Add(k, v)
			}
		}
		identity.SetVendorHeaders(upReq.Header, accessToken, uuid.NewString())
		if isStream {
			upReq.Header.Set("Accept", "text/event-stream")
		}

		resp, err = client.Do(upReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests && i == 0 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		}
		break
	}
	return resp, nil
}

func (d *Dispatcher) respondSuccess(w http.ResponseWriter, resp *http.Response, messageID, vendorModelID string, isStream bool, proto protocol) {
	defer resp.Body.Close()

	if isStream {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}
		if proto == protoOpenAI {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			if err := bridge.StreamToClientOpenAI(w, resp.Body, messageID, vendorModelID); err != nil {
				slog.Debug("dispatch: openai stream ended early", "error", err)
			}
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		if err := bridge.StreamToClient(w, resp.Body, messageID, vendorModelID); err != nil {
			slog.Debug("dispatch: stream ended early", "error", err)
		}
		flusher.Flush()
		return
	}

	anthropicResp, err := bridge.TranslateBufferedResponse(resp.Body, messageID, vendorModelID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", "failed to read upstream response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if proto == protoOpenAI {
		json.NewEncoder(w).Encode(bridge.BufferedToOpenAI(anthropicResp, messageID))
		return
	}
	json.NewEncoder(w).Encode(anthropicResp)
}

func serveWarmup(w http.ResponseWriter, model string) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for _, event := range identity.WarmupEvents(model) {
		w.Write([]byte(event))
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func parseBody(req *http.Request, maxMB int) (map[string]interface{}, []byte, error) {
	req.Body = http.MaxBytesReader(nil, req.Body, int64(maxMB)<<20)
	rawBody, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, nil, err
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, nil, err
	}
	return body, rawBody, nil
}

// extractSessionUUID pulls the session UUID out of an Anthropic-shaped
// request's metadata.user_id, the only place Claude Code puts it.
func extractSessionUUID(body map[string]interface{}) string {
	if metadata, ok := body["metadata"].(map[string]interface{}); ok {
		if uid, ok := metadata["user_id"].(string); ok {
			return identity.ExtractSessionUUID(uid)
		}
	}
	return ""
}

// isOldSession detects requests that are continuations of an existing
// session rather than its first turn: a bound account that's gone
// unhealthy must not be silently swapped out from under a continuing
// conversation.
func isOldSession(body map[string]interface{}) bool {
	messages, _ := body["messages"].([]interface{})
	if len(messages) > 1 {
		return true
	}
	if len(messages) == 1 {
		if m, ok := messages[0].(map[string]interface{}); ok {
			if content, ok := m["content"].([]interface{}); ok {
				userTexts := 0
				for _, block := range content {
					if b, ok := block.(map[string]interface{}); ok && b["type"] == "text" {
						userTexts++
					}
				}
				if userTexts > 1 {
					return true
				}
			}
		}
	}
	tools, _ := body["tools"].([]interface{})
	return len(tools) == 0
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, strings.ReplaceAll(msg, `"`, `'`))
}

// writeRaw passes a surrendered vendor response through to the client with
// its original status and body, so genuine vendor 4xx errors arrive
// unchanged rather than sanitized.
func writeRaw(w http.ResponseWriter, status int, body []byte, isStream bool, proto protocol) {
	if isStream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
