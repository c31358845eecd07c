// Package pool owns the credential rotation controller (PoolState): the
// per-vendor account registry, round-robin selection, cooldown/forbidden
// bookkeeping, and lazy OAuth token refresh.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/polyrelay/polyrelay/internal/bridge"
	"github.com/polyrelay/polyrelay/internal/config"
	"github.com/polyrelay/polyrelay/internal/events"
	"github.com/polyrelay/polyrelay/internal/oauth"
	"github.com/polyrelay/polyrelay/internal/store"
)

// ErrNoUsableAccount is returned when no candidate survives filtering.
var ErrNoUsableAccount = errors.New("pool: no usable account")

const tokenSafetyWindow = 60 * time.Second

// Token is what get_token hands back to the dispatch loop.
type Token struct {
	AccessToken    string
	RefreshToken   string
	Email          string
	AccountID      string
	AdvisoryWaitMs int64
}

// Pool is the process-wide, concurrently accessed account registry:
// account records, per-vendor round-robin position, and the mutex
// guarding selection.
type Pool struct {
	store  *store.SQLiteStore
	crypto *Crypto
	cfg    *config.Config
	oauth  *oauth.Client
	bus    *events.Bus

	mu        sync.Mutex
	positions map[string]int
}

func New(s *store.SQLiteStore, crypto *Crypto, cfg *config.Config, oauthClient *oauth.Client, bus *events.Bus) *Pool {
	return &Pool{
		store:     s,
		crypto:    crypto,
		cfg:       cfg,
		oauth:     oauthClient,
		bus:       bus,
		positions: make(map[string]int),
	}
}

func (p *Pool) publish(t events.EventType, accountID, msg string) {
	if p.bus != nil {
		p.bus.Publish(events.Event{Type: t, AccountID: accountID, Message: msg})
	}
}

// GetToken selects the next usable account for vendor and returns its
// decrypted credentials, refreshing the token first when expiry is near.
func (p *Pool) GetToken(ctx context.Context, vendor string, forceRotate bool, sessionHint string, targetModel string, excludedIDs []string) (Token, error) {
	return p.getToken(ctx, vendor, forceRotate, sessionHint, excludedIDs, 0)
}

func (p *Pool) getToken(ctx context.Context, vendor string, forceRotate bool, sessionHint string, excludedIDs []string, depth int) (Token, error) {
	if depth > 20 {
		// Refresh failures cascading through every account — stop
		// recursing and surface NoUsableAccount rather than spinning.
		return Token{}, ErrNoUsableAccount
	}

	p.mu.Lock()
	candidates, err := p.filteredCandidates(ctx, vendor, excludedIDs)
	if err != nil {
		p.mu.Unlock()
		return Token{}, fmt.Errorf("pool: list candidates: %w", err)
	}
	if len(candidates) == 0 {
		p.mu.Unlock()
		return Token{}, ErrNoUsableAccount
	}

	var selected *Account
	if sessionHint != "" && !forceRotate {
		for _, a := range candidates {
			if a.ID == sessionHint {
				selected = a
				break
			}
		}
	}
	if selected == nil {
		pos := p.positions[vendor] % len(candidates)
		selected = candidates[pos]
		p.positions[vendor] = (pos + 1) % len(candidates)
	}
	p.mu.Unlock()

	accessToken, err := p.ensureValidToken(ctx, selected)
	if err != nil {
		slog.Warn("pool: refresh failed, marking forbidden and retrying selection", "accountId", selected.ID, "error", err)
		_ = p.MarkForbidden(ctx, selected.ID)
		return p.getToken(ctx, vendor, forceRotate, sessionHint, append(append([]string{}, excludedIDs...), selected.ID), depth+1)
	}

	refreshToken, err := p.crypto.Decrypt(mustGet(ctx, p.store, selected.ID, "refreshToken"), selected.Vendor)
	if err != nil {
		refreshToken = ""
	}

	_ = p.store.SetAccountField(ctx, selected.ID, "lastUsedAt", time.Now().UTC().Format(time.RFC3339))

	return Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Email:        selected.Email,
		AccountID:    selected.ID,
	}, nil
}

func mustGet(ctx context.Context, s *store.SQLiteStore, id, field string) string {
	data, err := s.GetAccount(ctx, id)
	if err != nil {
		return ""
	}
	return data[field]
}

// filteredCandidates lists accounts for vendor excluding excluded_ids,
// cooldown, and forbidden accounts — step 1 of the selection algorithm.
// Caller must hold p.mu.
func (p *Pool) filteredCandidates(ctx context.Context, vendor string, excludedIDs []string) ([]*Account, error) {
	ids, err := p.store.ListAccountIDsByVendor(ctx, vendor)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	candidates := make([]*Account, 0, len(ids))
	for _, id := range ids {
		if containsStr(excludedIDs, id) {
			continue
		}
		data, err := p.store.GetAccount(ctx, id)
		if err != nil || len(data) == 0 {
			continue
		}
		a := accountFromMap(data)
		if !a.schedulable() {
			continue
		}
		if a.Forbidden {
			continue
		}
		if a.CooldownUntil != nil && now.Before(*a.CooldownUntil) {
			continue
		}
		if a.FiveHourStatus == "rejected" && a.SessionWindowEnd != nil && now.Before(a.SessionWindowEnd.Add(time.Minute)) {
			continue
		}
		candidates = append(candidates, a)
	}
	return candidates, nil
}

// ensureValidToken returns the account's decrypted access token, refreshing
// it first if expiry is within the safety window.
func (p *Pool) ensureValidToken(ctx context.Context, a *Account) (string, error) {
	now := time.Now().UnixMilli()
	if a.ExpiresAt > 0 && now < a.ExpiresAt-tokenSafetyWindow.Milliseconds() {
		token, err := p.decryptField(ctx, a.ID, "accessToken", a.Vendor)
		if err == nil && token != "" {
			return token, nil
		}
	}
	return p.refresh(ctx, a)
}

// refresh performs the OAuth token refresh under a per-account lock held
// for the whole refresh, network call included. The selection mutex is not
// held here, so other goroutines keep selecting while this one is in
// flight. A caller that finds the lock taken does not refresh: it waits
// 2 s once and returns the stored access token if it has not expired,
// else an error.
func (p *Pool) refresh(ctx context.Context, a *Account) (string, error) {
	acquired, err := p.store.AcquireRefreshLock(ctx, a.ID, "")
	if err != nil {
		return "", fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !acquired {
		time.Sleep(2 * time.Second)
		token, err := p.decryptField(ctx, a.ID, "accessToken", a.Vendor)
		if err == nil && token != "" {
			data, _ := p.store.GetAccount(ctx, a.ID)
			if exp := atoi64(data["expiresAt"], 0); exp > time.Now().UnixMilli() {
				return token, nil
			}
		}
		return "", fmt.Errorf("token refresh in progress by another goroutine")
	}
	defer func() {
		if err := p.store.ReleaseRefreshLock(ctx, a.ID, ""); err != nil {
			slog.Error("pool: release refresh lock failed", "accountId", a.ID, "error", err)
		}
	}()

	refreshToken, err := p.decryptField(ctx, a.ID, "refreshToken", a.Vendor)
	if err != nil || refreshToken == "" {
		return "", fmt.Errorf("empty or undecryptable refresh token for account %s", a.ID)
	}

	tokens, err := p.oauth.Refresh(refreshToken)
	if err != nil {
		_ = p.store.SetAccountFields(ctx, a.ID, map[string]string{"status": "error", "errorMessage": err.Error()})
		return "", fmt.Errorf("oauth refresh: %w", err)
	}

	encAccess, err := p.crypto.Encrypt(tokens.AccessToken, a.Vendor)
	if err != nil {
		return "", err
	}
	encRefresh, err := p.crypto.Encrypt(tokens.RefreshToken, a.Vendor)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if err := p.store.SetAccountFields(ctx, a.ID, map[string]string{
		"accessToken":   encAccess,
		"refreshToken":  encRefresh,
		"expiresAt":     strconv.FormatInt(tokens.ExpiresAt.UnixMilli(), 10),
		"lastRefreshAt": now.Format(time.RFC3339),
		"profileArn":    tokens.ProfileARN,
		"status":        "active",
		"errorMessage":  "",
	}); err != nil {
		return "", fmt.Errorf("store refreshed tokens: %w", err)
	}

	slog.Info("pool: token refreshed", "accountId", a.ID)
	p.publish(events.EventRefresh, a.ID, "token refreshed")
	return tokens.AccessToken, nil
}

// QuotaSnapshot fetches the account's live usage-and-limits report from the
// vendor's portal, decoded and normalized by the bridge. Best-effort: the
// caller decides whether a failure here matters.
func (p *Pool) QuotaSnapshot(ctx context.Context, accountID string) (*bridge.UsageSnapshot, error) {
	a, err := p.AccountSnapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}
	accessToken, err := p.ensureValidToken(ctx, a)
	if err != nil {
		return nil, err
	}
	raw, err := p.oauth.FetchUsageLimits(accessToken, bridge.EncodeUsageRequest())
	if err != nil {
		return nil, err
	}
	return bridge.DecodeUsageResponse(raw)
}

func (p *Pool) decryptField(ctx context.Context, id, field, salt string) (string, error) {
	data, err := p.store.GetAccount(ctx, id)
	if err != nil {
		return "", err
	}
	enc, ok := data[field]
	if !ok || enc == "" {
		return "", nil
	}
	return p.crypto.Decrypt(enc, salt)
}

// MarkFailed is a no-op at the pool level: failure memory within one
// request belongs to the caller's request context, not the pool.
func (p *Pool) MarkFailed(_ string) {}

// MarkCooldown puts an account into cooldown until the given instant.
func (p *Pool) MarkCooldown(ctx context.Context, accountID string, until time.Time) error {
	return p.store.SetAccountField(ctx, accountID, "cooldownUntil", until.UTC().Format(time.RFC3339))
}

// MarkForbidden permanently excludes an account from selection until an
// administrator clears it.
func (p *Pool) MarkForbidden(ctx context.Context, accountID string) error {
	p.publish(events.EventBan, accountID, "account marked forbidden")
	return p.store.SetAccountFields(ctx, accountID, map[string]string{
		"forbidden": "true",
		"status":    "error",
	})
}

// Upsert inserts or updates an account record. Refresh/access tokens, if
// provided in plaintext, are encrypted before storage.
func (p *Pool) Upsert(ctx context.Context, a *Account, plaintextRefreshToken, plaintextAccessToken string) error {
	fields := map[string]string{
		"vendor":       a.Vendor,
		"email":        a.Email,
		"status":       a.Status,
		"priority":     strconv.Itoa(a.Priority),
		"errorMessage": a.ErrorMessage,
		"profileArn":   a.ProfileARN,
		"forbidden":    strconv.FormatBool(a.Forbidden),
	}
	if a.CreatedAt.IsZero() {
		fields["createdAt"] = time.Now().UTC().Format(time.RFC3339)
	} else {
		fields["createdAt"] = a.CreatedAt.UTC().Format(time.RFC3339)
	}
	if a.Proxy != nil {
		if b, err := json.Marshal(a.Proxy); err == nil {
			fields["proxy"] = string(b)
		}
	}
	if a.ExtInfo != nil {
		if b, err := json.Marshal(a.ExtInfo); err == nil {
			fields["extInfo"] = string(b)
		}
	}
	if plaintextRefreshToken != "" {
		enc, err := p.crypto.Encrypt(plaintextRefreshToken, a.Vendor)
		if err != nil {
			return err
		}
		fields["refreshToken"] = enc
	}
	if plaintextAccessToken != "" {
		enc, err := p.crypto.Encrypt(plaintextAccessToken, a.Vendor)
		if err != nil {
			return err
		}
		fields["accessToken"] = enc
		fields["expiresAt"] = strconv.FormatInt(a.ExpiresAt, 10)
	}
	return p.store.SetAccount(ctx, a.ID, fields)
}

// Remove deletes an account from the pool.
func (p *Pool) Remove(ctx context.Context, accountID string) error {
	return p.store.DeleteAccount(ctx, accountID)
}

// GetIndividualProxy returns the account's configured outbound proxy, if any.
func (p *Pool) GetIndividualProxy(ctx context.Context, accountID string) (*ProxyConfig, error) {
	data, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	a := accountFromMap(data)
	return a.Proxy, nil
}

// GetProfileARN returns the vendor-specific profile ARN, erroring if absent.
func (p *Pool) GetProfileARN(ctx context.Context, accountID string) (string, error) {
	data, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	arn := data["profileArn"]
	if arn == "" {
		return "", fmt.Errorf("pool: account %s has no profile arn", accountID)
	}
	return arn, nil
}

// AccountSnapshot returns a point-in-time read of one account's pool-visible
// state, for callers (the dispatch loop) that need more than the single
// field GetIndividualProxy/GetProfileARN each expose.
func (p *Pool) AccountSnapshot(ctx context.Context, accountID string) (*Account, error) {
	data, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("pool: account %s not found", accountID)
	}
	return accountFromMap(data), nil
}

// IsUsable reports whether accountID currently survives the same filter
// filteredCandidates applies during selection — used by callers holding a
// sticky reference to an account (e.g. a session binding) to decide whether
// that reference is still honorable before falling back to rotation.
func (p *Pool) IsUsable(ctx context.Context, accountID string) bool {
	a, err := p.AccountSnapshot(ctx, accountID)
	if err != nil {
		return false
	}
	if !a.schedulable() || a.Forbidden {
		return false
	}
	if a.CooldownUntil != nil && time.Now().Before(*a.CooldownUntil) {
		return false
	}
	return true
}

// List returns every account in the pool, regardless of vendor or current
// eligibility — the administrative inspection surface's source of truth.
func (p *Pool) List(ctx context.Context) ([]*Account, error) {
	ids, err := p.store.ListAccountIDs(ctx)
	if err != nil {
		return nil, err
	}
	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		data, err := p.store.GetAccount(ctx, id)
		if err != nil || len(data) == 0 {
			continue
		}
		accounts = append(accounts, accountFromMap(data))
	}
	return accounts, nil
}

// PoolSize returns the number of accounts registered for vendor,
// regardless of current eligibility — the dispatch loop uses this to cap
// its attempt count.
func (p *Pool) PoolSize(ctx context.Context, vendor string) int {
	ids, err := p.store.ListAccountIDsByVendor(ctx, vendor)
	if err != nil {
		return 0
	}
	return len(ids)
}

func containsStr(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
