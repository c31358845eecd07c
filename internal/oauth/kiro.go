package oauth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Tokens is the result of a successful exchange or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ProfileARN   string
}

// Client talks to the streaming vendor's sign-in, token-exchange, and
// token-refresh endpoints.
type Client struct {
	SignInURL         string
	TokenURL          string
	ClientID          string
	DefaultProfileARN string
	HTTPClient        *http.Client
}

// BuildSignInURL constructs the vendor sign-in URL encoding state,
// challenge, method S256, redirect URI, and the client tag.
func (c *Client) BuildSignInURL(state, challenge, redirectURI string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("redirect_uri", redirectURI)
	q.Set("redirect_from", "KiroIDE")
	return c.SignInURL + "?" + q.Encode()
}

// exchangeRequest is the documented JSON shape for the exchange endpoint.
type exchangeRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier"`
	RedirectURI  string `json:"redirectUri"`
}

// Exchange POSTs the authorization code and PKCE verifier to the vendor's
// token endpoint. The documented JSON response shape is tried first; on
// parse failure a generic JSON field projection is attempted as a
// best-effort fallback, per the cascade this endpoint's history calls for.
// No second signing scheme is invented if both fail.
func (c *Client) Exchange(code, verifier, redirectURI string) (*Tokens, error) {
	body, err := json.Marshal(exchangeRequest{Code: code, CodeVerifier: verifier, RedirectURI: redirectURI})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.exchangeURL(), strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("oauth: exchange failed, status %d: %s", resp.StatusCode, string(respBody))
	}

	tokens, err := parseExchangeResponse(respBody)
	if err != nil {
		return nil, err
	}
	if tokens.ProfileARN == "" {
		tokens.ProfileARN = c.DefaultProfileARN
	}
	return tokens, nil
}

func (c *Client) exchangeURL() string {
	// The vendor's sign-in host also serves the token-exchange API.
	u, err := url.Parse(c.SignInURL)
	if err != nil {
		return c.SignInURL
	}
	u.Path = "/api/v1/GetToken"
	u.RawQuery = ""
	return u.String()
}

// FetchUsageLimits POSTs the encoded usage-and-limits request to the
// vendor's web portal and returns the raw response body for the bridge's
// decoder. The portal speaks the smithy rpc-v2 binary framing and expects
// the access token both as a bearer header and as a cookie.
func (c *Client) FetchUsageLimits(accessToken string, body []byte) ([]byte, error) {
	u, err := url.Parse(c.SignInURL)
	if err != nil {
		return nil, err
	}
	u.Path = "/service/KiroWebPortalService/operation/GetUserUsageAndLimits"
	u.RawQuery = ""

	req, err := http.NewRequest(http.MethodPost, u.String(), strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/cbor")
	req.Header.Set("Accept", "application/cbor")
	req.Header.Set("smithy-protocol", "rpc-v2-cbor")
	req.Header.Set("Cookie", "AccessToken="+accessToken)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: usage request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("oauth: usage request failed, status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// parseExchangeResponse tries the documented field names first, then
// falls back to the generic accessToken/refreshToken/expiresIn/profileArn
// projection on a shape mismatch.
func parseExchangeResponse(body []byte) (*Tokens, error) {
	var documented struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
		ProfileARN   string `json:"profileArn"`
	}
	if err := json.Unmarshal(body, &documented); err == nil && documented.AccessToken != "" {
		return &Tokens{
			AccessToken:  documented.AccessToken,
			RefreshToken: documented.RefreshToken,
			ExpiresAt:    time.Now().Add(time.Duration(documented.ExpiresIn) * time.Second),
			ProfileARN:   documented.ProfileARN,
		}, nil
	}

	// Generic fallback: scan a loosely-typed map for the same field names
	// under varied casing, matching the "best-effort cascade" this
	// endpoint's documented history requires.
	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, fmt.Errorf("oauth: exchange response not JSON: %w", err)
	}
	access, _ := firstString(generic, "accessToken", "access_token")
	refresh, _ := firstString(generic, "refreshToken", "refresh_token")
	profileARN, _ := firstString(generic, "profileArn", "profile_arn")
	expiresIn := firstNumber(generic, "expiresIn", "expires_in")
	if access == "" {
		return nil, fmt.Errorf("oauth: exchange response missing access token")
	}
	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
		ProfileARN:   profileARN,
	}, nil
}

// Refresh POSTs grant_type=refresh_token form-encoded to the vendor's
// identity provider. If the response omits a new refresh token, the old
// one is retained. If the response omits a profile ARN, the default
// constant is substituted — a compatibility crutch inherited from the
// source this was distilled from, which may produce a 403 on the next
// request; recorded rather than silently "fixed".
func (c *Client) Refresh(oldRefreshToken string) (*Tokens, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", oldRefreshToken)
	form.Set("client_id", c.ClientID)

	req, err := http.NewRequest(http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("oauth: refresh failed, status %d: %s", resp.StatusCode, string(body))
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, fmt.Errorf("oauth: refresh response not JSON: %w", err)
	}
	access, _ := firstString(generic, "accessToken", "access_token")
	if access == "" {
		return nil, fmt.Errorf("oauth: refresh response missing access token")
	}
	refresh, ok := firstString(generic, "refreshToken", "refresh_token")
	if !ok || refresh == "" {
		refresh = oldRefreshToken // do not clean/discard — colon-delimited signature suffix preserved
	}
	profileARN, _ := firstString(generic, "profileArn", "profile_arn")
	if profileARN == "" {
		profileARN = c.DefaultProfileARN
	}
	expiresIn := firstNumber(generic, "expiresIn", "expires_in")

	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
		ProfileARN:   profileARN,
	}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func firstString(m map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func firstNumber(m map[string]interface{}, keys ...string) int64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 3600
}
