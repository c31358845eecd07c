package oauth

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
)

// ErrPortBusy is returned by Prepare when the loopback listener's port is
// already in use.
var ErrPortBusy = errors.New("oauth: loopback port busy")

// ErrCancelled is returned by WaitForCode when the flow is cancelled
// before a code arrives.
var ErrCancelled = errors.New("oauth: flow cancelled")

// callbackResult is what the loopback receiver hands back to WaitForCode.
type callbackResult struct {
	code string
	err  error
}

// flowState is a singleton per-process OAuth flow: the coordinator is
// single-active, so starting a new flow supersedes any flow already in
// progress. Modeled as an owned mutex-guarded optional holder rather than
// an ambient global, per the design note this pattern follows.
type flowState struct {
	verifier    string
	state       string
	redirectURI string
	authURL     string
	delivered   chan callbackResult
	listener    net.Listener
	server      *http.Server
}

// Coordinator drives the PKCE login flow for the streaming vendor: prepare,
// wait_for_code, submit_code_manually, exchange, cancel. Token refresh is
// Client.Refresh, called by the pool.
type Coordinator struct {
	mu     sync.Mutex
	flow   *flowState
	client *Client
	port   int
}

// NewCoordinator builds a Coordinator bound to a fixed loopback port.
func NewCoordinator(client *Client, loopbackPort int) *Coordinator {
	return &Coordinator{client: client, port: loopbackPort}
}

// Prepare mints a PKCE verifier/challenge and state nonce, starts the
// loopback listener, and returns the vendor sign-in URL. If a flow is
// already active, the existing auth URL is returned unchanged — the
// coordinator is single-active.
func (c *Coordinator) Prepare() (authURL string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flow != nil {
		return c.flow.authURL, nil
	}

	verifier, err := GenerateVerifier()
	if err != nil {
		return "", err
	}
	challenge := ChallengeFromVerifier(verifier)
	state, err := GenerateState()
	if err != nil {
		return "", err
	}

	// Bind before building the redirect URI: with port 0 the listener picks
	// an ephemeral port, and the URI must name the port actually bound.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", c.port))
	if err != nil {
		return "", ErrPortBusy
	}
	boundPort := ln.Addr().(*net.TCPAddr).Port

	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/oauth/callback", boundPort)
	authURL = c.client.BuildSignInURL(state, challenge, redirectURI)

	f := &flowState{
		verifier:    verifier,
		state:       state,
		redirectURI: redirectURI,
		authURL:     authURL,
		delivered:   make(chan callbackResult, 1),
		listener:    ln,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/callback", newCallbackHandler(f))
	f.server = &http.Server{Handler: mux}
	go f.server.Serve(ln) //nolint:errcheck — Serve's error on graceful Close is expected

	c.flow = f
	return authURL, nil
}

// WaitForCode suspends until the loopback delivers a code or an error, or
// the flow is cancelled.
func (c *Coordinator) WaitForCode() (string, error) {
	c.mu.Lock()
	f := c.flow
	c.mu.Unlock()
	if f == nil {
		return "", errors.New("oauth: no flow in progress")
	}

	result, ok := <-f.delivered
	c.teardown(f)
	if !ok {
		return "", ErrCancelled
	}
	return result.code, result.err
}

// SubmitCodeManually is an alternative to the loopback for when the
// browser could not redirect to localhost: the caller pastes the code and
// the coordinator runs Exchange using the stored verifier/redirect URI.
func (c *Coordinator) SubmitCodeManually(code string) (*Tokens, error) {
	c.mu.Lock()
	f := c.flow
	c.mu.Unlock()
	if f == nil {
		return nil, errors.New("oauth: no flow in progress")
	}
	defer c.teardown(f)
	return c.client.Exchange(code, f.verifier, f.redirectURI)
}

// Exchange runs the code-for-tokens exchange once a code has been
// delivered via WaitForCode, using the flow's stored verifier/redirect.
func (c *Coordinator) Exchange(code string) (*Tokens, error) {
	c.mu.Lock()
	f := c.flow
	c.mu.Unlock()
	verifier, redirectURI := "", ""
	if f != nil {
		verifier, redirectURI = f.verifier, f.redirectURI
	}
	return c.client.Exchange(code, verifier, redirectURI)
}

// Cancel terminates any in-progress flow, signalling WaitForCode with
// ErrCancelled and releasing the loopback listener.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	f := c.flow
	c.mu.Unlock()
	if f == nil {
		return
	}
	select {
	case f.delivered <- callbackResult{err: ErrCancelled}:
	default:
	}
	c.teardown(f)
}

func (c *Coordinator) teardown(f *flowState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flow != f {
		return // already superseded/torn down
	}
	if f.server != nil {
		_ = f.server.Close()
	}
	c.flow = nil
}

func newCallbackHandler(f *flowState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errMsg := q.Get("error"); errMsg != "" {
			writeFailureHTML(w, errMsg)
			deliver(f, callbackResult{err: fmt.Errorf("oauth: vendor returned error: %s", errMsg)})
			return
		}
		if q.Get("state") != f.state {
			writeFailureHTML(w, "state mismatch")
			deliver(f, callbackResult{err: errors.New("oauth: state mismatch")})
			return
		}
		code := q.Get("code")
		if code == "" {
			writeFailureHTML(w, "missing code")
			deliver(f, callbackResult{err: errors.New("oauth: missing code")})
			return
		}
		writeSuccessHTML(w)
		deliver(f, callbackResult{code: code})
	}
}

func deliver(f *flowState, r callbackResult) {
	select {
	case f.delivered <- r:
	default:
		// Already delivered (or cancelled) — the channel is single-shot
		// and single-consumer; a second delivery attempt is a no-op.
	}
}

func writeSuccessHTML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<html><body><h2>Sign-in complete</h2><p>You can close this tab and return to the app.</p></body></html>`))
}

func writeFailureHTML(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, `<html><body><h2>Sign-in failed</h2><p>%s</p></body></html>`, reason)
}
