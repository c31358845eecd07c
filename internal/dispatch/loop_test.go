package dispatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/polyrelay/polyrelay/internal/auth"
	"github.com/polyrelay/polyrelay/internal/config"
	"github.com/polyrelay/polyrelay/internal/identity"
	"github.com/polyrelay/polyrelay/internal/oauth"
	"github.com/polyrelay/polyrelay/internal/pool"
	"github.com/polyrelay/polyrelay/internal/ratelimit"
	"github.com/polyrelay/polyrelay/internal/store"
)

type staticTransport struct{}

func (staticTransport) GetClient(_ *pool.Account) *http.Client { return http.DefaultClient }

// assistantFrame builds one vendor event-stream frame carrying an
// assistantResponseEvent with the given content.
func assistantFrame(content string) []byte {
	payload := `{"content":"` + content + `"}`
	var headerBuf bytes.Buffer
	for _, h := range [][2]string{
		{":message-type", "event"},
		{":event-type", "assistantResponseEvent"},
	} {
		headerBuf.WriteByte(byte(len(h[0])))
		headerBuf.WriteString(h[0])
		headerBuf.WriteByte(7)
		var vlen [2]byte
		binary.BigEndian.PutUint16(vlen[:], uint16(len(h[1])))
		headerBuf.Write(vlen[:])
		headerBuf.WriteString(h[1])
	}
	headers := headerBuf.Bytes()

	total := 8 + 4 + len(headers) + len(payload) + 4
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(total))
	buf.Write(lenBuf[:])
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headers)))
	buf.Write(lenBuf[:])
	buf.Write([]byte{0, 0, 0, 0})
	buf.Write(headers)
	buf.WriteString(payload)
	buf.Write([]byte{0, 0, 0, 0})
	return buf.Bytes()
}

func newTestDispatcher(t *testing.T, vendorURL string) (*Dispatcher, *pool.Pool, *store.SQLiteStore) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		VendorAPIURL:      vendorURL,
		DefaultProfileARN: "arn:test:default",
		MaxAttempts:       3,
		MaxRequestBodyMB:  10,
		MaxCacheControls:  4,
		SessionBindingTTL: time.Hour,
	}
	crypto := pool.NewCrypto("test-encryption-key")
	oc := &oauth.Client{SignInURL: "https://example.invalid/signin", TokenURL: "https://example.invalid/oauth2/token"}
	p := pool.New(s, crypto, cfg, oc, nil)
	trans := identity.NewTransformer(s, identity.NewSignatureCache(), cfg)
	rl := ratelimit.NewManager(s, nil)
	return New(s, p, trans, rl, cfg, staticTransport{}, nil), p, s
}

func seedPoolAccount(t *testing.T, p *pool.Pool, id string) {
	t.Helper()
	a := &pool.Account{
		ID:         id,
		Vendor:     VendorKiro,
		Email:      id + "@example.com",
		Status:     "active",
		Priority:   50,
		ExpiresAt:  time.Now().Add(time.Hour).UnixMilli(),
		ProfileARN: "arn:test:" + id,
	}
	if err := p.Upsert(context.Background(), a, "refresh-"+id, "access-"+id); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func authedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	ctx := context.WithValue(req.Context(), auth.KeyInfoKey, &auth.KeyInfo{ID: "user-1", Name: "test"})
	return req.WithContext(ctx)
}

func TestServeRotatesOn500(t *testing.T) {
	var mu sync.Mutex
	var tokens []string

	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokens = append(tokens, r.Header.Get("Authorization"))
		n := len(tokens)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message":"internal error"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(assistantFrame("hello from the second account"))
	}))
	defer vendor.Close()

	d, p, _ := newTestDispatcher(t, vendor.URL)
	seedPoolAccount(t, p, "acct-a")
	seedPoolAccount(t, p, "acct-b")

	rec := httptest.NewRecorder()
	d.Handle(rec, authedRequest(t, `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"stream":false}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "hello from the second account") {
		t.Fatalf("response body = %s", rec.Body.String())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(tokens) != 2 {
		t.Fatalf("vendor saw %d requests, want 2 (one failed, one rotated retry)", len(tokens))
	}
	if tokens[0] == tokens[1] {
		t.Fatalf("both attempts used the same account token %q", tokens[0])
	}
}

func TestServeExpiredTokenMarksForbiddenAndExhausts(t *testing.T) {
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"__type":"ExpiredTokenException","message":"The security token included in the request is expired"}`))
	}))
	defer vendor.Close()

	d, p, s := newTestDispatcher(t, vendor.URL)
	seedPoolAccount(t, p, "acct-only")

	rec := httptest.NewRecorder()
	d.Handle(rec, authedRequest(t, `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"stream":false}`))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "accounts exhausted") {
		t.Fatalf("body = %s", rec.Body.String())
	}

	data, err := s.GetAccount(context.Background(), "acct-only")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if data["forbidden"] != "true" {
		t.Fatalf("account should be forbidden after expired-token response, got %q", data["forbidden"])
	}
}

func TestServeSurrendersVendor400Unchanged(t *testing.T) {
	var requests int
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"invalid conversation state"}`))
	}))
	defer vendor.Close()

	d, p, _ := newTestDispatcher(t, vendor.URL)
	seedPoolAccount(t, p, "acct-a")
	seedPoolAccount(t, p, "acct-b")

	rec := httptest.NewRecorder()
	d.Handle(rec, authedRequest(t, `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"stream":false}`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want pass-through 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid conversation state") {
		t.Fatalf("body should pass through unchanged, got %s", rec.Body.String())
	}
	if requests != 1 {
		t.Fatalf("vendor saw %d requests, want 1 (surrender does not retry)", requests)
	}
}
