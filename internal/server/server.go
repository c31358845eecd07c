package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polyrelay/polyrelay/internal/auth"
	"github.com/polyrelay/polyrelay/internal/config"
	"github.com/polyrelay/polyrelay/internal/dispatch"
	"github.com/polyrelay/polyrelay/internal/events"
	"github.com/polyrelay/polyrelay/internal/identity"
	"github.com/polyrelay/polyrelay/internal/oauth"
	"github.com/polyrelay/polyrelay/internal/pool"
	"github.com/polyrelay/polyrelay/internal/ratelimit"
	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/transport"
)

// Server is the main HTTP server.
type Server struct {
	cfg          *config.Config
	store        *store.SQLiteStore
	pool         *pool.Pool
	authMw       *auth.Middleware
	transformer  *identity.Transformer
	rateLimit    *ratelimit.Manager
	dispatcher   *dispatch.Dispatcher
	oauthCoord   *oauth.Coordinator
	transportMgr *transport.Manager
	bus          *events.Bus
	logHandler   *events.LogHandler
	httpServer   *http.Server
	version      string
	startTime    time.Time
}

// New wires every subsystem the dispatch loop and the admin surface
// depend on and builds the HTTP mux. tm is the shared transport manager
// (per-account HTTP clients with per-account proxy support); oauthClient
// carries the vendor's PKCE endpoint configuration.
func New(cfg *config.Config, s *store.SQLiteStore, crypto *pool.Crypto, tm *transport.Manager, oauthClient *oauth.Client, bus *events.Bus, lh *events.LogHandler, version string) *Server {
	p := pool.New(s, crypto, cfg, oauthClient, bus)
	authMw := auth.NewMiddleware(cfg.StaticToken, s)
	sigCache := identity.NewSignatureCache()
	trans := identity.NewTransformer(s, sigCache, cfg)
	rl := ratelimit.NewManager(s, bus)
	disp := dispatch.New(s, p, trans, rl, cfg, tm, bus)
	coord := oauth.NewCoordinator(oauthClient, cfg.OAuthLoopbackPort)

	srv := &Server{
		cfg:          cfg,
		store:        s,
		pool:         p,
		authMw:       authMw,
		transformer:  trans,
		rateLimit:    rl,
		dispatcher:   disp,
		oauthCoord:   coord,
		transportMgr: tm,
		bus:          bus,
		logHandler:   lh,
		version:      version,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := s.authMw.Authenticate

	// Client-facing relay endpoints (authenticated)
	mux.Handle("POST /v1/messages", auth(http.HandlerFunc(s.dispatcher.Handle)))
	mux.Handle("POST /v1/messages/count_tokens", auth(http.HandlerFunc(s.dispatcher.HandleCountTokens)))
	mux.Handle("POST /v1/chat/completions", auth(http.HandlerFunc(s.dispatcher.HandleOpenAI)))
	mux.Handle("GET /v1/models", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, dispatch.Models())
	})))

	// Admin: OAuth flow driving (authenticated, admin-only checked in handler)
	mux.Handle("POST /admin/accounts/generate-auth-url", auth(http.HandlerFunc(s.handleGenerateAuthURL)))
	mux.Handle("POST /admin/accounts/exchange-code", auth(http.HandlerFunc(s.handleExchangeCode)))
	mux.Handle("POST /admin/accounts/complete-oauth", auth(http.HandlerFunc(s.handleCompleteOAuth)))
	mux.Handle("POST /admin/accounts/{id}/submit-code", auth(http.HandlerFunc(s.handleSubmitCodeForAccount)))
	mux.Handle("POST /admin/accounts/{id}/cancel-oauth", auth(http.HandlerFunc(s.handleCancelOAuth)))

	// Admin: account inspection and management
	mux.Handle("GET /admin/accounts", auth(http.HandlerFunc(s.handleListAccounts)))
	mux.Handle("GET /admin/accounts/{id}", auth(http.HandlerFunc(s.handleGetAccount)))
	mux.Handle("DELETE /admin/accounts/{id}", auth(http.HandlerFunc(s.handleDeleteAccount)))
	mux.Handle("POST /admin/accounts/{id}/status", auth(http.HandlerFunc(s.handleUpdateAccountStatus)))
	mux.Handle("POST /admin/accounts/{id}/priority", auth(http.HandlerFunc(s.handleUpdateAccountPriority)))
	mux.Handle("POST /admin/accounts/{id}/proxy", auth(http.HandlerFunc(s.handleUpdateAccountProxy)))

	// Admin: users
	mux.Handle("POST /admin/users", auth(http.HandlerFunc(s.handleCreateUser)))
	mux.Handle("GET /admin/users", auth(http.HandlerFunc(s.handleListUsers)))
	mux.Handle("DELETE /admin/users/{id}", auth(http.HandlerFunc(s.handleDeleteUser)))

	// Admin: usage analytics and live event tail
	mux.Handle("GET /admin/usage", auth(http.HandlerFunc(s.handleUsageSummary)))
	mux.Handle("GET /admin/logs", auth(http.HandlerFunc(s.handleRequestLogs)))
	mux.Handle("GET /admin/events", auth(http.HandlerFunc(s.handleEvents)))

	// Admin: health
	mux.Handle("GET /admin/health", auth(http.HandlerFunc(s.handleHealth)))

	// Unauthenticated liveness probe for load balancers / container orchestration.
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":"%s"}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background goroutines
	go s.rateLimit.RunCleanup(ctx, 5*time.Minute)
	go s.transportMgr.RunCleanup(ctx)
	go s.runLogPurge(ctx)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requestLogger logs all incoming HTTP requests for debugging.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// runLogPurge deletes request_log entries older than 30 days every 6 hours.
func (s *Server) runLogPurge(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-30 * 24 * time.Hour)
			n, err := s.store.PurgeOldLogs(ctx, before)
			if err != nil {
				slog.Error("purge old logs failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old request logs", "count", n)
			}
		}
	}
}
