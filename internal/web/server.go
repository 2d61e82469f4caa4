// Package web is the HTTP gateway: the /mcp tool surface, the session
// read API, webhook intake, the websocket feed, and the operational
// endpoints.
package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coderelay/relay/internal/config"
	"github.com/coderelay/relay/internal/notify"
	"github.com/coderelay/relay/internal/observability"
	"github.com/coderelay/relay/internal/queue"
	"github.com/coderelay/relay/internal/ratelimit"
	"github.com/coderelay/relay/internal/sessions"
	"github.com/coderelay/relay/internal/store"
	"github.com/coderelay/relay/internal/tools"
	"github.com/coderelay/relay/internal/upstream"
	"github.com/coderelay/relay/internal/webhooks"
)

// catalogCacheTTL bounds how stale the /mcp/tools response may be.
const catalogCacheTTL = 10 * time.Second

// Deps are the collaborators the gateway routes to.
type Deps struct {
	Tools    *tools.Registry
	Sessions *sessions.Manager
	Hub      *notify.Hub
	Webhooks *webhooks.Receiver
	Limiter  *ratelimit.Limiter
	Store    store.Set
	Queue    *queue.Queue
	// Breaker feeds the health report; nil when unavailable.
	Breaker *upstream.Breaker
	PromReg *prometheus.Registry
}

// Server is the HTTP gateway.
type Server struct {
	deps    Deps
	logger  *observability.Logger
	metrics *observability.Metrics
	limiter *ratelimit.Limiter

	allowedOrigins []string
	maxBodyBytes   int64
	production     bool
	shutdownWait   time.Duration

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	started  time.Time

	catalogMu   sync.Mutex
	catalogJSON []byte
	catalogAt   time.Time
}

// NewServer wires the gateway routes.
func NewServer(cfg *config.Config, deps Deps, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		deps:           deps,
		logger:         logger,
		metrics:        metrics,
		limiter:        deps.Limiter,
		allowedOrigins: cfg.Server.AllowedOrigins,
		maxBodyBytes:   cfg.Server.MaxBodyBytes,
		production:     cfg.Server.Production,
		shutdownWait:   cfg.Server.ShutdownTimeout,
		started:        time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(deps.PromReg, promhttp.HandlerOpts{}))

	limited := func(h http.HandlerFunc) http.Handler {
		return s.withRateLimit(h)
	}
	mux.Handle("GET /mcp/tools", limited(s.handleToolCatalog))
	mux.Handle("POST /mcp/execute", limited(s.handleExecute))

	mux.HandleFunc("GET /api/sessions/active", s.handleActiveSessions)
	mux.HandleFunc("GET /api/sessions/stats", s.handleSessionStats)
	mux.HandleFunc("GET /api/sessions/{id}/timeline", s.handleTimeline)
	mux.HandleFunc("POST /webhooks/{provider}", s.handleWebhook)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("/", s.handleNotFound)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.withRequestID(s.withCORS(s.withAccessLog(mux))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the composed handler stack for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "http server listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests up to the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownWait)
		defer cancel()
	}
	return s.httpSrv.Shutdown(ctx)
}
