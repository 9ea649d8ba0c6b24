package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/moltbunker/usdstake/internal/config"
	"github.com/moltbunker/usdstake/internal/events"
	"github.com/moltbunker/usdstake/internal/idempotency"
	"github.com/moltbunker/usdstake/internal/logging"
	"github.com/moltbunker/usdstake/internal/metrics"
	"github.com/moltbunker/usdstake/internal/util"
)

// Server is the external HTTP API server
type Server struct {
	config     *ServerConfig
	httpServer *http.Server
	mu         sync.RWMutex
	running    bool
	addr       string

	staking Staking
	token   TokenInfoProvider
	feed    FeedInfoProvider
	journal History
	guard   idempotency.Guard
	auth    *WalletAuth

	deposits DepositVerifier
	credited DepositRegistry
	metrics  *metrics.PrometheusCollector

	wsHub *WebSocketHub

	// Per-IP rate limiters
	rateLimiters sync.Map

	rateLimitCtx    context.Context
	rateLimitCancel context.CancelFunc
	cleanupDone     chan struct{}

	startTime time.Time
}

// rateLimiterEntry holds a rate limiter and the last time it was used
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanoseconds
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	ListenAddr string

	// Rate limiting, per client IP
	RateLimit       int
	RateLimitWindow time.Duration
	RateLimitBurst  int

	// Proxy trust (only enable behind a trusted reverse proxy)
	TrustProxy bool

	MaxRequestSize int64

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	MaxWebSocketClients int

	// How long a wallet signing challenge stays valid
	ChallengeTTL time.Duration
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() *ServerConfig {
	return FromConfig(config.DefaultAPIConfig())
}

// FromConfig converts the api section of the service configuration.
func FromConfig(c config.APIConfig) *ServerConfig {
	return &ServerConfig{
		ListenAddr:          c.ListenAddr,
		RateLimit:           c.RateLimitRequests,
		RateLimitWindow:     time.Duration(c.RateLimitWindowSecs) * time.Second,
		RateLimitBurst:      c.RateLimitBurst,
		MaxRequestSize:      c.MaxRequestSize,
		ReadHeaderTimeout:   time.Duration(c.ReadTimeoutSecs) * time.Second,
		IdleTimeout:         time.Duration(c.IdleTimeoutSecs) * time.Second,
		MaxWebSocketClients: c.MaxWebSocketClients,
		ChallengeTTL:        time.Duration(c.ChallengeTTLSecs) * time.Second,
	}
}

// NewServer creates a new HTTP API server around the staking ledger.
func NewServer(cfg *ServerConfig, staking Staking) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	return &Server{
		config:    cfg,
		staking:   staking,
		auth:      NewWalletAuth(cfg.ChallengeTTL),
		startTime: time.Now(),
	}
}

// SetTokenInfo sets the reward token metadata source for /v1/info.
func (s *Server) SetTokenInfo(t TokenInfoProvider) {
	s.token = t
}

// SetFeedInfo sets the price feed metadata source for /v1/info.
func (s *Server) SetFeedInfo(f FeedInfoProvider) {
	s.feed = f
}

// SetJournal enables /v1/stakes/{account}/history.
func (s *Server) SetJournal(h History) {
	s.journal = h
}

// SetDeposits sets how stake deposits are verified and remembered. Stakes
// are refused until both are set.
func (s *Server) SetDeposits(v DepositVerifier, r DepositRegistry) {
	s.deposits = v
	s.credited = r
}

// SetIdempotencyGuard enables duplicate request rejection.
func (s *Server) SetIdempotencyGuard(g idempotency.Guard) {
	s.guard = g
}

// SetMetrics sets the collector used for /metrics and request accounting.
func (s *Server) SetMetrics(m *metrics.PrometheusCollector) {
	s.metrics = m
}

// SetEventFeed enables the /v1/events WebSocket stream.
func (s *Server) SetEventFeed(feed *events.Feed) {
	s.wsHub = NewWebSocketHub(feed, s.config.MaxWebSocketClients)
}

// Start starts the HTTP API server
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	if s.config.RateLimit > 0 {
		s.rateLimitCtx, s.rateLimitCancel = context.WithCancel(ctx)
		s.startRateLimiterCleanup()
	}

	// WriteTimeout stays zero so WebSocket streams are not cut off.
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
	s.running = true
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	util.SafeGoWithName("api-server", func() {
		logging.Info("HTTP API server starting",
			"addr", ln.Addr().String(),
			logging.Component("api"))

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP server error",
				logging.Err(err),
				logging.Component("api"))
		}
	})

	return nil
}

// Addr returns the bound listen address, or the configured one before
// Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != "" {
		return s.addr
	}
	return s.config.ListenAddr
}

// Stop stops the HTTP API server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
	}

	// Hijacked WebSocket connections are not closed by Shutdown
	if s.wsHub != nil {
		s.wsHub.Close()
	}

	if s.rateLimitCancel != nil {
		s.rateLimitCancel()
		<-s.cleanupDone
	}

	logging.Info("API server stopped", logging.Component("api"))
	return errors.Join(errs...)
}

func (s *Server) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Handler builds the HTTP router with all handlers
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.recoverMiddleware, s.metricsMiddleware)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimitMiddleware)

	v1.Path("/auth/challenge").Methods(http.MethodPost).Name("auth_challenge").HandlerFunc(s.handleChallenge)
	v1.Path("/stake").Methods(http.MethodPost).Name("stake").HandlerFunc(s.handleStake)
	v1.Path("/withdraw").Methods(http.MethodPost).Name("withdraw").HandlerFunc(s.handleWithdraw)
	v1.Path("/stakes/{account}").Methods(http.MethodGet).Name("stake_of").HandlerFunc(s.handleStakeOf)
	v1.Path("/stakes/{account}/history").Methods(http.MethodGet).Name("stake_history").HandlerFunc(s.handleHistory)
	v1.Path("/price").Methods(http.MethodGet).Name("price").HandlerFunc(s.handlePrice)
	v1.Path("/info").Methods(http.MethodGet).Name("info").HandlerFunc(s.handleInfo)
	v1.Path("/reconcile").Methods(http.MethodGet).Name("reconcile").HandlerFunc(s.handleReconcile)
	v1.Path("/metrics").Methods(http.MethodGet).Name("metrics_json").HandlerFunc(s.handleMetricsJSON)
	if s.wsHub != nil {
		v1.Path("/events").Methods(http.MethodGet).Name("events").HandlerFunc(s.handleWebSocket)
	}

	router.Path("/health").Methods(http.MethodGet).Name("health").HandlerFunc(s.handleHealthCheck)
	if s.metrics != nil {
		router.Path("/metrics").Methods(http.MethodGet).Name("metrics").Handler(s.metrics.PrometheusHandler())
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed on "+r.URL.Path)
	})
	return router
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error("handler panic",
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec),
					logging.Component("api"))
				s.writeError(w, http.StatusInternalServerError, "internal", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware counts requests by route template so account addresses
// do not become label values.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.RecordRequest(route)
		s.metrics.RecordLatency(route, time.Since(start))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.RateLimit > 0 {
			ip := s.extractClientIP(r)
			if !s.getRateLimiter(ip).Allow() {
				logging.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method,
					logging.Component("api"))
				w.Header().Set("Retry-After", strconv.Itoa(int(s.config.RateLimitWindow.Seconds())))
				s.writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// getRateLimiter returns the rate limiter for the given IP address,
// creating it on first use.
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	now := time.Now().UnixNano()

	if val, ok := s.rateLimiters.Load(ip); ok {
		entry := val.(*rateLimiterEntry)
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	window := s.config.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	burst := s.config.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	entry := &rateLimiterEntry{
		limiter: rate.NewLimiter(rate.Limit(float64(s.config.RateLimit)/window.Seconds()), burst),
	}
	entry.lastSeen.Store(now)
	actual, _ := s.rateLimiters.LoadOrStore(ip, entry)
	return actual.(*rateLimiterEntry).limiter
}

// extractClientIP extracts the client IP address from the request. Proxy
// headers are only trusted when TrustProxy is set.
func (s *Server) extractClientIP(r *http.Request) string {
	if s.config.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.IndexByte(xff, ','); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// startRateLimiterCleanup periodically removes stale rate limiters
func (s *Server) startRateLimiterCleanup() {
	s.cleanupDone = make(chan struct{})
	util.SafeGoWithName("rate-limiter-cleanup", func() {
		defer close(s.cleanupDone)
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-s.rateLimitCtx.Done():
				return
			case <-ticker.C:
				s.cleanupRateLimiters(time.Now().Add(-10 * time.Minute))
				if n := s.auth.CleanupExpired(); n > 0 {
					logging.Debug("cleaned up expired challenges",
						"count", n,
						logging.Component("api"))
				}
			}
		}
	})
}

// cleanupRateLimiters removes entries not seen since staleBefore
func (s *Server) cleanupRateLimiters(staleBefore time.Time) int {
	var cleaned int
	threshold := staleBefore.UnixNano()

	s.rateLimiters.Range(func(key, value any) bool {
		if value.(*rateLimiterEntry).lastSeen.Load() < threshold {
			s.rateLimiters.Delete(key)
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		logging.Debug("cleaned up stale rate limiters",
			"count", cleaned,
			logging.Component("api"))
	}
	return cleaned
}
