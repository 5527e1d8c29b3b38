package edge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oosync/oosync/internal/registry"
)

// Server is the stateless edge sync handler (C8): one HTTP process fronting
// the authoritative Postgres database, with no state held across requests
// beyond the JWKS cache and rate-limiter buckets.
type Server struct {
	cfg         Config
	db          *pgxpool.Pool
	registry    *registry.Registry
	auth        *Authenticator
	rateLimiter *rateLimiter
	rules       TableRules
	collections map[string]CollectionConfig
	logger      *slog.Logger

	http *http.Server
}

// NewServer wires a Server from its dependencies. db is expected to already
// be connected (see internal/edgedb) and its migrations applied.
func NewServer(cfg Config, db *pgxpool.Pool, reg *registry.Registry, rules TableRules, collections map[string]CollectionConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         cfg,
		db:          db,
		registry:    reg,
		auth:        NewAuthenticator(cfg),
		rateLimiter: newRateLimiter(cfg.RateLimitPerKeyRPS, cfg.RateLimitPerKeyBurst),
		rules:       rules,
		collections: collections,
		logger:      logger,
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("edge: listen: %w", err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", "err", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests and stops the server. It does not close
// the pgx pool — the caller owns that.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed mux directly, for embedding in an
// httptest.Server without binding a real listener via Start.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /health", metricsMiddleware("health")(http.HandlerFunc(s.handleHealth)))
	mux.Handle("OPTIONS /api/sync", metricsMiddleware("sync")(http.HandlerFunc(s.handleSyncPreflight)))
	mux.Handle("POST /api/sync", metricsMiddleware("sync")(s.requireAuth(s.handleSync)))
	mux.Handle("GET /metrics", MetricsHandler())

	return chain(mux,
		recoveryMiddleware,
		requestIDMiddleware,
		loggerMiddleware(s.logger),
		maxBytesMiddleware(10<<20),
		corsMiddleware(s.cfg.CORSAllowedOrigins),
	)
}

// handleHealth pings the authoritative database; a degraded pool fails the
// check so a load balancer can route around this instance.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSyncPreflight answers the CORS preflight for POST /api/sync.
func (s *Server) handleSyncPreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware echoes back an allowed Origin and the headers/methods the
// sync endpoint accepts. An empty allow-list means no CORS headers are set
// (same-origin only).
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Device-Id")
				w.Header().Set("Vary", "Origin")
			}
			next.ServeHTTP(w, r)
		})
	}
}
