// Package server exposes the vault API over HTTP and a WebSocket event feed.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/server/handler"
	"github.com/alanyoungcy/copyvault/internal/server/middleware"
	"github.com/alanyoungcy/copyvault/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// RateLimit requests per RateWindow per caller; zero or a nil limiter
	// disables limiting.
	RateLimit        int
	RateWindow       time.Duration
	SignatureMaxSkew time.Duration
	// ReplayGuard rejects a second use of a signed write; nil disables it.
	ReplayGuard domain.ReplayGuard
	Admins      []common.Address
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Vaults     *handler.VaultHandler
	Conditions *handler.ConditionHandler
	Oracle     *handler.OracleHandler // nil when the oracle is not writable
	Audit      *handler.AuditHandler  // nil without an audit store
	Accounts   *handler.AccountHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewHandler registers every route and wraps them in the middleware chain:
// CORS, logging, signature auth, then rate limiting.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/vaults", handlers.Vaults.ListVaults)
	mux.HandleFunc("POST /api/vaults", handlers.Vaults.OpenVault)
	mux.HandleFunc("GET /api/vaults/{id}", handlers.Vaults.GetVault)
	mux.HandleFunc("POST /api/vaults/{id}/funds", handlers.Vaults.AddFunds)
	mux.HandleFunc("POST /api/vaults/{id}/wagers", handlers.Vaults.PlaceWager)
	mux.HandleFunc("GET /api/vaults/{id}/wagers/{index}", handlers.Vaults.GetWager)
	mux.HandleFunc("POST /api/vaults/{id}/wagers/{index}/claims", handlers.Vaults.Claim)
	mux.HandleFunc("GET /api/vaults/{id}/checkpoints/{cp}", handlers.Vaults.GetCheckpoint)
	mux.HandleFunc("GET /api/vaults/{id}/followers/{address}", handlers.Vaults.GetFollower)
	mux.HandleFunc("GET /api/vaults/{id}/events", handlers.Vaults.ListEvents)

	mux.HandleFunc("GET /api/conditions", handlers.Conditions.ListConditions)
	mux.HandleFunc("POST /api/conditions", middleware.RequireAdmin(cfg.Admins, handlers.Conditions.PrepareCondition))
	mux.HandleFunc("GET /api/conditions/{id}", handlers.Conditions.GetCondition)
	mux.HandleFunc("POST /api/conditions/{id}/resolve", handlers.Conditions.ResolveCondition)

	if handlers.Accounts != nil {
		mux.HandleFunc("GET /api/accounts/{address}", handlers.Accounts.GetAccount)
	}
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/vaults/{id}/audit", handlers.Audit.ListVaultAudit)
	}
	if handlers.Oracle != nil {
		mux.HandleFunc("PUT /api/oracle/{ref}", middleware.RequireAdmin(cfg.Admins, handlers.Oracle.PublishValue))
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.SignatureMaxSkew, cfg.ReplayGuard, nil)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// NewServer creates a Server listening on cfg.Port.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
