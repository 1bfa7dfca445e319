package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mirrormarket/mirrormarket/internal/domain"
	"github.com/mirrormarket/mirrormarket/internal/server/handler"
	"github.com/mirrormarket/mirrormarket/internal/server/middleware"
	"github.com/mirrormarket/mirrormarket/internal/server/ws"
)

// apiRateLimit bounds per-client-IP request throughput at the HTTP edge.
// Per-user broker budgets are enforced separately in the service layer.
const (
	apiRateLimit  = 300
	apiRateWindow = time.Minute
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Trades      *handler.TradeHandler
	Follows     *handler.FollowHandler
	Connections *handler.ConnectionHandler
	Account     *handler.AccountHandler
}

// Server is the headless HTTP + WebSocket API for the copy-trading engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux. It
// wires up middleware (logging, CORS, auth, per-IP rate limiting) and
// attaches the WebSocket hub. limiter may be nil to disable edge limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Trade endpoints.
	mux.HandleFunc("POST /api/trades", handlers.Trades.CreateTrade)
	mux.HandleFunc("GET /api/trades", handlers.Trades.ListTrades)
	mux.HandleFunc("GET /api/trades/estimate", handlers.Trades.EstimateCost)
	mux.HandleFunc("GET /api/trades/{id}", handlers.Trades.GetTrade)
	mux.HandleFunc("DELETE /api/trades/{id}", handlers.Trades.DeleteTrade)
	mux.HandleFunc("GET /api/trades/{id}/fills", handlers.Trades.ListFills)
	mux.HandleFunc("POST /api/trades/{id}/sell", handlers.Trades.SellTrade)
	mux.HandleFunc("POST /api/trades/{id}/actions", handlers.Follows.RecordAction)

	// Follow ledger endpoints.
	mux.HandleFunc("POST /api/follows", handlers.Follows.Purchase)
	mux.HandleFunc("GET /api/follows", handlers.Follows.ListPurchases)
	mux.HandleFunc("GET /api/follows/actions", handlers.Follows.ListActions)
	mux.HandleFunc("GET /api/follows/{id}", handlers.Follows.GetPurchase)

	// Broker connection endpoints.
	mux.HandleFunc("POST /api/connections", handlers.Connections.Link)
	mux.HandleFunc("GET /api/connections", handlers.Connections.List)
	mux.HandleFunc("DELETE /api/connections/{id}", handlers.Connections.Disconnect)

	// Brokerage account endpoint.
	mux.HandleFunc("GET /api/account", handlers.Account.GetAccount)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client-IP rate limiting.
	if limiter != nil {
		h = middleware.RateLimit(limiter, apiRateLimit, apiRateWindow)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = corsMiddleware(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
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

// corsMiddleware returns middleware that sets CORS headers for the allowed
// origins. If no origins are specified, it defaults to allowing all origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := len(allowedOrigins) == 0 // allow all if none specified
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-User-ID")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
