package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/rafflebot/internal/crypto"
	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/server/handler"
	"github.com/alanyoungcy/rafflebot/internal/server/middleware"
	"github.com/alanyoungcy/rafflebot/internal/server/ws"
	"github.com/alanyoungcy/rafflebot/internal/vrf"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// EnterLimit entries per EnterWindow per client IP. Zero disables the
	// limit, as does a nil Limiter.
	EnterLimit  int
	EnterWindow time.Duration
	Limiter     domain.RateLimiter

	// RequestAuth verifies coordinator requests in oracle mode. Nil accepts
	// unsigned requests.
	RequestAuth *crypto.HMACAuth
}

// Handlers aggregates the HTTP handlers. Nil handlers leave their routes
// unregistered, which is how the modes select their surface.
type Handlers struct {
	Health      *handler.HealthHandler
	Raffle      *handler.RaffleHandler
	Draws       *handler.DrawHandler
	Coordinator *handler.CoordinatorHandler
	Faucet      bool // dev mode only; served by Raffle
}

// Server is the HTTP + WebSocket API of a raffle or oracle node.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and middleware chain.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed and wrapped http.Handler. It is separate from
// NewServer so tests can drive it with httptest.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}

	if rh := handlers.Raffle; rh != nil {
		mux.HandleFunc("GET /api/raffle", rh.GetRaffle)
		mux.HandleFunc("GET /api/raffle/players/{index}", rh.GetPlayer)
		mux.HandleFunc("GET /api/raffle/entries/{address}", rh.GetEntries)
		mux.HandleFunc("GET /api/audit/transfer-failures", rh.ListTransferFailures)
		var enter http.Handler = http.HandlerFunc(rh.Enter)
		if cfg.Limiter != nil && cfg.EnterLimit > 0 {
			enter = middleware.RateLimit(cfg.Limiter, "enter", cfg.EnterLimit, cfg.EnterWindow, logger)(enter)
		}
		mux.Handle("POST /api/raffle/enter", enter)
		mux.HandleFunc("GET /api/balances/{address}", rh.GetBalance)
		mux.HandleFunc("GET /api/upkeep", rh.CheckUpkeep)
		mux.HandleFunc("POST /api/upkeep", rh.PerformUpkeep)
		mux.HandleFunc("POST "+vrf.FulfillPath, rh.Fulfill)
		if handlers.Faucet {
			mux.HandleFunc("POST /api/dev/faucet", rh.Faucet)
		}
	}

	if dh := handlers.Draws; dh != nil {
		mux.HandleFunc("GET /api/draws", dh.ListDraws)
		mux.HandleFunc("GET /api/draws/{round}", dh.GetDraw)
		mux.HandleFunc("GET /api/draws/{round}/receipt", dh.GetReceipt)
		mux.HandleFunc("POST /api/draws/export", dh.Export)
	}

	if ch := handlers.Coordinator; ch != nil {
		var request http.Handler = http.HandlerFunc(ch.RequestRandomWords)
		if cfg.RequestAuth != nil {
			request = middleware.HMAC(cfg.RequestAuth, logger)(request)
		}
		mux.Handle("POST "+vrf.RequestsPath, request)
		mux.HandleFunc("GET "+vrf.RequestsPath, ch.ListPending)
		mux.HandleFunc("GET /api/vrf/subscriptions/{id}", ch.GetSubscription)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Fulfilments carry a coordinator signature and requests an HMAC, so
	// neither needs the API key.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", vrf.FulfillPath, vrf.RequestsPath)(h)
	h = middleware.Logging(logger, "/api/health")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
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
