// Package adminserver is the optional read-only operator surface: /healthz,
// /metrics, and the receipt-store views an operator needs while running a
// maker or taker node continuously. It is observability tooling around the
// swap core, not part of the wire protocol — it binds to localhost by
// default, accepts no writes, and can be disabled outright.
package adminserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/satswap/swapcore/internal/auth"
	"github.com/satswap/swapcore/internal/circuitbreaker"
	"github.com/satswap/swapcore/internal/config"
	swaperrors "github.com/satswap/swapcore/internal/errors"
	"github.com/satswap/swapcore/internal/logger"
	"github.com/satswap/swapcore/internal/metrics"
	"github.com/satswap/swapcore/internal/ratelimit"
	"github.com/satswap/swapcore/internal/versioning"
	"github.com/satswap/swapcore/pkg/responders"
	"github.com/satswap/swapcore/pkg/swap/receipts"
)

// operatorAuthMessage is the fixed message an operator's client signs to
// access the /trades endpoints when signature auth is configured.
const operatorAuthMessage = "swapcore: admin access"

// Server wires the admin handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
	router     chi.Router
}

type handlers struct {
	cfg            config.AdminConfig
	store          receipts.Store
	breakers       *circuitbreaker.Manager
	metrics        *metrics.Metrics
	logger         zerolog.Logger
	verifier       *auth.SignatureVerifier
	operatorWallet string // base58; empty disables signature auth on /trades
	startTime      time.Time
}

// New builds the admin HTTP server. operatorWallet, when non-empty, gates
// every /trades endpoint behind an Ed25519 request signature from that
// wallet (internal/auth); /metrics is separately gated by the configured
// API key.
func New(cfg config.AdminConfig, rlCfg config.RateLimitConfig, store receipts.Store,
	breakers *circuitbreaker.Manager, metricsCollector *metrics.Metrics,
	appLogger zerolog.Logger, operatorWallet string) *Server {

	router := chi.NewRouter()
	s := &Server{
		handlers: handlers{
			cfg:            cfg,
			store:          store,
			breakers:       breakers,
			metrics:        metricsCollector,
			logger:         appLogger,
			verifier:       auth.NewSignatureVerifier(),
			operatorWallet: operatorWallet,
			startTime:      time.Now(),
		},
		httpServer: &http.Server{
			Addr:         cfg.Address,
			ReadTimeout:  cfg.ReadTimeout.Duration,
			WriteTimeout: cfg.WriteTimeout.Duration,
			IdleTimeout:  cfg.IdleTimeout.Duration,
			Handler:      router,
		},
		router: router,
	}
	s.configureRouter(rlCfg)
	return s
}

func (s *Server) configureRouter(rlCfg config.RateLimitConfig) {
	router := s.router

	if len(s.cfg.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   s.cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(versioning.Negotiation)

	limits := ratelimit.DefaultConfig()
	limits.Metrics = s.metrics
	if rlCfg.Enabled {
		if rlCfg.Limit > 0 {
			limits.PerIPLimit = rlCfg.Limit
			limits.GlobalLimit = rlCfg.Limit * 5
		}
		if rlCfg.Window.Duration > 0 {
			limits.PerIPWindow = rlCfg.Window.Duration
			limits.GlobalWindow = rlCfg.Window.Duration
		}
	} else {
		limits.GlobalEnabled = false
		limits.PerIPEnabled = false
	}
	router.Use(ratelimit.GlobalLimiter(limits))
	router.Use(ratelimit.IPLimiter(limits))

	// Lightweight endpoints with a short timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", s.health)
		r.With(apiKeyAuth(s.cfg.MetricsAPIKey)).Handle("/metrics", promhttp.Handler())
	})

	// Receipt store views; these read the durable store and may touch a
	// remote backend, so they get a looser timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Use(s.operatorAuth)
		r.Get("/trades", s.listTrades)
		r.Get("/trades/{tradeID}", s.getTrade)
		r.Get("/trades/{tradeID}/events", s.getEvents)
		r.Get("/trades/by-payment-hash/{hash}", s.getByPaymentHash)
		r.Get("/recovery/claims", s.listOpenClaims)
		r.Get("/recovery/refunds", s.listOpenRefunds)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// apiKeyAuth guards /metrics with a bearer token when one is configured.
func apiKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get("X-API-Key")
			if supplied == "" {
				const prefix = "Bearer "
				if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
					supplied = h[len(prefix):]
				}
			}
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
				responders.JSON(w, http.StatusUnauthorized, swaperrors.NewWireError("metrics access denied"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// operatorAuth gates the receipt views behind the node operator's request
// signature when a wallet is configured; without one the surface is assumed
// to be loopback-only and left open.
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	if s.operatorWallet == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.verifier.VerifyOperatorRequest(r, s.operatorWallet, operatorAuthMessage); err != nil {
			responders.JSON(w, http.StatusUnauthorized, swaperrors.NewWireError(err.Error()))
			return
		}
		next.ServeHTTP(w, r)
	})
}
