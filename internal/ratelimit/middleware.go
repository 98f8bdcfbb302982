// Package ratelimit guards the admin HTTP surface (spec §6 External
// Interfaces: /healthz, /metrics, /trades). Unlike a multi-tenant API this
// surface has a single operator and no wallet-identified callers, so
// limiting is global-plus-per-IP rather than per-account.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/satswap/swapcore/internal/metrics"
)

// Config holds rate limiting configuration for the admin surface.
type Config struct {
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics
}

// rateLimitResponse is the JSON body written when a limit is exceeded.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DefaultConfig returns generous limits suitable for a single-operator admin
// surface: enough headroom for dashboards and scripts, tight enough to stop
// an open port from being hammered.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   600,
		GlobalWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

// createRateLimitHandler builds the 429 response writer shared by both limiters.
func createRateLimitHandler(scope string, windowSeconds int, metricsCollector *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if metricsCollector != nil {
			metricsCollector.ObserveRateLimitHit(scope)
		}

		response := rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           "Rate limit exceeded. Please try again later.",
			RetryAfterSeconds: windowSeconds,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(response)
	}
}

// GlobalLimiter caps total request volume across all callers.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(createRateLimitHandler("global", int(cfg.GlobalWindow.Seconds()), cfg.Metrics)),
	)
}

// IPLimiter caps per-source-IP request volume.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(createRateLimitHandler("per_ip", int(cfg.PerIPWindow.Seconds()), cfg.Metrics)),
	)
}
