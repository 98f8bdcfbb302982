package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/satswap/swapcore/internal/config"
	"github.com/sony/gobreaker"
)

// ServiceType identifies different external services for circuit breaker isolation.
type ServiceType string

const (
	ServiceSolanaRPC   ServiceType = "solana_rpc"
	ServiceLNRPC       ServiceType = "ln_rpc"
	ServiceSidechannel ServiceType = "sidechannel"
)

// Manager manages circuit breakers for different external services.
// Provides bulkhead isolation - each service has its own circuit breaker so a
// flapping Solana RPC endpoint cannot starve LN payment attempts and vice
// versa, and a disconnected sidechannel cannot trip the RPC breakers.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
}

// Config holds circuit breaker configuration for all services.
type Config struct {
	Enabled     bool
	SolanaRPC   BreakerConfig
	LNRPC       BreakerConfig
	Sidechannel BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open. Default: 3
	MaxRequests uint32

	// Interval is the cyclic period in closed state to clear the internal counts.
	// If 0, never clears. Default: 60s
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	// Default: 30s
	Timeout time.Duration

	// ReadyToTrip is called whenever a request fails in the closed state.
	// If it returns true, the circuit breaker trips to open state.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	return NewManager(Config{
		Enabled: cfg.Enabled,
		SolanaRPC: BreakerConfig{
			MaxRequests:         cfg.SolanaRPC.MaxRequests,
			Interval:            cfg.SolanaRPC.Interval.Duration,
			Timeout:             cfg.SolanaRPC.Timeout.Duration,
			ConsecutiveFailures: cfg.SolanaRPC.ConsecutiveFailures,
			FailureRatio:        cfg.SolanaRPC.FailureRatio,
			MinRequests:         cfg.SolanaRPC.MinRequests,
		},
		LNRPC: BreakerConfig{
			MaxRequests:         cfg.LNRPC.MaxRequests,
			Interval:            cfg.LNRPC.Interval.Duration,
			Timeout:             cfg.LNRPC.Timeout.Duration,
			ConsecutiveFailures: cfg.LNRPC.ConsecutiveFailures,
			FailureRatio:        cfg.LNRPC.FailureRatio,
			MinRequests:         cfg.LNRPC.MinRequests,
		},
		Sidechannel: BreakerConfig{
			MaxRequests:         cfg.Sidechannel.MaxRequests,
			Interval:            cfg.Sidechannel.Interval.Duration,
			Timeout:             cfg.Sidechannel.Timeout.Duration,
			ConsecutiveFailures: cfg.Sidechannel.ConsecutiveFailures,
			FailureRatio:        cfg.Sidechannel.FailureRatio,
			MinRequests:         cfg.Sidechannel.MinRequests,
		},
	})
}

// NewManager creates a circuit breaker manager with the given configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
	}

	if !cfg.Enabled {
		return m
	}

	m.breakers[ServiceSolanaRPC] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceSolanaRPC), cfg.SolanaRPC))
	m.breakers[ServiceLNRPC] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceLNRPC), cfg.LNRPC))
	m.breakers[ServiceSidechannel] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceSidechannel), cfg.Sidechannel))

	return m
}

// Execute wraps a function call with circuit breaker protection.
// If circuit breaker is disabled or not configured for the service, executes directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.config.Enabled {
		return fn()
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}

	return breaker.Execute(fn)
}

// State returns the current state of a circuit breaker.
// Returns "disabled" if circuit breakers are not enabled or service not found.
func (m *Manager) State(service ServiceType) string {
	if !m.config.Enabled {
		return "disabled"
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}

	return breaker.State().String()
}

// Counts returns the current counts for a circuit breaker.
func (m *Manager) Counts(service ServiceType) Counts {
	if !m.config.Enabled {
		return Counts{}
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return Counts{}
	}

	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses        uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// toGobreakerSettings converts our config to gobreaker.Settings.
func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
				if counts.Requests >= cfg.MinRequests {
					failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
					if failureRate >= cfg.FailureRatio {
						return true
					}
				}
			}

			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_change")
		},
	}
}

// DefaultConfig returns sensible defaults for circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		SolanaRPC: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
		LNRPC: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
		Sidechannel: BreakerConfig{
			MaxRequests:         5,
			Interval:            30 * time.Second,
			Timeout:             15 * time.Second,
			ConsecutiveFailures: 8,
			FailureRatio:        0.6,
			MinRequests:         10,
		},
	}
}
