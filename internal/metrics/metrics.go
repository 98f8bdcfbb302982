package metrics

import (
	"time"

	swaperrors "github.com/satswap/swapcore/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the swap core, exposed over the
// admin server's /metrics endpoint.
type Metrics struct {
	// Trade lifecycle metrics
	TradesStartedTotal  *prometheus.CounterVec
	TradesClaimedTotal  *prometheus.CounterVec
	TradesRefundedTotal *prometheus.CounterVec
	TradesCanceledTotal *prometheus.CounterVec
	TradeDuration       *prometheus.HistogramVec

	// Pre-pay verification
	PrePayVerificationsTotal *prometheus.CounterVec
	PrePayFailuresTotal      *prometheus.CounterVec

	// Envelope/transport metrics
	EnvelopesSentTotal     *prometheus.CounterVec
	EnvelopesDroppedTotal  *prometheus.CounterVec
	ResendsTotal           *prometheus.CounterVec
	ClaimRebroadcastsTotal prometheus.Counter

	// RPC call metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCRetriesTotal *prometheus.CounterVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Receipt store backends
	DBQueryDuration *prometheus.HistogramVec

	// Price guard
	PriceGuardRejectionsTotal *prometheus.CounterVec

	// Circuit breaker state changes, recorded via ObserveCircuitBreakerStateChange
	CircuitBreakerStateChanges *prometheus.CounterVec

	// Admin HTTP surface
	RateLimitHitsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		TradesStartedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_trades_started_total",
				Help: "Total number of trades that reached the terms state",
			},
			[]string{"role"},
		),
		TradesClaimedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_trades_claimed_total",
				Help: "Total number of trades that reached the claimed state",
			},
			[]string{"role"},
		),
		TradesRefundedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_trades_refunded_total",
				Help: "Total number of trades that reached the refunded state",
			},
			[]string{"role"},
		),
		TradesCanceledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_trades_canceled_total",
				Help: "Total number of trades canceled before escrow",
			},
			[]string{"role", "reason"},
		),
		TradeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swapcore_trade_duration_seconds",
				Help:    "Time from terms to a terminal state (supports p50, p95, p99 percentiles)",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"role", "outcome"},
		),

		PrePayVerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_prepay_verifications_total",
				Help: "Total number of pre-pay verification attempts",
			},
			[]string{"result"},
		),
		PrePayFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_prepay_failures_total",
				Help: "Total number of pre-pay verification failures by reason",
			},
			[]string{"reason"},
		),

		EnvelopesSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_envelopes_sent_total",
				Help: "Total number of signed envelopes emitted",
			},
			[]string{"kind"},
		),
		EnvelopesDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_envelopes_dropped_total",
				Help: "Total number of incoming envelopes silently dropped as hostile input",
			},
			[]string{"reason"},
		),
		ResendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_resends_total",
				Help: "Total number of envelope resends by the bounded resender",
			},
			[]string{"kind"},
		),
		ClaimRebroadcastsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "swapcore_claim_rebroadcasts_total",
				Help: "Total number of best-effort SOL_CLAIMED rebroadcasts",
			},
		),

		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_rpc_calls_total",
				Help: "Total number of RPC calls to external collaborators",
			},
			[]string{"service", "method"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swapcore_rpc_call_duration_seconds",
				Help:    "Duration of RPC calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"service", "method"},
		),
		RPCRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_rpc_retries_total",
				Help: "Total number of RPC retry attempts",
			},
			[]string{"service", "method"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_rpc_errors_total",
				Help: "Total number of RPC errors after retries are exhausted",
			},
			[]string{"service", "method", "code"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swapcore_receipts_db_query_duration_seconds",
				Help:    "Duration of receipt store queries by operation and backend",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),

		PriceGuardRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_price_guard_rejections_total",
				Help: "Total number of RFQs/quotes rejected by the price guard",
			},
			[]string{"role"},
		),

		CircuitBreakerStateChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_circuit_breaker_state_changes_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"service", "state"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swapcore_admin_rate_limit_hits_total",
				Help: "Total number of requests rejected by the admin surface rate limiter",
			},
			[]string{"scope"},
		),
	}
}

// ObserveTradeStarted records a trade reaching the terms state.
func (m *Metrics) ObserveTradeStarted(role string) {
	m.TradesStartedTotal.WithLabelValues(role).Inc()
}

// ObserveTradeTerminal records a trade reaching a terminal state along with
// its total duration since terms.
func (m *Metrics) ObserveTradeTerminal(role, outcome string, duration time.Duration) {
	switch outcome {
	case "claimed":
		m.TradesClaimedTotal.WithLabelValues(role).Inc()
	case "refunded":
		m.TradesRefundedTotal.WithLabelValues(role).Inc()
	}
	m.TradeDuration.WithLabelValues(role, outcome).Observe(duration.Seconds())
}

// ObserveTradeCanceled records a pre-escrow cancellation with its reason.
func (m *Metrics) ObserveTradeCanceled(role, reason string) {
	m.TradesCanceledTotal.WithLabelValues(role, reason).Inc()
}

// ObservePrePayVerification records a pre-pay verification attempt and,
// when it failed, its reason.
func (m *Metrics) ObservePrePayVerification(ok bool, reason string) {
	if ok {
		m.PrePayVerificationsTotal.WithLabelValues("ok").Inc()
		return
	}
	m.PrePayVerificationsTotal.WithLabelValues("failed").Inc()
	m.PrePayFailuresTotal.WithLabelValues(reason).Inc()
}

// ObserveEnvelopeSent records an outgoing signed envelope.
func (m *Metrics) ObserveEnvelopeSent(kind string) {
	m.EnvelopesSentTotal.WithLabelValues(kind).Inc()
}

// ObserveEnvelopeDropped records an incoming envelope dropped as hostile input.
func (m *Metrics) ObserveEnvelopeDropped(reason string) {
	m.EnvelopesDroppedTotal.WithLabelValues(reason).Inc()
}

// ObserveResend records a resend of a previously emitted envelope.
func (m *Metrics) ObserveResend(kind string) {
	m.ResendsTotal.WithLabelValues(kind).Inc()
}

// ObserveRPCCall records an RPC call to an external collaborator.
func (m *Metrics) ObserveRPCCall(service, method string, duration time.Duration, retries int, err error) {
	m.RPCCallsTotal.WithLabelValues(service, method).Inc()
	m.RPCCallDuration.WithLabelValues(service, method).Observe(duration.Seconds())
	if retries > 0 {
		m.RPCRetriesTotal.WithLabelValues(service, method).Add(float64(retries))
	}
	if err != nil {
		m.RPCErrorsTotal.WithLabelValues(service, method, errorCode(err)).Inc()
	}
}

// ObserveDBQuery records a receipt store query duration.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObservePriceGuardRejection records a price guard rejection.
func (m *Metrics) ObservePriceGuardRejection(role string) {
	m.PriceGuardRejectionsTotal.WithLabelValues(role).Inc()
}

// ObserveCircuitBreakerStateChange records a breaker transitioning state.
func (m *Metrics) ObserveCircuitBreakerStateChange(service, state string) {
	m.CircuitBreakerStateChanges.WithLabelValues(service, state).Inc()
}

// ObserveRateLimitHit records a request rejected by the admin surface rate
// limiter, labeled by scope ("global" or "per_ip").
func (m *Metrics) ObserveRateLimitHit(scope string) {
	m.RateLimitHitsTotal.WithLabelValues(scope).Inc()
}

// errorCode extracts the stable ErrorCode label for the RPC error counter.
func errorCode(err error) string {
	if code := swaperrors.CodeOf(err); code != "" {
		return string(code)
	}
	return "unknown"
}
