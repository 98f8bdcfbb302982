package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and
// environment variables.
type Config struct {
	Identity       IdentityConfig       `yaml:"identity"`
	Logging        LoggingConfig        `yaml:"logging"`
	Admin          AdminConfig          `yaml:"admin"`
	Sidechannel    SidechannelConfig    `yaml:"sidechannel"`
	Solana         SolanaConfig         `yaml:"solana"`
	LN             LNConfig             `yaml:"ln"`
	Protocol       ProtocolConfig       `yaml:"protocol"`
	PriceGuard     PriceGuardConfig     `yaml:"price_guard"`
	Receipts       ReceiptsConfig       `yaml:"receipts"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
}

// IdentityConfig holds this node's Ed25519-equivalent signing identity, used
// to sign every outgoing envelope (spec §2).
type IdentityConfig struct {
	PrivateKeyHex string `yaml:"-"` // loaded only from SWAPCORE_IDENTITY_KEY, never from file
	Role          string `yaml:"role"` // "maker" or "taker", selects which orchestrator cmd/swapd wires
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// AdminConfig holds the optional local read-only operator HTTP surface
// (/healthz, /metrics, /trades, /trades/{id}).
type AdminConfig struct {
	Enabled            bool     `yaml:"enabled"` // default false; opt-in observability surface
	Address            string   `yaml:"address"` // default 127.0.0.1:8090
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	MetricsAPIKey      string   `yaml:"metrics_api_key"` // optional bearer token protecting /metrics
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
}

// SidechannelConfig configures the pub/sub transport used to exchange
// envelopes with the counterparty (spec §6 Sidechannel).
type SidechannelConfig struct {
	BrokerURL      string   `yaml:"broker_url"`
	PublicChannel  string   `yaml:"public_channel"`  // RFQ/QUOTE broadcast channel
	PeerPubkeyHex  string   `yaml:"peer_pubkey_hex"` // expected counterparty identity, when known in advance
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// SolanaConfig configures the Solana RPC endpoint and escrow program used
// to create, inspect, claim, and refund escrows.
type SolanaConfig struct {
	RPCURL         string   `yaml:"rpc_url"`
	WSURL          string   `yaml:"ws_url"`
	Commitment     string   `yaml:"commitment"` // processed | confirmed | finalized
	EscrowProgram  string   `yaml:"escrow_program"`
	USDTMint       string   `yaml:"usdt_mint"`
	SkipPreflight  bool     `yaml:"skip_preflight"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// LNConfig configures the Lightning node RPC used to create invoices, pay
// invoices, and observe preimages.
type LNConfig struct {
	RPCURL         string   `yaml:"rpc_url"`
	TLSCertPath    string   `yaml:"tls_cert_path"`
	MacaroonPath   string   `yaml:"macaroon_path"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// ProtocolConfig holds the negotiation/settlement tolerances the
// orchestrators (C8/C9) apply uniformly (spec §5).
type ProtocolConfig struct {
	ResendCooldown      Duration `yaml:"resend_cooldown"`       // resend_ms
	SwapTimeout         Duration `yaml:"swap_timeout"`          // swap_timeout_sec
	RefundSafetyMargin  Duration `yaml:"refund_safety_margin"`  // minimum margin on sol_refund_after_unix over now
	ClaimRebroadcast    Duration `yaml:"claim_rebroadcast"`     // cooldown between best-effort SOL_CLAIMED re-emits
	ClaimRebroadcastMax int      `yaml:"claim_rebroadcast_max"` // number of best-effort re-emits
	RFQMinUSDTAmount    string   `yaml:"rfq_min_usdt_amount"`   // major-unit decimal string ("100.50"), taker-side RFQ minimum
	TermsValidity       Duration `yaml:"terms_validity"`        // default terms_valid_until_unix horizon when unset
	EscrowRefundWindow  Duration `yaml:"escrow_refund_window"`  // maker-side: sol_refund_after_unix = terms time + this
}

// PriceGuardConfig configures the oracle deviation tolerance (C7).
type PriceGuardConfig struct {
	OracleURL       string   `yaml:"oracle_url"`
	MaxOracleAge    Duration `yaml:"max_oracle_age"`    // max_age_ms
	MaxDiscountBps  int64    `yaml:"max_discount_bps"`  // taker-side ceiling on (1 - implied/median)
	MaxOverpayBps   int64    `yaml:"max_overpay_bps"`   // maker-side ceiling, mirrors MaxDiscountBps
	MakerSpreadBps  int64    `yaml:"maker_spread_bps"`  // spread_bps applied when the maker quotes off the oracle median
}

// ReceiptsConfig selects and configures the durable trade receipt store
// backend (C6).
type ReceiptsConfig struct {
	Backend          string             `yaml:"backend"` // "memory", "file", "postgres", or "mongodb"
	FilePath         string             `yaml:"file_path"`
	PersistPreimages bool               `yaml:"persist_preimages"` // preimages are only ever written locally, and only when enabled
	PostgresURL      string             `yaml:"postgres_url"`
	PostgresPool     PostgresPoolConfig `yaml:"postgres_pool"`
	MongoDBURL       string             `yaml:"mongodb_url"`
	MongoDBDatabase  string             `yaml:"mongodb_database"`
	MongoDBCollection string            `yaml:"mongodb_collection"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // default: 25
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // default: 5
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // default: 5m
}

// RateLimitConfig holds rate limiting configuration for the admin surface.
type RateLimitConfig struct {
	Enabled bool     `yaml:"enabled"`
	Limit   int      `yaml:"limit"`
	Window  Duration `yaml:"window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for the external
// RPC collaborators (Solana RPC, LN RPC, sidechannel transport).
type CircuitBreakerConfig struct {
	Enabled     bool                 `yaml:"enabled"`
	SolanaRPC   BreakerServiceConfig `yaml:"solana_rpc"`
	LNRPC       BreakerServiceConfig `yaml:"ln_rpc"`
	Sidechannel BreakerServiceConfig `yaml:"sidechannel"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external
// service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // default: 3
	Interval            Duration `yaml:"interval"`             // default: 60s
	Timeout             Duration `yaml:"timeout"`              // default: 30s
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // default: 5
	FailureRatio        float64  `yaml:"failure_ratio"`        // default: 0.5
	MinRequests         uint32   `yaml:"min_requests"`         // default: 10
}

// MonitoringConfig configures low-SOL-balance alerting for this node's own
// signing wallets (the maker's escrow/refund key, the taker's claim key).
// Running dry blocks escrow creation or claim submission outright, so this
// watches operational health rather than trade state.
type MonitoringConfig struct {
	Enabled             bool              `yaml:"enabled"`
	CheckInterval        Duration          `yaml:"check_interval"`         // default: 5m
	LowBalanceThresholdSOL float64         `yaml:"low_balance_threshold_sol"` // default: 0.05 SOL
	AlertWebhookURL     string            `yaml:"alert_webhook_url"`
	AlertCooldown       Duration          `yaml:"alert_cooldown"` // default: 24h, dedups repeat alerts per wallet
	Headers             map[string]string `yaml:"headers"`        // extra headers on the webhook POST
	BodyTemplate        string            `yaml:"body_template"`  // text/template; defaults to a Discord-style payload
}
