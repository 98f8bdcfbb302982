package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Identity.Role == "" {
		c.Identity.Role = "taker"
	}
	if c.Admin.Address == "" {
		c.Admin.Address = "127.0.0.1:8090"
	}
	if c.Receipts.Backend == "" {
		c.Receipts.Backend = "file"
	}
	if c.Receipts.Backend == "file" && c.Receipts.FilePath == "" {
		c.Receipts.FilePath = "./data/trades.json"
	}
	if c.Solana.Commitment == "" {
		c.Solana.Commitment = string(rpc.CommitmentConfirmed)
	}
	switch strings.ToLower(c.Solana.Commitment) {
	case "processed", "confirmed", "finalized", "finalised":
	default:
		c.Solana.Commitment = string(rpc.CommitmentConfirmed)
	}
	if c.Protocol.ResendCooldown.Duration <= 0 {
		c.Protocol.ResendCooldown = Duration{Duration: 5 * time.Second}
	}
	if c.Protocol.SwapTimeout.Duration <= 0 {
		c.Protocol.SwapTimeout = Duration{Duration: 10 * time.Minute}
	}
	if c.Protocol.RefundSafetyMargin.Duration < 30*time.Minute {
		// A thin margin risks the counterparty racing the refund timeout against
		// the claim; 30 minutes is the conservative floor, not just a default.
		c.Protocol.RefundSafetyMargin = Duration{Duration: 30 * time.Minute}
	}
	if c.Protocol.ClaimRebroadcast.Duration <= 0 {
		c.Protocol.ClaimRebroadcast = Duration{Duration: 10 * time.Second}
	}
	if c.Protocol.ClaimRebroadcastMax <= 0 {
		c.Protocol.ClaimRebroadcastMax = 5
	}
	if c.Monitoring.CheckInterval.Duration <= 0 {
		c.Monitoring.CheckInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Monitoring.AlertCooldown.Duration <= 0 {
		c.Monitoring.AlertCooldown = Duration{Duration: 24 * time.Hour}
	}
	if c.Monitoring.LowBalanceThresholdSOL <= 0 {
		c.Monitoring.LowBalanceThresholdSOL = 0.05
	}
	if c.Protocol.EscrowRefundWindow.Duration < c.Protocol.RefundSafetyMargin.Duration {
		// The refund window must clear the safety margin the pre-pay verifier
		// enforces on the taker side, or every escrow the maker creates would
		// fail its own counterparty's pre-pay check.
		c.Protocol.EscrowRefundWindow = Duration{Duration: c.Protocol.RefundSafetyMargin.Duration + time.Hour}
	}

	// Auto-derive WebSocket URL if not set
	if c.Solana.WSURL == "" && c.Solana.RPCURL != "" {
		wsURL, err := deriveWebsocketURL(c.Solana.RPCURL)
		if err != nil {
			return fmt.Errorf("derive solana websocket url: %w", err)
		}
		c.Solana.WSURL = wsURL
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Identity.Role {
	case "maker", "taker":
	default:
		errs = append(errs, fmt.Sprintf("identity.role must be \"maker\" or \"taker\", got %q", c.Identity.Role))
	}

	if c.Sidechannel.BrokerURL == "" {
		errs = append(errs, "sidechannel.broker_url is required")
	}

	if c.Solana.RPCURL == "" {
		errs = append(errs, "solana.rpc_url is required")
	}
	if c.Solana.EscrowProgram == "" {
		errs = append(errs, "solana.escrow_program is required")
	} else if _, err := solana.PublicKeyFromBase58(c.Solana.EscrowProgram); err != nil {
		errs = append(errs, fmt.Sprintf("solana.escrow_program is not a valid base58 pubkey: %v", err))
	}
	if c.Solana.USDTMint == "" {
		errs = append(errs, "solana.usdt_mint is required")
	} else if _, err := solana.PublicKeyFromBase58(c.Solana.USDTMint); err != nil {
		errs = append(errs, fmt.Sprintf("solana.usdt_mint is not a valid base58 pubkey: %v", err))
	}

	if c.LN.RPCURL == "" {
		errs = append(errs, "ln.rpc_url is required")
	}

	switch c.Receipts.Backend {
	case "memory", "file":
	case "postgres":
		if c.Receipts.PostgresURL == "" {
			errs = append(errs, "receipts.postgres_url is required when receipts.backend is \"postgres\"")
		}
	case "mongodb":
		if c.Receipts.MongoDBURL == "" {
			errs = append(errs, "receipts.mongodb_url is required when receipts.backend is \"mongodb\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("receipts.backend must be one of memory|file|postgres|mongodb, got %q", c.Receipts.Backend))
	}

	if c.PriceGuard.MaxDiscountBps < 0 || c.PriceGuard.MaxDiscountBps > 10000 {
		errs = append(errs, "price_guard.max_discount_bps must be within [0, 10000]")
	}
	if c.PriceGuard.MaxOverpayBps < 0 || c.PriceGuard.MaxOverpayBps > 10000 {
		errs = append(errs, "price_guard.max_overpay_bps must be within [0, 10000]")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// deriveWebsocketURL converts an HTTP(S) RPC URL to WS(S) format.
func deriveWebsocketURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("rpc url empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
		return raw, nil
	case "":
		return "", errors.New("rpc url missing scheme")
	default:
		return "", fmt.Errorf("unsupported rpc url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
