package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration. All env
// vars use the SWAPCORE_ prefix for namespace isolation; the signing key is
// env-only and never read from the YAML file.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Identity.PrivateKeyHex, "SWAPCORE_IDENTITY_KEY")
	setIfEnv(&c.Identity.Role, "SWAPCORE_ROLE")

	setIfEnv(&c.Logging.Level, "SWAPCORE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "SWAPCORE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "SWAPCORE_ENVIRONMENT")

	setBoolIfEnv(&c.Admin.Enabled, "SWAPCORE_ADMIN_ENABLED")
	setIfEnv(&c.Admin.Address, "SWAPCORE_ADMIN_ADDRESS")
	setIfEnv(&c.Admin.MetricsAPIKey, "SWAPCORE_ADMIN_METRICS_API_KEY")

	setIfEnv(&c.Sidechannel.BrokerURL, "SWAPCORE_SIDECHANNEL_BROKER_URL")
	setIfEnv(&c.Sidechannel.PublicChannel, "SWAPCORE_SIDECHANNEL_PUBLIC_CHANNEL")
	setIfEnv(&c.Sidechannel.PeerPubkeyHex, "SWAPCORE_SIDECHANNEL_PEER_PUBKEY")

	setIfEnv(&c.Solana.RPCURL, "SWAPCORE_SOLANA_RPC_URL")
	setIfEnv(&c.Solana.WSURL, "SWAPCORE_SOLANA_WS_URL")
	setIfEnv(&c.Solana.Commitment, "SWAPCORE_SOLANA_COMMITMENT")
	setIfEnv(&c.Solana.EscrowProgram, "SWAPCORE_SOLANA_ESCROW_PROGRAM")
	setIfEnv(&c.Solana.USDTMint, "SWAPCORE_SOLANA_USDT_MINT")
	setBoolIfEnv(&c.Solana.SkipPreflight, "SWAPCORE_SOLANA_SKIP_PREFLIGHT")

	setIfEnv(&c.LN.RPCURL, "SWAPCORE_LN_RPC_URL")
	setIfEnv(&c.LN.TLSCertPath, "SWAPCORE_LN_TLS_CERT_PATH")
	setIfEnv(&c.LN.MacaroonPath, "SWAPCORE_LN_MACAROON_PATH")

	setDurationIfEnv(&c.Protocol.ResendCooldown, "SWAPCORE_PROTOCOL_RESEND_COOLDOWN")
	setDurationIfEnv(&c.Protocol.SwapTimeout, "SWAPCORE_PROTOCOL_SWAP_TIMEOUT")
	setDurationIfEnv(&c.Protocol.RefundSafetyMargin, "SWAPCORE_PROTOCOL_REFUND_SAFETY_MARGIN")
	setIfEnv(&c.Protocol.RFQMinUSDTAmount, "SWAPCORE_PROTOCOL_RFQ_MIN_USDT_AMOUNT")

	setIfEnv(&c.PriceGuard.OracleURL, "SWAPCORE_PRICE_GUARD_ORACLE_URL")
	setDurationIfEnv(&c.PriceGuard.MaxOracleAge, "SWAPCORE_PRICE_GUARD_MAX_ORACLE_AGE")
	setInt64IfEnv(&c.PriceGuard.MaxDiscountBps, "SWAPCORE_PRICE_GUARD_MAX_DISCOUNT_BPS")
	setInt64IfEnv(&c.PriceGuard.MaxOverpayBps, "SWAPCORE_PRICE_GUARD_MAX_OVERPAY_BPS")

	setIfEnv(&c.Receipts.Backend, "SWAPCORE_RECEIPTS_BACKEND")
	setIfEnv(&c.Receipts.FilePath, "SWAPCORE_RECEIPTS_FILE_PATH")
	setBoolIfEnv(&c.Receipts.PersistPreimages, "SWAPCORE_RECEIPTS_PERSIST_PREIMAGES")
	setIfEnv(&c.Receipts.PostgresURL, "SWAPCORE_RECEIPTS_POSTGRES_URL")
	setIfEnv(&c.Receipts.MongoDBURL, "SWAPCORE_RECEIPTS_MONGODB_URL")
	setIfEnv(&c.Receipts.MongoDBDatabase, "SWAPCORE_RECEIPTS_MONGODB_DATABASE")
	setIfEnv(&c.Receipts.MongoDBCollection, "SWAPCORE_RECEIPTS_MONGODB_COLLECTION")

	setBoolIfEnv(&c.CircuitBreaker.Enabled, "SWAPCORE_CIRCUIT_BREAKER_ENABLED")
	setBoolIfEnv(&c.RateLimit.Enabled, "SWAPCORE_RATE_LIMIT_ENABLED")

	setBoolIfEnv(&c.Monitoring.Enabled, "SWAPCORE_MONITORING_ENABLED")
	setDurationIfEnv(&c.Monitoring.CheckInterval, "SWAPCORE_MONITORING_CHECK_INTERVAL")
	setIfEnv(&c.Monitoring.AlertWebhookURL, "SWAPCORE_MONITORING_ALERT_WEBHOOK_URL")
	setDurationIfEnv(&c.Monitoring.AlertCooldown, "SWAPCORE_MONITORING_ALERT_COOLDOWN")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		var parsed int64
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			*target = parsed
		}
	}
}
