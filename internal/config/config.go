package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{
			Role: "taker",
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Admin: AdminConfig{
			Enabled:            false,
			Address:            "127.0.0.1:8090",
			ReadTimeout:        Duration{Duration: 15 * time.Second},
			WriteTimeout:       Duration{Duration: 15 * time.Second},
			IdleTimeout:        Duration{Duration: 60 * time.Second},
			RateLimitPerMinute: 120,
		},
		Sidechannel: SidechannelConfig{
			ConnectTimeout: Duration{Duration: 10 * time.Second},
		},
		Solana: SolanaConfig{
			Commitment:     "confirmed",
			RequestTimeout: Duration{Duration: 15 * time.Second},
		},
		LN: LNConfig{
			RequestTimeout: Duration{Duration: 30 * time.Second},
		},
		Protocol: ProtocolConfig{
			ResendCooldown:      Duration{Duration: 5 * time.Second},
			SwapTimeout:         Duration{Duration: 10 * time.Minute},
			RefundSafetyMargin:  Duration{Duration: 30 * time.Minute},
			ClaimRebroadcast:    Duration{Duration: 10 * time.Second},
			ClaimRebroadcastMax: 5,
			TermsValidity:       Duration{Duration: 5 * time.Minute},
			EscrowRefundWindow:  Duration{Duration: 2 * time.Hour},
		},
		PriceGuard: PriceGuardConfig{
			MaxOracleAge:   Duration{Duration: 30 * time.Second},
			MaxDiscountBps: 150,
			MaxOverpayBps:  150,
			MakerSpreadBps: 25,
		},
		Receipts: ReceiptsConfig{
			Backend:  "file",
			FilePath: "./data/trades.json",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   120,
			Window:  Duration{Duration: 1 * time.Minute},
		},
		Monitoring: MonitoringConfig{
			Enabled:                false,
			CheckInterval:          Duration{Duration: 5 * time.Minute},
			LowBalanceThresholdSOL: 0.05,
			AlertCooldown:          Duration{Duration: 24 * time.Hour},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			SolanaRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			LNRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Sidechannel: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 30 * time.Second},
				Timeout:             Duration{Duration: 15 * time.Second},
				ConsecutiveFailures: 8,
				FailureRatio:        0.6,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
