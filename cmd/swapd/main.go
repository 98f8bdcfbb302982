// Command swapd runs one side of the BTC-LN/USDT-SOL atomic swap
// coordinator: a maker node that quotes RFQs and locks USDT escrows, or a
// taker node that posts RFQs, pays LN invoices, and claims escrows. The
// role, keys, and endpoints come from YAML config plus SWAPCORE_* env
// overrides; a local .env is loaded first for the secrets.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/satswap/swapcore/internal/adminserver"
	"github.com/satswap/swapcore/internal/circuitbreaker"
	"github.com/satswap/swapcore/internal/config"
	"github.com/satswap/swapcore/internal/dbpool"
	"github.com/satswap/swapcore/internal/lifecycle"
	"github.com/satswap/swapcore/internal/lnclient"
	"github.com/satswap/swapcore/internal/logger"
	"github.com/satswap/swapcore/internal/metrics"
	"github.com/satswap/swapcore/internal/money"
	"github.com/satswap/swapcore/internal/monitoring"
	"github.com/satswap/swapcore/internal/sidechannel"
	"github.com/satswap/swapcore/internal/solanaescrow"
	"github.com/satswap/swapcore/pkg/swap/envelope"
	"github.com/satswap/swapcore/pkg/swap/maker"
	"github.com/satswap/swapcore/pkg/swap/receipts"
	"github.com/satswap/swapcore/pkg/swap/taker"
)

const defaultPublicChannel = "swap-rendezvous"

func main() {
	// Secrets (identity key, RPC URLs) come from the environment; a local
	// .env is a convenience for development, missing is fine.
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("SWAPCORE_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swapd: load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "swapd",
		Environment: cfg.Logging.Environment,
	})
	zlog.Logger = appLogger

	if err := run(cfg, appLogger); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Fatal().Err(err).Msg("swapd.exit")
	}
	appLogger.Info().Msg("swapd.shutdown_complete")
}

func run(cfg *config.Config, appLogger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, appLogger)

	resources := lifecycle.NewManager()
	defer func() {
		if err := resources.Close(); err != nil {
			appLogger.Error().Err(err).Msg("swapd.cleanup_failed")
		}
	}()

	// Identity: one Ed25519 key signs envelopes and on-chain transactions;
	// the peer identity on the sidechannel is the Solana identity.
	if cfg.Identity.PrivateKeyHex == "" {
		return errors.New("SWAPCORE_IDENTITY_KEY is required")
	}
	signer, err := envelope.KeypairSignerFromHex(cfg.Identity.PrivateKeyHex)
	if err != nil {
		return fmt.Errorf("parse identity key: %w", err)
	}
	keyRaw, err := hex.DecodeString(cfg.Identity.PrivateKeyHex)
	if err != nil {
		return fmt.Errorf("decode identity key: %w", err)
	}
	solKey := solana.PrivateKey(keyRaw)

	// Pin the deployment's USDT mint into the asset registry so amount
	// parsing/formatting everywhere agrees with the configured chain.
	usdt, err := money.GetAsset("USDT")
	if err != nil {
		return err
	}
	usdt.Metadata.SolanaMint = cfg.Solana.USDTMint
	if err := money.RegisterAsset(usdt); err != nil {
		return err
	}

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)
	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	store, err := buildReceiptStore(cfg, metricsCollector, resources)
	if err != nil {
		return fmt.Errorf("build receipt store: %w", err)
	}
	resources.Register("receipts", store)

	scClient := sidechannel.NewClient(cfg.Sidechannel, signer, appLogger)
	solClient, err := solanaescrow.NewClient(cfg.Solana)
	if err != nil {
		return fmt.Errorf("build solana client: %w", err)
	}
	resources.RegisterFunc("solana-rpc", solClient.Close)
	lnClient, err := lnclient.NewClient(cfg.LN)
	if err != nil {
		return fmt.Errorf("build ln client: %w", err)
	}

	if cfg.Monitoring.Enabled {
		monitor := monitoring.NewBalanceMonitor(cfg.Monitoring, rpc.New(cfg.Solana.RPCURL), []monitoring.Wallet{
			{Label: cfg.Identity.Role + "-wallet", PublicKey: solKey.PublicKey()},
		})
		monitor.Start(ctx)
		resources.RegisterFunc("balance-monitor", func() error { monitor.Stop(); return nil })
	}

	if cfg.Admin.Enabled {
		admin := adminserver.New(cfg.Admin, cfg.RateLimit, store, breakers, metricsCollector,
			appLogger, solKey.PublicKey().String())
		go func() {
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				appLogger.Error().Err(err).Msg("swapd.admin_server_failed")
			}
		}()
		resources.RegisterFunc("admin-server", func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
		appLogger.Info().Str("address", cfg.Admin.Address).Msg("swapd.admin_server_started")
	}

	publicChannel := cfg.Sidechannel.PublicChannel
	if publicChannel == "" {
		publicChannel = defaultPublicChannel
	}

	appLogger.Info().
		Str("role", cfg.Identity.Role).
		Str("channel", publicChannel).
		Str("identity", logger.TruncateAddress(signer.PublicKeyHex())).
		Msg("swapd.starting")

	switch cfg.Identity.Role {
	case "maker":
		o := maker.New(maker.Config{
			PublicChannel:      publicChannel,
			USDTMint:           cfg.Solana.USDTMint,
			USDTDecimals:       int(usdt.Decimals),
			EscrowProgram:      cfg.Solana.EscrowProgram,
			ResendCooldown:     cfg.Protocol.ResendCooldown.Duration,
			SwapTimeout:        cfg.Protocol.SwapTimeout.Duration,
			TermsValidity:      cfg.Protocol.TermsValidity.Duration,
			EscrowRefundWindow: cfg.Protocol.EscrowRefundWindow.Duration,
			MakerSpreadBps:     cfg.PriceGuard.MakerSpreadBps,
			MaxOverpayBps:      cfg.PriceGuard.MaxOverpayBps,
			MaxOracleAge:       cfg.PriceGuard.MaxOracleAge.Duration,
		}, maker.Deps{
			Signer:            signer,
			IdentityPubkeyHex: signer.PublicKeyHex(),
			SolanaKey:         solKey,
			SolanaRefund:      solKey.PublicKey(),
			Sidechannel:       scClient,
			SolanaRPC:         solClient,
			LNRPC:             lnClient,
			Receipts:          store,
			Metrics:           metricsCollector,
			Breakers:          breakers,
			Lifecycle:         resources,
		})
		return o.Run(ctx)

	case "taker":
		rfqMin, err := parseRFQMin(usdt, cfg.Protocol.RFQMinUSDTAmount)
		if err != nil {
			return err
		}
		o := taker.New(taker.Config{
			PublicChannel:       publicChannel,
			USDTDecimals:        int(usdt.Decimals),
			VerifyMint:          cfg.Solana.USDTMint,
			ResendCooldown:      cfg.Protocol.ResendCooldown.Duration,
			SwapTimeout:         cfg.Protocol.SwapTimeout.Duration,
			RefundSafetyMargin:  cfg.Protocol.RefundSafetyMargin.Duration,
			ClaimRebroadcast:    cfg.Protocol.ClaimRebroadcast.Duration,
			ClaimRebroadcastMax: cfg.Protocol.ClaimRebroadcastMax,
			RFQMinUSDTAmount:    rfqMin,
			MaxDiscountBps:      cfg.PriceGuard.MaxDiscountBps,
			MaxOracleAge:        cfg.PriceGuard.MaxOracleAge.Duration,
		}, taker.Deps{
			Signer:            signer,
			IdentityPubkeyHex: signer.PublicKeyHex(),
			SolanaKey:         solKey,
			Sidechannel:       scClient,
			SolanaRPC:         solClient,
			LNRPC:             lnClient,
			Receipts:          store,
			Metrics:           metricsCollector,
			Breakers:          breakers,
			Lifecycle:         resources,
			PersistPreimages:  cfg.Receipts.PersistPreimages,
		})
		return o.Run(ctx)

	default:
		return fmt.Errorf("unknown role %q", cfg.Identity.Role)
	}
}

// buildReceiptStore selects the receipt backend, sharing one Postgres pool
// between the store and anything else that may need it.
func buildReceiptStore(cfg *config.Config, m *metrics.Metrics, resources *lifecycle.Manager) (receipts.Store, error) {
	if cfg.Receipts.Backend == "postgres" {
		pool, err := dbpool.NewSharedPool(cfg.Receipts.PostgresURL, cfg.Receipts.PostgresPool)
		if err != nil {
			return nil, err
		}
		resources.Register("db-pool", pool)
		store, err := receipts.NewPostgresStoreWithDB(pool.DB())
		if err != nil {
			return nil, err
		}
		return store.WithMetrics(m), nil
	}
	return receipts.New(cfg.Receipts, nil)
}

// parseRFQMin reads the taker's RFQ floor as a major-unit USDT amount
// ("100.50") and converts it to atomic units via the asset registry.
func parseRFQMin(usdt money.Asset, raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	min, err := money.FromMajor(usdt, raw)
	if err != nil {
		return nil, fmt.Errorf("parse protocol.rfq_min_usdt_amount: %w", err)
	}
	return big.NewInt(min.Atomic), nil
}
