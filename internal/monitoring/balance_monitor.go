package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/satswap/swapcore/internal/config"
	"github.com/satswap/swapcore/internal/logger"
)

// Wallet names a public key this node depends on for on-chain settlement, so
// a low-balance alert can say which role is at risk (escrow creation vs
// claim submission) rather than just a bare address.
type Wallet struct {
	Label     string // e.g. "maker-escrow", "taker-claim"
	PublicKey solana.PublicKey
}

// BalanceMonitor periodically checks this node's own Solana signing wallets
// and sends a webhook alert when one runs low. A maker that can't fund an
// escrow-creation transaction, or a taker that can't fund a claim, stalls a
// trade already in flight, so this watches operational health rather than
// trade state.
type BalanceMonitor struct {
	cfg        config.MonitoringConfig
	rpcClient  *rpc.Client
	wallets    []Wallet
	httpClient *http.Client

	mu          sync.Mutex
	alertedAt   map[string]time.Time // wallet label -> last alert time, for cooldown dedup

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// BalanceAlert is the payload handed to the alert body template.
type BalanceAlert struct {
	Label     string    `json:"label"`
	Wallet    string    `json:"wallet"`
	Balance   float64   `json:"balance"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBalanceMonitor creates a balance monitor for the given wallets.
func NewBalanceMonitor(cfg config.MonitoringConfig, rpcClient *rpc.Client, wallets []Wallet) *BalanceMonitor {
	return &BalanceMonitor{
		cfg:        cfg,
		rpcClient:  rpcClient,
		wallets:    wallets,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		alertedAt:  make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the balance monitoring loop. It is a no-op if monitoring is
// disabled, no alert webhook is configured, or there are no wallets to watch.
func (m *BalanceMonitor) Start(ctx context.Context) {
	if !m.cfg.Enabled || m.cfg.AlertWebhookURL == "" {
		log.Info().Msg("balance_monitor.disabled")
		return
	}
	if len(m.wallets) == 0 {
		log.Info().Msg("balance_monitor.no_wallets")
		return
	}

	log.Info().
		Int("wallet_count", len(m.wallets)).
		Dur("check_interval", m.cfg.CheckInterval.Duration).
		Float64("threshold_sol", m.cfg.LowBalanceThresholdSOL).
		Msg("balance_monitor.started")

	m.wg.Add(1)
	go m.monitorLoop(ctx)
}

// Stop gracefully stops the balance monitoring loop.
func (m *BalanceMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	log.Info().Msg("balance_monitor.stopped")
}

func (m *BalanceMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval.Duration)
	defer ticker.Stop()

	m.checkBalances(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkBalances(ctx)
		}
	}
}

// checkBalances checks every watched wallet and alerts on (or clears) a low
// balance condition.
func (m *BalanceMonitor) checkBalances(ctx context.Context) {
	for _, wallet := range m.wallets {
		balance, err := m.getBalance(ctx, wallet.PublicKey)
		if err != nil {
			log.Error().
				Err(err).
				Str("label", wallet.Label).
				Str("wallet", logger.TruncateAddress(wallet.PublicKey.String())).
				Msg("balance_monitor.fetch_error")
			continue
		}

		balanceSOL := float64(balance) / 1e9

		log.Debug().
			Str("label", wallet.Label).
			Str("wallet", logger.TruncateAddress(wallet.PublicKey.String())).
			Float64("balance_sol", balanceSOL).
			Msg("balance_monitor.balance_checked")

		if balanceSOL < m.cfg.LowBalanceThresholdSOL {
			if m.shouldAlert(wallet.Label) {
				m.sendAlert(ctx, wallet, balanceSOL)
			}
		} else {
			m.clearAlert(wallet.Label)
		}
	}
}

// getBalance fetches the SOL balance for a wallet. Confirmed commitment is
// fine here: this tracks a trend, not a specific transaction's finality.
func (m *BalanceMonitor) getBalance(ctx context.Context, wallet solana.PublicKey) (uint64, error) {
	result, err := m.rpcClient.GetBalance(ctx, wallet, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("rpc get balance: %w", err)
	}
	return result.Value, nil
}

// shouldAlert reports whether a fresh alert should fire for this wallet,
// i.e. the configured cooldown has elapsed since the last one.
func (m *BalanceMonitor) shouldAlert(label string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lastAlert, exists := m.alertedAt[label]
	if !exists {
		return true
	}
	return time.Since(lastAlert) > m.cfg.AlertCooldown.Duration
}

func (m *BalanceMonitor) clearAlert(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alertedAt, label)
}

// sendAlert sends a webhook notification about a low balance.
func (m *BalanceMonitor) sendAlert(ctx context.Context, wallet Wallet, balance float64) {
	alert := BalanceAlert{
		Label:     wallet.Label,
		Wallet:    wallet.PublicKey.String(),
		Balance:   balance,
		Threshold: m.cfg.LowBalanceThresholdSOL,
		Timestamp: time.Now(),
	}

	var body []byte
	var err error
	if m.cfg.BodyTemplate != "" {
		body, err = m.renderTemplate(alert)
		if err != nil {
			log.Error().Err(err).Str("label", wallet.Label).Msg("balance_monitor.template_error")
			return
		}
	} else {
		body, err = json.Marshal(map[string]any{
			"content": fmt.Sprintf(
				"Low balance alert\n\nWallet: %s (`%s`)\nBalance: %.6f SOL\nThreshold: %.6f SOL\n\n"+
					"This wallet funds on-chain escrow/claim transactions; trades will stall until it is topped up.",
				wallet.Label, wallet.PublicKey.String(), balance, m.cfg.LowBalanceThresholdSOL,
			),
		})
		if err != nil {
			log.Error().Err(err).Str("label", wallet.Label).Msg("balance_monitor.marshal_error")
			return
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.AlertWebhookURL, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("label", wallet.Label).Msg("balance_monitor.request_error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range m.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("label", wallet.Label).Msg("balance_monitor.send_error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Info().
			Str("label", wallet.Label).
			Float64("balance_sol", balance).
			Int("status_code", resp.StatusCode).
			Msg("balance_monitor.alert_sent")
		m.mu.Lock()
		m.alertedAt[wallet.Label] = time.Now()
		m.mu.Unlock()
	} else {
		log.Warn().
			Str("label", wallet.Label).
			Int("status_code", resp.StatusCode).
			Msg("balance_monitor.alert_failed")
	}
}

func (m *BalanceMonitor) renderTemplate(alert BalanceAlert) ([]byte, error) {
	tmpl, err := template.New("alert").Parse(m.cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, alert); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.Bytes(), nil
}
