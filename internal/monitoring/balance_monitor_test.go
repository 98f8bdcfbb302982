package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/satswap/swapcore/internal/config"
)

func testWallet(label string) Wallet {
	return Wallet{Label: label, PublicKey: solana.NewWallet().PublicKey()}
}

func TestShouldAlert_FirstTimeAndCooldown(t *testing.T) {
	m := NewBalanceMonitor(config.MonitoringConfig{
		AlertCooldown: config.Duration{Duration: time.Hour},
	}, nil, nil)

	if !m.shouldAlert("maker-escrow") {
		t.Fatal("expected first alert to fire")
	}

	m.mu.Lock()
	m.alertedAt["maker-escrow"] = time.Now()
	m.mu.Unlock()

	if m.shouldAlert("maker-escrow") {
		t.Fatal("expected alert to be suppressed within cooldown")
	}

	m.clearAlert("maker-escrow")
	if !m.shouldAlert("maker-escrow") {
		t.Fatal("expected alert to fire again after clearAlert")
	}
}

func TestSendAlert_DefaultBody(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewBalanceMonitor(config.MonitoringConfig{
		AlertWebhookURL:        srv.URL,
		LowBalanceThresholdSOL: 0.05,
		AlertCooldown:          config.Duration{Duration: time.Hour},
	}, nil, nil)

	wallet := testWallet("maker-escrow")
	m.sendAlert(context.Background(), wallet, 0.01)

	select {
	case body := <-received:
		if _, ok := body["content"]; !ok {
			t.Fatalf("expected default Discord-style body to have a content field, got %v", body)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook was not called")
	}

	if m.shouldAlert("maker-escrow") {
		t.Error("expected alert to be recorded after a successful send")
	}
}

func TestSendAlert_CustomTemplate(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		received <- string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewBalanceMonitor(config.MonitoringConfig{
		AlertWebhookURL:        srv.URL,
		LowBalanceThresholdSOL: 0.05,
		AlertCooldown:          config.Duration{Duration: time.Hour},
		BodyTemplate:           `{"wallet":"{{.Label}}","balance":{{.Balance}}}`,
	}, nil, nil)

	wallet := testWallet("taker-claim")
	m.sendAlert(context.Background(), wallet, 0.02)

	select {
	case body := <-received:
		if body == "" {
			t.Fatal("expected rendered template body")
		}
	case <-time.After(time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestStartNoopWithoutWebhookOrWallets(t *testing.T) {
	m := NewBalanceMonitor(config.MonitoringConfig{Enabled: true}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx) // no webhook configured: must not spawn monitorLoop
	select {
	case <-m.stopCh:
		t.Fatal("stopCh should not be closed")
	default:
	}
}
