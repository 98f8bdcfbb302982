// Package lnclient implements the ports.LNRPC capability against a Core
// Lightning node's REST surface: invoice creation on the maker side, invoice
// payment (revealing the preimage) on the taker side. Authentication uses a
// rune token read from disk; the node's TLS certificate can be pinned.
package lnclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/satswap/swapcore/internal/config"
	swaperrors "github.com/satswap/swapcore/internal/errors"
	"github.com/satswap/swapcore/pkg/swap/ports"
)

const defaultRequestTimeout = 30 * time.Second

// Client is a thin REST client for the two LN node calls the swap core
// needs. It is safe for concurrent use.
type Client struct {
	baseURL string
	authToken   string
	http    *http.Client
}

// NewClient builds a Client from the LN section of the node config. The
// rune token is read from cfg.MacaroonPath once at startup.
func NewClient(cfg config.LNConfig) (*Client, error) {
	timeout := cfg.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSCertPath != "" {
		pem, err := os.ReadFile(cfg.TLSCertPath)
		if err != nil {
			return nil, fmt.Errorf("lnclient: read tls cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("lnclient: tls cert %s contains no usable certificates", cfg.TLSCertPath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	var token string
	if cfg.MacaroonPath != "" {
		raw, err := os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return nil, fmt.Errorf("lnclient: read auth token: %w", err)
		}
		token = strings.TrimSpace(string(raw))
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.RPCURL, "/"),
		authToken:   token,
		http:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// invoiceRequest/invoiceResponse mirror CLN's invoice call.
type invoiceRequest struct {
	AmountMsat  int64  `json:"amount_msat"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Expiry      int64  `json:"expiry"`
}

type invoiceResponse struct {
	Bolt11      string `json:"bolt11"`
	PaymentHash string `json:"payment_hash"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Invoice creates a new BOLT11 invoice on the node.
func (c *Client) Invoice(ctx context.Context, amountMsat int64, label, description string, expirySec int64) (ports.InvoiceResult, error) {
	var resp invoiceResponse
	err := c.post(ctx, "/v1/invoice", invoiceRequest{
		AmountMsat:  amountMsat,
		Label:       label,
		Description: description,
		Expiry:      expirySec,
	}, &resp)
	if err != nil {
		return ports.InvoiceResult{}, err
	}
	if resp.Bolt11 == "" {
		return ports.InvoiceResult{}, swaperrors.New(swaperrors.ErrCodeRPCError, "lnclient: node returned no bolt11")
	}
	if _, err := hex.DecodeString(resp.PaymentHash); err != nil || len(resp.PaymentHash) != 64 {
		return ports.InvoiceResult{}, swaperrors.New(swaperrors.ErrCodeRPCError, "lnclient: node returned a malformed payment_hash")
	}
	return ports.InvoiceResult{
		Bolt11:         resp.Bolt11,
		PaymentHashHex: strings.ToLower(resp.PaymentHash),
		ExpiresAtUnix:  resp.ExpiresAt,
	}, nil
}

type payRequest struct {
	Bolt11 string `json:"bolt11"`
}

type payResponse struct {
	PaymentPreimage string `json:"payment_preimage"`
	Status          string `json:"status"`
}

// Pay pays a BOLT11 invoice and returns the revealed preimage. The node's
// preimage must be exactly 32 bytes of hex; anything else is an RPC error
// rather than something to pass along (spec §6).
func (c *Client) Pay(ctx context.Context, bolt11 string) (ports.PayResult, error) {
	var resp payResponse
	if err := c.post(ctx, "/v1/pay", payRequest{Bolt11: bolt11}, &resp); err != nil {
		return ports.PayResult{}, err
	}
	if resp.Status != "" && resp.Status != "complete" {
		return ports.PayResult{}, swaperrors.New(swaperrors.ErrCodeRPCError, fmt.Sprintf("lnclient: payment status %q", resp.Status))
	}
	raw, err := hex.DecodeString(resp.PaymentPreimage)
	if err != nil || len(raw) != 32 {
		return ports.PayResult{}, swaperrors.New(swaperrors.ErrCodeRPCError, "lnclient: node returned a malformed preimage")
	}
	return ports.PayResult{PaymentPreimageHex: strings.ToLower(resp.PaymentPreimage)}, nil
}

// errorEnvelope is the node's error body shape.
type errorEnvelope struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, reqBody, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeRPCError, "lnclient: marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeRPCError, "lnclient: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Rune", c.authToken)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeRPCError, "lnclient: "+path, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeRPCError, "lnclient: read response", err)
	}

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusCreated {
		var nodeErr errorEnvelope
		msg := fmt.Sprintf("lnclient: %s returned %d", path, httpResp.StatusCode)
		if json.Unmarshal(body, &nodeErr) == nil {
			if nodeErr.Message != "" {
				msg += ": " + nodeErr.Message
			} else if nodeErr.Error != "" {
				msg += ": " + nodeErr.Error
			}
		}
		return swaperrors.New(swaperrors.ErrCodeRPCError, msg)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeRPCError, "lnclient: decode response", err)
	}
	return nil
}
