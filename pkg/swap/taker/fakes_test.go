package taker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/satswap/swapcore/pkg/swap/envelope"
	"github.com/satswap/swapcore/pkg/swap/ports"
)

// fakeSidechannel records every Send and lets a test wait for a specific
// envelope kind without sleeping, mirroring the real transport's
// fire-and-forget Send contract (spec §5 Backpressure).
type fakeSidechannel struct {
	mu       sync.Mutex
	sent     []envelope.Envelope
	joined   []string
	sentCh   chan envelope.Envelope
	price    ports.PriceSnapshot
	priceErr error
}

func newFakeSidechannel() *fakeSidechannel {
	return &fakeSidechannel{sentCh: make(chan envelope.Envelope, 64)}
}

func (f *fakeSidechannel) Connect(context.Context) error { return nil }
func (f *fakeSidechannel) Close(context.Context) error   { return nil }

func (f *fakeSidechannel) Join(_ context.Context, channel string, _, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channel)
	return nil
}

func (f *fakeSidechannel) Leave(context.Context, string) error       { return nil }
func (f *fakeSidechannel) Subscribe(context.Context, []string) error { return nil }
func (f *fakeSidechannel) Messages() <-chan ports.SidechannelMessage { return nil }
func (f *fakeSidechannel) Sign([]byte) (string, string, error)       { return "", "", nil }

func (f *fakeSidechannel) Send(_ context.Context, _ string, env envelope.Envelope, _, _ []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	select {
	case f.sentCh <- env:
	default:
	}
	return nil
}

func (f *fakeSidechannel) PriceGet(context.Context) (ports.PriceSnapshot, error) {
	return f.price, f.priceErr
}

func (f *fakeSidechannel) sentOfKind(t *testing.T, kind string) envelope.Envelope {
	t.Helper()
	select {
	case env := <-f.sentCh:
		if env.Kind != kind {
			t.Fatalf("expected next send to be %q, got %q", kind, env.Kind)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a %q send", kind)
		return envelope.Envelope{}
	}
}

func (f *fakeSidechannel) expectNoSend(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case env := <-f.sentCh:
		t.Fatalf("expected no send, got %q", env.Kind)
	case <-time.After(wait):
	}
}

// fakeSolanaRPC is an in-memory stand-in for the on-chain escrow program
// (spec §6 Solana RPC); escrows are keyed by payment hash exactly like the
// real program's PDA derivation would be.
type fakeSolanaRPC struct {
	mu      sync.Mutex
	escrows map[[32]byte]*ports.EscrowState

	createErr error
	claimErr  error
	refundErr error
}

func newFakeSolanaRPC() *fakeSolanaRPC {
	return &fakeSolanaRPC{escrows: make(map[[32]byte]*ports.EscrowState)}
}

func (f *fakeSolanaRPC) BuildAndSubmitCreateEscrow(_ context.Context, _ solana.PrivateKey, _, mint solana.PublicKey,
	paymentHash [32]byte, recipient, refund solana.PublicKey, refundAfterUnix int64, amount *big.Int) (ports.CreateEscrowResult, error) {
	if f.createErr != nil {
		return ports.CreateEscrowResult{}, f.createErr
	}
	escrowPDA := solana.NewWallet().PublicKey()
	vaultATA := solana.NewWallet().PublicKey()
	f.mu.Lock()
	f.escrows[paymentHash] = &ports.EscrowState{
		Status: ports.EscrowStatusActive, PaymentHash: paymentHash,
		Recipient: recipient, Refund: refund, Mint: mint,
		Amount: amount, RefundAfterUnix: refundAfterUnix, Vault: vaultATA,
	}
	f.mu.Unlock()
	var sig solana.Signature
	copy(sig[:], []byte("create"))
	return ports.CreateEscrowResult{TxSig: sig, EscrowPDA: escrowPDA, VaultATA: vaultATA}, nil
}

func (f *fakeSolanaRPC) BuildAndSubmitClaimEscrow(_ context.Context, _ solana.PrivateKey, _, _ solana.PublicKey,
	paymentHash [32]byte, _ [32]byte) (solana.Signature, error) {
	if f.claimErr != nil {
		return solana.Signature{}, f.claimErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.escrows[paymentHash]
	if !ok {
		return solana.Signature{}, errNoEscrow
	}
	st.Status = ports.EscrowStatusClaimed
	var sig solana.Signature
	copy(sig[:], []byte("claim"))
	return sig, nil
}

func (f *fakeSolanaRPC) BuildAndSubmitRefundEscrow(_ context.Context, _ solana.PrivateKey, _, _ solana.PublicKey,
	paymentHash [32]byte) (solana.Signature, error) {
	if f.refundErr != nil {
		return solana.Signature{}, f.refundErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.escrows[paymentHash]
	if !ok {
		return solana.Signature{}, errNoEscrow
	}
	st.Status = ports.EscrowStatusRefunded
	var sig solana.Signature
	copy(sig[:], []byte("refund"))
	return sig, nil
}

func (f *fakeSolanaRPC) GetEscrowState(_ context.Context, paymentHash [32]byte) (*ports.EscrowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.escrows[paymentHash]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (f *fakeSolanaRPC) EnsureAssociatedTokenAccount(_ context.Context, _ solana.PrivateKey, owner, _ solana.PublicKey) (solana.PublicKey, error) {
	return owner, nil
}

var errNoEscrow = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "fakeSolanaRPC: no such escrow" }

// fakeLNRPC issues a fixed invoice/preimage pair so prepay.PreimageMatchesHash
// succeeds the way a real LN node's payment would.
type fakeLNRPC struct {
	mu          sync.Mutex
	paymentHash [32]byte
	preimage    [32]byte
	invoiceErr  error
	payErr      error
	payCalls    int
}

func newFakeLNRPC() *fakeLNRPC {
	var preimage [32]byte
	copy(preimage[:], []byte("satswap-test-preimage-bytes!!!!"))
	return &fakeLNRPC{paymentHash: sha256.Sum256(preimage[:]), preimage: preimage}
}

func (f *fakeLNRPC) Invoice(_ context.Context, _ int64, _, _ string, expirySec int64) (ports.InvoiceResult, error) {
	if f.invoiceErr != nil {
		return ports.InvoiceResult{}, f.invoiceErr
	}
	return ports.InvoiceResult{
		Bolt11:         "lnbc1testinvoice",
		PaymentHashHex: hex.EncodeToString(f.paymentHash[:]),
		ExpiresAtUnix:  time.Now().Add(time.Duration(expirySec) * time.Second).Unix(),
	}, nil
}

func (f *fakeLNRPC) Pay(context.Context, string) (ports.PayResult, error) {
	f.mu.Lock()
	f.payCalls++
	f.mu.Unlock()
	if f.payErr != nil {
		return ports.PayResult{}, f.payErr
	}
	return ports.PayResult{PaymentPreimageHex: hex.EncodeToString(f.preimage[:])}, nil
}

func (f *fakeLNRPC) payCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payCalls
}

func newKeySigner() (*envelope.KeypairSigner, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, err
	}
	return envelope.NewKeypairSigner(key), nil
}
