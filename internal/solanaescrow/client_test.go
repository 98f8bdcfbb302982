package solanaescrow

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/satswap/swapcore/internal/config"
	"github.com/satswap/swapcore/pkg/swap/ports"
)

const testProgram = "So11111111111111111111111111111111111111112"

func testClientStruct(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(config.SolanaConfig{
		RPCURL:        "http://localhost:8899",
		EscrowProgram: testProgram,
		Commitment:    "confirmed",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func encodeAccount(t *testing.T, status uint8, paymentHash [32]byte, recipient, refund, mint solana.PublicKey,
	amount uint64, refundAfter int64, vault solana.PublicKey, bump uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	steps := []error{
		enc.WriteUint8(status),
		enc.WriteBytes(paymentHash[:], false),
		enc.WriteBytes(recipient[:], false),
		enc.WriteBytes(refund[:], false),
		enc.WriteBytes(mint[:], false),
		enc.WriteUint64(amount, binary.LittleEndian),
		enc.WriteInt64(refundAfter, binary.LittleEndian),
		enc.WriteBytes(vault[:], false),
		enc.WriteUint8(bump),
	}
	for _, err := range steps {
		if err != nil {
			t.Fatalf("encode account: %v", err)
		}
	}
	return buf.Bytes()
}

func TestDecodeEscrowAccountRoundTrip(t *testing.T) {
	paymentHash := sha256.Sum256([]byte("preimage"))
	recipient := solana.NewWallet().PublicKey()
	refund := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	vault := solana.NewWallet().PublicKey()

	data := encodeAccount(t, escrowStatusActive, paymentHash, recipient, refund, mint,
		100_000_000, 1_900_000_000, vault, 254)

	state, err := decodeEscrowAccount(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Status != ports.EscrowStatusActive {
		t.Errorf("status = %q, want active", state.Status)
	}
	if state.PaymentHash != paymentHash {
		t.Errorf("payment hash mismatch")
	}
	if state.Recipient != recipient || state.Refund != refund || state.Mint != mint || state.Vault != vault {
		t.Errorf("pubkey fields mismatch")
	}
	if state.Amount.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Errorf("amount = %v, want 100000000", state.Amount)
	}
	if state.RefundAfterUnix != 1_900_000_000 {
		t.Errorf("refund_after = %d", state.RefundAfterUnix)
	}
	if state.Bump != 254 {
		t.Errorf("bump = %d, want 254", state.Bump)
	}
}

func TestDecodeEscrowAccountStatuses(t *testing.T) {
	paymentHash := sha256.Sum256([]byte("x"))
	wallet := solana.NewWallet().PublicKey()

	tests := []struct {
		raw  uint8
		want ports.EscrowStatus
	}{
		{escrowStatusActive, ports.EscrowStatusActive},
		{escrowStatusClaimed, ports.EscrowStatusClaimed},
		{escrowStatusRefunded, ports.EscrowStatusRefunded},
	}
	for _, tc := range tests {
		data := encodeAccount(t, tc.raw, paymentHash, wallet, wallet, wallet, 1, 1, wallet, 0)
		state, err := decodeEscrowAccount(data)
		if err != nil {
			t.Fatalf("decode status %d: %v", tc.raw, err)
		}
		if state.Status != tc.want {
			t.Errorf("status %d decoded as %q, want %q", tc.raw, state.Status, tc.want)
		}
	}

	data := encodeAccount(t, 9, paymentHash, wallet, wallet, wallet, 1, 1, wallet, 0)
	if _, err := decodeEscrowAccount(data); err == nil {
		t.Errorf("unknown status accepted")
	}
}

func TestDecodeEscrowAccountTruncated(t *testing.T) {
	if _, err := decodeEscrowAccount([]byte{0, 1, 2}); err == nil {
		t.Fatal("truncated account accepted")
	}
}

func TestEscrowPDADeterministic(t *testing.T) {
	c := testClientStruct(t)
	paymentHash := sha256.Sum256([]byte("preimage"))

	a1, bump1, err := c.escrowPDA(paymentHash)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	a2, bump2, err := c.escrowPDA(paymentHash)
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if !a1.Equals(a2) || bump1 != bump2 {
		t.Errorf("pda derivation not deterministic")
	}

	other := sha256.Sum256([]byte("different"))
	a3, _, err := c.escrowPDA(other)
	if err != nil {
		t.Fatalf("derive other: %v", err)
	}
	if a1.Equals(a3) {
		t.Errorf("different payment hashes derived the same pda")
	}
}
