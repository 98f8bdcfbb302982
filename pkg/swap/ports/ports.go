// Package ports types the external collaborators the swap core consumes
// (spec §6): the sidechannel transport, the Solana RPC capability, and the
// LN node RPC capability. These are narrow interfaces only — the concrete
// implementations (a real pub/sub bus, solana-go RPC client, an LN node
// gRPC/REST client) live outside the core and are injected as capabilities,
// never reached via an ambient singleton (spec §9 "global state").
package ports

import (
	"context"
	"math/big"

	"github.com/gagliardetto/solana-go"

	"github.com/satswap/swapcore/pkg/swap/envelope"
)

// Sidechannel is the pub/sub messaging transport with peer identity and
// channel invites (spec §6 Sidechannel transport).
type Sidechannel interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	Join(ctx context.Context, channel string, invite, welcome []byte) error
	Leave(ctx context.Context, channel string) error
	Subscribe(ctx context.Context, channels []string) error

	// Send is fire-and-forget at this layer (spec §5 Backpressure): a
	// failed send is a transient transport_error the caller's resender
	// covers, not a fatal trade error.
	Send(ctx context.Context, channel string, env envelope.Envelope, invite, welcome []byte) error

	// Messages delivers untrusted sidechannel_message events; callers must
	// run schema.Validate before trusting anything in them.
	Messages() <-chan SidechannelMessage

	Sign(payload []byte) (signerHex, sigHex string, err error)

	PriceGet(ctx context.Context) (PriceSnapshot, error)
}

// SidechannelMessage is one inbound sidechannel_message event.
type SidechannelMessage struct {
	Channel string
	Raw     []byte
}

// PriceSnapshot mirrors the embedded oracle's priceGet() response shape.
type PriceSnapshot struct {
	OK       bool
	Pairs    map[string]PricePair
	TSUnixMs int64
}

// PricePair is one {median, ok, error} entry in a PriceSnapshot.
type PricePair struct {
	Median *big.Rat
	OK     bool
	Error  string
}

// EscrowStatus is the on-chain lifecycle state of an escrow account.
type EscrowStatus string

const (
	EscrowStatusActive   EscrowStatus = "active"
	EscrowStatusClaimed  EscrowStatus = "claimed"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

// EscrowState is the on-chain escrow record read back by get_escrow_state
// (spec §6 Solana RPC), authoritative over any envelope's claims about it.
type EscrowState struct {
	Status          EscrowStatus
	PaymentHash     [32]byte
	Recipient       solana.PublicKey
	Refund          solana.PublicKey
	Mint            solana.PublicKey
	Amount          *big.Int
	RefundAfterUnix int64
	Vault           solana.PublicKey
	Bump            uint8
}

// CreateEscrowResult is returned by build_and_submit_create_escrow.
type CreateEscrowResult struct {
	TxSig     solana.Signature
	EscrowPDA solana.PublicKey
	VaultATA  solana.PublicKey
}

// SolanaRPC is the on-chain escrow capability the core consumes (spec §6
// Solana RPC). Every transaction-submitting call must capture a fresh
// blockhash before signing (spec §5 Shared resources).
type SolanaRPC interface {
	BuildAndSubmitCreateEscrow(ctx context.Context, payer solana.PrivateKey, payerTokenAccount, mint solana.PublicKey,
		paymentHash [32]byte, recipient, refund solana.PublicKey, refundAfterUnix int64, amount *big.Int) (CreateEscrowResult, error)

	BuildAndSubmitClaimEscrow(ctx context.Context, recipient solana.PrivateKey, recipientTokenAccount, mint solana.PublicKey,
		paymentHash [32]byte, preimage [32]byte) (solana.Signature, error)

	BuildAndSubmitRefundEscrow(ctx context.Context, refund solana.PrivateKey, refundTokenAccount, mint solana.PublicKey,
		paymentHash [32]byte) (solana.Signature, error)

	GetEscrowState(ctx context.Context, paymentHash [32]byte) (*EscrowState, error)

	EnsureAssociatedTokenAccount(ctx context.Context, payer solana.PrivateKey, owner, mint solana.PublicKey) (solana.PublicKey, error)
}

// InvoiceResult is returned by the LN RPC's invoice() call.
type InvoiceResult struct {
	Bolt11         string
	PaymentHashHex string
	ExpiresAtUnix  int64
}

// PayResult is returned by the LN RPC's pay() call.
type PayResult struct {
	PaymentPreimageHex string // exactly 32 bytes hex (spec §6)
}

// LNRPC is the Lightning node capability the core consumes (spec §6 LN RPC).
type LNRPC interface {
	Invoice(ctx context.Context, amountMsat int64, label, description string, expirySec int64) (InvoiceResult, error)
	Pay(ctx context.Context, bolt11 string) (PayResult, error)
}
