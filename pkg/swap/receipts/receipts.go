// Package receipts implements the durable trade receipt store (spec §4.6,
// component C6): a local, process-private key/event store recording a
// per-trade projection plus an append-only event log, so that after any
// terminal transition a subsequent process can recover the trade from
// receipts alone. Backends mirror the teacher's multi-backend storage.Store:
// memory (tests), file (default local durable store), Postgres, and
// MongoDB, for operators running several swap nodes against a shared store.
package receipts

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a requested trade or event is missing.
var ErrNotFound = errors.New("receipts: not found")

// Record is the durable projection of a Trade (spec §3 Trade, §4.6 "stored
// fields mirror §3 Trade plus bookkeeping timestamps").
type Record struct {
	TradeID          string `json:"trade_id"`
	SchemaVersion    int64  `json:"schema_version"`
	State            string `json:"state"`
	Role             string `json:"role"` // "maker" or "taker", whichever side this process ran
	TermsJSON        []byte `json:"terms_json,omitempty"`
	TermsHash        string `json:"terms_hash,omitempty"`
	InvoiceJSON      []byte `json:"invoice_json,omitempty"`
	EscrowJSON       []byte `json:"escrow_json,omitempty"`
	PaymentHashHex   string `json:"payment_hash_hex,omitempty"`
	EscrowPDA        string `json:"escrow_pda,omitempty"`
	Mint             string `json:"mint,omitempty"`
	Recipient        string `json:"recipient,omitempty"`
	Refund           string `json:"refund,omitempty"`
	RefundAfterUnix  int64  `json:"refund_after_unix,omitempty"`
	Preimage         string `json:"preimage,omitempty"` // only ever written locally, and only when enabled
	LastKind         string `json:"last_kind,omitempty"`
	LastTS           int64  `json:"last_ts,omitempty"`
	LastSigner       string `json:"last_signer,omitempty"`
	AcceptedAt       *int64 `json:"accepted_at,omitempty"`
	CanceledReason   string `json:"canceled_reason,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	CreatedAtUnixMs  int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs  int64  `json:"updated_at_unix_ms"`
}

// Patch applies partial updates to a Record under upsert semantics (spec
// §4.6): a nil field in Patch leaves the corresponding Record field
// unchanged; an explicit zero-value pointer (e.g. CanceledReason pointing at
// an empty string) overwrites it. The JSON blob fields (TermsJSON,
// InvoiceJSON, EscrowJSON) follow the same rule: nil leaves the stored blob
// unchanged, any non-nil slice replaces it.
type Patch struct {
	State           *string
	Role            *string
	TermsJSON       []byte
	TermsHash       *string
	InvoiceJSON     []byte
	EscrowJSON      []byte
	PaymentHashHex  *string
	EscrowPDA       *string
	Mint            *string
	Recipient       *string
	Refund          *string
	RefundAfterUnix *int64
	Preimage        *string
	LastKind        *string
	LastTS          *int64
	LastSigner      *string
	AcceptedAt      **int64 // pointer-to-pointer: non-nil outer with nil inner erases accepted_at
	CanceledReason  *string
	LastError       *string
}

// Event is one entry in the append-only events(trade_id, ts, kind, payload)
// log (spec §3 Receipt).
type Event struct {
	TradeID string `json:"trade_id"`
	TS      int64  `json:"ts"`
	Kind    string `json:"kind"`
	Payload []byte `json:"payload,omitempty"`
}

// Store is the receipt store capability (spec §4.6): upsert_trade,
// append_event, get_trade, get_by_payment_hash, list_trades, and the two
// recovery-sweep listings used by an operator's refund/claim monitor.
// Every method is safe for concurrent use across trades; callers owning a
// single trade_id are expected to serialize their own writes to it (spec §5
// "if multiple tasks write, a per-trade mutex is required" — enforced by the
// orchestrators, not this package).
type Store interface {
	UpsertTrade(ctx context.Context, tradeID string, patch Patch) error
	AppendEvent(ctx context.Context, tradeID string, kind string, payload []byte) error

	GetTrade(ctx context.Context, tradeID string) (Record, error)
	GetByPaymentHash(ctx context.Context, paymentHashHex string) (Record, error)
	ListTrades(ctx context.Context, limit int) ([]Record, error)
	GetEvents(ctx context.Context, tradeID string) ([]Event, error)

	// ListOpenClaims returns trades in state ln_paid with a payment hash set
	// (awaiting a claim), and ListOpenRefunds returns trades not claimed,
	// refunded or canceled whose refund_after_unix has elapsed — the two
	// sweeps an operator's recovery monitor polls (spec §4.6 durability:
	// "a subsequent process can recover the trade from receipts alone").
	ListOpenClaims(ctx context.Context, nowUnixMs int64) ([]Record, error)
	ListOpenRefunds(ctx context.Context, nowUnixMs int64) ([]Record, error)

	io.Closer
}

// applyPatch is the shared merge logic used by every backend: missing
// fields in patch leave existing values unchanged (spec §4.6 upsert
// semantics).
func applyPatch(r *Record, patch Patch) {
	if patch.State != nil {
		r.State = *patch.State
	}
	if patch.Role != nil {
		r.Role = *patch.Role
	}
	if patch.TermsJSON != nil {
		r.TermsJSON = patch.TermsJSON
	}
	if patch.TermsHash != nil {
		r.TermsHash = *patch.TermsHash
	}
	if patch.InvoiceJSON != nil {
		r.InvoiceJSON = patch.InvoiceJSON
	}
	if patch.EscrowJSON != nil {
		r.EscrowJSON = patch.EscrowJSON
	}
	if patch.PaymentHashHex != nil {
		r.PaymentHashHex = *patch.PaymentHashHex
	}
	if patch.EscrowPDA != nil {
		r.EscrowPDA = *patch.EscrowPDA
	}
	if patch.Mint != nil {
		r.Mint = *patch.Mint
	}
	if patch.Recipient != nil {
		r.Recipient = *patch.Recipient
	}
	if patch.Refund != nil {
		r.Refund = *patch.Refund
	}
	if patch.RefundAfterUnix != nil {
		r.RefundAfterUnix = *patch.RefundAfterUnix
	}
	if patch.Preimage != nil {
		r.Preimage = *patch.Preimage
	}
	if patch.LastKind != nil {
		r.LastKind = *patch.LastKind
	}
	if patch.LastTS != nil {
		r.LastTS = *patch.LastTS
	}
	if patch.LastSigner != nil {
		r.LastSigner = *patch.LastSigner
	}
	if patch.AcceptedAt != nil {
		r.AcceptedAt = *patch.AcceptedAt
	}
	if patch.CanceledReason != nil {
		r.CanceledReason = *patch.CanceledReason
	}
	if patch.LastError != nil {
		r.LastError = *patch.LastError
	}
	r.SchemaVersion++
}

// isOpenClaim reports whether a record is in state ln_paid with a payment
// hash set (payment made on LN, preimage not yet used to claim).
func isOpenClaim(r Record) bool {
	return (r.State == "ln_paid") && r.PaymentHashHex != ""
}

// isOpenRefund reports whether a record's refund deadline has elapsed
// without the trade reaching claimed.
func isOpenRefund(r Record, nowUnixMs int64) bool {
	switch r.State {
	case "claimed", "refunded", "canceled":
		return false
	}
	if r.RefundAfterUnix == 0 {
		return false
	}
	return nowUnixMs >= r.RefundAfterUnix*1000
}
