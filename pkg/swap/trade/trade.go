// Package trade implements the per-trade state machine (spec §4.4,
// component C4): it applies a validated, signed envelope to a Trade record,
// enforcing the transition table, role-scoped signer checks, and
// cross-field consistency, in the fixed check order the spec mandates.
package trade

import (
	"encoding/json"

	swaperrors "github.com/satswap/swapcore/internal/errors"
	"github.com/satswap/swapcore/pkg/swap/codec"
	"github.com/satswap/swapcore/pkg/swap/envelope"
	"github.com/satswap/swapcore/pkg/swap/schema"
)

// State is one of the nine trade states in spec §3/§4.4.
type State string

const (
	StateInit     State = "init"
	StateTerms    State = "terms"
	StateAccepted State = "accepted"
	StateInvoice  State = "invoice"
	StateEscrow   State = "escrow"
	StateLNPaid   State = "ln_paid"
	StateClaimed  State = "claimed"
	StateRefunded State = "refunded"
	StateCanceled State = "canceled"
)

// IsTerminal reports whether s rejects further mutating envelopes (T-1).
func (s State) IsTerminal() bool {
	return s == StateClaimed || s == StateRefunded || s == StateCanceled
}

// Last records {kind, ts, signer} of the last applied envelope (spec §3).
type Last struct {
	Kind   string `json:"kind"`
	TS     int64  `json:"ts"`
	Signer string `json:"signer"`
}

// Trade is the receiver-side view of a single swap (spec §3).
type Trade struct {
	TradeID        string                       `json:"trade_id"`
	State          State                        `json:"state"`
	Terms          *schema.TermsBody            `json:"terms,omitempty"`
	TermsHash      string                       `json:"terms_hash,omitempty"`
	Invoice        *schema.LNInvoiceBody        `json:"invoice,omitempty"`
	Escrow         *schema.SolEscrowCreatedBody `json:"escrow,omitempty"`
	Last           *Last                        `json:"last,omitempty"`
	AcceptedAt     *int64                       `json:"accepted_at,omitempty"`
	CanceledReason *string                      `json:"canceled_reason,omitempty"`
}

// New creates the initial, pre-terms Trade record for tradeID.
func New(tradeID string) *Trade {
	return &Trade{TradeID: tradeID, State: StateInit}
}

// clone returns a deep-enough copy of t for copy-on-write semantics: Apply
// never mutates its input, it returns a new *Trade (or the same error).
func (t *Trade) clone() *Trade {
	cp := *t
	if t.Terms != nil {
		terms := *t.Terms
		cp.Terms = &terms
	}
	if t.Invoice != nil {
		inv := *t.Invoice
		cp.Invoice = &inv
	}
	if t.Escrow != nil {
		esc := *t.Escrow
		cp.Escrow = &esc
	}
	if t.Last != nil {
		last := *t.Last
		cp.Last = &last
	}
	if t.AcceptedAt != nil {
		at := *t.AcceptedAt
		cp.AcceptedAt = &at
	}
	if t.CanceledReason != nil {
		r := *t.CanceledReason
		cp.CanceledReason = &r
	}
	return &cp
}

// transitionTable lists, per current state, the kinds allowed to mutate it
// and the resulting state (spec §4.4). A kind mapped to the current state
// itself is a "self" transition (no state field change beyond Last); a kind
// absent from the map for a state is rejected with state_not_allowed.
var transitionTable = map[State]map[schema.Kind]State{
	StateInit: {
		schema.KindTerms:  StateTerms,
		schema.KindCancel: StateCanceled,
		schema.KindStatus: StateInit,
	},
	StateTerms: {
		schema.KindTerms:  StateTerms,
		schema.KindAccept: StateAccepted,
		schema.KindCancel: StateCanceled,
		schema.KindStatus: StateTerms,
	},
	StateAccepted: {
		schema.KindLNInvoice: StateInvoice,
		schema.KindCancel:    StateCanceled,
		schema.KindStatus:    StateAccepted,
	},
	StateInvoice: {
		schema.KindLNInvoice:        StateInvoice,
		schema.KindSolEscrowCreated: StateEscrow,
		schema.KindCancel:           StateCanceled,
		schema.KindStatus:           StateInvoice,
	},
	StateEscrow: {
		schema.KindLNInvoice:        StateEscrow,
		schema.KindSolEscrowCreated: StateEscrow,
		schema.KindLNPaid:           StateLNPaid,
		schema.KindSolClaimed:       StateClaimed,
		schema.KindSolRefunded:      StateRefunded,
		schema.KindStatus:           StateEscrow,
	},
	StateLNPaid: {
		schema.KindLNPaid:     StateLNPaid,
		schema.KindSolClaimed: StateClaimed,
		schema.KindStatus:     StateLNPaid,
	},
}

// Apply validates env against schema, verifies its signature, checks the
// transition table, the role-scoped signer, and cross-field consistency,
// and returns the next Trade — or a typed error and the unchanged Trade.
// Check order is fixed per spec §4.4: schema → trade-id match → signature
// → state-allowed-for-kind → role-scoped signer → cross-field consistency
// → commit.
func Apply(t *Trade, env envelope.Envelope) (*Trade, error) {
	if err := schema.Validate(env); err != nil {
		return t, err
	}
	if env.TradeID != t.TradeID {
		return t, swaperrors.New(swaperrors.ErrCodeTradeIDMismatch, "envelope trade_id does not match trade")
	}
	if err := envelope.Verify(env); err != nil {
		return t, err
	}

	kind := schema.Kind(env.Kind)

	if t.State.IsTerminal() {
		return t, swaperrors.New(swaperrors.ErrCodeStateNotAllowed, "trade is in a terminal state")
	}

	nextState, allowed := transitionTable[t.State][kind]
	if !allowed {
		return t, swaperrors.New(swaperrors.ErrCodeStateNotAllowed,
			"kind "+env.Kind+" is not allowed from state "+string(t.State))
	}

	if err := checkSigner(t, kind, env); err != nil {
		return t, err
	}

	next := t.clone()
	next.Last = &Last{Kind: env.Kind, TS: env.TS, Signer: env.Signer}

	switch kind {
	case schema.KindTerms:
		var body schema.TermsBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return t, swaperrors.Wrap(swaperrors.ErrCodeInvalidEnvelope, "decode terms body", err)
		}
		hash, err := termsHash(env)
		if err != nil {
			return t, err
		}
		next.State = nextState
		next.Terms = &body
		next.TermsHash = hash
		// Duplicate TERMS before ACCEPT resets accepted_at (tie-break rule).
		next.AcceptedAt = nil

	case schema.KindAccept:
		var body schema.AcceptBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return t, swaperrors.Wrap(swaperrors.ErrCodeInvalidEnvelope, "decode accept body", err)
		}
		if body.TermsHash != t.TermsHash {
			return t, swaperrors.New(swaperrors.ErrCodeCrossFieldMismatch,
				"accept.terms_hash does not match the applied terms")
		}
		at := env.TS
		next.State = nextState
		next.AcceptedAt = &at

	case schema.KindLNInvoice:
		var body schema.LNInvoiceBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return t, swaperrors.Wrap(swaperrors.ErrCodeInvalidEnvelope, "decode ln_invoice body", err)
		}
		// Idempotent duplicate in invoice/escrow: no state or field change
		// beyond Last, already set above.
		if t.State == StateInvoice || t.State == StateEscrow {
			next.State = t.State
			return next, nil
		}
		next.State = nextState
		next.Invoice = &body

	case schema.KindSolEscrowCreated:
		var body schema.SolEscrowCreatedBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return t, swaperrors.Wrap(swaperrors.ErrCodeInvalidEnvelope, "decode sol_escrow_created body", err)
		}
		if err := checkEscrowAgainstTerms(t, body); err != nil {
			return t, err
		}
		if t.State == StateEscrow {
			next.State = t.State
			return next, nil
		}
		next.State = nextState
		next.Escrow = &body

	case schema.KindLNPaid, schema.KindSolClaimed, schema.KindSolRefunded:
		next.State = nextState

	case schema.KindCancel:
		var body schema.CancelBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return t, swaperrors.Wrap(swaperrors.ErrCodeInvalidEnvelope, "decode cancel body", err)
		}
		// T-2: once escrow is set, funds are locked on chain; CANCEL is refused.
		if t.Escrow != nil {
			return t, swaperrors.New(swaperrors.ErrCodeStateNotAllowed,
				"cannot cancel once escrow is funded; run to claim or refund")
		}
		next.State = nextState
		next.CanceledReason = body.Reason

	case schema.KindStatus:
		// Informational only; Last was already updated above, state unchanged.
		next.State = t.State

	default:
		return t, swaperrors.New(swaperrors.ErrCodeStateNotAllowed, "unhandled kind "+env.Kind)
	}

	return next, nil
}

// checkSigner enforces spec §4.4's role-scoped signer rules: the expected
// signer for `terms` is body.ln_receiver_peer; for every later envelope it
// is the corresponding identity captured inside the previously accepted
// TERMS (ln_receiver_peer for maker-only kinds, ln_payer_peer for
// taker-only kinds). `status` and `cancel` are not role-restricted by the
// core (either party may report status or cancel pre-escrow).
func checkSigner(t *Trade, kind schema.Kind, env envelope.Envelope) error {
	switch kind {
	case schema.KindTerms:
		var body schema.TermsBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return swaperrors.Wrap(swaperrors.ErrCodeInvalidEnvelope, "decode terms body", err)
		}
		if env.Signer != body.LNReceiverPeer {
			return swaperrors.New(swaperrors.ErrCodeWrongSigner, "terms must be signed by ln_receiver_peer")
		}
	case schema.KindAccept, schema.KindLNPaid, schema.KindSolClaimed:
		if t.Terms == nil || env.Signer != t.Terms.LNPayerPeer {
			return swaperrors.New(swaperrors.ErrCodeWrongSigner, "expected signer is the LN payer (taker)")
		}
	case schema.KindLNInvoice, schema.KindSolEscrowCreated, schema.KindSolRefunded:
		if t.Terms == nil || env.Signer != t.Terms.LNReceiverPeer {
			return swaperrors.New(swaperrors.ErrCodeWrongSigner, "expected signer is the LN receiver (maker)")
		}
	case schema.KindCancel, schema.KindStatus:
		// No role restriction.
	}
	return nil
}

// checkEscrowAgainstTerms enforces the recipient/refund/mint/amount
// cross-field consistency required atomically with the escrow transition
// (spec §4.4).
func checkEscrowAgainstTerms(t *Trade, body schema.SolEscrowCreatedBody) error {
	if t.Terms == nil {
		return swaperrors.New(swaperrors.ErrCodeCrossFieldMismatch, "no terms applied yet")
	}
	if body.Recipient != t.Terms.SolRecipient {
		return swaperrors.New(swaperrors.ErrCodeCrossFieldMismatch, "escrow.recipient does not match terms")
	}
	if body.Refund != t.Terms.SolRefund {
		return swaperrors.New(swaperrors.ErrCodeCrossFieldMismatch, "escrow.refund does not match terms")
	}
	if body.Mint != t.Terms.SolMint {
		return swaperrors.New(swaperrors.ErrCodeCrossFieldMismatch, "escrow.mint does not match terms")
	}
	if body.Amount != t.Terms.USDTAmount {
		return swaperrors.New(swaperrors.ErrCodeCrossFieldMismatch, "escrow.amount does not match terms.usdt_amount byte-for-byte")
	}
	return nil
}

// termsHash computes the content hash of the unsigned TERMS envelope (spec
// §3 terms_hash, §6 content hashing): SHA-256 over the canonical encoding
// of {v,kind,trade_id,ts,nonce,body} with signer/sig stripped.
func termsHash(env envelope.Envelope) (string, error) {
	hash, err := codec.ContentHash(env.UnsignedEnvelope)
	if err != nil {
		return "", swaperrors.Wrap(swaperrors.ErrCodeInvalidEnvelope, "hash terms envelope", err)
	}
	return hash, nil
}
