// Package schema implements the per-kind envelope shape/typing/value-range
// validator (spec §4.3, component C3). Validation runs before any state
// mutation and never panics: every rejection is a typed *errors.TypedError
// with a stable code, so the caller (the state machine or an orchestrator)
// can decide to drop a hostile message or surface our own.
package schema

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"

	swaperrors "github.com/satswap/swapcore/internal/errors"
	"github.com/satswap/swapcore/pkg/swap/envelope"
)

// Kind is the enumerated envelope tag (spec §3 `kind`).
type Kind string

const (
	KindRFQ              Kind = "swap.rfq"
	KindQuote            Kind = "swap.quote"
	KindQuoteAccept      Kind = "swap.quote_accept"
	KindSwapInvite       Kind = "swap.swap_invite"
	KindTerms            Kind = "swap.terms"
	KindAccept           Kind = "swap.accept"
	KindLNInvoice        Kind = "swap.ln_invoice"
	KindSolEscrowCreated Kind = "swap.sol_escrow_created"
	KindLNPaid           Kind = "swap.ln_paid"
	KindSolClaimed       Kind = "swap.sol_claimed"
	KindSolRefunded      Kind = "swap.sol_refunded"
	KindCancel           Kind = "swap.cancel"
	KindStatus           Kind = "swap.status"
)

// RFQBody is the body of a swap.rfq envelope.
type RFQBody struct {
	Pair           string  `json:"pair"`
	Direction      string  `json:"direction"`
	BTCSats        int64   `json:"btc_sats"`
	USDTAmount     string  `json:"usdt_amount"`
	ValidUntilUnix *int64  `json:"valid_until_unix,omitempty"`
	SolRecipient   *string `json:"sol_recipient,omitempty"`
}

// QuoteBody is the body of a swap.quote envelope.
type QuoteBody struct {
	RFQID          string `json:"rfq_id"`
	BTCSats        int64  `json:"btc_sats"`
	USDTAmount     string `json:"usdt_amount"`
	ValidUntilUnix *int64 `json:"valid_until_unix,omitempty"`
}

// QuoteAcceptBody is the body of a swap.quote_accept envelope.
type QuoteAcceptBody struct {
	RFQID   string `json:"rfq_id"`
	QuoteID string `json:"quote_id"`
}

// SwapInviteBody is the body of a swap.swap_invite envelope.
type SwapInviteBody struct {
	RFQID       string          `json:"rfq_id"`
	QuoteID     string          `json:"quote_id"`
	SwapChannel string          `json:"swap_channel"`
	OwnerPubkey string          `json:"owner_pubkey"`
	Invite      json.RawMessage `json:"invite"`
	Welcome     json.RawMessage `json:"welcome"`
}

// TermsBody is the body of a swap.terms envelope: the full bilateral
// agreement (spec §3 Trade.terms / §4.3 swap.terms).
type TermsBody struct {
	BTCSats             int64  `json:"btc_sats"`
	USDTAmount          string `json:"usdt_amount"`
	USDTDecimals        int    `json:"usdt_decimals"`
	SolMint             string `json:"sol_mint"`
	SolRecipient        string `json:"sol_recipient"`
	SolRefund           string `json:"sol_refund"`
	SolRefundAfterUnix  int64  `json:"sol_refund_after_unix"`
	LNReceiverPeer      string `json:"ln_receiver_peer"`
	LNPayerPeer         string `json:"ln_payer_peer"`
	TermsValidUntilUnix *int64 `json:"terms_valid_until_unix,omitempty"`
}

// AcceptBody is the body of a swap.accept envelope.
type AcceptBody struct {
	TermsHash string `json:"terms_hash"`
}

// LNInvoiceBody is the body of a swap.ln_invoice envelope.
type LNInvoiceBody struct {
	Bolt11         string  `json:"bolt11"`
	PaymentHashHex string  `json:"payment_hash_hex"`
	AmountMsat     *string `json:"amount_msat,omitempty"`
	ExpiresAtUnix  *int64  `json:"expires_at_unix,omitempty"`
}

// SolEscrowCreatedBody is the body of a swap.sol_escrow_created envelope.
type SolEscrowCreatedBody struct {
	PaymentHashHex  string `json:"payment_hash_hex"`
	ProgramID       string `json:"program_id"`
	EscrowPDA       string `json:"escrow_pda"`
	VaultATA        string `json:"vault_ata"`
	Mint            string `json:"mint"`
	Amount          string `json:"amount"`
	RefundAfterUnix int64  `json:"refund_after_unix"`
	Recipient       string `json:"recipient"`
	Refund          string `json:"refund"`
	TxSig           string `json:"tx_sig"`
}

// LNPaidBody is the body of a swap.ln_paid envelope.
type LNPaidBody struct {
	PaymentHashHex string  `json:"payment_hash_hex"`
	PreimageHex    *string `json:"preimage_hex,omitempty"`
}

// SettledBody is the shared body shape of swap.sol_claimed / swap.sol_refunded.
type SettledBody struct {
	PaymentHashHex string `json:"payment_hash_hex"`
	EscrowPDA      string `json:"escrow_pda"`
	TxSig          string `json:"tx_sig"`
}

// CancelBody is the body of a swap.cancel envelope.
type CancelBody struct {
	Reason *string `json:"reason,omitempty"`
}

// StatusBody is the body of a swap.status envelope.
type StatusBody struct {
	State string  `json:"state"`
	Note  *string `json:"note,omitempty"`
}

var validStates = map[string]bool{
	"init": true, "terms": true, "accepted": true, "invoice": true,
	"escrow": true, "ln_paid": true, "claimed": true, "refunded": true,
	"canceled": true,
}

// Validate runs the envelope shape check (spec §4.3 paragraph 1) followed
// by the per-kind body contract. It never returns a bare error: every
// failure is a *errors.TypedError with Code == ErrCodeInvalidEnvelope so
// callers can test swaperrors.CodeOf(err).
func Validate(env envelope.Envelope) error {
	if err := validateShape(env); err != nil {
		return err
	}
	switch Kind(env.Kind) {
	case KindRFQ:
		return validateBody(env, validateRFQ)
	case KindQuote:
		return validateBody(env, validateQuote)
	case KindQuoteAccept:
		return validateBody(env, validateQuoteAccept)
	case KindSwapInvite:
		return validateBody(env, validateSwapInvite)
	case KindTerms:
		return validateBody(env, validateTerms)
	case KindAccept:
		return validateBody(env, validateAccept)
	case KindLNInvoice:
		return validateBody(env, validateLNInvoice)
	case KindSolEscrowCreated:
		return validateBody(env, validateSolEscrowCreated)
	case KindLNPaid:
		return validateBody(env, validateLNPaid)
	case KindSolClaimed, KindSolRefunded:
		return validateBody(env, validateSettled)
	case KindCancel:
		return validateBody(env, validateCancel)
	case KindStatus:
		return validateBody(env, validateStatus)
	default:
		return invalid(fmt.Sprintf("unknown envelope kind %q", env.Kind))
	}
}

func validateShape(env envelope.Envelope) error {
	if env.V != envelope.ProtocolVersion {
		return invalid(fmt.Sprintf("unsupported protocol version %d", env.V))
	}
	if env.Kind == "" {
		return invalid("kind must not be empty")
	}
	if env.TradeID == "" {
		return invalid("trade_id must not be empty")
	}
	if env.Nonce == "" {
		return invalid("nonce must not be empty")
	}
	if len(env.Body) == 0 || string(env.Body) == "null" {
		return invalid("body must be present")
	}
	return nil
}

// validateBody decodes env.Body into a fresh T and runs check against it,
// rejecting unknown fields (spec §6: "conservative parsing").
func validateBody[T any](env envelope.Envelope, check func(T) error) error {
	var body T
	dec := json.NewDecoder(bytes.NewReader(env.Body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return invalid(fmt.Sprintf("body: %v", err))
	}
	return check(body)
}

func invalid(msg string) error {
	return swaperrors.New(swaperrors.ErrCodeInvalidEnvelope, msg)
}

func validateRFQ(b RFQBody) error {
	if b.Pair != "BTC_LN/USDT_SOL" {
		return invalid("rfq.pair must be BTC_LN/USDT_SOL")
	}
	if b.Direction != "BTC_LN->USDT_SOL" {
		return invalid("rfq.direction must be BTC_LN->USDT_SOL")
	}
	if b.BTCSats <= 0 {
		return invalid("rfq.btc_sats must be positive")
	}
	if err := validateDecimalString(b.USDTAmount, false); err != nil {
		return invalid("rfq.usdt_amount: " + err.Error())
	}
	if b.SolRecipient != nil {
		if err := validateBase58(*b.SolRecipient); err != nil {
			return invalid("rfq.sol_recipient: " + err.Error())
		}
	}
	return nil
}

func validateQuote(b QuoteBody) error {
	if b.RFQID == "" {
		return invalid("quote.rfq_id must not be empty")
	}
	if err := validateHex(b.RFQID, 32); err != nil {
		return invalid("quote.rfq_id: " + err.Error())
	}
	if b.BTCSats <= 0 {
		return invalid("quote.btc_sats must be positive")
	}
	if err := validateDecimalString(b.USDTAmount, false); err != nil {
		return invalid("quote.usdt_amount: " + err.Error())
	}
	return nil
}

func validateQuoteAccept(b QuoteAcceptBody) error {
	if err := validateHex(b.RFQID, 32); err != nil {
		return invalid("quote_accept.rfq_id: " + err.Error())
	}
	if err := validateHex(b.QuoteID, 32); err != nil {
		return invalid("quote_accept.quote_id: " + err.Error())
	}
	return nil
}

func validateSwapInvite(b SwapInviteBody) error {
	if err := validateHex(b.RFQID, 32); err != nil {
		return invalid("swap_invite.rfq_id: " + err.Error())
	}
	if err := validateHex(b.QuoteID, 32); err != nil {
		return invalid("swap_invite.quote_id: " + err.Error())
	}
	if b.SwapChannel == "" {
		return invalid("swap_invite.swap_channel must not be empty")
	}
	if err := validateHex(b.OwnerPubkey, 32); err != nil {
		return invalid("swap_invite.owner_pubkey: " + err.Error())
	}
	if len(b.Invite) == 0 || string(b.Invite) == "null" {
		return invalid("swap_invite.invite must be present")
	}
	if len(b.Welcome) == 0 || string(b.Welcome) == "null" {
		return invalid("swap_invite.welcome must be present")
	}
	return nil
}

func validateTerms(b TermsBody) error {
	if b.BTCSats <= 0 {
		return invalid("terms.btc_sats must be positive")
	}
	if err := validateDecimalString(b.USDTAmount, false); err != nil {
		return invalid("terms.usdt_amount: " + err.Error())
	}
	if b.USDTDecimals < 0 {
		return invalid("terms.usdt_decimals must be >= 0")
	}
	if err := validateBase58(b.SolMint); err != nil {
		return invalid("terms.sol_mint: " + err.Error())
	}
	if err := validateBase58(b.SolRecipient); err != nil {
		return invalid("terms.sol_recipient: " + err.Error())
	}
	if err := validateBase58(b.SolRefund); err != nil {
		return invalid("terms.sol_refund: " + err.Error())
	}
	if b.SolRefundAfterUnix <= 0 {
		return invalid("terms.sol_refund_after_unix must be positive")
	}
	if err := validateHex(b.LNReceiverPeer, 32); err != nil {
		return invalid("terms.ln_receiver_peer: " + err.Error())
	}
	if err := validateHex(b.LNPayerPeer, 32); err != nil {
		return invalid("terms.ln_payer_peer: " + err.Error())
	}
	return nil
}

func validateAccept(b AcceptBody) error {
	if err := validateHex(b.TermsHash, 32); err != nil {
		return invalid("accept.terms_hash: " + err.Error())
	}
	return nil
}

func validateLNInvoice(b LNInvoiceBody) error {
	if b.Bolt11 == "" {
		return invalid("ln_invoice.bolt11 must not be empty")
	}
	if err := validateHex(b.PaymentHashHex, 32); err != nil {
		return invalid("ln_invoice.payment_hash_hex: " + err.Error())
	}
	if b.AmountMsat != nil {
		if err := validateDecimalString(*b.AmountMsat, true); err != nil {
			return invalid("ln_invoice.amount_msat: " + err.Error())
		}
	}
	return nil
}

func validateSolEscrowCreated(b SolEscrowCreatedBody) error {
	if err := validateHex(b.PaymentHashHex, 32); err != nil {
		return invalid("sol_escrow_created.payment_hash_hex: " + err.Error())
	}
	for name, v := range map[string]string{
		"program_id": b.ProgramID, "escrow_pda": b.EscrowPDA, "vault_ata": b.VaultATA,
		"mint": b.Mint, "recipient": b.Recipient, "refund": b.Refund,
	} {
		if err := validateBase58(v); err != nil {
			return invalid("sol_escrow_created." + name + ": " + err.Error())
		}
	}
	if err := validateDecimalString(b.Amount, false); err != nil {
		return invalid("sol_escrow_created.amount: " + err.Error())
	}
	if b.RefundAfterUnix <= 0 {
		return invalid("sol_escrow_created.refund_after_unix must be positive")
	}
	if b.TxSig == "" {
		return invalid("sol_escrow_created.tx_sig must not be empty")
	}
	return nil
}

func validateLNPaid(b LNPaidBody) error {
	if err := validateHex(b.PaymentHashHex, 32); err != nil {
		return invalid("ln_paid.payment_hash_hex: " + err.Error())
	}
	if b.PreimageHex != nil {
		if err := validateHex(*b.PreimageHex, 32); err != nil {
			return invalid("ln_paid.preimage_hex: " + err.Error())
		}
	}
	return nil
}

func validateSettled(b SettledBody) error {
	if err := validateHex(b.PaymentHashHex, 32); err != nil {
		return invalid("payment_hash_hex: " + err.Error())
	}
	if err := validateBase58(b.EscrowPDA); err != nil {
		return invalid("escrow_pda: " + err.Error())
	}
	if b.TxSig == "" {
		return invalid("tx_sig must not be empty")
	}
	return nil
}

func validateCancel(b CancelBody) error {
	return nil
}

func validateStatus(b StatusBody) error {
	if !validStates[b.State] {
		return invalid(fmt.Sprintf("status.state %q is not a recognized trade state", b.State))
	}
	return nil
}

// validateHex checks s decodes to exactly n bytes of lowercase hex.
func validateHex(s string, n int) error {
	if s == "" {
		return fmt.Errorf("must not be empty")
	}
	if s != stringsToLower(s) {
		return fmt.Errorf("must be lowercase hex")
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("not valid hex: %w", err)
	}
	if len(raw) != n {
		return fmt.Errorf("must decode to %d bytes, got %d", n, len(raw))
	}
	return nil
}

func stringsToLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// validateBase58 does a cheap shape/length check ahead of any heavier
// solana-go account parse performed downstream by C5/C8/C9 — rejecting
// garbage here means the Solana RPC capability only ever sees strings that
// already look like base58 pubkeys.
func validateBase58(s string) error {
	if s == "" {
		return fmt.Errorf("must not be empty")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("not valid base58: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("must decode to 32 bytes, got %d", len(raw))
	}
	return nil
}

// validateDecimalString checks s contains only ASCII digits and '.'
// characters (no sign or exponent). An empty s is accepted only when
// allowEmpty is true. Amounts are validated for shape here; the state
// machine and pre-pay verifier do the byte-for-byte equality checks.
func validateDecimalString(s string, allowEmpty bool) error {
	if s == "" {
		if allowEmpty {
			return nil
		}
		return fmt.Errorf("must not be empty")
	}
	for i, c := range s {
		if c == '.' {
			continue
		}
		if c < '0' || c > '9' {
			return fmt.Errorf("must be a decimal digit string, got %q at index %d", s, i)
		}
	}
	return nil
}
