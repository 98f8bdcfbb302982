// Package prepay implements the pre-pay verifier (spec §4.5, component C5):
// the hard rule that a taker must never dispatch an LN payment unless this
// verifier returns ok. It cross-checks the negotiated TERMS against the
// received LN_INVOICE and SOL_ESCROW_CREATED envelopes and, authoritatively,
// against the on-chain escrow account.
package prepay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gagliardetto/solana-go"

	swaperrors "github.com/satswap/swapcore/internal/errors"
	"github.com/satswap/swapcore/pkg/swap/ports"
	"github.com/satswap/swapcore/pkg/swap/schema"
)

// DefaultRefundSafetyMargin is the conservative default chosen for spec
// §9 Open Question 2 (the source protocol only specifies "now + some
// seconds"): 30 minutes strictly between now and sol_refund_after_unix,
// long enough to cover LN payment + on-chain claim latency without leaving
// the maker's refund window uncomfortably tight.
const DefaultRefundSafetyMargin = 30 * time.Minute

// Result is the outcome of Verify.
type Result struct {
	OK    bool
	Error string
}

// Err converts a failed Result into a typed *errors.TypedError with code
// pre_pay_verification_failed (spec §7), or nil when OK.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return swaperrors.New(swaperrors.ErrCodePrePayVerificationFailed, r.Error)
}

func fail(msg string) Result { return Result{OK: false, Error: msg} }

// Verify runs the five checks of spec §4.5 in order, treating the on-chain
// readback as authoritative over the envelope fields (check 5 wins any
// disagreement with checks 1-4 would have already caught).
func Verify(ctx context.Context, terms schema.TermsBody, invoice schema.LNInvoiceBody,
	escrow schema.SolEscrowCreatedBody, nowUnix int64, safetyMargin time.Duration, rpc ports.SolanaRPC) Result {

	if safetyMargin <= 0 {
		safetyMargin = DefaultRefundSafetyMargin
	}

	// 1. terms_valid_until_unix / ln_invoice.expires_at_unix must be future.
	if terms.TermsValidUntilUnix != nil && *terms.TermsValidUntilUnix <= nowUnix {
		return fail("terms have expired")
	}
	if invoice.ExpiresAtUnix != nil && *invoice.ExpiresAtUnix <= nowUnix {
		return fail("invoice has expired")
	}

	// 2. payment hash must match between invoice and escrow.
	if invoice.PaymentHashHex != escrow.PaymentHashHex {
		return fail("invoice payment_hash does not match escrow payment_hash")
	}

	// 3. escrow fields must equal the corresponding terms fields.
	if escrow.Mint != terms.SolMint {
		return fail("escrow.mint does not match terms.sol_mint")
	}
	if escrow.Amount != terms.USDTAmount {
		return fail("escrow.amount does not match terms.usdt_amount")
	}
	if escrow.Recipient != terms.SolRecipient {
		return fail("escrow.recipient does not match terms.sol_recipient")
	}
	if escrow.Refund != terms.SolRefund {
		return fail("escrow.refund does not match terms.sol_refund")
	}
	if escrow.RefundAfterUnix != terms.SolRefundAfterUnix {
		return fail("escrow.refund_after_unix does not match terms.sol_refund_after_unix")
	}

	// 4. safety margin on the refund deadline.
	margin := time.Duration(terms.SolRefundAfterUnix-nowUnix) * time.Second
	if margin <= safetyMargin {
		return fail("sol_refund_after_unix does not leave the required safety margin")
	}

	// 5. on-chain readback, authoritative.
	paymentHash, err := decodePaymentHash(escrow.PaymentHashHex)
	if err != nil {
		return fail(err.Error())
	}
	state, err := rpc.GetEscrowState(ctx, paymentHash)
	if err != nil {
		return fail("on-chain escrow lookup failed: " + err.Error())
	}
	if state == nil {
		return fail("escrow account not found on chain")
	}
	if state.Status != ports.EscrowStatusActive {
		return fail("on-chain escrow is not active")
	}
	if state.PaymentHash != paymentHash {
		return fail("on-chain payment_hash does not match")
	}
	recipient, err := solana.PublicKeyFromBase58(terms.SolRecipient)
	if err != nil {
		return fail("terms.sol_recipient is not a valid base58 pubkey")
	}
	if state.Recipient != recipient {
		return fail("on-chain recipient does not match terms")
	}
	refund, err := solana.PublicKeyFromBase58(terms.SolRefund)
	if err != nil {
		return fail("terms.sol_refund is not a valid base58 pubkey")
	}
	if state.Refund != refund {
		return fail("on-chain refund does not match terms")
	}
	mint, err := solana.PublicKeyFromBase58(terms.SolMint)
	if err != nil {
		return fail("terms.sol_mint is not a valid base58 pubkey")
	}
	if state.Mint != mint {
		return fail("on-chain mint does not match terms")
	}
	if state.RefundAfterUnix != terms.SolRefundAfterUnix {
		return fail("on-chain refund_after does not match terms")
	}
	amountStr := state.Amount.String()
	if amountStr != terms.USDTAmount {
		return fail("on-chain amount does not match terms")
	}

	return Result{OK: true}
}

func decodePaymentHash(hexStr string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		return out, swaperrors.New(swaperrors.ErrCodeInvalidEnvelope, "payment_hash_hex must be 32-byte hex")
	}
	copy(out[:], raw)
	return out, nil
}

// PreimageMatchesHash validates a taker's claimed LN payment preimage
// against the negotiated payment hash (spec §4.9: "validate the returned
// 32-byte preimage against the payment hash").
func PreimageMatchesHash(preimageHex, paymentHashHex string) bool {
	preimage, err := hex.DecodeString(preimageHex)
	if err != nil || len(preimage) != 32 {
		return false
	}
	want, err := hex.DecodeString(paymentHashHex)
	if err != nil || len(want) != 32 {
		return false
	}
	sum := sha256.Sum256(preimage)
	for i := range sum {
		if sum[i] != want[i] {
			return false
		}
	}
	return true
}
