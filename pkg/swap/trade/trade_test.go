package trade

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"

	swaperrors "github.com/satswap/swapcore/internal/errors"
	"github.com/satswap/swapcore/pkg/swap/envelope"
	"github.com/satswap/swapcore/pkg/swap/schema"
)

const (
	mint = "11111111111111111111111111111111"
)

func newKey(t *testing.T) *envelope.KeypairSigner {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return envelope.NewKeypairSigner(key)
}

func sign(t *testing.T, signer *envelope.KeypairSigner, kind schema.Kind, tradeID string, ts int64, body any) envelope.Envelope {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	unsigned := envelope.UnsignedEnvelope{
		V: envelope.ProtocolVersion, Kind: string(kind), TradeID: tradeID, TS: ts,
		Nonce: "n", Body: raw,
	}
	env, err := envelope.Sign(signer, unsigned)
	if err != nil {
		t.Fatalf("sign envelope: %v", err)
	}
	return env
}

func termsBody(maker, taker *envelope.KeypairSigner) schema.TermsBody {
	return schema.TermsBody{
		BTCSats: 50000, USDTAmount: "100000000", USDTDecimals: 6,
		SolMint: mint, SolRecipient: mint, SolRefund: mint,
		SolRefundAfterUnix: 9999999999,
		LNReceiverPeer:     maker.PublicKeyHex(),
		LNPayerPeer:        taker.PublicKeyHex(),
	}
}

func TestHappyPathToClaimed(t *testing.T) {
	maker, taker := newKey(t), newKey(t)
	tr := New("trade-1")

	termsEnv := sign(t, maker, schema.KindTerms, "trade-1", 1, termsBody(maker, taker))
	tr, err := Apply(tr, termsEnv)
	if err != nil {
		t.Fatalf("terms: %v", err)
	}
	if tr.State != StateTerms {
		t.Fatalf("expected terms state, got %s", tr.State)
	}

	acceptEnv := sign(t, taker, schema.KindAccept, "trade-1", 2, schema.AcceptBody{TermsHash: tr.TermsHash})
	tr, err = Apply(tr, acceptEnv)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if tr.State != StateAccepted {
		t.Fatalf("expected accepted state, got %s", tr.State)
	}

	invoiceEnv := sign(t, maker, schema.KindLNInvoice, "trade-1", 3, schema.LNInvoiceBody{
		Bolt11: "lnbc1...", PaymentHashHex: hex32(),
	})
	tr, err = Apply(tr, invoiceEnv)
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if tr.State != StateInvoice {
		t.Fatalf("expected invoice state, got %s", tr.State)
	}

	escrowEnv := sign(t, maker, schema.KindSolEscrowCreated, "trade-1", 4, schema.SolEscrowCreatedBody{
		PaymentHashHex: hex32(), ProgramID: mint, EscrowPDA: mint, VaultATA: mint,
		Mint: mint, Amount: "100000000", RefundAfterUnix: 9999999999,
		Recipient: mint, Refund: mint, TxSig: "sig1",
	})
	tr, err = Apply(tr, escrowEnv)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if tr.State != StateEscrow {
		t.Fatalf("expected escrow state, got %s", tr.State)
	}

	paidEnv := sign(t, taker, schema.KindLNPaid, "trade-1", 5, schema.LNPaidBody{PaymentHashHex: hex32()})
	tr, err = Apply(tr, paidEnv)
	if err != nil {
		t.Fatalf("ln_paid: %v", err)
	}
	if tr.State != StateLNPaid {
		t.Fatalf("expected ln_paid state, got %s", tr.State)
	}

	claimedEnv := sign(t, taker, schema.KindSolClaimed, "trade-1", 6, schema.SettledBody{
		PaymentHashHex: hex32(), EscrowPDA: mint, TxSig: "sig2",
	})
	tr, err = Apply(tr, claimedEnv)
	if err != nil {
		t.Fatalf("claimed: %v", err)
	}
	if tr.State != StateClaimed {
		t.Fatalf("expected claimed state, got %s", tr.State)
	}
	if !tr.State.IsTerminal() {
		t.Fatal("expected claimed to be terminal")
	}
}

func TestWrongSignerOnAcceptRejected(t *testing.T) {
	maker, taker := newKey(t), newKey(t)
	imposter := newKey(t)
	tr := New("trade-1")

	tr, err := Apply(tr, sign(t, maker, schema.KindTerms, "trade-1", 1, termsBody(maker, taker)))
	if err != nil {
		t.Fatalf("terms: %v", err)
	}

	acceptEnv := sign(t, imposter, schema.KindAccept, "trade-1", 2, schema.AcceptBody{TermsHash: tr.TermsHash})
	next, err := Apply(tr, acceptEnv)
	if swaperrors.CodeOf(err) != swaperrors.ErrCodeWrongSigner {
		t.Fatalf("expected wrong_signer, got %v", err)
	}
	if next.State != StateTerms {
		t.Fatalf("expected state to remain terms, got %s", next.State)
	}
}

func TestEscrowAmountMismatchRejected(t *testing.T) {
	maker, taker := newKey(t), newKey(t)
	tr := New("trade-1")
	tr, _ = Apply(tr, sign(t, maker, schema.KindTerms, "trade-1", 1, termsBody(maker, taker)))
	tr, _ = Apply(tr, sign(t, taker, schema.KindAccept, "trade-1", 2, schema.AcceptBody{TermsHash: tr.TermsHash}))
	tr, _ = Apply(tr, sign(t, maker, schema.KindLNInvoice, "trade-1", 3, schema.LNInvoiceBody{
		Bolt11: "lnbc1...", PaymentHashHex: hex32(),
	}))

	escrowEnv := sign(t, maker, schema.KindSolEscrowCreated, "trade-1", 4, schema.SolEscrowCreatedBody{
		PaymentHashHex: hex32(), ProgramID: mint, EscrowPDA: mint, VaultATA: mint,
		Mint: mint, Amount: "99999999", RefundAfterUnix: 9999999999,
		Recipient: mint, Refund: mint, TxSig: "sig1",
	})
	next, err := Apply(tr, escrowEnv)
	if swaperrors.CodeOf(err) != swaperrors.ErrCodeCrossFieldMismatch {
		t.Fatalf("expected cross_field_mismatch, got %v", err)
	}
	if next.State != StateInvoice {
		t.Fatalf("expected state to remain invoice, got %s", next.State)
	}
}

func TestPreEscrowCancelTransitionsAndLocksOut(t *testing.T) {
	maker, taker := newKey(t), newKey(t)
	tr := New("trade-1")
	tr, _ = Apply(tr, sign(t, maker, schema.KindTerms, "trade-1", 1, termsBody(maker, taker)))

	reason := "changed my mind"
	tr, err := Apply(tr, sign(t, taker, schema.KindCancel, "trade-1", 2, schema.CancelBody{Reason: &reason}))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if tr.State != StateCanceled {
		t.Fatalf("expected canceled, got %s", tr.State)
	}

	_, err = Apply(tr, sign(t, taker, schema.KindAccept, "trade-1", 3, schema.AcceptBody{TermsHash: tr.TermsHash}))
	if swaperrors.CodeOf(err) != swaperrors.ErrCodeStateNotAllowed {
		t.Fatalf("expected state_not_allowed after terminal, got %v", err)
	}
}

func TestDuplicateTermsReplayResetsAcceptedAtStaysInTerms(t *testing.T) {
	maker, taker := newKey(t), newKey(t)
	tr := New("trade-1")
	tr, _ = Apply(tr, sign(t, maker, schema.KindTerms, "trade-1", 1, termsBody(maker, taker)))

	tr, err := Apply(tr, sign(t, maker, schema.KindTerms, "trade-1", 2, termsBody(maker, taker)))
	if err != nil {
		t.Fatalf("duplicate terms: %v", err)
	}
	if tr.State != StateTerms {
		t.Fatalf("expected state to remain terms, got %s", tr.State)
	}
	if tr.AcceptedAt != nil {
		t.Fatal("expected accepted_at to remain nil")
	}
}

func TestCancelRefusedOnceEscrowSet(t *testing.T) {
	maker, taker := newKey(t), newKey(t)
	tr := New("trade-1")
	tr, _ = Apply(tr, sign(t, maker, schema.KindTerms, "trade-1", 1, termsBody(maker, taker)))
	tr, _ = Apply(tr, sign(t, taker, schema.KindAccept, "trade-1", 2, schema.AcceptBody{TermsHash: tr.TermsHash}))
	tr, _ = Apply(tr, sign(t, maker, schema.KindLNInvoice, "trade-1", 3, schema.LNInvoiceBody{
		Bolt11: "lnbc1...", PaymentHashHex: hex32(),
	}))
	tr, _ = Apply(tr, sign(t, maker, schema.KindSolEscrowCreated, "trade-1", 4, schema.SolEscrowCreatedBody{
		PaymentHashHex: hex32(), ProgramID: mint, EscrowPDA: mint, VaultATA: mint,
		Mint: mint, Amount: "100000000", RefundAfterUnix: 9999999999,
		Recipient: mint, Refund: mint, TxSig: "sig1",
	}))

	_, err := Apply(tr, sign(t, taker, schema.KindCancel, "trade-1", 5, schema.CancelBody{}))
	if swaperrors.CodeOf(err) != swaperrors.ErrCodeStateNotAllowed {
		t.Fatalf("expected state_not_allowed once escrow is set, got %v", err)
	}
}

func TestTradeIDMismatchRejected(t *testing.T) {
	maker, taker := newKey(t), newKey(t)
	tr := New("trade-1")
	badEnv := sign(t, maker, schema.KindTerms, "trade-2", 1, termsBody(maker, taker))
	_, err := Apply(tr, badEnv)
	if swaperrors.CodeOf(err) != swaperrors.ErrCodeTradeIDMismatch {
		t.Fatalf("expected trade_id_mismatch, got %v", err)
	}
}

func hex32() string {
	return strings.Repeat("00", 32)
}
