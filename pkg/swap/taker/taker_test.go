package taker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/satswap/swapcore/pkg/swap/codec"
	"github.com/satswap/swapcore/pkg/swap/envelope"
	"github.com/satswap/swapcore/pkg/swap/ports"
	"github.com/satswap/swapcore/pkg/swap/receipts"
	"github.com/satswap/swapcore/pkg/swap/schema"
	"github.com/satswap/swapcore/pkg/swap/trade"
)

const testMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"

func testConfig() Config {
	return Config{
		PublicChannel:       "rendezvous",
		USDTDecimals:        6,
		VerifyMint:          testMint,
		ResendCooldown:      time.Hour,
		SwapTimeout:         time.Hour,
		RefundSafetyMargin:  30 * time.Minute,
		ClaimRebroadcast:    time.Hour,
		ClaimRebroadcastMax: 2,
		MaxDiscountBps:      150,
		MaxOracleAge:        time.Minute,
	}
}

type takerHarness struct {
	o           *Orchestrator
	sc          *fakeSidechannel
	sol         *fakeSolanaRPC
	ln          *fakeLNRPC
	takerSigner *envelope.KeypairSigner
	takerSolKey solana.PrivateKey
	makerSigner *envelope.KeypairSigner
	makerSolKey solana.PrivateKey
}

func newHarness(t *testing.T) *takerHarness {
	t.Helper()
	takerSigner, err := newKeySigner()
	if err != nil {
		t.Fatalf("taker signer: %v", err)
	}
	makerSigner, err := newKeySigner()
	if err != nil {
		t.Fatalf("maker signer: %v", err)
	}
	takerSolKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("taker sol key: %v", err)
	}
	makerSolKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("maker sol key: %v", err)
	}
	sc := newFakeSidechannel()
	sc.price = ports.PriceSnapshot{
		OK: true,
		Pairs: map[string]ports.PricePair{
			"BTC_USDT": {Median: big.NewRat(200_000, 1), OK: true},
		},
		TSUnixMs: time.Now().UnixMilli(),
	}
	sol := newFakeSolanaRPC()
	ln := newFakeLNRPC()

	deps := Deps{
		Signer:            takerSigner,
		IdentityPubkeyHex: takerSigner.PublicKeyHex(),
		SolanaKey:         takerSolKey,
		Sidechannel:       sc,
		SolanaRPC:         sol,
		LNRPC:             ln,
		Receipts:          receipts.NewMemoryStore(),
	}
	return &takerHarness{
		o:           New(testConfig(), deps),
		sc:          sc,
		sol:         sol,
		ln:          ln,
		takerSigner: takerSigner,
		takerSolKey: takerSolKey,
		makerSigner: makerSigner,
		makerSolKey: makerSolKey,
	}
}

func sign(t *testing.T, signer *envelope.KeypairSigner, kind schema.Kind, tradeID string, body any) envelope.Envelope {
	t.Helper()
	bodyRaw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	unsigned := envelope.UnsignedEnvelope{
		V: envelope.ProtocolVersion, Kind: string(kind), TradeID: tradeID,
		TS: time.Now().UnixMilli(), Nonce: uuid.NewString(), Body: bodyRaw,
	}
	env, err := envelope.Sign(signer, unsigned)
	if err != nil {
		t.Fatalf("sign %s: %v", kind, err)
	}
	return env
}

func dispatchRaw(t *testing.T, o *Orchestrator, env envelope.Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	o.dispatch(context.Background(), ports.SidechannelMessage{Raw: raw})
}

// negotiate drives RFQ -> QUOTE -> QUOTE_ACCEPT -> SWAP_INVITE until a
// settlement session is running, and returns the trade id.
func (h *takerHarness) negotiate(t *testing.T) string {
	t.Helper()
	resultCh := make(chan PostResult, 1)
	tradeID, err := h.o.PostRFQ(context.Background(), 50_000, "100000000", time.Minute, resultCh)
	if err != nil {
		t.Fatalf("post rfq: %v", err)
	}
	rfqEnv := h.sc.sentOfKind(t, string(schema.KindRFQ))
	rfqID, err := codec.ContentHash(rfqEnv.UnsignedEnvelope)
	if err != nil {
		t.Fatalf("hash rfq: %v", err)
	}

	quoteEnv := sign(t, h.makerSigner, schema.KindQuote, tradeID, schema.QuoteBody{
		RFQID: rfqID, BTCSats: 50_000, USDTAmount: "100000000",
	})
	dispatchRaw(t, h.o, quoteEnv)
	h.sc.sentOfKind(t, string(schema.KindQuoteAccept))
	quoteID, err := codec.ContentHash(quoteEnv.UnsignedEnvelope)
	if err != nil {
		t.Fatalf("hash quote: %v", err)
	}

	inviteEnv := sign(t, h.makerSigner, schema.KindSwapInvite, tradeID, schema.SwapInviteBody{
		RFQID: rfqID, QuoteID: quoteID, SwapChannel: "swap-" + tradeID,
		OwnerPubkey: h.makerSigner.PublicKeyHex(),
		Invite:      json.RawMessage(`{"cap":"invite"}`),
		Welcome:     json.RawMessage(`{"cap":"welcome"}`),
	})
	dispatchRaw(t, h.o, inviteEnv)

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("post result: %v", res.Err)
		}
		if res.TradeID != tradeID {
			t.Fatalf("post result trade_id = %q, want %q", res.TradeID, tradeID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for session start")
	}
	return tradeID
}

// sendTerms emits maker TERMS for the negotiated trade and returns the
// terms body and the signed TERMS envelope; callers wait for the ACCEPT.
func (h *takerHarness) sendTerms(t *testing.T, tradeID string) (schema.TermsBody, envelope.Envelope) {
	t.Helper()
	refundAfter := time.Now().Add(2 * time.Hour).Unix()
	terms := schema.TermsBody{
		BTCSats: 50_000, USDTAmount: "100000000", USDTDecimals: 6,
		SolMint:      testMint,
		SolRecipient: h.takerSolKey.PublicKey().String(),
		SolRefund:    h.makerSolKey.PublicKey().String(),
		SolRefundAfterUnix: refundAfter,
		LNReceiverPeer:     h.makerSigner.PublicKeyHex(),
		LNPayerPeer:        h.takerSigner.PublicKeyHex(),
	}
	termsEnv := sign(t, h.makerSigner, schema.KindTerms, tradeID, terms)
	dispatchRaw(t, h.o, termsEnv)
	return terms, termsEnv
}

func (h *takerHarness) waitReceiptState(t *testing.T, tradeID, want string) receipts.Record {
	t.Helper()
	var rec receipts.Record
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var err error
		rec, err = h.o.deps.Receipts.GetTrade(context.Background(), tradeID)
		if err == nil && rec.State == want {
			return rec
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("receipt state = %q, want %q", rec.State, want)
	return rec
}

// TestTakerHappyPathToClaim drives RFQ -> QUOTE -> QUOTE_ACCEPT ->
// SWAP_INVITE -> TERMS -> ACCEPT -> LN_INVOICE -> SOL_ESCROW_CREATED ->
// pre-pay -> LN pay -> LN_PAID -> claim -> SOL_CLAIMED and checks the
// receipt store reflects the terminal claimed state (spec.md §8 happy path
// and "Receipt completeness").
func TestTakerHappyPathToClaim(t *testing.T) {
	h := newHarness(t)
	tradeID := h.negotiate(t)
	terms, termsEnv := h.sendTerms(t, tradeID)

	acceptEnv := h.sc.sentOfKind(t, string(schema.KindAccept))
	var acceptBody schema.AcceptBody
	if err := json.Unmarshal(acceptEnv.Body, &acceptBody); err != nil {
		t.Fatalf("unmarshal accept: %v", err)
	}
	termsHash, err := codec.ContentHash(termsEnv.UnsignedEnvelope)
	if err != nil {
		t.Fatalf("hash terms: %v", err)
	}
	if acceptBody.TermsHash != termsHash {
		t.Fatalf("accept.terms_hash = %q, want %q", acceptBody.TermsHash, termsHash)
	}

	paymentHashHex := hex.EncodeToString(h.ln.paymentHash[:])
	invoiceEnv := sign(t, h.makerSigner, schema.KindLNInvoice, tradeID, schema.LNInvoiceBody{
		Bolt11: "lnbc1testinvoice", PaymentHashHex: paymentHashHex,
	})
	dispatchRaw(t, h.o, invoiceEnv)

	mint, _ := solana.PublicKeyFromBase58(testMint)
	created, err := h.sol.BuildAndSubmitCreateEscrow(context.Background(), h.makerSolKey,
		h.makerSolKey.PublicKey(), mint, h.ln.paymentHash,
		h.takerSolKey.PublicKey(), h.makerSolKey.PublicKey(),
		terms.SolRefundAfterUnix, big.NewInt(100_000_000))
	if err != nil {
		t.Fatalf("seed escrow: %v", err)
	}

	escrowEnv := sign(t, h.makerSigner, schema.KindSolEscrowCreated, tradeID, schema.SolEscrowCreatedBody{
		PaymentHashHex: paymentHashHex,
		ProgramID:      testMint,
		EscrowPDA:      created.EscrowPDA.String(),
		VaultATA:       created.VaultATA.String(),
		Mint:           testMint,
		Amount:         "100000000",
		RefundAfterUnix: terms.SolRefundAfterUnix,
		Recipient:      terms.SolRecipient,
		Refund:         terms.SolRefund,
		TxSig:          "createtxsig",
	})
	dispatchRaw(t, h.o, escrowEnv)

	lnPaidEnv := h.sc.sentOfKind(t, string(schema.KindLNPaid))
	var paidBody schema.LNPaidBody
	if err := json.Unmarshal(lnPaidEnv.Body, &paidBody); err != nil {
		t.Fatalf("unmarshal ln_paid: %v", err)
	}
	if paidBody.PaymentHashHex != paymentHashHex {
		t.Fatalf("ln_paid.payment_hash_hex = %q, want %q", paidBody.PaymentHashHex, paymentHashHex)
	}

	claimedEnv := h.sc.sentOfKind(t, string(schema.KindSolClaimed))
	var claimedBody schema.SettledBody
	if err := json.Unmarshal(claimedEnv.Body, &claimedBody); err != nil {
		t.Fatalf("unmarshal sol_claimed: %v", err)
	}
	if claimedBody.EscrowPDA != created.EscrowPDA.String() {
		t.Fatalf("sol_claimed.escrow_pda = %q, want %q", claimedBody.EscrowPDA, created.EscrowPDA)
	}

	rec := h.waitReceiptState(t, tradeID, string(trade.StateClaimed))
	if rec.PaymentHashHex != paymentHashHex {
		t.Fatalf("receipt payment_hash = %q, want %q", rec.PaymentHashHex, paymentHashHex)
	}
	if rec.EscrowPDA != created.EscrowPDA.String() {
		t.Fatalf("receipt escrow_pda = %q, want %q", rec.EscrowPDA, created.EscrowPDA)
	}
	if rec.Mint != testMint {
		t.Fatalf("receipt mint = %q, want %q", rec.Mint, testMint)
	}
	if rec.Preimage != "" {
		t.Fatalf("preimage persisted without opt-in")
	}

	st, err := h.sol.GetEscrowState(context.Background(), h.ln.paymentHash)
	if err != nil || st == nil {
		t.Fatalf("escrow state after claim: %v", err)
	}
	if st.Status != ports.EscrowStatusClaimed {
		t.Fatalf("on-chain escrow status = %q, want claimed", st.Status)
	}
}

// TestTakerNoPayWhenEscrowAbsentOnChain covers spec.md §8 "Escrow absent on
// chain": envelopes look right but get_escrow_state finds nothing, so the
// pre-pay verifier fails and no LN payment is ever dispatched.
func TestTakerNoPayWhenEscrowAbsentOnChain(t *testing.T) {
	h := newHarness(t)
	tradeID := h.negotiate(t)
	terms, _ := h.sendTerms(t, tradeID)
	h.sc.sentOfKind(t, string(schema.KindAccept))

	paymentHashHex := hex.EncodeToString(h.ln.paymentHash[:])
	dispatchRaw(t, h.o, sign(t, h.makerSigner, schema.KindLNInvoice, tradeID, schema.LNInvoiceBody{
		Bolt11: "lnbc1testinvoice", PaymentHashHex: paymentHashHex,
	}))

	// No escrow is seeded into the fake chain: the envelope claims one exists.
	escrowPDA := solana.NewWallet().PublicKey().String()
	dispatchRaw(t, h.o, sign(t, h.makerSigner, schema.KindSolEscrowCreated, tradeID, schema.SolEscrowCreatedBody{
		PaymentHashHex: paymentHashHex,
		ProgramID:      testMint,
		EscrowPDA:      escrowPDA,
		VaultATA:       solana.NewWallet().PublicKey().String(),
		Mint:           testMint,
		Amount:         "100000000",
		RefundAfterUnix: terms.SolRefundAfterUnix,
		Recipient:      terms.SolRecipient,
		Refund:         terms.SolRefund,
		TxSig:          "createtxsig",
	}))

	h.sc.expectNoSend(t, 100*time.Millisecond)
	if n := h.ln.payCallCount(); n != 0 {
		t.Fatalf("LN pay called %d times without pre-pay ok", n)
	}
	rec := h.waitReceiptState(t, tradeID, string(trade.StateEscrow))
	if rec.State != string(trade.StateEscrow) {
		t.Fatalf("receipt state = %q, want escrow", rec.State)
	}
}

// TestTakerCancelsOnForeignRecipient checks the taker refuses TERMS whose
// sol_recipient is not its own Solana pubkey (spec §4.9: the USDT must be
// claimable by us), emitting CANCEL instead of ACCEPT.
func TestTakerCancelsOnForeignRecipient(t *testing.T) {
	h := newHarness(t)
	tradeID := h.negotiate(t)

	refundAfter := time.Now().Add(2 * time.Hour).Unix()
	dispatchRaw(t, h.o, sign(t, h.makerSigner, schema.KindTerms, tradeID, schema.TermsBody{
		BTCSats: 50_000, USDTAmount: "100000000", USDTDecimals: 6,
		SolMint:      testMint,
		SolRecipient: solana.NewWallet().PublicKey().String(),
		SolRefund:    h.makerSolKey.PublicKey().String(),
		SolRefundAfterUnix: refundAfter,
		LNReceiverPeer:     h.makerSigner.PublicKeyHex(),
		LNPayerPeer:        h.takerSigner.PublicKeyHex(),
	}))

	cancelEnv := h.sc.sentOfKind(t, string(schema.KindCancel))
	if cancelEnv.Kind != string(schema.KindCancel) {
		t.Fatalf("expected cancel, got %q", cancelEnv.Kind)
	}
	h.waitReceiptState(t, tradeID, string(trade.StateCanceled))
}

// TestTakerPriceGuardRejectsDeepDiscount checks a quote pricing BTC 10%
// below the oracle median never produces a QUOTE_ACCEPT with a 150 bps
// ceiling configured.
func TestTakerPriceGuardRejectsDeepDiscount(t *testing.T) {
	h := newHarness(t)
	resultCh := make(chan PostResult, 1)
	tradeID, err := h.o.PostRFQ(context.Background(), 50_000, "90000000", time.Minute, resultCh)
	if err != nil {
		t.Fatalf("post rfq: %v", err)
	}
	rfqEnv := h.sc.sentOfKind(t, string(schema.KindRFQ))
	rfqID, err := codec.ContentHash(rfqEnv.UnsignedEnvelope)
	if err != nil {
		t.Fatalf("hash rfq: %v", err)
	}

	dispatchRaw(t, h.o, sign(t, h.makerSigner, schema.KindQuote, tradeID, schema.QuoteBody{
		RFQID: rfqID, BTCSats: 50_000, USDTAmount: "90000000",
	}))

	h.sc.expectNoSend(t, 100*time.Millisecond)
}

// TestTakerRFQExpiresWithNoQuote checks the PostRFQ result channel reports
// an error once valid_until elapses with nothing accepted.
func TestTakerRFQExpiresWithNoQuote(t *testing.T) {
	h := newHarness(t)
	resultCh := make(chan PostResult, 1)
	if _, err := h.o.PostRFQ(context.Background(), 50_000, "100000000", 20*time.Millisecond, resultCh); err != nil {
		t.Fatalf("post rfq: %v", err)
	}
	h.sc.sentOfKind(t, string(schema.KindRFQ))

	select {
	case res := <-resultCh:
		if res.Err == nil {
			t.Fatalf("expected expiry error, got trade %q", res.TradeID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for rfq expiry")
	}
}
