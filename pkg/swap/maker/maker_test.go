package maker

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

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
		PublicChannel:      "rendezvous",
		USDTMint:           testMint,
		USDTDecimals:       6,
		EscrowProgram:      testMint,
		ResendCooldown:     time.Hour,
		SwapTimeout:        time.Hour,
		TermsValidity:      5 * time.Minute,
		EscrowRefundWindow: 2 * time.Hour,
		MakerSpreadBps:     25,
		MaxOverpayBps:      150,
		MaxOracleAge:       time.Minute,
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *envelope.KeypairSigner, *fakeSidechannel) {
	t.Helper()
	makerSigner, err := newKeySigner()
	if err != nil {
		t.Fatalf("maker signer: %v", err)
	}
	solKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("solana key: %v", err)
	}
	sc := newFakeSidechannel()
	sc.price = priceSnapshotFixture()

	deps := Deps{
		Signer:            makerSigner,
		IdentityPubkeyHex: makerSigner.PublicKeyHex(),
		SolanaKey:         solKey,
		SolanaRefund:      solKey.PublicKey(),
		Sidechannel:       sc,
		SolanaRPC:         newFakeSolanaRPC(),
		LNRPC:             newFakeLNRPC(),
		Receipts:          receipts.NewMemoryStore(),
	}
	return New(testConfig(), deps), makerSigner, sc
}

// priceSnapshotFixture returns a fresh oracle snapshot pricing BTC at
// 200,000 USDT — consistent with the happy-path fixture in spec.md §8
// (btc_sats=50000, usdt_amount=100000000 at 6 decimals implies exactly
// that mid-market price).
func priceSnapshotFixture() ports.PriceSnapshot {
	return ports.PriceSnapshot{
		OK: true,
		Pairs: map[string]ports.PricePair{
			"BTC_USDT": {Median: big.NewRat(200_000, 1), OK: true},
		},
		TSUnixMs: time.Now().UnixMilli(),
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
	o.dispatch(context.Background(), ports.SidechannelMessage{Raw: raw}, zerolog.Nop())
}

// TestMakerHappyPathToClaim drives a full RFQ -> QUOTE -> QUOTE_ACCEPT ->
// SWAP_INVITE -> TERMS -> ACCEPT -> LN_INVOICE -> SOL_ESCROW_CREATED ->
// LN_PAID -> SOL_CLAIMED flow and checks the receipt store reflects the
// terminal claimed state (spec.md §8 "Receipt completeness").
func TestMakerHappyPathToClaim(t *testing.T) {
	o, makerSigner, sc := newTestOrchestrator(t)
	takerSigner, err := newKeySigner()
	if err != nil {
		t.Fatalf("taker signer: %v", err)
	}
	takerSolKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("taker sol key: %v", err)
	}
	tradeID := uuid.NewString()

	solRecipient := takerSolKey.PublicKey().String()
	rfqBody := schema.RFQBody{
		Pair: "BTC_LN/USDT_SOL", Direction: "BTC_LN->USDT_SOL",
		BTCSats: 50_000, USDTAmount: "100000000", SolRecipient: &solRecipient,
	}
	rfqEnv := sign(t, takerSigner, schema.KindRFQ, tradeID, rfqBody)
	dispatchRaw(t, o, rfqEnv)

	quoteEnv := sc.sentOfKind(t, string(schema.KindQuote))
	var quoteBody schema.QuoteBody
	if err := json.Unmarshal(quoteEnv.Body, &quoteBody); err != nil {
		t.Fatalf("unmarshal quote: %v", err)
	}
	quoteID, err := codec.ContentHash(quoteEnv.UnsignedEnvelope)
	if err != nil {
		t.Fatalf("hash quote: %v", err)
	}

	acceptEnv := sign(t, takerSigner, schema.KindQuoteAccept, tradeID, schema.QuoteAcceptBody{
		RFQID: quoteBody.RFQID, QuoteID: quoteID,
	})
	dispatchRaw(t, o, acceptEnv)

	inviteEnv := sc.sentOfKind(t, string(schema.KindSwapInvite))
	var inviteBody schema.SwapInviteBody
	if err := json.Unmarshal(inviteEnv.Body, &inviteBody); err != nil {
		t.Fatalf("unmarshal invite: %v", err)
	}

	termsEnv := sc.sentOfKind(t, string(schema.KindTerms))
	var termsBody schema.TermsBody
	if err := json.Unmarshal(termsEnv.Body, &termsBody); err != nil {
		t.Fatalf("unmarshal terms: %v", err)
	}
	if termsBody.LNReceiverPeer != makerSigner.PublicKeyHex() {
		t.Fatalf("terms.ln_receiver_peer = %q, want maker pubkey", termsBody.LNReceiverPeer)
	}
	if termsBody.LNPayerPeer != takerSigner.PublicKeyHex() {
		t.Fatalf("terms.ln_payer_peer = %q, want taker pubkey", termsBody.LNPayerPeer)
	}
	termsHash, err := codec.ContentHash(termsEnv.UnsignedEnvelope)
	if err != nil {
		t.Fatalf("hash terms: %v", err)
	}

	acceptTermsEnv := sign(t, takerSigner, schema.KindAccept, tradeID, schema.AcceptBody{TermsHash: termsHash})
	dispatchRaw(t, o, acceptTermsEnv)

	invoiceEnv := sc.sentOfKind(t, string(schema.KindLNInvoice))
	var lnInvoice schema.LNInvoiceBody
	if err := json.Unmarshal(invoiceEnv.Body, &lnInvoice); err != nil {
		t.Fatalf("unmarshal invoice: %v", err)
	}

	escrowEnv := sc.sentOfKind(t, string(schema.KindSolEscrowCreated))
	var escrowBody schema.SolEscrowCreatedBody
	if err := json.Unmarshal(escrowEnv.Body, &escrowBody); err != nil {
		t.Fatalf("unmarshal escrow: %v", err)
	}
	if escrowBody.Recipient != termsBody.SolRecipient {
		t.Fatalf("escrow.recipient = %q, want %q", escrowBody.Recipient, termsBody.SolRecipient)
	}

	lnPaidEnv := sign(t, takerSigner, schema.KindLNPaid, tradeID, schema.LNPaidBody{
		PaymentHashHex: lnInvoice.PaymentHashHex,
	})
	dispatchRaw(t, o, lnPaidEnv)

	solClaimedEnv := sign(t, takerSigner, schema.KindSolClaimed, tradeID, schema.SettledBody{
		PaymentHashHex: lnInvoice.PaymentHashHex,
		EscrowPDA:      escrowBody.EscrowPDA,
		TxSig:          "claimtxsig",
	})
	dispatchRaw(t, o, solClaimedEnv)

	var rec receipts.Record
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var err error
		rec, err = o.deps.Receipts.GetTrade(context.Background(), tradeID)
		if err == nil && rec.State == string(trade.StateClaimed) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if rec.State != string(trade.StateClaimed) {
		t.Fatalf("receipt state = %q, want %q", rec.State, trade.StateClaimed)
	}
	if rec.EscrowPDA != escrowBody.EscrowPDA {
		t.Fatalf("receipt escrow_pda = %q, want %q", rec.EscrowPDA, escrowBody.EscrowPDA)
	}
	if rec.Mint != testMint {
		t.Fatalf("receipt mint = %q, want %q", rec.Mint, testMint)
	}
}

// TestMakerRejectsWrongSignerQuoteAccept checks that a QUOTE_ACCEPT signed
// by someone other than the RFQ's own signer never produces a SWAP_INVITE
// or a running session.
func TestMakerRejectsWrongSignerQuoteAccept(t *testing.T) {
	o, _, sc := newTestOrchestrator(t)
	takerSigner, err := newKeySigner()
	if err != nil {
		t.Fatalf("taker signer: %v", err)
	}
	impostorSigner, err := newKeySigner()
	if err != nil {
		t.Fatalf("impostor signer: %v", err)
	}
	tradeID := uuid.NewString()
	solRecipient := solana.NewWallet().PublicKey().String()

	rfqBody := schema.RFQBody{
		Pair: "BTC_LN/USDT_SOL", Direction: "BTC_LN->USDT_SOL",
		BTCSats: 50_000, USDTAmount: "100000000", SolRecipient: &solRecipient,
	}
	dispatchRaw(t, o, sign(t, takerSigner, schema.KindRFQ, tradeID, rfqBody))

	quoteEnv := sc.sentOfKind(t, string(schema.KindQuote))
	var quoteBody schema.QuoteBody
	if err := json.Unmarshal(quoteEnv.Body, &quoteBody); err != nil {
		t.Fatalf("unmarshal quote: %v", err)
	}
	quoteID, err := codec.ContentHash(quoteEnv.UnsignedEnvelope)
	if err != nil {
		t.Fatalf("hash quote: %v", err)
	}

	impostorAccept := sign(t, impostorSigner, schema.KindQuoteAccept, tradeID, schema.QuoteAcceptBody{
		RFQID: quoteBody.RFQID, QuoteID: quoteID,
	})
	dispatchRaw(t, o, impostorAccept)

	select {
	case env := <-sc.sentCh:
		t.Fatalf("expected no further send after wrong-signer quote_accept, got %q", env.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	o.mu.Lock()
	_, hasSession := o.sessions[tradeID]
	o.mu.Unlock()
	if hasSession {
		t.Fatalf("wrong-signer quote_accept must not start a session")
	}
}
