package maker

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/satswap/swapcore/internal/circuitbreaker"
	"github.com/satswap/swapcore/internal/logger"
	"github.com/satswap/swapcore/internal/rpcutil"
	"github.com/satswap/swapcore/pkg/swap/envelope"
	"github.com/satswap/swapcore/pkg/swap/ports"
	"github.com/satswap/swapcore/pkg/swap/receipts"
	"github.com/satswap/swapcore/pkg/swap/schema"
	"github.com/satswap/swapcore/pkg/swap/trade"
)

// envEnvelope bundles a validated-at-the-door envelope with the trade-scoped
// context it arrived under, so the session goroutine can keep logging
// trade_id without re-deriving it from the envelope on every step.
type envEnvelope struct {
	ctx context.Context
	raw envelope.Envelope
}

// session is the per-trade settlement actor (spec §5: one goroutine per
// trade, processing strictly in arrival order, single-threaded; every
// suspension point revalidates state on resumption). It owns the Trade
// record from TERMS onward and is the only writer of s.t.
type session struct {
	tradeID string
	channel string
	neg     *negotiation
	cfg     Config
	deps    Deps
	onDone  func(tradeID string)

	inbox chan envEnvelope
	done  chan struct{}

	t         *trade.Trade
	startedAt time.Time

	termsEnv   envelope.Envelope
	invoiceEnv *envelope.Envelope
	escrowEnv  *envelope.Envelope

	refundTimer *time.Timer
}

func newSession(tradeID, channel string, neg *negotiation, cfg Config, deps Deps, onDone func(string)) *session {
	return &session{
		tradeID: tradeID,
		channel: channel,
		neg:     neg,
		cfg:     cfg,
		deps:    deps,
		onDone:  onDone,
		inbox:   make(chan envEnvelope, 32),
		done:    make(chan struct{}),
		t:       trade.New(tradeID),
	}
}

func (s *session) stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *session) start(ctx context.Context) {
	go s.run(ctx)
}

// run drives the session from TERMS to a terminal state or cancellation. It
// holds three independent timers: a resend cooldown ticker, the one-shot
// absolute swap_timeout_sec deadline (pre-escrow only, per T-2), and a
// refund-deadline timer armed only once the escrow exists.
func (s *session) run(ctx context.Context) {
	s.startedAt = time.Now()
	defer s.onDone(s.tradeID)

	if !s.emitTerms(ctx) {
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveTradeStarted("maker")
	}

	resend := time.NewTicker(s.cfg.ResendCooldown)
	defer resend.Stop()
	deadline := time.NewTimer(s.cfg.SwapTimeout)
	defer deadline.Stop()

	for {
		var refundC <-chan time.Time
		if s.refundTimer != nil {
			refundC = s.refundTimer.C
		}

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case e := <-s.inbox:
			if s.handle(e) {
				return
			}
		case <-resend.C:
			s.resend(ctx)
		case <-deadline.C:
			s.onTimeout(ctx)
		case <-refundC:
			s.onRefundDeadline(ctx)
			return
		}
	}
}

// emitTerms builds and signs the bilateral TERMS envelope (spec §4.3
// swap.terms) from the negotiated quote plus the taker's sol_recipient
// (carried in the original RFQ) and self-applies it, establishing the
// maker's own copy of the trade state machine.
func (s *session) emitTerms(ctx context.Context) bool {
	log := logger.FromContext(ctx)

	if s.neg.rfq.SolRecipient == nil {
		log.Warn().Msg("maker.rfq_missing_sol_recipient")
		return false
	}

	now := time.Now().Unix()
	validUntil := now + int64(s.cfg.TermsValidity.Seconds())
	termsBody := schema.TermsBody{
		BTCSats:             s.neg.quote.BTCSats,
		USDTAmount:          s.neg.quote.USDTAmount,
		USDTDecimals:        s.cfg.USDTDecimals,
		SolMint:             s.cfg.USDTMint,
		SolRecipient:        *s.neg.rfq.SolRecipient,
		SolRefund:           s.deps.SolanaRefund.String(),
		SolRefundAfterUnix:  now + int64(s.cfg.EscrowRefundWindow.Seconds()),
		LNReceiverPeer:      s.deps.IdentityPubkeyHex,
		LNPayerPeer:         s.neg.takerPubkey,
		TermsValidUntilUnix: &validUntil,
	}

	env, ok := s.buildSend(ctx, schema.KindTerms, termsBody)
	if !ok {
		return false
	}
	s.termsEnv = env

	if !s.applySelf(ctx, env, "terms") {
		return false
	}
	return true
}

// handle applies an inbound envelope to the trade state machine and, on a
// state transition, triggers the next settlement step. It returns true once
// the trade has reached a terminal state and the session should exit.
func (s *session) handle(e envEnvelope) bool {
	log := logger.FromContext(e.ctx)
	prev := s.t.State

	next, err := trade.Apply(s.t, e.raw)
	if err != nil {
		log.Debug().Err(err).Str("kind", e.raw.Kind).Msg("maker.envelope_rejected")
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveEnvelopeDropped("trade_apply_failed")
		}
		return false
	}
	s.t = next
	s.persist(e.ctx)

	if next.State == prev {
		return false
	}

	switch next.State {
	case trade.StateAccepted:
		s.onAccepted(e.ctx)
		return s.t.State.IsTerminal()
	case trade.StateClaimed, trade.StateRefunded, trade.StateCanceled:
		s.finish(e.ctx)
		return true
	}
	return false
}

// onAccepted builds the LN invoice and locks the USDT escrow in sequence
// (spec §4.8 paragraph 3): each step is synchronous and self-applies its own
// envelope to s.t before moving to the next, so a crash between steps leaves
// s.t (and the receipt store) at a state the resend loop can recover from.
func (s *session) onAccepted(ctx context.Context) {
	log := logger.FromContext(ctx)

	terms := s.t.Terms
	if terms == nil {
		log.Error().Msg("maker.accepted_without_terms")
		return
	}

	amountMsat := terms.BTCSats * 1000
	invResult, err := rpcCall(ctx, s.deps, circuitbreaker.ServiceLNRPC, func() (ports.InvoiceResult, error) {
		return s.deps.LNRPC.Invoice(ctx, amountMsat, s.tradeID, "satswap atomic swap", int64(s.cfg.TermsValidity.Seconds()))
	})
	if err != nil {
		log.Warn().Err(err).Msg("maker.ln_invoice_failed")
		s.recordError(ctx, "ln invoice: "+err.Error())
		return
	}

	invoiceBody := schema.LNInvoiceBody{
		Bolt11:         invResult.Bolt11,
		PaymentHashHex: invResult.PaymentHashHex,
	}
	invEnv, ok := s.buildSend(ctx, schema.KindLNInvoice, invoiceBody)
	if !ok {
		return
	}
	s.invoiceEnv = &invEnv
	if !s.applySelf(ctx, invEnv, "ln_invoice") {
		return
	}

	s.buildEscrow(ctx, invResult.PaymentHashHex)
}

// buildEscrow locks the USDT escrow for paymentHashHex (spec §4.8 paragraph
// 3). It is called once from onAccepted and again, idempotently, from the
// resend loop if escrow creation did not complete on the first attempt:
// s.escrowEnv being non-nil short-circuits a second on-chain submission.
func (s *session) buildEscrow(ctx context.Context, paymentHashHex string) {
	log := logger.FromContext(ctx)
	if s.escrowEnv != nil {
		return
	}
	terms := s.t.Terms
	if terms == nil {
		return
	}

	paymentHash, err := paymentHashBytes(paymentHashHex)
	if err != nil {
		log.Error().Err(err).Msg("maker.bad_payment_hash")
		return
	}
	amount, ok := new(big.Int).SetString(terms.USDTAmount, 10)
	if !ok {
		log.Error().Str("amount", terms.USDTAmount).Msg("maker.bad_usdt_amount")
		return
	}
	mint, err := solana.PublicKeyFromBase58(terms.SolMint)
	if err != nil {
		log.Error().Err(err).Msg("maker.bad_mint")
		return
	}
	recipient, err := solana.PublicKeyFromBase58(terms.SolRecipient)
	if err != nil {
		log.Error().Err(err).Msg("maker.bad_recipient")
		return
	}
	refund, err := solana.PublicKeyFromBase58(terms.SolRefund)
	if err != nil {
		log.Error().Err(err).Msg("maker.bad_refund")
		return
	}

	payerATA, err := rpcCall(ctx, s.deps, circuitbreaker.ServiceSolanaRPC, func() (solana.PublicKey, error) {
		return s.deps.SolanaRPC.EnsureAssociatedTokenAccount(ctx, s.deps.SolanaKey, s.deps.SolanaKey.PublicKey(), mint)
	})
	if err != nil {
		log.Warn().Err(err).Msg("maker.ensure_ata_failed")
		return
	}

	createResult, err := rpcCall(ctx, s.deps, circuitbreaker.ServiceSolanaRPC, func() (ports.CreateEscrowResult, error) {
		return s.deps.SolanaRPC.BuildAndSubmitCreateEscrow(ctx, s.deps.SolanaKey, payerATA, mint,
			paymentHash, recipient, refund, terms.SolRefundAfterUnix, amount)
	})
	if err != nil {
		log.Warn().Err(err).Msg("maker.create_escrow_failed")
		s.recordError(ctx, "create escrow: "+err.Error())
		return
	}

	escrowBody := schema.SolEscrowCreatedBody{
		PaymentHashHex:  paymentHashHex,
		ProgramID:       s.cfg.EscrowProgram,
		EscrowPDA:       createResult.EscrowPDA.String(),
		VaultATA:        createResult.VaultATA.String(),
		Mint:            terms.SolMint,
		Amount:          terms.USDTAmount,
		RefundAfterUnix: terms.SolRefundAfterUnix,
		Recipient:       terms.SolRecipient,
		Refund:          terms.SolRefund,
		TxSig:           createResult.TxSig.String(),
	}
	escEnv, ok := s.buildSend(ctx, schema.KindSolEscrowCreated, escrowBody)
	if !ok {
		return
	}
	s.escrowEnv = &escEnv
	if !s.applySelf(ctx, escEnv, "sol_escrow_created") {
		return
	}

	s.armRefundTimer(terms.SolRefundAfterUnix)
}

// armRefundTimer starts the one-shot refund-deadline timer so the session
// wakes up and sweeps the escrow if the taker never claims (spec §4.8
// paragraph 5, §4.6 recovery).
func (s *session) armRefundTimer(refundAfterUnix int64) {
	d := time.Until(time.Unix(refundAfterUnix, 0))
	if d < 0 {
		d = 0
	}
	s.refundTimer = time.NewTimer(d)
}

// onTimeout implements the pre-escrow swap_timeout_sec deadline (spec §5):
// once escrow exists, funds are on chain and T-2 forbids CANCEL, so the
// timer firing there is a no-op.
func (s *session) onTimeout(ctx context.Context) {
	if s.t.Escrow != nil {
		return
	}
	s.cancel(ctx, "swap timeout")
}

// onRefundDeadline runs the maker-side refund sweep: build and submit the
// on-chain refund transaction, then emit the signed SOL_REFUNDED envelope
// (spec §4.8 paragraph 5).
func (s *session) onRefundDeadline(ctx context.Context) {
	log := logger.FromContext(ctx)

	if s.t.State == trade.StateClaimed || s.t.Escrow == nil || s.t.Terms == nil {
		return
	}
	terms := s.t.Terms

	paymentHash, err := paymentHashBytes(s.t.Escrow.PaymentHashHex)
	if err != nil {
		log.Error().Err(err).Msg("maker.refund_bad_payment_hash")
		return
	}
	mint, err := solana.PublicKeyFromBase58(terms.SolMint)
	if err != nil {
		log.Error().Err(err).Msg("maker.refund_bad_mint")
		return
	}
	refundATA, err := rpcCall(ctx, s.deps, circuitbreaker.ServiceSolanaRPC, func() (solana.PublicKey, error) {
		return s.deps.SolanaRPC.EnsureAssociatedTokenAccount(ctx, s.deps.SolanaKey, s.deps.SolanaKey.PublicKey(), mint)
	})
	if err != nil {
		log.Warn().Err(err).Msg("maker.refund_ensure_ata_failed")
		return
	}
	sig, err := rpcCall(ctx, s.deps, circuitbreaker.ServiceSolanaRPC, func() (solana.Signature, error) {
		return s.deps.SolanaRPC.BuildAndSubmitRefundEscrow(ctx, s.deps.SolanaKey, refundATA, mint, paymentHash)
	})
	if err != nil {
		log.Warn().Err(err).Msg("maker.refund_submit_failed")
		s.recordError(ctx, "refund escrow: "+err.Error())
		return
	}

	body := schema.SettledBody{
		PaymentHashHex: s.t.Escrow.PaymentHashHex,
		EscrowPDA:      s.t.Escrow.EscrowPDA,
		TxSig:          sig.String(),
	}
	env, ok := s.buildSend(ctx, schema.KindSolRefunded, body)
	if !ok {
		return
	}
	if !s.applySelf(ctx, env, "sol_refunded") {
		return
	}
	s.finish(ctx)
}

// cancel emits a signed CANCEL envelope and self-applies it; callers must
// already have confirmed escrow is not yet set (T-2).
func (s *session) cancel(ctx context.Context, reason string) {
	body := schema.CancelBody{Reason: &reason}
	env, ok := s.buildSend(ctx, schema.KindCancel, body)
	if !ok {
		return
	}
	if !s.applySelf(ctx, env, "cancel") {
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveTradeCanceled("maker", reason)
	}
	s.finish(ctx)
	s.stop()
}

// applySelf runs trade.Apply over our own just-emitted envelope, keeping
// s.t authoritative over what we actually sent rather than trusting local
// bookkeeping to stay in sync by construction.
func (s *session) applySelf(ctx context.Context, env envelope.Envelope, step string) bool {
	next, err := trade.Apply(s.t, env)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("step", step).Msg("maker.self_apply_failed")
		return false
	}
	s.t = next
	s.persist(ctx)
	return true
}

// resend re-emits whatever envelope corresponds to the trade's current,
// not-yet-acknowledged state (spec §4.8/§5 bounded resend).
func (s *session) resend(ctx context.Context) {
	if s.t.State == trade.StateInvoice && s.t.Invoice != nil && s.escrowEnv == nil {
		// Escrow creation didn't complete after the invoice was accepted;
		// retry it before resending anything.
		s.buildEscrow(ctx, s.t.Invoice.PaymentHashHex)
	}

	var env *envelope.Envelope
	switch s.t.State {
	case trade.StateTerms:
		env = &s.termsEnv
	case trade.StateAccepted, trade.StateInvoice:
		env = s.invoiceEnv
	case trade.StateEscrow:
		env = s.escrowEnv
	default:
		return
	}
	if env == nil {
		return
	}
	if err := s.deps.Sidechannel.Send(ctx, s.channel, *env, nil, nil); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("maker.resend_failed")
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveResend(env.Kind)
	}
}

// finish records terminal metrics/logs and stops the refund timer if armed.
func (s *session) finish(ctx context.Context) {
	if s.refundTimer != nil {
		s.refundTimer.Stop()
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveTradeTerminal("maker", string(s.t.State), time.Since(s.startedAt))
	}
	log := logger.FromContext(ctx)
	log.Info().Str("state", string(s.t.State)).Msg("maker.trade_terminal")
}

// buildSend constructs, signs, and emits a new envelope of kind for the
// current trade, filling in v/trade_id/ts/nonce the way every C8 emission
// does (spec §4.2).
func (s *session) buildSend(ctx context.Context, kind schema.Kind, body any) (envelope.Envelope, bool) {
	log := logger.FromContext(ctx)
	bodyRaw, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("maker.marshal_body_failed")
		return envelope.Envelope{}, false
	}
	unsigned := envelope.UnsignedEnvelope{
		V: envelope.ProtocolVersion, Kind: string(kind), TradeID: s.tradeID,
		TS: nowMs(), Nonce: uuid.NewString(), Body: bodyRaw,
	}
	env, err := envelope.Sign(s.deps.Signer, unsigned)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("maker.sign_failed")
		return envelope.Envelope{}, false
	}
	if err := s.deps.Sidechannel.Send(ctx, s.channel, env, nil, nil); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("maker.send_failed")
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveEnvelopeDropped("send_failed")
		}
		return envelope.Envelope{}, false
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveEnvelopeSent(string(kind))
	}
	return env, true
}

// persist mirrors the session's current trade state into the receipt store
// (spec §4.6), so a crashed process can recover from receipts alone.
func (s *session) persist(ctx context.Context) {
	if s.deps.Receipts == nil {
		return
	}
	state := string(s.t.State)
	role := "maker"
	patch := receipts.Patch{State: &state, Role: &role}
	if s.t.Terms != nil {
		if raw, err := json.Marshal(s.t.Terms); err == nil {
			patch.TermsJSON = raw
		}
		patch.TermsHash = &s.t.TermsHash
		patch.Mint = &s.t.Terms.SolMint
		patch.Recipient = &s.t.Terms.SolRecipient
		patch.Refund = &s.t.Terms.SolRefund
		patch.RefundAfterUnix = &s.t.Terms.SolRefundAfterUnix
	}
	if s.t.Invoice != nil {
		if raw, err := json.Marshal(s.t.Invoice); err == nil {
			patch.InvoiceJSON = raw
		}
		patch.PaymentHashHex = &s.t.Invoice.PaymentHashHex
	}
	if s.t.Escrow != nil {
		if raw, err := json.Marshal(s.t.Escrow); err == nil {
			patch.EscrowJSON = raw
		}
		patch.PaymentHashHex = &s.t.Escrow.PaymentHashHex
		patch.EscrowPDA = &s.t.Escrow.EscrowPDA
	}
	if s.t.Last != nil {
		patch.LastKind = &s.t.Last.Kind
		patch.LastTS = &s.t.Last.TS
		patch.LastSigner = &s.t.Last.Signer
	}
	if s.t.AcceptedAt != nil {
		at := s.t.AcceptedAt
		patch.AcceptedAt = &at
	}
	if s.t.CanceledReason != nil {
		patch.CanceledReason = s.t.CanceledReason
	}
	if err := s.deps.Receipts.UpsertTrade(ctx, s.tradeID, patch); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("maker.receipt_upsert_failed")
		return
	}
	if s.t.Last != nil {
		_ = s.deps.Receipts.AppendEvent(ctx, s.tradeID, s.t.Last.Kind, nil)
	}
}

// recordError stamps the receipt's last_error field for operator diagnosis
// (spec §3 Receipt); transient failures overwrite each other, the latest is
// what an operator needs.
func (s *session) recordError(ctx context.Context, msg string) {
	if s.deps.Receipts == nil {
		return
	}
	_ = s.deps.Receipts.UpsertTrade(ctx, s.tradeID, receipts.Patch{LastError: &msg})
}

// rpcCall retries fn with exponential backoff (internal/rpcutil), routing
// every attempt through the per-service circuit breaker so a flapping
// Solana RPC or LN node cannot be hammered once it has tripped (spec §9
// resilience; internal/circuitbreaker bulkhead isolation).
func rpcCall[T any](ctx context.Context, deps Deps, service circuitbreaker.ServiceType, fn func() (T, error)) (T, error) {
	return rpcutil.WithRetry(ctx, func() (T, error) {
		if deps.Breakers == nil {
			return fn()
		}
		out, err := deps.Breakers.Execute(service, func() (interface{}, error) {
			return fn()
		})
		if err != nil {
			var zero T
			return zero, err
		}
		return out.(T), nil
	})
}
