package taker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/satswap/swapcore/internal/circuitbreaker"
	"github.com/satswap/swapcore/internal/logger"
	"github.com/satswap/swapcore/internal/rpcutil"
	"github.com/satswap/swapcore/pkg/swap/envelope"
	"github.com/satswap/swapcore/pkg/swap/ports"
	"github.com/satswap/swapcore/pkg/swap/prepay"
	"github.com/satswap/swapcore/pkg/swap/receipts"
	"github.com/satswap/swapcore/pkg/swap/schema"
	"github.com/satswap/swapcore/pkg/swap/trade"
)

// envEnvelope bundles a validated-at-the-door envelope with the trade-scoped
// context it arrived under (mirrors pkg/swap/maker's envEnvelope).
type envEnvelope struct {
	ctx context.Context
	raw envelope.Envelope
}

// session is the per-trade settlement actor for the taker side (spec §5:
// one goroutine per trade, single-threaded, strictly ordered; every
// suspension point revalidates state on resumption). It owns the Trade
// record from TERMS onward and is the only writer of s.t.
type session struct {
	tradeID string
	channel string
	neg     *pendingRFQ
	cfg     Config
	deps    Deps
	onDone  func(tradeID string)

	inbox chan envEnvelope
	done  chan struct{}

	t         *trade.Trade
	startedAt time.Time

	acceptEnv *envelope.Envelope

	paid              bool
	claimed           bool
	prePayVerifiedAt  *time.Time
	claimRebroadcasts int
}

func newSession(tradeID, channel string, neg *pendingRFQ, cfg Config, deps Deps, onDone func(string)) *session {
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

// run drives the session from TERMS applied to a terminal state or
// cancellation. The resend ticker covers a not-yet-acknowledged ACCEPT; the
// claim-rebroadcast ticker covers best-effort SOL_CLAIMED re-emits once
// claimed; the deadline timer is the pre-escrow swap_timeout_sec analogue
// to the maker's.
func (s *session) run(ctx context.Context) {
	s.startedAt = time.Now()
	defer s.onDone(s.tradeID)

	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveTradeStarted("taker")
	}

	resend := time.NewTicker(s.cfg.ResendCooldown)
	defer resend.Stop()
	deadline := time.NewTimer(s.cfg.SwapTimeout)
	defer deadline.Stop()
	var rebroadcast *time.Ticker

	for {
		var rebroadcastC <-chan time.Time
		if rebroadcast != nil {
			rebroadcastC = rebroadcast.C
		}

		select {
		case <-s.done:
			if rebroadcast != nil {
				rebroadcast.Stop()
			}
			return
		case <-ctx.Done():
			if rebroadcast != nil {
				rebroadcast.Stop()
			}
			return
		case e := <-s.inbox:
			if s.handle(e) {
				if rebroadcast != nil {
					rebroadcast.Stop()
				}
				if s.claimed && s.t.State == trade.StateClaimed {
					rebroadcast = time.NewTicker(s.cfg.ClaimRebroadcast)
					continue
				}
				return
			}
		case <-resend.C:
			s.resend(ctx)
		case <-deadline.C:
			s.onTimeout(ctx)
		case <-rebroadcastC:
			if !s.rebroadcastClaim(ctx) {
				rebroadcast.Stop()
				return
			}
		}
	}
}

// handle applies an inbound envelope to the trade state machine and, on a
// state transition, drives the next settlement step. It returns true once
// the trade has reached a terminal state (claimed/refunded/canceled) and
// the run loop's inbox-handling branch should stop waiting for more inbound
// envelopes (claimed additionally arms the best-effort rebroadcast window).
func (s *session) handle(e envEnvelope) bool {
	log := logger.FromContext(e.ctx)
	prev := s.t.State

	next, err := trade.Apply(s.t, e.raw)
	if err != nil {
		log.Debug().Err(err).Str("kind", e.raw.Kind).Msg("taker.envelope_rejected")
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveEnvelopeDropped("trade_apply_failed")
		}
		return false
	}
	s.t = next
	s.persist(e.ctx)

	// A same-state redelivery changes nothing: trade.Apply keeps the first
	// invoice and escrow bodies, so replaying either does not re-run the
	// pre-pay check on the same (terms, invoice, escrow) tuple (spec §7).
	if next.State == prev {
		return false
	}

	switch next.State {
	case trade.StateTerms:
		s.onTerms(e.ctx)
	case trade.StateEscrow:
		s.maybePay(e.ctx)
		// maybePay may carry the trade on to claimed via our own LN_PAID
		// and SOL_CLAIMED.
		if s.t.State == trade.StateClaimed {
			s.finish(e.ctx)
			return true
		}
	case trade.StateClaimed, trade.StateRefunded, trade.StateCanceled:
		s.finish(e.ctx)
		return true
	}
	return false
}

// onTerms implements spec §4.9 paragraph 3: verify sol_recipient is our own
// Solana pubkey (the USDT is ours to claim, nobody else's), optionally
// verify sol_mint, compute terms_hash, sign and emit ACCEPT.
func (s *session) onTerms(ctx context.Context) {
	log := logger.FromContext(ctx)
	terms := s.t.Terms
	if terms == nil {
		return
	}

	ourRecipient := s.deps.SolanaKey.PublicKey().String()
	if terms.SolRecipient != ourRecipient {
		log.Warn().Str("got", terms.SolRecipient).Msg("taker.terms_recipient_mismatch")
		s.cancel(ctx, "sol_recipient does not match our Solana pubkey")
		return
	}
	if s.cfg.VerifyMint != "" && terms.SolMint != s.cfg.VerifyMint {
		log.Warn().Str("got", terms.SolMint).Msg("taker.terms_mint_mismatch")
		s.cancel(ctx, "sol_mint does not match the configured mint")
		return
	}

	acceptBody := schema.AcceptBody{TermsHash: s.t.TermsHash}
	env, ok := s.buildSend(ctx, schema.KindAccept, acceptBody)
	if !ok {
		return
	}
	s.acceptEnv = &env
	s.applySelf(ctx, env, "accept")
}

// maybePay implements spec §4.9 paragraph 4: once both LN_INVOICE and
// SOL_ESCROW_CREATED are present, run the Pre-Pay Verifier; only on ok do
// we ever call the LN RPC. handle calls it once, when the trade enters
// state escrow (the invoice is always set by then, since escrow follows
// invoice); a failed check is not re-run (spec §8 testable property 5: no
// LN_PAID is emitted unless Verify returned ok at some prior point for the
// then-current tuple).
func (s *session) maybePay(ctx context.Context) {
	log := logger.FromContext(ctx)
	if s.paid || s.t.Invoice == nil || s.t.Escrow == nil || s.t.Terms == nil {
		return
	}

	now := time.Now().Unix()
	result := prepay.Verify(ctx, *s.t.Terms, *s.t.Invoice, *s.t.Escrow, now, s.cfg.RefundSafetyMargin, s.deps.SolanaRPC)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObservePrePayVerification(result.OK, result.Error)
	}
	if !result.OK {
		// spec §7: pre_pay_verification_failed is never retried for the
		// same (terms, invoice, escrow) tuple. The trade stays in escrow
		// (trade.Apply keeps the first escrow body, so no other tuple can
		// arrive) and no LN payment is attempted for it.
		log.Warn().Str("reason", result.Error).Msg("taker.pre_pay_verification_failed")
		s.recordError(ctx, "pre-pay verification: "+result.Error)
		return
	}
	at := time.Now()
	s.prePayVerifiedAt = &at

	s.pay(ctx)
}

// pay calls the LN RPC to pay the negotiated invoice, validates the
// returned preimage against the payment hash, and emits signed LN_PAID
// (spec §4.9 paragraph 4). s.paid guards against paying twice.
func (s *session) pay(ctx context.Context) {
	log := logger.FromContext(ctx)
	if s.paid {
		return
	}
	invoice := s.t.Invoice

	payResult, err := rpcCall(ctx, s.deps, circuitbreaker.ServiceLNRPC, func() (ports.PayResult, error) {
		return s.deps.LNRPC.Pay(ctx, invoice.Bolt11)
	})
	if err != nil {
		log.Warn().Err(err).Msg("taker.ln_pay_failed")
		s.recordError(ctx, "ln pay: "+err.Error())
		return
	}
	if !prepay.PreimageMatchesHash(payResult.PaymentPreimageHex, invoice.PaymentHashHex) {
		log.Error().Msg("taker.ln_preimage_mismatch")
		return
	}
	s.paid = true

	preimageHex := payResult.PaymentPreimageHex
	paidBody := schema.LNPaidBody{PaymentHashHex: invoice.PaymentHashHex, PreimageHex: &preimageHex}
	env, ok := s.buildSend(ctx, schema.KindLNPaid, paidBody)
	if !ok {
		return
	}
	if !s.applySelf(ctx, env, "ln_paid") {
		return
	}

	if s.deps.PersistPreimages && s.deps.Receipts != nil {
		_ = s.deps.Receipts.UpsertTrade(ctx, s.tradeID, receipts.Patch{Preimage: &preimageHex})
	}

	s.claim(ctx, preimageHex)
}

// claim calls the Solana RPC to claim the escrow with the revealed
// preimage and emits signed SOL_CLAIMED (spec §4.9 paragraph 4).
func (s *session) claim(ctx context.Context, preimageHex string) {
	log := logger.FromContext(ctx)
	if s.claimed {
		return
	}
	terms := s.t.Terms
	escrow := s.t.Escrow
	if terms == nil || escrow == nil {
		return
	}

	paymentHash, err := paymentHashBytes(escrow.PaymentHashHex)
	if err != nil {
		log.Error().Err(err).Msg("taker.bad_payment_hash")
		return
	}
	preimage, err := paymentHashBytes(preimageHex)
	if err != nil {
		log.Error().Err(err).Msg("taker.bad_preimage")
		return
	}
	mint, err := solana.PublicKeyFromBase58(terms.SolMint)
	if err != nil {
		log.Error().Err(err).Msg("taker.bad_mint")
		return
	}

	recipientATA, err := rpcCall(ctx, s.deps, circuitbreaker.ServiceSolanaRPC, func() (solana.PublicKey, error) {
		return s.deps.SolanaRPC.EnsureAssociatedTokenAccount(ctx, s.deps.SolanaKey, s.deps.SolanaKey.PublicKey(), mint)
	})
	if err != nil {
		log.Warn().Err(err).Msg("taker.ensure_ata_failed")
		return
	}

	sig, err := rpcCall(ctx, s.deps, circuitbreaker.ServiceSolanaRPC, func() (solana.Signature, error) {
		return s.deps.SolanaRPC.BuildAndSubmitClaimEscrow(ctx, s.deps.SolanaKey, recipientATA, mint, paymentHash, preimage)
	})
	if err != nil {
		log.Warn().Err(err).Msg("taker.claim_escrow_failed")
		s.recordError(ctx, "claim escrow: "+err.Error())
		return
	}

	body := schema.SettledBody{PaymentHashHex: escrow.PaymentHashHex, EscrowPDA: escrow.EscrowPDA, TxSig: sig.String()}
	env, ok := s.buildSend(ctx, schema.KindSolClaimed, body)
	if !ok {
		return
	}
	s.claimed = true
	s.applySelf(ctx, env, "sol_claimed")
}

// rebroadcastClaim best-effort re-emits SOL_CLAIMED a few times with a short
// cooldown to cover peer-exit races (spec §4.9 last sentence). It returns
// false once the rebroadcast budget is spent, telling run() to stop ticking.
func (s *session) rebroadcastClaim(ctx context.Context) bool {
	if s.claimRebroadcasts >= s.cfg.ClaimRebroadcastMax || s.t.Escrow == nil {
		return false
	}
	s.claimRebroadcasts++
	body := schema.SettledBody{PaymentHashHex: s.t.Escrow.PaymentHashHex, EscrowPDA: s.t.Escrow.EscrowPDA}
	bodyRaw, err := json.Marshal(body)
	if err == nil {
		unsigned := envelope.UnsignedEnvelope{
			V: envelope.ProtocolVersion, Kind: string(schema.KindSolClaimed), TradeID: s.tradeID,
			TS: nowMs(), Nonce: uuid.NewString(), Body: bodyRaw,
		}
		if env, err := envelope.Sign(s.deps.Signer, unsigned); err == nil {
			_ = s.deps.Sidechannel.Send(ctx, s.channel, env, nil, nil)
		}
	}
	return s.claimRebroadcasts < s.cfg.ClaimRebroadcastMax
}

// onTimeout cancels the trade if it has not yet reached escrow (spec §5
// absolute deadlines; mirrors the maker's T-2-respecting timeout).
func (s *session) onTimeout(ctx context.Context) {
	if s.t.Escrow != nil {
		return
	}
	s.cancel(ctx, "swap timeout")
}

// cancel emits a signed CANCEL envelope and self-applies it; callers must
// already have confirmed escrow is not yet set (T-2).
func (s *session) cancel(ctx context.Context, reason string) {
	if s.t.Escrow != nil {
		return
	}
	body := schema.CancelBody{Reason: &reason}
	env, ok := s.buildSend(ctx, schema.KindCancel, body)
	if !ok {
		return
	}
	if !s.applySelf(ctx, env, "cancel") {
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveTradeCanceled("taker", reason)
	}
	s.finish(ctx)
	s.stop()
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

// applySelf runs trade.Apply over our own just-emitted envelope, keeping
// s.t authoritative over what we actually sent.
func (s *session) applySelf(ctx context.Context, env envelope.Envelope, step string) bool {
	next, err := trade.Apply(s.t, env)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("step", step).Msg("taker.self_apply_failed")
		return false
	}
	s.t = next
	s.persist(ctx)
	return true
}

// resend re-emits our own ACCEPT while it has not yet produced an invoice
// (spec §4.9/§5 bounded resend; the maker owns resend of TERMS/INVOICE/
// ESCROW, the taker owns resend of its own ACCEPT).
func (s *session) resend(ctx context.Context) {
	if s.t.State != trade.StateAccepted || s.acceptEnv == nil {
		return
	}
	if err := s.deps.Sidechannel.Send(ctx, s.channel, *s.acceptEnv, nil, nil); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("taker.resend_failed")
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveResend(s.acceptEnv.Kind)
	}
}

// finish records terminal metrics/logs.
func (s *session) finish(ctx context.Context) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveTradeTerminal("taker", string(s.t.State), time.Since(s.startedAt))
	}
	log := logger.FromContext(ctx)
	log.Info().Str("state", string(s.t.State)).Msg("taker.trade_terminal")
}

// buildSend constructs, signs, and emits a new envelope of kind for the
// current trade (mirrors pkg/swap/maker's session.buildSend).
func (s *session) buildSend(ctx context.Context, kind schema.Kind, body any) (envelope.Envelope, bool) {
	log := logger.FromContext(ctx)
	bodyRaw, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("taker.marshal_body_failed")
		return envelope.Envelope{}, false
	}
	unsigned := envelope.UnsignedEnvelope{
		V: envelope.ProtocolVersion, Kind: string(kind), TradeID: s.tradeID,
		TS: nowMs(), Nonce: uuid.NewString(), Body: bodyRaw,
	}
	env, err := envelope.Sign(s.deps.Signer, unsigned)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("taker.sign_failed")
		return envelope.Envelope{}, false
	}
	if err := s.deps.Sidechannel.Send(ctx, s.channel, env, nil, nil); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("taker.send_failed")
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
// (spec §4.6), identical in shape to the maker's session.persist except for
// Role and the absence of any preimage write here (preimage persistence is
// opt-in and handled explicitly by pay(), never as a side effect of every
// persist call).
func (s *session) persist(ctx context.Context) {
	if s.deps.Receipts == nil {
		return
	}
	state := string(s.t.State)
	role := "taker"
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
		logger.FromContext(ctx).Warn().Err(err).Msg("taker.receipt_upsert_failed")
		return
	}
	if s.t.Last != nil {
		_ = s.deps.Receipts.AppendEvent(ctx, s.tradeID, s.t.Last.Kind, nil)
	}
}

func paymentHashBytes(hexStr string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("expected 32-byte hex, got %q", hexStr)
	}
	copy(out[:], raw)
	return out, nil
}

// rpcCall retries fn with exponential backoff, routing every attempt through
// the per-service circuit breaker (mirrors pkg/swap/maker's rpcCall).
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
