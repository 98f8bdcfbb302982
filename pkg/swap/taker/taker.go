// Package taker implements the taker-side settlement orchestrator (spec
// §4.9, component C9): it mirrors the maker (C8) from the other side of the
// trade. The taker is the LN payer and the USDT claimer: it posts an RFQ,
// accepts the best matching quote, waits for TERMS, pays the LN invoice
// only once the Pre-Pay Verifier (C5) clears the negotiated escrow, and
// claims the on-chain USDT with the revealed preimage.
//
// Concurrency model follows spec §5, identical to the maker: the dispatch
// loop is single-threaded, one goroutine per trade processes that trade's
// envelopes strictly in order, and every suspension point revalidates the
// trade's current state on resumption.
package taker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/satswap/swapcore/internal/circuitbreaker"
	swaperrors "github.com/satswap/swapcore/internal/errors"
	"github.com/satswap/swapcore/internal/lifecycle"
	"github.com/satswap/swapcore/internal/logger"
	"github.com/satswap/swapcore/internal/metrics"
	"github.com/satswap/swapcore/internal/rpcutil"
	"github.com/satswap/swapcore/pkg/swap/codec"
	"github.com/satswap/swapcore/pkg/swap/envelope"
	"github.com/satswap/swapcore/pkg/swap/ports"
	"github.com/satswap/swapcore/pkg/swap/priceguard"
	"github.com/satswap/swapcore/pkg/swap/receipts"
	"github.com/satswap/swapcore/pkg/swap/schema"
)

// Config holds the negotiation/settlement tolerances the taker applies
// uniformly across trades (spec §5, mirrors internal/config.ProtocolConfig
// and PriceGuardConfig one-for-one so cmd/swapd can pass them through
// without any translation layer).
type Config struct {
	PublicChannel       string        // rendezvous channel RFQs/QUOTEs are exchanged on
	USDTDecimals         int           // spec.md §4.3 terms.usdt_decimals; fixed per deployment like the maker's
	VerifyMint          string        // base58; if non-empty, TERMS.sol_mint must equal this exactly
	ResendCooldown       time.Duration // resend_ms: covers ACCEPT resend while awaiting the invoice
	SwapTimeout          time.Duration // swap_timeout_sec
	RefundSafetyMargin   time.Duration // pre-pay verifier minimum margin over sol_refund_after_unix
	ClaimRebroadcast     time.Duration // cooldown between best-effort SOL_CLAIMED re-emits
	ClaimRebroadcastMax  int           // number of best-effort re-emits after the first
	RFQMinUSDTAmount     *big.Int      // reject quotes below this (spec §4.9 "enforce RFQ minimum")
	MaxDiscountBps       int64         // price guard ceiling on a maker's quote
	MaxOracleAge         time.Duration
}

// Deps are the external collaborators injected into the orchestrator (spec
// §9 "Global state ... is injected via capabilities and never accessed via
// ambient singletons").
type Deps struct {
	Signer            envelope.Signer
	IdentityPubkeyHex string // hex of Signer's public key, spec §4.2 signer field
	SolanaKey         solana.PrivateKey
	Sidechannel       ports.Sidechannel
	SolanaRPC         ports.SolanaRPC
	LNRPC             ports.LNRPC
	Receipts          receipts.Store
	Metrics           *metrics.Metrics
	Breakers          *circuitbreaker.Manager
	Lifecycle         *lifecycle.Manager
	PersistPreimages  bool // spec §6: "Pre-image storage is opt-in and must default to off"
}

// pendingRFQ is the bookkeeping the orchestrator keeps for an RFQ it has
// posted and not yet accepted a quote for (spec §4.9 paragraph 1), keyed by
// the trade_id the taker minted when it posted the RFQ.
type pendingRFQ struct {
	rfqID      string
	rfq        schema.RFQBody
	accepted   bool // only the first accepted quote is retained (spec §4.9)
	quoteID    string
	makerQuote schema.QuoteBody
	resultCh   chan<- PostResult
}

// PostResult is delivered once (at most) per posted RFQ: either the trade_id
// of the session that was spun up after a QUOTE_ACCEPT was sent, or an error
// explaining why no quote was ever accepted.
type PostResult struct {
	TradeID string
	Err     error
}

// Orchestrator is the taker-side settlement coordinator.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	pending  map[string]*pendingRFQ // trade_id -> pending RFQ
	sessions map[string]*session
}

// New constructs a taker Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		pending:  make(map[string]*pendingRFQ),
		sessions: make(map[string]*session),
	}
}

// Run subscribes to the rendezvous channel and dispatches every inbound
// sidechannel message until ctx is canceled. Per-message failures are
// logged and dropped (spec §7: hostile/malformed input must not destabilize
// the process).
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.deps.Sidechannel.Connect(ctx); err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeTransportError, "taker: connect sidechannel", err)
	}
	if err := o.deps.Sidechannel.Subscribe(ctx, []string{o.cfg.PublicChannel}); err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeTransportError, "taker: subscribe rendezvous channel", err)
	}

	msgs := o.deps.Sidechannel.Messages()
	for {
		select {
		case <-ctx.Done():
			o.closeAllSessions()
			return o.deps.Sidechannel.Close(context.Background())
		case msg, ok := <-msgs:
			if !ok {
				o.closeAllSessions()
				return nil
			}
			o.dispatch(ctx, msg)
		}
	}
}

// PostRFQ posts a signed RFQ for btcSats BTC against usdtAmount (the
// taker's minimum acceptable USDT, spec §4.3 rfq.usdt_amount) with our own
// Solana pubkey as sol_recipient, and returns the trade_id it was minted
// under. The caller receives a PostResult on result (best-effort, by a
// non-blocking send; the channel is never closed) once a
// QUOTE_ACCEPT has actually been sent and a session started, or once the
// RFQ's valid_until_unix passes with nothing accepted.
func (o *Orchestrator) PostRFQ(ctx context.Context, btcSats int64, usdtAmount string, validFor time.Duration, result chan<- PostResult) (string, error) {
	log := logger.FromContext(ctx)

	tradeID := uuid.NewString()
	recipient := o.deps.SolanaKey.PublicKey().String()
	validUntil := time.Now().Add(validFor).Unix()
	rfqBody := schema.RFQBody{
		Pair:           "BTC_LN/USDT_SOL",
		Direction:      "BTC_LN->USDT_SOL",
		BTCSats:        btcSats,
		USDTAmount:     usdtAmount,
		ValidUntilUnix: &validUntil,
		SolRecipient:   &recipient,
	}
	bodyRaw, err := json.Marshal(rfqBody)
	if err != nil {
		return "", fmt.Errorf("taker: marshal rfq: %w", err)
	}
	unsigned := envelope.UnsignedEnvelope{
		V: envelope.ProtocolVersion, Kind: string(schema.KindRFQ), TradeID: tradeID,
		TS: nowMs(), Nonce: uuid.NewString(), Body: bodyRaw,
	}
	env, err := envelope.Sign(o.deps.Signer, unsigned)
	if err != nil {
		return "", fmt.Errorf("taker: sign rfq: %w", err)
	}
	rfqID, err := codec.ContentHash(env.UnsignedEnvelope)
	if err != nil {
		return "", fmt.Errorf("taker: hash rfq: %w", err)
	}

	if err := o.send(ctx, o.cfg.PublicChannel, env); err != nil {
		return "", fmt.Errorf("taker: send rfq: %w", err)
	}

	o.mu.Lock()
	o.pending[tradeID] = &pendingRFQ{rfqID: rfqID, rfq: rfqBody, resultCh: result}
	o.mu.Unlock()

	log.Info().Str("trade_id", tradeID).Str("rfq_id", rfqID).Msg("taker.rfq_posted")

	if validFor > 0 {
		time.AfterFunc(validFor, func() { o.expireRFQ(tradeID) })
	}
	return tradeID, nil
}

func (o *Orchestrator) expireRFQ(tradeID string) {
	o.mu.Lock()
	neg, ok := o.pending[tradeID]
	if ok && !neg.accepted {
		delete(o.pending, tradeID)
	}
	o.mu.Unlock()
	if ok && !neg.accepted && neg.resultCh != nil {
		sendResult(neg.resultCh, PostResult{Err: fmt.Errorf("taker: rfq %s expired with no accepted quote", tradeID)})
	}
}

// sendResult delivers res without blocking the caller if nobody is
// listening on ch (a caller that fires PostRFQ and walks away should not
// wedge the dispatch loop).
func sendResult(ch chan<- PostResult, res PostResult) {
	select {
	case ch <- res:
	default:
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, msg ports.SidechannelMessage) {
	log := logger.FromContext(ctx)
	env, err := envelope.Decode(msg.Raw)
	if err != nil {
		o.drop(log, "decode_error", err)
		return
	}
	ctx = logger.WithTradeID(ctx, env.TradeID)

	if s := o.sessionFor(env.TradeID); s != nil {
		s.inbox <- envEnvelope{ctx: ctx, raw: env}
		return
	}

	switch schema.Kind(env.Kind) {
	case schema.KindQuote:
		o.handleQuote(ctx, env)
	case schema.KindSwapInvite:
		o.handleSwapInvite(ctx, env)
	default:
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveEnvelopeDropped("unknown_trade")
		}
	}
}

func (o *Orchestrator) drop(log zerolog.Logger, reason string, err error) {
	log.Debug().Err(err).Str("reason", reason).Msg("taker.envelope_dropped")
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveEnvelopeDropped(reason)
	}
}

func (o *Orchestrator) sessionFor(tradeID string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[tradeID]
}

func (o *Orchestrator) closeAllSessions() {
	o.mu.Lock()
	sessions := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()
	for _, s := range sessions {
		s.stop()
	}
}

// handleQuote implements spec §4.9 paragraph 1: filter expired quotes,
// reject size mismatches, enforce the configured RFQ minimum, run the price
// guard, and accept the first quote that clears every check.
func (o *Orchestrator) handleQuote(ctx context.Context, env envelope.Envelope) {
	log := logger.FromContext(ctx)

	if err := schema.Validate(env); err != nil {
		o.drop(log, "invalid_envelope", err)
		return
	}
	if err := envelope.Verify(env); err != nil {
		o.drop(log, "bad_signature", err)
		return
	}
	var quote schema.QuoteBody
	if err := json.Unmarshal(env.Body, &quote); err != nil {
		o.drop(log, "invalid_envelope", err)
		return
	}

	o.mu.Lock()
	neg, ok := o.pending[env.TradeID]
	o.mu.Unlock()
	if !ok {
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveEnvelopeDropped("unknown_rfq")
		}
		return
	}
	if neg.accepted {
		// Only the first accepted quote is retained (spec §4.9).
		return
	}
	if quote.RFQID != neg.rfqID {
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveEnvelopeDropped("rfq_id_mismatch")
		}
		return
	}
	if quote.ValidUntilUnix != nil && *quote.ValidUntilUnix <= time.Now().Unix() {
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveEnvelopeDropped("quote_expired")
		}
		return
	}
	if quote.BTCSats != neg.rfq.BTCSats {
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveEnvelopeDropped("btc_sats_mismatch")
		}
		return
	}

	usdtAtomic, valid := new(big.Int).SetString(quote.USDTAmount, 10)
	if !valid {
		o.drop(log, "invalid_envelope", fmt.Errorf("non-integer usdt_amount %q", quote.USDTAmount))
		return
	}
	if o.cfg.RFQMinUSDTAmount != nil && usdtAtomic.Cmp(o.cfg.RFQMinUSDTAmount) < 0 {
		log.Info().Str("rfq_id", neg.rfqID).Msg("taker.quote_below_minimum")
		return
	}

	snap, err := o.priceSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("taker.price_snapshot_failed")
		return
	}
	guard := priceguard.CheckTaker(snap, quote.BTCSats, usdtAtomic, o.cfg.USDTDecimals, o.cfg.MaxDiscountBps)
	if !guard.OK {
		log.Info().Str("rfq_id", neg.rfqID).Str("reason", guard.Error).Msg("taker.price_guard_rejected")
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObservePriceGuardRejection("taker")
		}
		return
	}

	quoteID, err := codec.ContentHash(env.UnsignedEnvelope)
	if err != nil {
		log.Error().Err(err).Msg("taker.hash_quote_failed")
		return
	}

	acceptBody := schema.QuoteAcceptBody{RFQID: neg.rfqID, QuoteID: quoteID}
	bodyRaw, err := json.Marshal(acceptBody)
	if err != nil {
		log.Error().Err(err).Msg("taker.marshal_quote_accept_failed")
		return
	}
	unsigned := envelope.UnsignedEnvelope{
		V: envelope.ProtocolVersion, Kind: string(schema.KindQuoteAccept), TradeID: env.TradeID,
		TS: nowMs(), Nonce: uuid.NewString(), Body: bodyRaw,
	}
	acceptEnv, err := envelope.Sign(o.deps.Signer, unsigned)
	if err != nil {
		log.Error().Err(err).Msg("taker.sign_quote_accept_failed")
		return
	}
	if err := o.send(ctx, o.cfg.PublicChannel, acceptEnv); err != nil {
		log.Warn().Err(err).Msg("taker.send_quote_accept_failed")
		return
	}

	o.mu.Lock()
	neg.accepted = true
	neg.quoteID = quoteID
	neg.makerQuote = quote
	o.mu.Unlock()
}

// handleSwapInvite implements spec §4.9 paragraph 2: on a SWAP_INVITE for
// our quote_id, join the private channel and spin up a settlement session.
func (o *Orchestrator) handleSwapInvite(ctx context.Context, env envelope.Envelope) {
	log := logger.FromContext(ctx)

	if err := schema.Validate(env); err != nil {
		o.drop(log, "invalid_envelope", err)
		return
	}
	if err := envelope.Verify(env); err != nil {
		o.drop(log, "bad_signature", err)
		return
	}
	var body schema.SwapInviteBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		o.drop(log, "invalid_envelope", err)
		return
	}

	o.mu.Lock()
	neg, ok := o.pending[env.TradeID]
	o.mu.Unlock()
	if !ok || !neg.accepted || neg.quoteID != body.QuoteID || neg.rfqID != body.RFQID {
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveEnvelopeDropped("unknown_invite")
		}
		return
	}
	if env.Signer != body.OwnerPubkey {
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveEnvelopeDropped("wrong_signer")
		}
		return
	}

	if err := o.deps.Sidechannel.Join(ctx, body.SwapChannel, body.Invite, body.Welcome); err != nil {
		log.Warn().Err(err).Msg("taker.join_swap_channel_failed")
		return
	}
	if err := o.deps.Sidechannel.Subscribe(ctx, []string{body.SwapChannel}); err != nil {
		log.Warn().Err(err).Msg("taker.subscribe_swap_channel_failed")
		return
	}

	s := newSession(env.TradeID, body.SwapChannel, neg, o.cfg, o.deps, o.onSessionDone)
	o.mu.Lock()
	o.sessions[env.TradeID] = s
	delete(o.pending, env.TradeID)
	o.mu.Unlock()
	if o.deps.Lifecycle != nil {
		o.deps.Lifecycle.RegisterFunc("taker-session-"+env.TradeID, func() error { s.stop(); return nil })
	}
	s.start(ctx)

	if neg.resultCh != nil {
		sendResult(neg.resultCh, PostResult{TradeID: env.TradeID})
	}
}

func (o *Orchestrator) onSessionDone(tradeID string) {
	o.mu.Lock()
	delete(o.sessions, tradeID)
	o.mu.Unlock()
}

func (o *Orchestrator) send(ctx context.Context, channel string, env envelope.Envelope) error {
	err := o.deps.Sidechannel.Send(ctx, channel, env, nil, nil)
	if o.deps.Metrics != nil {
		if err != nil {
			o.deps.Metrics.ObserveEnvelopeDropped("send_failed")
		} else {
			o.deps.Metrics.ObserveEnvelopeSent(env.Kind)
		}
	}
	return err
}

func (o *Orchestrator) priceSnapshot(ctx context.Context) (priceguard.Snapshot, error) {
	snap, err := rpcutil.WithRetry(ctx, func() (ports.PriceSnapshot, error) {
		return o.deps.Sidechannel.PriceGet(ctx)
	})
	if err != nil {
		return priceguard.Snapshot{}, err
	}
	pair, ok := snap.Pairs["BTC_USDT"]
	if !ok || !pair.OK {
		return priceguard.Snapshot{}, swaperrors.New(swaperrors.ErrCodeRPCError, "no BTC_USDT price available")
	}
	ageMs := nowMs() - snap.TSUnixMs
	return priceguard.Snapshot{Median: pair.Median, AgeMs: ageMs, MaxAgeMs: o.cfg.MaxOracleAge.Milliseconds()}, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
