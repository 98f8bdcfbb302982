// Package maker implements the maker-side settlement orchestrator (spec
// §4.8, component C8): it owns a rendezvous subscription and, per matched
// RFQ, a per-trade negotiation and settlement session. The maker is the LN
// receiver and the USDT depositor: it quotes, negotiates TERMS, builds the
// LN invoice, locks USDT in a Solana escrow, and waits for the taker to pay
// and claim.
//
// Concurrency model follows spec §5: the dispatch loop is single-threaded,
// one goroutine per trade processes that trade's envelopes strictly in
// order, and every suspension point (an RPC call, a sidechannel send)
// revalidates the trade's current state on resumption rather than assuming
// it is unchanged.
package maker

import (
	"context"
	"encoding/hex"
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

// Config holds the negotiation/settlement tolerances the maker applies
// uniformly across trades (spec §5, mirrors internal/config.ProtocolConfig
// and PriceGuardConfig one-for-one so cmd/swapd can pass them through
// without any translation layer).
type Config struct {
	PublicChannel      string        // rendezvous channel RFQs/QUOTEs are exchanged on
	USDTMint           string        // base58, spec.md §4.3 terms.sol_mint
	USDTDecimals       int           // spec.md §4.3 terms.usdt_decimals
	EscrowProgram      string        // base58 escrow program id, spec.md sol_escrow_created.program_id
	ResendCooldown     time.Duration // resend_ms
	SwapTimeout        time.Duration // swap_timeout_sec
	TermsValidity      time.Duration // default terms_valid_until_unix horizon
	EscrowRefundWindow time.Duration // sol_refund_after_unix = terms time + this
	MakerSpreadBps     int64         // spread applied against the oracle median when quoting
	MaxOverpayBps      int64         // price guard ceiling on the maker's own computed quote
	MaxOracleAge       time.Duration
}

// Deps are the external collaborators injected into the orchestrator (spec
// §9 "Global state ... is injected via capabilities and never accessed via
// ambient singletons").
type Deps struct {
	Signer          envelope.Signer
	IdentityPubkeyHex string          // hex of Signer's public key, spec §4.2 signer field
	SolanaKey       solana.PrivateKey // raw key for on-chain transaction signing (ports.SolanaRPC)
	SolanaRefund    solana.PublicKey // maker's own refund pubkey (terms.sol_refund)
	Sidechannel     ports.Sidechannel
	SolanaRPC       ports.SolanaRPC
	LNRPC           ports.LNRPC
	Receipts        receipts.Store
	Metrics         *metrics.Metrics
	Breakers        *circuitbreaker.Manager
	Lifecycle       *lifecycle.Manager
}

// negotiation is the pre-TERMS bookkeeping the orchestrator keeps for an RFQ
// it has quoted, keyed by the envelope trade_id the taker minted for the
// prospective trade (spec §3: trade_id is immutable across every envelope
// belonging to one trade, including the RFQ itself).
type negotiation struct {
	rfqID        string
	rfq          schema.RFQBody
	takerPubkey  string // hex, from the RFQ envelope's signer
	quoteID      string
	quote        schema.QuoteBody
	swapChannel  string
}

// Orchestrator is the maker-side settlement coordinator.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu           sync.Mutex
	negotiations map[string]*negotiation
	sessions     map[string]*session
}

// New constructs a maker Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		deps:         deps,
		negotiations: make(map[string]*negotiation),
		sessions:     make(map[string]*session),
	}
}

// Run subscribes to the rendezvous channel and dispatches every inbound
// sidechannel message until ctx is canceled. It never returns a non-nil
// error except on an unrecoverable connect failure; per-message failures are
// logged and dropped (spec §7: hostile/malformed input must not destabilize
// the process).
func (o *Orchestrator) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)

	if err := o.deps.Sidechannel.Connect(ctx); err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeTransportError, "maker: connect sidechannel", err)
	}
	if err := o.deps.Sidechannel.Subscribe(ctx, []string{o.cfg.PublicChannel}); err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeTransportError, "maker: subscribe rendezvous channel", err)
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
			o.dispatch(ctx, msg, log)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, msg ports.SidechannelMessage, log zerolog.Logger) {
	env, err := envelope.Decode(msg.Raw)
	if err != nil {
		o.drop(log, "decode_error", err)
		return
	}
	ctx = logger.WithTradeID(ctx, env.TradeID)

	// Route to an existing per-trade session first: once TERMS has been
	// emitted the trade state machine (C4) owns every further check.
	if s := o.sessionFor(env.TradeID); s != nil {
		s.inbox <- envEnvelope{ctx: ctx, raw: env}
		return
	}

	switch schema.Kind(env.Kind) {
	case schema.KindRFQ:
		o.handleRFQ(ctx, env)
	case schema.KindQuoteAccept:
		o.handleQuoteAccept(ctx, env)
	default:
		// An envelope for a trade_id we don't recognize and that isn't RFQ
		// or QUOTE_ACCEPT cannot be acted on; silently drop (hostile or stale).
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveEnvelopeDropped("unknown_trade")
		}
	}
}

func (o *Orchestrator) drop(log zerolog.Logger, reason string, err error) {
	log.Debug().Err(err).Str("reason", reason).Msg("maker.envelope_dropped")
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

// handleRFQ implements spec §4.8 paragraph 1: on a schema-valid, signature-
// verified RFQ that clears the price guard, compute a quote from the oracle
// median plus the maker's configured spread, sign, and emit it.
func (o *Orchestrator) handleRFQ(ctx context.Context, env envelope.Envelope) {
	log := logger.FromContext(ctx)

	if err := schema.Validate(env); err != nil {
		o.drop(log, "invalid_envelope", err)
		return
	}
	if err := envelope.Verify(env); err != nil {
		o.drop(log, "bad_signature", err)
		return
	}
	var rfq schema.RFQBody
	if err := json.Unmarshal(env.Body, &rfq); err != nil {
		o.drop(log, "invalid_envelope", err)
		return
	}

	rfqID, err := codec.ContentHash(env.UnsignedEnvelope)
	if err != nil {
		o.drop(log, "invalid_envelope", err)
		return
	}

	snap, err := o.priceSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("maker.price_snapshot_failed")
		return
	}

	quoteUSDT := o.quoteAmount(snap, rfq.BTCSats)

	guard := priceguard.CheckMaker(snap, rfq.BTCSats, quoteUSDT, o.cfg.USDTDecimals, o.cfg.MaxOverpayBps)
	if !guard.OK {
		log.Info().Str("rfq_id", rfqID).Str("reason", guard.Error).Msg("maker.price_guard_rejected")
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObservePriceGuardRejection("maker")
		}
		return
	}

	validUntil := time.Now().Add(o.cfg.TermsValidity).Unix()
	quoteBody := schema.QuoteBody{
		RFQID:          rfqID,
		BTCSats:        rfq.BTCSats,
		USDTAmount:     quoteUSDT.String(),
		ValidUntilUnix: &validUntil,
	}
	bodyRaw, err := json.Marshal(quoteBody)
	if err != nil {
		log.Error().Err(err).Msg("maker.marshal_quote_failed")
		return
	}
	unsigned := envelope.UnsignedEnvelope{
		V: envelope.ProtocolVersion, Kind: string(schema.KindQuote), TradeID: env.TradeID,
		TS: nowMs(), Nonce: uuid.NewString(), Body: bodyRaw,
	}
	quoteEnv, err := envelope.Sign(o.deps.Signer, unsigned)
	if err != nil {
		log.Error().Err(err).Msg("maker.sign_quote_failed")
		return
	}
	quoteID, err := codec.ContentHash(quoteEnv.UnsignedEnvelope)
	if err != nil {
		log.Error().Err(err).Msg("maker.hash_quote_failed")
		return
	}

	if err := o.send(ctx, o.cfg.PublicChannel, quoteEnv); err != nil {
		log.Warn().Err(err).Msg("maker.send_quote_failed")
		return
	}

	o.mu.Lock()
	o.negotiations[env.TradeID] = &negotiation{
		rfqID:       rfqID,
		rfq:         rfq,
		takerPubkey: env.Signer,
		quoteID:     quoteID,
		quote:       quoteBody,
	}
	o.mu.Unlock()
}

// handleQuoteAccept implements spec §4.8 paragraph 2: mint a per-trade
// private channel, build invite/welcome, emit SWAP_INVITE on the rendezvous
// channel, and join the private channel ourselves.
func (o *Orchestrator) handleQuoteAccept(ctx context.Context, env envelope.Envelope) {
	log := logger.FromContext(ctx)

	if err := schema.Validate(env); err != nil {
		o.drop(log, "invalid_envelope", err)
		return
	}
	if err := envelope.Verify(env); err != nil {
		o.drop(log, "bad_signature", err)
		return
	}
	var body schema.QuoteAcceptBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		o.drop(log, "invalid_envelope", err)
		return
	}

	o.mu.Lock()
	neg, ok := o.negotiations[env.TradeID]
	o.mu.Unlock()
	if !ok || neg.quoteID != body.QuoteID || neg.rfqID != body.RFQID {
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveEnvelopeDropped("unknown_quote")
		}
		return
	}
	if env.Signer != neg.takerPubkey {
		// Only the taker who sent the RFQ may accept its own quote.
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveEnvelopeDropped("wrong_signer")
		}
		return
	}

	channel := "swap-" + uuid.NewString()
	ownerPubkeyHex := o.deps.IdentityPubkeyHex
	invite, welcome, err := o.buildInviteWelcome(channel, neg.quoteID, ownerPubkeyHex)
	if err != nil {
		log.Error().Err(err).Msg("maker.build_invite_failed")
		return
	}

	inviteBody := schema.SwapInviteBody{
		RFQID: neg.rfqID, QuoteID: neg.quoteID, SwapChannel: channel,
		OwnerPubkey: ownerPubkeyHex, Invite: invite, Welcome: welcome,
	}
	bodyRaw, err := json.Marshal(inviteBody)
	if err != nil {
		log.Error().Err(err).Msg("maker.marshal_invite_failed")
		return
	}
	unsigned := envelope.UnsignedEnvelope{
		V: envelope.ProtocolVersion, Kind: string(schema.KindSwapInvite), TradeID: env.TradeID,
		TS: nowMs(), Nonce: uuid.NewString(), Body: bodyRaw,
	}
	inviteEnv, err := envelope.Sign(o.deps.Signer, unsigned)
	if err != nil {
		log.Error().Err(err).Msg("maker.sign_invite_failed")
		return
	}
	if err := o.send(ctx, o.cfg.PublicChannel, inviteEnv); err != nil {
		log.Warn().Err(err).Msg("maker.send_invite_failed")
		return
	}
	if err := o.deps.Sidechannel.Join(ctx, channel, invite, welcome); err != nil {
		log.Warn().Err(err).Msg("maker.join_swap_channel_failed")
		return
	}
	if err := o.deps.Sidechannel.Subscribe(ctx, []string{channel}); err != nil {
		log.Warn().Err(err).Msg("maker.subscribe_swap_channel_failed")
		return
	}

	neg.swapChannel = channel

	s := newSession(env.TradeID, channel, neg, o.cfg, o.deps, o.onSessionDone)
	o.mu.Lock()
	o.sessions[env.TradeID] = s
	delete(o.negotiations, env.TradeID)
	o.mu.Unlock()
	if o.deps.Lifecycle != nil {
		o.deps.Lifecycle.RegisterFunc("maker-session-"+env.TradeID, func() error { s.stop(); return nil })
	}
	s.start(ctx)
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

// quoteAmount computes the maker-favorable USDT amount for btcSats at the
// oracle median, reduced by the configured spread: the maker gives up less
// USDT than the raw mid-market conversion for the same BTC leg.
func (o *Orchestrator) quoteAmount(snap priceguard.Snapshot, btcSats int64) *big.Int {
	// mid = median * (btc_sats / 1e8) * 10^usdt_decimals
	num := new(big.Int).Mul(snap.Median.Num(), big.NewInt(btcSats))
	num.Mul(num, pow10(o.cfg.USDTDecimals))
	denom := new(big.Int).Mul(snap.Median.Denom(), big.NewInt(100_000_000))
	mid := new(big.Rat).SetFrac(num, denom)

	spread := big.NewRat(10_000-o.cfg.MakerSpreadBps, 10_000)
	mid.Mul(mid, spread)

	out := new(big.Int).Quo(mid.Num(), mid.Denom())
	return out
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// buildInviteWelcome constructs the signed invite/welcome capabilities spec
// §4.3 describes as "signed out-of-band by the inviter": an opaque,
// self-verifying blob binding the channel name, quote_id, and our own
// identity, so the invited taker can confirm the invite actually came from
// the maker that sent the matching QUOTE before trusting the channel.
func (o *Orchestrator) buildInviteWelcome(channel, quoteID, ownerPubkeyHex string) (invite, welcome json.RawMessage, err error) {
	payload, err := codec.Canonicalize(map[string]string{
		"channel": channel, "quote_id": quoteID, "owner_pubkey": ownerPubkeyHex,
	})
	if err != nil {
		return nil, nil, err
	}
	signerHex, sigHex, err := o.deps.Signer.Sign(payload)
	if err != nil {
		return nil, nil, err
	}
	invite, err = json.Marshal(map[string]string{
		"channel": channel, "quote_id": quoteID, "owner_pubkey": ownerPubkeyHex,
		"signer": signerHex, "sig": sigHex,
	})
	if err != nil {
		return nil, nil, err
	}
	welcome, err = json.Marshal(map[string]string{"channel": channel, "signer": signerHex})
	if err != nil {
		return nil, nil, err
	}
	return invite, welcome, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

func paymentHashBytes(hexStr string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("payment_hash_hex must be 32-byte hex")
	}
	copy(out[:], raw)
	return out, nil
}
