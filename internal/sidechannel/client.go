// Package sidechannel implements the ports.Sidechannel capability over a
// websocket connection to the pub/sub broker: channel join/leave/subscribe,
// fire-and-forget envelope publication, the inbound message stream, and the
// broker-embedded price oracle. Envelope authentication never depends on
// this layer — peers verify signatures, not transport identity — so the
// framing here stays deliberately small.
package sidechannel

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/satswap/swapcore/internal/config"
	swaperrors "github.com/satswap/swapcore/internal/errors"
	"github.com/satswap/swapcore/pkg/swap/envelope"
	"github.com/satswap/swapcore/pkg/swap/ports"
)

const (
	defaultConnectTimeout = 10 * time.Second
	priceReplyTimeout     = 10 * time.Second
	inboundBuffer         = 256
)

// frame is the wire envelope exchanged with the broker. Op selects which of
// the optional fields are meaningful.
type frame struct {
	Op       string          `json:"op"`
	ID       string          `json:"id,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Invite   json.RawMessage `json:"invite,omitempty"`
	Welcome  json.RawMessage `json:"welcome,omitempty"`

	// price reply fields
	OK    bool                  `json:"ok,omitempty"`
	Pairs map[string]pricePair  `json:"pairs,omitempty"`
	TS    int64                 `json:"ts,omitempty"`
	Error string                `json:"error,omitempty"`
}

// pricePair is one oracle pair entry; the median travels as a decimal
// string so the broker never forces float rounding on us.
type pricePair struct {
	Median string `json:"median"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Client is a websocket sidechannel client. All writes are serialized; the
// read loop runs on its own goroutine from Connect until Close.
type Client struct {
	brokerURL      string
	connectTimeout time.Duration
	signer         envelope.Signer
	log            zerolog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	msgs chan ports.SidechannelMessage

	pendingMu sync.Mutex
	pending   map[string]chan frame

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient builds a Client from the sidechannel section of the node
// config. signer provides the transport's sign() capability (spec §6),
// backed by the same identity key the envelopes use.
func NewClient(cfg config.SidechannelConfig, signer envelope.Signer, log zerolog.Logger) *Client {
	timeout := cfg.ConnectTimeout.Duration
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	return &Client{
		brokerURL:      cfg.BrokerURL,
		connectTimeout: timeout,
		signer:         signer,
		log:            log,
		msgs:           make(chan ports.SidechannelMessage, inboundBuffer),
		pending:        make(map[string]chan frame),
		closed:         make(chan struct{}),
	}
}

// Connect dials the broker and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.brokerURL, nil)
	if err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeTransportError, "sidechannel: dial broker", err)
	}
	c.conn = conn
	go c.readLoop()
	return nil
}

// Close tears the connection down and closes the message stream.
func (c *Client) Close(context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			err = c.conn.Close()
		}
	})
	return err
}

// Messages delivers inbound sidechannel_message events. The channel closes
// when the connection drops or Close is called.
func (c *Client) Messages() <-chan ports.SidechannelMessage {
	return c.msgs
}

// Join enters a channel, presenting invite/welcome capabilities when the
// channel is invite-gated.
func (c *Client) Join(ctx context.Context, channel string, invite, welcome []byte) error {
	return c.write(frame{Op: "join", Channel: channel, Invite: invite, Welcome: welcome})
}

// Leave exits a channel.
func (c *Client) Leave(ctx context.Context, channel string) error {
	return c.write(frame{Op: "leave", Channel: channel})
}

// Subscribe starts delivery for the given channels.
func (c *Client) Subscribe(ctx context.Context, channels []string) error {
	return c.write(frame{Op: "subscribe", Channels: channels})
}

// Send publishes a signed envelope to a channel. Fire-and-forget: a nil
// return means the frame was handed to the broker connection, not that any
// peer received it (spec §5 Backpressure).
func (c *Client) Send(ctx context.Context, channel string, env envelope.Envelope, invite, welcome []byte) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeTransportError, "sidechannel: marshal envelope", err)
	}
	return c.write(frame{Op: "send", Channel: channel, Payload: payload, Invite: invite, Welcome: welcome})
}

// Sign exposes the transport's signing capability (spec §6).
func (c *Client) Sign(payload []byte) (signerHex, sigHex string, err error) {
	return c.signer.Sign(payload)
}

// PriceGet asks the broker's embedded oracle for the current snapshot.
func (c *Client) PriceGet(ctx context.Context) (ports.PriceSnapshot, error) {
	id := uuid.NewString()
	reply := make(chan frame, 1)

	c.pendingMu.Lock()
	c.pending[id] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(frame{Op: "price_get", ID: id}); err != nil {
		return ports.PriceSnapshot{}, err
	}

	timer := time.NewTimer(priceReplyTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ports.PriceSnapshot{}, swaperrors.Wrap(swaperrors.ErrCodeCanceled, "sidechannel: price_get", ctx.Err())
	case <-c.closed:
		return ports.PriceSnapshot{}, swaperrors.New(swaperrors.ErrCodeTransportError, "sidechannel: connection closed")
	case <-timer.C:
		return ports.PriceSnapshot{}, swaperrors.New(swaperrors.ErrCodeTimeout, "sidechannel: price_get timed out")
	case f := <-reply:
		if !f.OK {
			return ports.PriceSnapshot{}, swaperrors.New(swaperrors.ErrCodeRPCError, "sidechannel: oracle error: "+f.Error)
		}
		snap := ports.PriceSnapshot{OK: true, Pairs: make(map[string]ports.PricePair, len(f.Pairs)), TSUnixMs: f.TS}
		for pair, p := range f.Pairs {
			entry := ports.PricePair{OK: p.OK, Error: p.Error}
			if p.OK {
				median, valid := new(big.Rat).SetString(p.Median)
				if !valid {
					entry = ports.PricePair{OK: false, Error: fmt.Sprintf("malformed median %q", p.Median)}
				} else {
					entry.Median = median
				}
			}
			snap.Pairs[pair] = entry
		}
		return snap, nil
	}
}

func (c *Client) write(f frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeTransportError, "sidechannel: marshal frame", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return swaperrors.New(swaperrors.ErrCodeTransportError, "sidechannel: not connected")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return swaperrors.Wrap(swaperrors.ErrCodeTransportError, "sidechannel: write frame", err)
	}
	return nil
}

// readLoop pumps broker frames: messages fan into the inbound stream,
// price replies resolve their waiting PriceGet call, everything else is
// dropped as untrusted noise.
func (c *Client) readLoop() {
	defer close(c.msgs)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn().Err(err).Msg("sidechannel.read_failed")
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Debug().Err(err).Msg("sidechannel.malformed_frame")
			continue
		}
		switch f.Op {
		case "message":
			select {
			case c.msgs <- ports.SidechannelMessage{Channel: f.Channel, Raw: f.Payload}:
			default:
				// Inbound overflow: drop rather than block the read loop;
				// the sender's resender covers liveness (spec §5).
				c.log.Warn().Str("channel", f.Channel).Msg("sidechannel.inbound_dropped")
			}
		case "price":
			c.pendingMu.Lock()
			reply, ok := c.pending[f.ID]
			c.pendingMu.Unlock()
			if ok {
				select {
				case reply <- f:
				default:
				}
			}
		default:
			c.log.Debug().Str("op", f.Op).Msg("sidechannel.unknown_op")
		}
	}
}
