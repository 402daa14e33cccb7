// Package client implements the subscriber/publisher side of the overlay:
// the connect handshake, a local mirror of the broker-held subscription
// list, and the pub/sub/direct/peer operations.
//
// Like the broker, a client is single-threaded and poll-driven; Connect is
// the only blocking call and it blocks by polling.
package client

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/juano2310/SuperCANBus-sub000/internal/bus"
	"github.com/juano2310/SuperCANBus-sub000/internal/logging"
	"github.com/juano2310/SuperCANBus-sub000/internal/observability"
	"github.com/juano2310/SuperCANBus-sub000/internal/protocol"
)

var (
	ErrNotConnected   = errors.New("client: not connected")
	ErrConnectTimeout = errors.New("client: connect timed out")
	ErrConnectRefused = errors.New("client: broker returned unassigned id")
	ErrNotPermanent   = errors.New("client: peer messaging requires a serial-backed id")
	ErrSerialTooLong  = errors.New("client: serial number exceeds 32 bytes")
)

type connState int

const (
	stateDisconnected connState = iota
	stateAwaitingID
	stateConnected
)

// Observers are invoked inline from the polling goroutine. Nil funcs are
// skipped.
type Observers struct {
	OnTopicData   func(topic string, hash uint16, payload []byte)
	OnPeerMessage func(senderID uint8, payload []byte)
	OnAck         func()
	OnPong        func(rtt time.Duration)
}

// Config carries the client's tunable timing constants.
type Config struct {
	// ConnectTimeout bounds the id handshake.
	ConnectTimeout time.Duration
	// RestoreGrace is how long a serial-bearing Connect keeps polling
	// after the id arrives, so the broker's asynchronous restore burst
	// is not dropped on the floor.
	RestoreGrace time.Duration
	// PeerDedupWindow swallows one immediately-repeated identical peer
	// message, absorbing broadcast self-echo.
	PeerDedupWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  5000 * time.Millisecond,
		RestoreGrace:    200 * time.Millisecond,
		PeerDedupWindow: 50 * time.Millisecond,
	}
}

// Client mirrors one node's view of the broker connection.
type Client struct {
	cfg       Config
	transport bus.Transport
	clk       clock.Clock
	codec     *protocol.Codec
	registry  *protocol.Registry
	observers Observers
	log       zerolog.Logger

	state  connState
	id     uint8
	serial string

	mirror map[uint16]struct{}

	pingSentAt  time.Time
	lastPeerAt  time.Time
	lastPeerSrc uint8
	lastPeerMsg []byte
}

type Option func(*Client)

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clk = clk }
}

func WithObservers(obs Observers) Option {
	return func(c *Client) { c.observers = obs }
}

func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

func New(transport bus.Transport, opts ...Option) *Client {
	c := &Client{
		cfg:       DefaultConfig(),
		transport: transport,
		clk:       clock.New(),
		registry:  protocol.NewRegistry(),
		log:       logging.Component("client"),
		state:     stateDisconnected,
		id:        protocol.UnassignedID,
		mirror:    make(map[uint16]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.codec = protocol.NewCodec(transport, c.clk, c.dispatch)
	return c
}

// Connect performs the id handshake. An empty serial requests a temporary
// id; a non-empty serial requests (or reclaims) a permanent one, and the
// call then holds a grace window open so any subscription-restore burst
// from the broker lands in the local mirror before Connect returns.
func (c *Client) Connect(ctx context.Context, serial string) error {
	if len(serial) > protocol.MaxSerialLen {
		return ErrSerialTooLong
	}
	c.mirror = make(map[uint16]struct{})
	c.id = protocol.UnassignedID
	c.serial = serial
	c.state = stateAwaitingID

	if err := c.codec.Encode(protocol.MsgIDRequest, protocol.UnassignedID, []byte(serial)); err != nil {
		c.state = stateDisconnected
		return err
	}

	deadline := c.clk.Now().Add(c.cfg.ConnectTimeout)
	for c.state == stateAwaitingID {
		if err := ctx.Err(); err != nil {
			c.state = stateDisconnected
			return err
		}
		if !c.clk.Now().Before(deadline) {
			c.state = stateDisconnected
			return ErrConnectTimeout
		}
		if !c.Poll() {
			c.clk.Sleep(time.Millisecond)
		}
	}
	if c.id == protocol.UnassignedID {
		c.state = stateDisconnected
		return ErrConnectRefused
	}

	if serial != "" {
		// The restore burst arrives asynchronously after the id
		// response; returning now would drop it.
		graceEnd := c.clk.Now().Add(c.cfg.RestoreGrace)
		for c.clk.Now().Before(graceEnd) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !c.Poll() {
				c.clk.Sleep(time.Millisecond)
			}
		}
	}
	c.log.Info().Uint8("id", c.id).Str("serial", serial).Msg("connected")
	return nil
}

// Poll processes at most one pending inbound frame.
func (c *Client) Poll() bool {
	f, ok := c.transport.Poll()
	if !ok {
		return false
	}
	observability.CountFrameReceived(f.Extended)
	c.codec.HandleFrame(f)
	return true
}

// Run polls until ctx is done, sleeping briefly when the bus is quiet.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !c.Poll() {
			c.clk.Sleep(time.Millisecond)
		}
	}
}

// ID returns the currently assigned id, or the unassigned sentinel.
func (c *Client) ID() uint8 {
	return c.id
}

// Connected reports whether the handshake has completed.
func (c *Client) Connected() bool {
	return c.state == stateConnected
}

// HasPermanentID reports whether this client holds a serial-backed id.
func (c *Client) HasPermanentID() bool {
	return protocol.IsPermanentID(c.id)
}

// Subscriptions returns the mirrored topic names, sorted.
func (c *Client) Subscriptions() []string {
	out := make([]string, 0, len(c.mirror))
	for hash := range c.mirror {
		out = append(out, c.registry.Name(hash))
	}
	sort.Strings(out)
	return out
}

// Subscribed reports whether the mirror holds topic.
func (c *Client) Subscribed(topic string) bool {
	_, ok := c.mirror[protocol.TopicHash(topic)]
	return ok
}

// Subscribe registers interest in topic with the broker and mirrors it
// locally. The topic name travels along so the broker can learn it.
func (c *Client) Subscribe(topic string) error {
	if c.state != stateConnected {
		return ErrNotConnected
	}
	hash, err := c.registry.Register(topic)
	if err != nil {
		return err
	}
	payload := make([]byte, 0, 2+len(topic))
	payload = append(payload, byte(hash>>8), byte(hash))
	payload = append(payload, topic...)
	if err := c.codec.Encode(protocol.MsgSubscribe, c.id, payload); err != nil {
		return err
	}
	c.mirror[hash] = struct{}{}
	return nil
}

// Unsubscribe withdraws interest in topic and updates the mirror.
func (c *Client) Unsubscribe(topic string) error {
	if c.state != stateConnected {
		return ErrNotConnected
	}
	hash := protocol.TopicHash(topic)
	if err := c.codec.Encode(protocol.MsgUnsubscribe, c.id, []byte{byte(hash >> 8), byte(hash)}); err != nil {
		return err
	}
	delete(c.mirror, hash)
	return nil
}

// Publish sends payload to every subscriber of topic, via the broker.
func (c *Client) Publish(topic string, payload []byte) error {
	if c.state != stateConnected {
		return ErrNotConnected
	}
	hash := protocol.TopicHash(topic)
	out := make([]byte, 0, 2+len(payload))
	out = append(out, byte(hash>>8), byte(hash))
	out = append(out, payload...)
	return c.codec.Encode(protocol.MsgPublish, c.id, out)
}

// SendDirectMessage sends payload to the broker, which acknowledges it.
func (c *Client) SendDirectMessage(payload []byte) error {
	if c.state != stateConnected {
		return ErrNotConnected
	}
	return c.codec.Encode(protocol.MsgDirect, c.id, payload)
}

// SendPeerMessage sends payload to another permanent client through the
// broker. A client without a permanent id fails locally, producing no bus
// traffic at all.
func (c *Client) SendPeerMessage(target uint8, payload []byte) error {
	if c.state != stateConnected {
		return ErrNotConnected
	}
	if !c.HasPermanentID() {
		return ErrNotPermanent
	}
	out := make([]byte, 0, 1+len(payload))
	out = append(out, target)
	out = append(out, payload...)
	return c.codec.Encode(protocol.MsgPeer, c.id, out)
}

// Ping measures broker round-trip time; the result arrives through the
// OnPong observer.
func (c *Client) Ping() error {
	if c.state != stateConnected {
		return ErrNotConnected
	}
	c.pingSentAt = c.clk.Now()
	return c.codec.Encode(protocol.MsgPing, protocol.BrokerID, []byte{c.id})
}

// dispatch handles one complete inbound logical message. Every handler
// filters on the addressing byte first: the bus is broadcast, so most of
// what a client sees is not for it.
func (c *Client) dispatch(msgType uint8, leading uint8, payload []byte) {
	switch msgType {
	case protocol.MsgIDResponse:
		c.handleIDResponse(leading, payload)
	case protocol.MsgTopicData:
		c.handleTopicData(leading, payload)
	case protocol.MsgSubRestore:
		c.handleSubRestore(leading, payload)
	case protocol.MsgPeerData:
		c.handlePeer(leading, payload)
	case protocol.MsgAck:
		c.handleAck(leading)
	case protocol.MsgPing:
		c.handlePing(leading, payload)
	case protocol.MsgPong:
		c.handlePong(leading, payload)
	}
}

// handleIDResponse accepts an id only while one is awaited and only when
// the echoed serial matches what this client asked with. Responses meant
// for other nodes differ in the echo and fall through silently.
func (c *Client) handleIDResponse(id uint8, payload []byte) {
	if c.state != stateAwaitingID || len(payload) < 1 {
		return
	}
	echoed := string(payload[1:])
	if echoed != c.serial {
		return
	}
	c.id = id
	c.state = stateConnected
}

func (c *Client) handleTopicData(target uint8, payload []byte) {
	if target != c.id || len(payload) < 2 {
		return
	}
	hash := uint16(payload[0])<<8 | uint16(payload[1])
	if c.observers.OnTopicData != nil {
		c.observers.OnTopicData(c.registry.Name(hash), hash, payload[2:])
	}
}

func (c *Client) handleSubRestore(target uint8, payload []byte) {
	if target != c.id || len(payload) < 2 {
		return
	}
	hash := uint16(payload[0])<<8 | uint16(payload[1])
	if len(payload) > 2 {
		if _, err := c.registry.Register(string(payload[2:])); err != nil {
			c.log.Warn().Err(err).Msg("restored topic name dropped")
		}
	}
	c.mirror[hash] = struct{}{}
	c.log.Debug().Str("topic", c.registry.Name(hash)).Msg("subscription restored")
}

// handlePeer delivers a forwarded peer message, swallowing one identical
// repeat inside the dedup window: lossy broadcast media can duplicate a
// datagram, and the overlay carries no sequence numbers to catch it with.
func (c *Client) handlePeer(target uint8, payload []byte) {
	if target != c.id || len(payload) < 1 {
		return
	}
	sender := payload[0]
	msg := payload[1:]
	now := c.clk.Now()
	if sender == c.lastPeerSrc &&
		bytes.Equal(msg, c.lastPeerMsg) &&
		now.Sub(c.lastPeerAt) <= c.cfg.PeerDedupWindow {
		c.lastPeerAt = time.Time{} // swallow once, not forever
		return
	}
	c.lastPeerSrc = sender
	c.lastPeerMsg = append(c.lastPeerMsg[:0], msg...)
	c.lastPeerAt = now
	if c.observers.OnPeerMessage != nil {
		c.observers.OnPeerMessage(sender, msg)
	}
}

func (c *Client) handleAck(target uint8) {
	if target != c.id {
		return
	}
	if c.observers.OnAck != nil {
		c.observers.OnAck()
	}
}

func (c *Client) handlePing(target uint8, payload []byte) {
	if target != c.id || len(payload) < 1 {
		return
	}
	if err := c.codec.Encode(protocol.MsgPong, protocol.BrokerID, []byte{c.id}); err != nil {
		c.log.Warn().Err(err).Msg("pong failed")
	}
}

func (c *Client) handlePong(target uint8, payload []byte) {
	if target != c.id || len(payload) < 1 || c.pingSentAt.IsZero() {
		return
	}
	rtt := c.clk.Now().Sub(c.pingSentAt)
	c.pingSentAt = time.Time{}
	if c.observers.OnPong != nil {
		c.observers.OnPong(rtt)
	}
}
