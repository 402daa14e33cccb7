// Package broker implements the routing/identity-authority node of the
// overlay: subscription table, permanent/temporary id allocation backed by
// the persistence gateway, message routing, and the liveness monitor.
//
// Exactly one broker exists per bus; it always holds id 0. The broker is
// poll-driven: the run loop feeds it one frame at a time and ticks the
// liveness monitor, so none of its state needs locking.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/juano2310/SuperCANBus-sub000/internal/bus"
	"github.com/juano2310/SuperCANBus-sub000/internal/logging"
	"github.com/juano2310/SuperCANBus-sub000/internal/observability"
	"github.com/juano2310/SuperCANBus-sub000/internal/protocol"
	"github.com/juano2310/SuperCANBus-sub000/internal/store"
)

var (
	ErrUnknownClient = errors.New("broker: unknown client id")
	ErrSerialTaken   = errors.New("broker: serial bound to another id")
	ErrBadSerial     = errors.New("broker: invalid serial number")
	ErrNotPermanent  = errors.New("broker: id not in permanent range")
)

// Observers are invoked inline from the polling goroutine. Nil funcs are
// skipped.
type Observers struct {
	OnPublish          func(senderID uint8, topic string, payload []byte)
	OnDirectMessage    func(senderID uint8, payload []byte)
	OnClientConnect    func(clientID uint8, serial string)
	OnClientDisconnect func(clientID uint8, serial string)
}

// Config carries the tunable timing constants. The defaults match the
// reference deployment; none of them is load-bearing for correctness.
type Config struct {
	// RestoreSettleDelay is how long the broker waits after an id
	// response before replaying stored subscriptions, giving the client
	// time to enter its restore grace window.
	RestoreSettleDelay time.Duration
	// RestoreSpacing paces the replayed subscription burst.
	RestoreSpacing time.Duration
	// PublishSpacing paces per-subscriber publish fan-out.
	PublishSpacing time.Duration
	// BootProbeDelay is the settling delay before the post-boot liveness
	// probe of already-known clients.
	BootProbeDelay time.Duration
	// PingInterval and MaxMissedPings configure the liveness monitor
	// when no persisted configuration exists yet.
	PingInterval   time.Duration
	MaxMissedPings uint8
}

func DefaultConfig() Config {
	return Config{
		RestoreSettleDelay: 100 * time.Millisecond,
		RestoreSpacing:     15 * time.Millisecond,
		PublishSpacing:     10 * time.Millisecond,
		BootProbeDelay:     500 * time.Millisecond,
		PingInterval:       5000 * time.Millisecond,
		MaxMissedPings:     2,
	}
}

type identity struct {
	id         uint8
	serial     string
	registered bool
}

type subEntry struct {
	subscribers []uint8
}

type pingState struct {
	online       bool
	missed       uint8
	lastActivity time.Time
}

// Broker is the routing core. Construct with New, call Boot once, then
// either drive it manually (HandleFrame/Tick) or hand it a context via Run.
type Broker struct {
	cfg       Config
	transport bus.Transport
	gateway   store.Gateway
	clk       clock.Clock
	codec     *protocol.Codec
	registry  *protocol.Registry
	observers Observers
	log       zerolog.Logger

	identities map[uint8]*identity
	bySerial   map[string]uint8
	subs       map[uint16]*subEntry
	ping       map[uint8]*pingState
	tempInUse  map[uint8]bool
	nextTempID uint8
	nextPermID uint8

	livenessOn       bool
	pingInterval     time.Duration
	maxMissed        uint8
	nextPingAt       time.Time
	bootProbeAt      time.Time
	bootProbePending bool
}

// Option mutates broker construction.
type Option func(*Broker)

// WithClock substitutes the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(b *Broker) { b.clk = clk }
}

// WithObservers installs event callbacks.
func WithObservers(obs Observers) Option {
	return func(b *Broker) { b.observers = obs }
}

// WithConfig overrides timing constants.
func WithConfig(cfg Config) Option {
	return func(b *Broker) { b.cfg = cfg }
}

func New(transport bus.Transport, gateway store.Gateway, opts ...Option) *Broker {
	b := &Broker{
		cfg:        DefaultConfig(),
		transport:  transport,
		gateway:    gateway,
		clk:        clock.New(),
		registry:   protocol.NewRegistry(),
		log:        logging.Component("broker"),
		identities: make(map[uint8]*identity),
		bySerial:   make(map[string]uint8),
		subs:       make(map[uint16]*subEntry),
		ping:       make(map[uint8]*pingState),
		tempInUse:  make(map[uint8]bool),
		nextTempID: protocol.TemporaryIDFirst,
		nextPermID: protocol.PermanentIDFirst,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.codec = protocol.NewCodec(transport, b.clk, b.dispatch)
	b.pingInterval = b.cfg.PingInterval
	b.maxMissed = b.cfg.MaxMissedPings
	return b
}

// Boot loads persisted state and rebuilds the runtime subscription table so
// routing is correct before any client reconnects. If liveness monitoring
// was persisted enabled, a one-shot probe of every permanent client is
// scheduled after a settling delay to discover who is already alive.
func (b *Broker) Boot() {
	b.loadIdentities()
	b.loadSubscriptions()
	b.loadTopics()
	b.loadLiveness()

	if b.livenessOn {
		b.bootProbeAt = b.clk.Now().Add(b.cfg.BootProbeDelay)
		b.bootProbePending = true
	}
	b.log.Info().
		Int("clients", len(b.identities)).
		Int("topics", len(b.subs)).
		Bool("liveness", b.livenessOn).
		Msg("booted")
}

// Run drives the broker until ctx is done: one frame per iteration plus a
// liveness tick, with a short idle sleep when the bus is quiet. Closures
// arriving on ops run inside the loop, which is how other goroutines (the
// admin HTTP handlers) touch broker state without locks. A nil ops channel
// is fine.
func (b *Broker) Run(ctx context.Context, ops <-chan func(*Broker)) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-ops:
			op(b)
		default:
		}
		if f, ok := b.transport.Poll(); ok {
			b.HandleFrame(f)
		} else {
			b.clk.Sleep(time.Millisecond)
		}
		b.Tick()
	}
}

// HandleFrame feeds one raw inbound frame through the codec.
func (b *Broker) HandleFrame(f bus.Frame) {
	observability.CountFrameReceived(f.Extended)
	b.codec.HandleFrame(f)
}

// dispatch handles one complete logical message. The bus is broadcast, so
// the broker also sees its own traffic; broker-origin message types are
// ignored here, which is the broker's half of self-filtering.
func (b *Broker) dispatch(msgType uint8, leading uint8, payload []byte) {
	switch msgType {
	case protocol.MsgIDRequest:
		b.handleIDRequest(payload)
	case protocol.MsgSubscribe:
		b.handleSubscribe(leading, payload)
	case protocol.MsgUnsubscribe:
		b.handleUnsubscribe(leading, payload)
	case protocol.MsgPublish:
		b.handlePublish(leading, payload)
	case protocol.MsgDirect:
		b.handleDirect(leading, payload)
	case protocol.MsgPeer:
		b.handlePeer(leading, payload)
	case protocol.MsgPing:
		b.handlePing(leading, payload)
	case protocol.MsgPong:
		b.handlePong(leading, payload)
	}
}

func (b *Broker) handleSubscribe(sender uint8, payload []byte) {
	if len(payload) < 2 {
		return
	}
	b.markActivity(sender)
	hash := uint16(payload[0])<<8 | uint16(payload[1])
	if len(payload) > 2 {
		name := string(payload[2:])
		if _, err := b.registry.Register(name); err != nil {
			b.log.Warn().Err(err).Str("topic", name).Msg("topic not registered")
		} else {
			b.persistTopics()
		}
	}
	b.addSubscriber(sender, hash)
	b.persistClientSubs(sender)
	b.log.Debug().
		Uint8("client", sender).
		Str("topic", b.registry.Name(hash)).
		Msg("subscribed")
}

func (b *Broker) handleUnsubscribe(sender uint8, payload []byte) {
	if len(payload) < 2 {
		return
	}
	b.markActivity(sender)
	hash := uint16(payload[0])<<8 | uint16(payload[1])
	b.removeSubscriber(sender, hash)
	b.persistClientSubs(sender)
	b.log.Debug().
		Uint8("client", sender).
		Str("topic", b.registry.Name(hash)).
		Msg("unsubscribed")
}

func (b *Broker) handlePublish(sender uint8, payload []byte) {
	if len(payload) < 2 {
		return
	}
	b.markActivity(sender)
	hash := uint16(payload[0])<<8 | uint16(payload[1])
	data := payload[2:]
	topic := b.registry.Name(hash)

	if b.observers.OnPublish != nil {
		b.observers.OnPublish(sender, topic, data)
	}

	entry, ok := b.subs[hash]
	if !ok {
		return
	}
	out := make([]byte, 0, 2+len(data))
	out = append(out, payload[0], payload[1])
	out = append(out, data...)
	for i, sub := range entry.subscribers {
		if i > 0 {
			b.pause(b.cfg.PublishSpacing)
		}
		if err := b.codec.Encode(protocol.MsgTopicData, sub, out); err != nil {
			b.log.Warn().Err(err).Uint8("subscriber", sub).Msg("forward failed")
			continue
		}
		observability.CountPublishRouted()
	}
}

func (b *Broker) handleDirect(sender uint8, payload []byte) {
	b.markActivity(sender)
	if b.observers.OnDirectMessage != nil {
		b.observers.OnDirectMessage(sender, payload)
	}
	// Fixed 3-byte acknowledgment addressed back at the sender.
	if err := b.codec.Encode(protocol.MsgAck, sender, []byte("OK")); err != nil {
		b.log.Warn().Err(err).Uint8("client", sender).Msg("ack failed")
	}
}

// handlePeer forwards sender->target traffic, but only between clients that
// both hold permanent registered ids. Anything else is dropped without a
// response: peer messaging is a capability of registered clients, not a
// routing error.
func (b *Broker) handlePeer(sender uint8, payload []byte) {
	if len(payload) < 1 {
		return
	}
	b.markActivity(sender)
	target := payload[0]
	if !b.isRegisteredPermanent(sender) || !b.isRegisteredPermanent(target) {
		observability.CountPeerDropped()
		return
	}
	out := make([]byte, 0, len(payload))
	out = append(out, sender)
	out = append(out, payload[1:]...)
	if err := b.codec.Encode(protocol.MsgPeerData, target, out); err != nil {
		b.log.Warn().Err(err).Uint8("target", target).Msg("peer forward failed")
	}
}

func (b *Broker) handlePing(target uint8, payload []byte) {
	if target != protocol.BrokerID || len(payload) < 1 {
		return
	}
	sender := payload[0]
	b.markActivity(sender)
	if err := b.codec.Encode(protocol.MsgPong, sender, []byte{protocol.BrokerID}); err != nil {
		b.log.Warn().Err(err).Uint8("client", sender).Msg("pong failed")
	}
}

func (b *Broker) handlePong(target uint8, payload []byte) {
	if target != protocol.BrokerID || len(payload) < 1 {
		return
	}
	b.markActivity(payload[0])
}

func (b *Broker) isRegisteredPermanent(id uint8) bool {
	if !protocol.IsPermanentID(id) {
		return false
	}
	ident, ok := b.identities[id]
	return ok && ident.registered
}

func (b *Broker) addSubscriber(id uint8, hash uint16) {
	// The broker id and the unassigned sentinel never subscribe.
	if id == protocol.BrokerID || id == protocol.UnassignedID {
		return
	}
	entry, ok := b.subs[hash]
	if !ok {
		entry = &subEntry{}
		b.subs[hash] = entry
	}
	for _, sub := range entry.subscribers {
		if sub == id {
			return
		}
	}
	if len(entry.subscribers) >= protocol.MaxSubscribersTopic {
		b.log.Warn().Uint8("client", id).Uint16("hash", hash).Msg("topic subscriber table full")
		return
	}
	entry.subscribers = append(entry.subscribers, id)
}

// removeSubscriber drops id from the topic entry; the last subscriber
// takes the entry with it.
func (b *Broker) removeSubscriber(id uint8, hash uint16) {
	entry, ok := b.subs[hash]
	if !ok {
		return
	}
	for i, sub := range entry.subscribers {
		if sub == id {
			entry.subscribers = append(entry.subscribers[:i], entry.subscribers[i+1:]...)
			break
		}
	}
	if len(entry.subscribers) == 0 {
		delete(b.subs, hash)
	}
}

// pause is a blocking wait that tolerates zeroed-out test configs.
func (b *Broker) pause(d time.Duration) {
	if d > 0 {
		b.clk.Sleep(d)
	}
}

func (b *Broker) subscribedTopics(id uint8) []uint16 {
	var out []uint16
	for hash, entry := range b.subs {
		for _, sub := range entry.subscribers {
			if sub == id {
				out = append(out, hash)
				break
			}
		}
	}
	return out
}
