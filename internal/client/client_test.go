package client

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juano2310/SuperCANBus-sub000/internal/broker"
	"github.com/juano2310/SuperCANBus-sub000/internal/bus"
	"github.com/juano2310/SuperCANBus-sub000/internal/protocol"
	"github.com/juano2310/SuperCANBus-sub000/internal/store"
	"github.com/juano2310/SuperCANBus-sub000/internal/testutil/testlog"
)

// harness wires a live broker and an in-memory bus, pumping the broker on
// its own goroutine the way the daemon's run loop would.
type harness struct {
	bus     *bus.MemBus
	gateway *store.MemStore
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

func newHarness(t *testing.T) *harness {
	return newEchoHarness(t, false)
}

// newEchoHarness optionally turns on transceiver-style self-echo, so every
// node also receives its own frames.
func newEchoHarness(t *testing.T, selfEcho bool) *harness {
	t.Helper()
	h := &harness{
		bus:     bus.NewMemBus(),
		gateway: store.NewMemStore(),
	}
	h.bus.SetSelfEcho(selfEcho)
	h.startBroker(t)
	t.Cleanup(h.Stop)
	return h
}

func (h *harness) startBroker(t *testing.T) {
	t.Helper()
	cfg := broker.DefaultConfig()
	cfg.RestoreSettleDelay = 20 * time.Millisecond
	cfg.RestoreSpacing = time.Millisecond
	cfg.PublishSpacing = time.Millisecond
	b := broker.New(h.bus.Attach(), h.gateway, broker.WithConfig(cfg))
	b.Boot()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done.Add(1)
	go func() {
		defer h.done.Done()
		b.Run(ctx, nil)
	}()
}

func (h *harness) Stop() {
	h.cancel()
	h.done.Wait()
}

func (h *harness) client(opts ...Option) *Client {
	return New(h.bus.Attach(), opts...)
}

func testConfig() Config {
	return Config{
		ConnectTimeout:  2 * time.Second,
		RestoreGrace:    150 * time.Millisecond,
		PeerDedupWindow: 50 * time.Millisecond,
	}
}

// pumpUntil polls c until cond holds or the deadline passes.
func pumpUntil(t *testing.T, c *Client, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		if !c.Poll() {
			time.Sleep(time.Millisecond)
		}
	}
	return cond()
}

func TestConnectAssignsTemporaryID(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	c := h.client(WithConfig(testConfig()))

	if err := c.Connect(context.Background(), ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.Connected() {
		t.Fatalf("client not connected")
	}
	if !protocol.IsTemporaryID(c.ID()) {
		t.Fatalf("id %d not in temporary range", c.ID())
	}
	if c.HasPermanentID() {
		t.Fatalf("temporary client claims a permanent id")
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	c := h.client(WithConfig(testConfig()))

	if err := c.Subscribe("a/b"); err != ErrNotConnected {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Publish("a/b", nil); err != ErrNotConnected {
		t.Fatalf("publish: %v", err)
	}
	if err := c.SendPeerMessage(1, nil); err != ErrNotConnected {
		t.Fatalf("peer: %v", err)
	}
}

// A fragmented handshake: the serial is far past single-frame capacity in
// both directions.
func TestConnectWithLongSerial(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	c := h.client(WithConfig(testConfig()))

	const serial = "SENSOR-NODE-ALPHA-0001"
	if err := c.Connect(context.Background(), serial); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.HasPermanentID() {
		t.Fatalf("serial-backed connect yielded id %d", c.ID())
	}
}

func TestReconnectRestoresSubscriptionMirror(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	c1 := h.client(WithConfig(testConfig()))
	if err := c1.Connect(context.Background(), "S1"); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	firstID := c1.ID()
	if err := c1.Subscribe("a/b"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Give the broker a moment to process and persist.
	time.Sleep(50 * time.Millisecond)

	// "Restart": a brand-new client instance with the same serial. The
	// broker replays the stored subscription during the grace window, so
	// the mirror fills in without any subscribe call.
	c2 := h.client(WithConfig(testConfig()))
	if err := c2.Connect(context.Background(), "S1"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if c2.ID() != firstID {
		t.Fatalf("reconnect changed id: %d -> %d", firstID, c2.ID())
	}
	if !c2.Subscribed("a/b") {
		t.Fatalf("mirror missing restored subscription; have %v", c2.Subscriptions())
	}
	if subs := c2.Subscriptions(); len(subs) != 1 || subs[0] != "a/b" {
		t.Fatalf("restored mirror wrong: %v", subs)
	}
}

func TestIDResponseSelfFiltering(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	// Two clients handshake at the same time on the same broadcast bus;
	// each must pick out its own response by the echoed serial.
	ca := h.client(WithConfig(testConfig()))
	cb := h.client(WithConfig(testConfig()))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = ca.Connect(context.Background(), "SA") }()
	go func() { defer wg.Done(); errs[1] = cb.Connect(context.Background(), "SB") }()
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("connect errors: %v %v", errs[0], errs[1])
	}
	if ca.ID() == cb.ID() {
		t.Fatalf("clients share id %d", ca.ID())
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	var mu sync.Mutex
	var gotTopic string
	var gotPayload []byte
	sub := h.client(WithConfig(testConfig()), WithObservers(Observers{
		OnTopicData: func(topic string, hash uint16, payload []byte) {
			mu.Lock()
			gotTopic = topic
			gotPayload = append([]byte(nil), payload...)
			mu.Unlock()
		},
	}))
	if err := sub.Connect(context.Background(), "SUB1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := sub.Subscribe("engine/rpm"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	pub := h.client(WithConfig(testConfig()))
	if err := pub.Connect(context.Background(), ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := pub.Publish("engine/rpm", []byte("4250")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ok := pumpUntil(t, sub, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotPayload != nil
	})
	if !ok {
		t.Fatalf("publish never delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotTopic != "engine/rpm" || !bytes.Equal(gotPayload, []byte("4250")) {
		t.Fatalf("delivered topic=%q payload=%q", gotTopic, gotPayload)
	}
}

func TestPeerMessagingRequiresPermanentIDs(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	var mu sync.Mutex
	var gotSender uint8
	var gotMsgs [][]byte
	a := h.client(WithConfig(testConfig()))
	b := h.client(WithConfig(testConfig()), WithObservers(Observers{
		OnPeerMessage: func(sender uint8, payload []byte) {
			mu.Lock()
			gotSender = sender
			gotMsgs = append(gotMsgs, append([]byte(nil), payload...))
			mu.Unlock()
		},
	}))
	temp := h.client(WithConfig(testConfig()))

	if err := a.Connect(context.Background(), "PA"); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if err := b.Connect(context.Background(), "PB"); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if err := temp.Connect(context.Background(), ""); err != nil {
		t.Fatalf("connect temp: %v", err)
	}

	// Temporary sender fails locally: error, zero wire traffic.
	if err := temp.SendPeerMessage(b.ID(), []byte("nope")); err != ErrNotPermanent {
		t.Fatalf("expected ErrNotPermanent, got %v", err)
	}

	// Permanent -> permanent is delivered with the sender id attached.
	if err := a.SendPeerMessage(b.ID(), []byte("hello")); err != nil {
		t.Fatalf("peer send: %v", err)
	}
	ok := pumpUntil(t, b, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotMsgs) > 0
	})
	if !ok {
		t.Fatalf("peer message never delivered")
	}
	mu.Lock()
	if gotSender != a.ID() || !bytes.Equal(gotMsgs[0], []byte("hello")) {
		t.Fatalf("peer delivery wrong: sender=%d msg=%q", gotSender, gotMsgs[0])
	}
	mu.Unlock()

	// Permanent -> temporary is silently dropped by the broker.
	if err := a.SendPeerMessage(temp.ID(), []byte("void")); err != nil {
		t.Fatalf("peer send: %v", err)
	}
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !temp.Poll() {
			time.Sleep(time.Millisecond)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(gotMsgs) != 1 {
		t.Fatalf("unexpected extra peer deliveries: %d", len(gotMsgs))
	}
}

func TestPeerEchoDeduplication(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	var mu sync.Mutex
	var delivered int
	a := h.client(WithConfig(testConfig()))
	b := h.client(WithConfig(testConfig()), WithObservers(Observers{
		OnPeerMessage: func(uint8, []byte) {
			mu.Lock()
			delivered++
			mu.Unlock()
		},
	}))
	if err := a.Connect(context.Background(), "DA"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := b.Connect(context.Background(), "DB"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Three identical sends back to back: the first lands, the second is
	// swallowed as echo, the third lands again because the dedup only
	// absorbs one repeat.
	for i := 0; i < 3; i++ {
		if err := a.SendPeerMessage(b.ID(), []byte("dup")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return delivered
	}
	pumpUntil(t, b, 500*time.Millisecond, func() bool { return count() >= 2 })
	time.Sleep(20 * time.Millisecond)
	for b.Poll() {
	}
	if got := count(); got != 2 {
		t.Fatalf("delivered %d of 3 identical messages, want 2", got)
	}
}

// With self-echo on, every node also hears its own frames. The full flow
// must still behave: the sender of a peer message never delivers it to
// itself, and the target receives it exactly once.
func TestSelfEchoPeerFlow(t *testing.T) {
	testlog.Start(t)
	h := newEchoHarness(t, true)

	var mu sync.Mutex
	senderHits, targetHits := 0, 0
	a := h.client(WithConfig(testConfig()), WithObservers(Observers{
		OnPeerMessage: func(uint8, []byte) {
			mu.Lock()
			senderHits++
			mu.Unlock()
		},
	}))
	b := h.client(WithConfig(testConfig()), WithObservers(Observers{
		OnPeerMessage: func(uint8, []byte) {
			mu.Lock()
			targetHits++
			mu.Unlock()
		},
	}))
	if err := a.Connect(context.Background(), "EA"); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if err := b.Connect(context.Background(), "EB"); err != nil {
		t.Fatalf("connect b: %v", err)
	}

	if err := a.SendPeerMessage(b.ID(), []byte("once")); err != nil {
		t.Fatalf("send: %v", err)
	}
	hits := func() (int, int) {
		mu.Lock()
		defer mu.Unlock()
		return senderHits, targetHits
	}
	pumpUntil(t, b, time.Second, func() bool { _, tgt := hits(); return tgt >= 1 })

	// Keep both sides draining well past any forwarding so a re-forward
	// loop or a self-delivery would show up.
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		drained := a.Poll()
		if b.Poll() {
			drained = true
		}
		if !drained {
			time.Sleep(time.Millisecond)
		}
	}
	snd, tgt := hits()
	if tgt != 1 {
		t.Fatalf("target delivered %d times, want exactly 1", tgt)
	}
	if snd != 0 {
		t.Fatalf("sender delivered its own message to itself %d times", snd)
	}
}

func TestSelfEchoPublishFlow(t *testing.T) {
	testlog.Start(t)
	h := newEchoHarness(t, true)

	var mu sync.Mutex
	subHits, pubHits := 0, 0
	sub := h.client(WithConfig(testConfig()), WithObservers(Observers{
		OnTopicData: func(string, uint16, []byte) {
			mu.Lock()
			subHits++
			mu.Unlock()
		},
	}))
	pub := h.client(WithConfig(testConfig()), WithObservers(Observers{
		OnTopicData: func(string, uint16, []byte) {
			mu.Lock()
			pubHits++
			mu.Unlock()
		},
	}))
	if err := sub.Connect(context.Background(), "ES"); err != nil {
		t.Fatalf("connect sub: %v", err)
	}
	if err := pub.Connect(context.Background(), "EP"); err != nil {
		t.Fatalf("connect pub: %v", err)
	}
	if err := sub.Subscribe("echo/t"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := pub.Publish("echo/t", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		drained := sub.Poll()
		if pub.Poll() {
			drained = true
		}
		if !drained {
			time.Sleep(time.Millisecond)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if subHits != 1 {
		t.Fatalf("subscriber delivered %d times, want exactly 1", subHits)
	}
	if pubHits != 0 {
		t.Fatalf("publisher delivered its own publish to itself %d times", pubHits)
	}
}

func TestPingRoundTrip(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	var mu sync.Mutex
	var rtt time.Duration
	c := h.client(WithConfig(testConfig()), WithObservers(Observers{
		OnPong: func(d time.Duration) {
			mu.Lock()
			rtt = d
			mu.Unlock()
		},
	}))
	if err := c.Connect(context.Background(), ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	ok := pumpUntil(t, c, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rtt > 0
	})
	if !ok {
		t.Fatalf("pong never arrived")
	}
}
