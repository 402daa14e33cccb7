package bus

import "sync"

const defaultQueueDepth = 256

// MemBus is an in-process broadcast hub. Every frame sent through one
// endpoint is queued on every other endpoint (and on the sender too when
// self-echo is enabled, which mirrors transceivers that read back their
// own traffic). Queues are bounded; a full queue drops the frame rather
// than blocking the sender.
type MemBus struct {
	mu        sync.Mutex
	endpoints []*MemEndpoint
	selfEcho  bool
}

// MemEndpoint is one node's attachment to a MemBus.
type MemEndpoint struct {
	hub    *MemBus
	queue  chan Frame
	closed bool
}

func NewMemBus() *MemBus {
	return &MemBus{}
}

// SetSelfEcho controls whether senders receive their own frames.
func (b *MemBus) SetSelfEcho(on bool) {
	b.mu.Lock()
	b.selfEcho = on
	b.mu.Unlock()
}

// Attach adds a new endpoint to the hub.
func (b *MemBus) Attach() *MemEndpoint {
	ep := &MemEndpoint{
		hub:   b,
		queue: make(chan Frame, defaultQueueDepth),
	}
	b.mu.Lock()
	b.endpoints = append(b.endpoints, ep)
	b.mu.Unlock()
	return ep
}

func (b *MemBus) broadcast(from *MemEndpoint, f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ep := range b.endpoints {
		if ep == from && !b.selfEcho {
			continue
		}
		if ep.closed {
			continue
		}
		select {
		case ep.queue <- f:
		default:
			// Receiver overrun. Lossy medium, frame is gone.
		}
	}
}

func (ep *MemEndpoint) SendStandard(id uint16, data []byte) error {
	f, err := NewStandardFrame(id, data)
	if err != nil {
		return err
	}
	return ep.send(f)
}

func (ep *MemEndpoint) SendExtended(id uint32, data []byte) error {
	f, err := NewExtendedFrame(id, data)
	if err != nil {
		return err
	}
	return ep.send(f)
}

func (ep *MemEndpoint) send(f Frame) error {
	ep.hub.mu.Lock()
	closed := ep.closed
	ep.hub.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	ep.hub.broadcast(ep, f)
	return nil
}

func (ep *MemEndpoint) Poll() (Frame, bool) {
	select {
	case f := <-ep.queue:
		return f, true
	default:
		return Frame{}, false
	}
}

// Close detaches the endpoint; later sends fail and queued frames are kept
// readable until drained.
func (ep *MemEndpoint) Close() {
	ep.hub.mu.Lock()
	ep.closed = true
	ep.hub.mu.Unlock()
}
