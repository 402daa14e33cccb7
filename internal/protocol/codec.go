package protocol

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/juano2310/SuperCANBus-sub000/internal/bus"
	"github.com/juano2310/SuperCANBus-sub000/internal/logging"
	"github.com/juano2310/SuperCANBus-sub000/internal/observability"
)

// Fragmented messages travel in extended-identifier frames. The 29-bit
// identifier packs the message type, the fragment sequence number, and the
// fragment count:
//
//	type(8) << 21 | seq(8) << 13 | total(13)
//
// Frame 0 additionally carries the leading addressing byte as its first
// data byte, so its fragment holds at most 7 payload bytes; later frames
// hold up to 8.
const (
	firstFragCap = bus.MaxDataLen - 1
	maxFragSeq   = 0xFF
	maxFragTotal = 0x1FFF

	// DefaultInterFrameDelay paces fragment trains to bound bus load.
	DefaultInterFrameDelay = 5 * time.Millisecond

	// DefaultReassemblyTimeout evicts a part-received message once no
	// further fragment has arrived for this long. Silent discard: no
	// retransmission, no error to the peer.
	DefaultReassemblyTimeout = 1000 * time.Millisecond
)

// Handler consumes one complete logical message. leading is the addressing
// byte (sender or target id, depending on the message type).
type Handler func(msgType uint8, leading uint8, payload []byte)

type reassembly struct {
	leading uint8
	buf     []byte
	total   uint16
	last    time.Time
}

// Codec turns logical messages into frames and back. Decode keeps one
// reassembly slot per message type: concurrent multi-frame messages of
// different types no longer clobber each other, while two senders
// interleaving fragments of the same type still collide because nothing
// after frame 0 identifies the sender on the wire. A fresh frame 0 always
// resets its slot, silently discarding whatever was in flight there.
//
// Codec is not safe for concurrent use; the node's single polling
// goroutine owns it.
type Codec struct {
	transport bus.Transport
	clock     clock.Clock
	handler   Handler
	log       zerolog.Logger

	InterFrameDelay   time.Duration
	ReassemblyTimeout time.Duration

	slots map[uint8]*reassembly
}

func NewCodec(transport bus.Transport, clk clock.Clock, handler Handler) *Codec {
	if clk == nil {
		clk = clock.New()
	}
	return &Codec{
		transport:         transport,
		clock:             clk,
		handler:           handler,
		log:               logging.Component("codec"),
		InterFrameDelay:   DefaultInterFrameDelay,
		ReassemblyTimeout: DefaultReassemblyTimeout,
		slots:             make(map[uint8]*reassembly),
	}
}

// Encode sends one logical message, as a single standard frame when it
// fits, otherwise as a paced fragment train.
func (c *Codec) Encode(msgType uint8, leading uint8, payload []byte) error {
	if len(payload) > MaxPayloadLen {
		return ErrPayloadTooLarge
	}
	if 1+len(payload) <= bus.MaxDataLen {
		data := make([]byte, 0, bus.MaxDataLen)
		data = append(data, leading)
		data = append(data, payload...)
		return c.transport.SendStandard(uint16(msgType), data)
	}
	return c.encodeFragments(msgType, leading, payload)
}

func (c *Codec) encodeFragments(msgType uint8, leading uint8, payload []byte) error {
	total := 1 + (len(payload)-firstFragCap+bus.MaxDataLen-1)/bus.MaxDataLen
	if total > maxFragTotal {
		return ErrPayloadTooLarge
	}
	offset := 0
	for seq := 0; seq < total; seq++ {
		id := uint32(msgType)<<21 | uint32(seq&maxFragSeq)<<13 | uint32(total&maxFragTotal)

		var data []byte
		if seq == 0 {
			n := min(firstFragCap, len(payload))
			data = append([]byte{leading}, payload[:n]...)
			offset = n
		} else {
			n := min(bus.MaxDataLen, len(payload)-offset)
			data = payload[offset : offset+n]
			offset += n
		}
		if err := c.transport.SendExtended(id, data); err != nil {
			return err
		}
		observability.CountFragmentSent()
		if seq < total-1 && c.InterFrameDelay > 0 {
			c.clock.Sleep(c.InterFrameDelay)
		}
	}
	return nil
}

// HandleFrame feeds one inbound physical frame through the codec. Complete
// logical messages are dispatched to the handler inline. Malformed frames
// are dropped without notice.
func (c *Codec) HandleFrame(f bus.Frame) {
	if !f.Extended {
		if f.Len < 1 {
			return
		}
		data := f.Bytes()
		c.handler(uint8(f.ID), data[0], data[1:])
		return
	}

	msgType := uint8(f.ID >> 21)
	seq := uint16(f.ID>>13) & maxFragSeq
	total := uint16(f.ID) & maxFragTotal
	if total == 0 || seq >= total {
		return
	}

	now := c.clock.Now()
	slot := c.slots[msgType]
	if slot != nil && now.Sub(slot.last) > c.ReassemblyTimeout {
		c.log.Debug().
			Str("type", TypeName(msgType)).
			Int("buffered", len(slot.buf)).
			Msg("reassembly timed out")
		observability.CountReassemblyTimeout()
		delete(c.slots, msgType)
		slot = nil
	}

	data := f.Bytes()
	if seq == 0 {
		if len(data) < 1 {
			return
		}
		slot = &reassembly{
			leading: data[0],
			buf:     make([]byte, 0, MaxPayloadLen),
			total:   total,
		}
		c.slots[msgType] = slot
		data = data[1:]
	} else if slot == nil {
		// Mid-train fragment with no active reassembly. Drop.
		return
	}

	room := MaxPayloadLen - len(slot.buf)
	if len(data) > room {
		data = data[:room]
	}
	slot.buf = append(slot.buf, data...)
	slot.last = now

	if seq == slot.total-1 {
		c.handler(msgType, slot.leading, slot.buf)
		delete(c.slots, msgType)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
