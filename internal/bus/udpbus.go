package bus

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/juano2310/SuperCANBus-sub000/internal/logging"
)

// UDPBus carries one frame per UDP multicast datagram so broker and
// clients can share a bus across processes. Wire layout:
//
//	[0]    flags, bit0 = extended identifier
//	[1:5]  identifier, big-endian
//	[5]    data length
//	[6:..] data
//
// Multicast loopback means a sender usually receives its own datagrams;
// the protocol layer is built to self-filter, so that is fine and even
// useful for exercising the echo paths.
const udpHeaderLen = 6

const flagExtended = 0x01

var ErrBadDatagram = errors.New("bus: malformed datagram")

type UDPBus struct {
	group *net.UDPAddr
	recv  *net.UDPConn
	send  *net.UDPConn
	queue chan Frame
	log   zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// DialUDP joins the multicast group and starts the inbound pump.
func DialUDP(group string) (*UDPBus, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("bus: resolve group %q: %w", group, err)
	}
	recv, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("bus: join group %q: %w", group, err)
	}
	send, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		recv.Close()
		return nil, fmt.Errorf("bus: dial group %q: %w", group, err)
	}
	b := &UDPBus{
		group: addr,
		recv:  recv,
		send:  send,
		queue: make(chan Frame, defaultQueueDepth),
		log:   logging.Component("udpbus"),
		done:  make(chan struct{}),
	}
	go b.pump()
	return b, nil
}

func (b *UDPBus) pump() {
	buf := make([]byte, udpHeaderLen+MaxDataLen)
	for {
		n, _, err := b.recv.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			b.log.Warn().Err(err).Msg("read failed")
			continue
		}
		f, err := decodeDatagram(buf[:n])
		if err != nil {
			b.log.Debug().Err(err).Int("len", n).Msg("dropping datagram")
			continue
		}
		select {
		case b.queue <- f:
		default:
			// Receiver overrun, frame lost. Same deal as a real bus.
		}
	}
}

func (b *UDPBus) SendStandard(id uint16, data []byte) error {
	f, err := NewStandardFrame(id, data)
	if err != nil {
		return err
	}
	return b.write(f)
}

func (b *UDPBus) SendExtended(id uint32, data []byte) error {
	f, err := NewExtendedFrame(id, data)
	if err != nil {
		return err
	}
	return b.write(f)
}

func (b *UDPBus) write(f Frame) error {
	if _, err := b.send.Write(encodeDatagram(f)); err != nil {
		return fmt.Errorf("bus: send: %w", err)
	}
	return nil
}

func (b *UDPBus) Poll() (Frame, bool) {
	select {
	case f := <-b.queue:
		return f, true
	default:
		return Frame{}, false
	}
}

func (b *UDPBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.recv.Close()
		b.send.Close()
	})
	return nil
}

func encodeDatagram(f Frame) []byte {
	out := make([]byte, udpHeaderLen+int(f.Len))
	if f.Extended {
		out[0] = flagExtended
	}
	out[1] = byte(f.ID >> 24)
	out[2] = byte(f.ID >> 16)
	out[3] = byte(f.ID >> 8)
	out[4] = byte(f.ID)
	out[5] = f.Len
	copy(out[udpHeaderLen:], f.Bytes())
	return out
}

func decodeDatagram(b []byte) (Frame, error) {
	if len(b) < udpHeaderLen {
		return Frame{}, ErrBadDatagram
	}
	dataLen := int(b[5])
	if dataLen > MaxDataLen || len(b) != udpHeaderLen+dataLen {
		return Frame{}, ErrBadDatagram
	}
	id := uint32(b[1])<<24 | uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4])
	extended := b[0]&flagExtended != 0
	if extended {
		return NewExtendedFrame(id, b[udpHeaderLen:])
	}
	return NewStandardFrame(uint16(id), b[udpHeaderLen:])
}
