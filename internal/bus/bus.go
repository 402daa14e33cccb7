// Package bus is the physical transport boundary: one raw CAN-style frame
// in, one out. Implementations broadcast every frame to every attached
// node; there is no point-to-point addressing below this package.
package bus

import "errors"

const (
	// MaxDataLen is the payload capacity of one physical frame.
	MaxDataLen = 8

	// StandardIDMask and ExtendedIDMask bound the 11-bit and 29-bit
	// identifier spaces.
	StandardIDMask uint32 = 0x7FF
	ExtendedIDMask uint32 = 0x1FFFFFFF
)

var (
	ErrDataTooLong = errors.New("bus: frame data exceeds 8 bytes")
	ErrBusClosed   = errors.New("bus: transport closed")
)

// Frame is one physical frame as seen on the wire.
type Frame struct {
	Extended bool
	ID       uint32
	Data     [MaxDataLen]byte
	Len      uint8
}

// NewStandardFrame builds an 11-bit-identifier frame.
func NewStandardFrame(id uint16, data []byte) (Frame, error) {
	return newFrame(false, uint32(id)&StandardIDMask, data)
}

// NewExtendedFrame builds a 29-bit-identifier frame.
func NewExtendedFrame(id uint32, data []byte) (Frame, error) {
	return newFrame(true, id&ExtendedIDMask, data)
}

func newFrame(extended bool, id uint32, data []byte) (Frame, error) {
	if len(data) > MaxDataLen {
		return Frame{}, ErrDataTooLong
	}
	f := Frame{Extended: extended, ID: id, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f, nil
}

// Bytes returns the occupied portion of the frame payload.
func (f Frame) Bytes() []byte {
	return f.Data[:f.Len]
}

// Transport sends and receives single frames on a shared broadcast medium.
//
// Poll is non-blocking: it returns at most one pending inbound frame per
// call. Nodes drive it from their run loop, one frame per iteration.
type Transport interface {
	SendStandard(id uint16, data []byte) error
	SendExtended(id uint32, data []byte) error
	Poll() (Frame, bool)
}
