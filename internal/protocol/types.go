// Package protocol implements the pub/sub overlay wire contract: message
// types, topic hashing, and the fragmentation codec that lets logical
// messages up to 128 bytes ride a transport whose frames carry at most 8.
package protocol

import "errors"

// Message types. One per standard-frame identifier; fragmented variants
// carry the same value in the high byte of the extended identifier.
const (
	MsgIDRequest  uint8 = 0x10
	MsgIDResponse uint8 = 0x11

	MsgSubscribe   uint8 = 0x20
	MsgUnsubscribe uint8 = 0x21
	MsgPublish     uint8 = 0x22
	MsgTopicData   uint8 = 0x23
	MsgSubRestore  uint8 = 0x24

	// MsgPeer travels client->broker; the forwarded copy travels
	// broker->client as MsgPeerData. One type per direction, like
	// MsgPublish/MsgTopicData, so neither side reacts to its own
	// outbound traffic on echoing media.
	MsgDirect   uint8 = 0x30
	MsgAck      uint8 = 0x31
	MsgPeer     uint8 = 0x32
	MsgPeerData uint8 = 0x33

	MsgPing uint8 = 0x40
	MsgPong uint8 = 0x41
)

// Node identity space. The broker always holds BrokerID. Permanent ids are
// serial-number-backed and survive restarts; temporary ids are handed out
// per connection and never persisted.
const (
	BrokerID uint8 = 0

	PermanentIDFirst uint8 = 1
	PermanentIDLast  uint8 = 100

	TemporaryIDFirst uint8 = 101
	TemporaryIDLast  uint8 = 254

	UnassignedID uint8 = 0xFF
)

// Protocol limits.
const (
	MaxPayloadLen       = 128
	MaxTopicNameLen     = 32
	MaxSerialLen        = 32
	MaxTopics           = 20
	MaxSubscribersTopic = 10
	MaxClientTopics     = 10
)

var (
	ErrPayloadTooLarge  = errors.New("protocol: payload exceeds 128 bytes")
	ErrTopicNameTooLong = errors.New("protocol: topic name exceeds 32 bytes")
	ErrRegistryFull     = errors.New("protocol: topic registry full")
)

// IsPermanentID reports whether id falls in the serial-backed range.
func IsPermanentID(id uint8) bool {
	return id >= PermanentIDFirst && id <= PermanentIDLast
}

// IsTemporaryID reports whether id falls in the per-connection range.
func IsTemporaryID(id uint8) bool {
	return id >= TemporaryIDFirst && id <= TemporaryIDLast
}

// TypeName returns a printable name for a message type.
func TypeName(t uint8) string {
	switch t {
	case MsgIDRequest:
		return "id_request"
	case MsgIDResponse:
		return "id_response"
	case MsgSubscribe:
		return "subscribe"
	case MsgUnsubscribe:
		return "unsubscribe"
	case MsgPublish:
		return "publish"
	case MsgTopicData:
		return "topic_data"
	case MsgSubRestore:
		return "sub_restore"
	case MsgDirect:
		return "direct"
	case MsgAck:
		return "ack"
	case MsgPeer:
		return "peer"
	case MsgPeerData:
		return "peer_data"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	default:
		return "unknown"
	}
}
