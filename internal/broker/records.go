package broker

import (
	"encoding/binary"
	"errors"

	"github.com/juano2310/SuperCANBus-sub000/internal/protocol"
)

// Persisted table layouts. Every table starts with its own magic number so
// a load can tell valid data from a never-written or foreign blob; records
// after the magic are fixed-size, big-endian. Layouts are stable across
// releases because brokers read them back after restarts.
const (
	keyClients  = "clients"
	keySubs     = "subs"
	keyTopics   = "topics"
	keyLiveness = "liveness"

	magicClients  uint32 = 0xCA5B1D01
	magicSubs     uint32 = 0xCA5B5B02
	magicTopics   uint32 = 0xCA5B7003
	magicLiveness uint32 = 0xCA5BA104

	clientRecLen   = 1 + protocol.MaxSerialLen + 1
	subRecLen      = 1 + 1 + 2*protocol.MaxClientTopics
	topicRecLen    = 2 + protocol.MaxTopicNameLen
	livenessRecLen = 1 + 4 + 1
)

var errBadTable = errors.New("broker: bad persisted table")

type clientRecord struct {
	id         uint8
	serial     string
	registered bool
}

type subsRecord struct {
	clientID uint8
	topics   []uint16
}

type topicRecord struct {
	hash uint16
	name string
}

type livenessRecord struct {
	enabled    bool
	intervalMs uint32
	maxMissed  uint8
}

func encodeClients(recs []clientRecord) []byte {
	out := make([]byte, 4, 4+len(recs)*clientRecLen)
	binary.BigEndian.PutUint32(out, magicClients)
	for _, r := range recs {
		entry := make([]byte, clientRecLen)
		entry[0] = r.id
		copy(entry[1:1+protocol.MaxSerialLen], r.serial)
		if r.registered {
			entry[clientRecLen-1] = 1
		}
		out = append(out, entry...)
	}
	return out
}

func decodeClients(raw []byte) ([]clientRecord, error) {
	body, err := checkTable(raw, magicClients, clientRecLen)
	if err != nil {
		return nil, err
	}
	recs := make([]clientRecord, 0, len(body)/clientRecLen)
	for off := 0; off < len(body); off += clientRecLen {
		entry := body[off : off+clientRecLen]
		recs = append(recs, clientRecord{
			id:         entry[0],
			serial:     trimSerial(entry[1 : 1+protocol.MaxSerialLen]),
			registered: entry[clientRecLen-1] != 0,
		})
	}
	return recs, nil
}

func encodeSubs(recs []subsRecord) []byte {
	out := make([]byte, 4, 4+len(recs)*subRecLen)
	binary.BigEndian.PutUint32(out, magicSubs)
	for _, r := range recs {
		entry := make([]byte, subRecLen)
		entry[0] = r.clientID
		n := len(r.topics)
		if n > protocol.MaxClientTopics {
			n = protocol.MaxClientTopics
		}
		entry[1] = uint8(n)
		for i := 0; i < n; i++ {
			binary.BigEndian.PutUint16(entry[2+2*i:], r.topics[i])
		}
		out = append(out, entry...)
	}
	return out
}

func decodeSubs(raw []byte) ([]subsRecord, error) {
	body, err := checkTable(raw, magicSubs, subRecLen)
	if err != nil {
		return nil, err
	}
	recs := make([]subsRecord, 0, len(body)/subRecLen)
	for off := 0; off < len(body); off += subRecLen {
		entry := body[off : off+subRecLen]
		count := int(entry[1])
		if count > protocol.MaxClientTopics {
			count = protocol.MaxClientTopics
		}
		topics := make([]uint16, count)
		for i := 0; i < count; i++ {
			topics[i] = binary.BigEndian.Uint16(entry[2+2*i:])
		}
		recs = append(recs, subsRecord{clientID: entry[0], topics: topics})
	}
	return recs, nil
}

func encodeTopics(recs []topicRecord) []byte {
	out := make([]byte, 4, 4+len(recs)*topicRecLen)
	binary.BigEndian.PutUint32(out, magicTopics)
	for _, r := range recs {
		entry := make([]byte, topicRecLen)
		binary.BigEndian.PutUint16(entry, r.hash)
		copy(entry[2:], r.name)
		out = append(out, entry...)
	}
	return out
}

func decodeTopics(raw []byte) ([]topicRecord, error) {
	body, err := checkTable(raw, magicTopics, topicRecLen)
	if err != nil {
		return nil, err
	}
	recs := make([]topicRecord, 0, len(body)/topicRecLen)
	for off := 0; off < len(body); off += topicRecLen {
		entry := body[off : off+topicRecLen]
		recs = append(recs, topicRecord{
			hash: binary.BigEndian.Uint16(entry),
			name: trimSerial(entry[2:]),
		})
	}
	return recs, nil
}

func encodeLiveness(r livenessRecord) []byte {
	out := make([]byte, 4+livenessRecLen)
	binary.BigEndian.PutUint32(out, magicLiveness)
	if r.enabled {
		out[4] = 1
	}
	binary.BigEndian.PutUint32(out[5:], r.intervalMs)
	out[9] = r.maxMissed
	return out
}

func decodeLiveness(raw []byte) (livenessRecord, error) {
	body, err := checkTable(raw, magicLiveness, livenessRecLen)
	if err != nil {
		return livenessRecord{}, err
	}
	if len(body) != livenessRecLen {
		return livenessRecord{}, errBadTable
	}
	return livenessRecord{
		enabled:    body[0] != 0,
		intervalMs: binary.BigEndian.Uint32(body[1:]),
		maxMissed:  body[5],
	}, nil
}

func checkTable(raw []byte, magic uint32, recLen int) ([]byte, error) {
	if len(raw) < 4 || binary.BigEndian.Uint32(raw) != magic {
		return nil, errBadTable
	}
	body := raw[4:]
	if len(body)%recLen != 0 {
		return nil, errBadTable
	}
	return body, nil
}

func trimSerial(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
