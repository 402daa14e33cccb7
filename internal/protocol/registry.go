package protocol

import "fmt"

// TopicHash maps a topic name to its 16-bit wire identifier using the
// classic h = h*31 + b rolling hash. Collisions are possible and are not
// detected; the first name registered for a hash wins. Peers that only
// ever exchange hashes interoperate regardless.
func TopicHash(name string) uint16 {
	var h uint16
	for i := 0; i < len(name); i++ {
		h = h*31 + uint16(name[i])
	}
	return h
}

// Registry is a bounded bidirectional hash<->name table. Each node keeps
// one for pretty-printing and restore traffic; the broker additionally
// persists its contents.
type Registry struct {
	names map[uint16]string
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[uint16]string)}
}

// Register records name under its hash. Already-present hashes keep their
// existing name. Returns the hash in either case.
func (r *Registry) Register(name string) (uint16, error) {
	if len(name) > MaxTopicNameLen {
		return 0, ErrTopicNameTooLong
	}
	h := TopicHash(name)
	if _, ok := r.names[h]; ok {
		return h, nil
	}
	if len(r.names) >= MaxTopics {
		return h, ErrRegistryFull
	}
	r.names[h] = name
	return h, nil
}

// Name returns the registered name for hash, or a hex placeholder when the
// hash was never registered.
func (r *Registry) Name(hash uint16) string {
	if name, ok := r.names[hash]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", hash)
}

// Known reports whether hash has a registered name.
func (r *Registry) Known(hash uint16) bool {
	_, ok := r.names[hash]
	return ok
}

// Snapshot returns a copy of the table for persistence.
func (r *Registry) Snapshot() map[uint16]string {
	out := make(map[uint16]string, len(r.names))
	for h, n := range r.names {
		out[h] = n
	}
	return out
}
