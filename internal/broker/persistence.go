package broker

import (
	"sort"
	"time"

	"github.com/juano2310/SuperCANBus-sub000/internal/protocol"
)

// Loads tolerate a missing or foreign blob (first boot, wiped flash): the
// table simply starts empty. Writes happen only on state-changing
// operations, never per publish, to bound wear on flash-backed gateways;
// a failed write is logged and the in-memory state stays authoritative.

func (b *Broker) loadIdentities() {
	raw, ok := b.gateway.Get(keyClients)
	if !ok {
		return
	}
	recs, err := decodeClients(raw)
	if err != nil {
		b.log.Warn().Err(err).Msg("client table ignored")
		return
	}
	for _, r := range recs {
		if !protocol.IsPermanentID(r.id) || r.serial == "" {
			continue
		}
		b.identities[r.id] = &identity{id: r.id, serial: r.serial, registered: r.registered}
		b.bySerial[r.serial] = r.id
	}
}

func (b *Broker) persistIdentities() {
	recs := make([]clientRecord, 0, len(b.identities))
	for _, ident := range b.identities {
		recs = append(recs, clientRecord{id: ident.id, serial: ident.serial, registered: ident.registered})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].id < recs[j].id })
	if err := b.gateway.Put(keyClients, encodeClients(recs)); err != nil {
		b.log.Error().Err(err).Msg("persist clients failed")
	}
}

// loadSubscriptions rebuilds the runtime routing table from the persisted
// per-client sets, so publishes route correctly before clients reconnect.
func (b *Broker) loadSubscriptions() {
	raw, ok := b.gateway.Get(keySubs)
	if !ok {
		return
	}
	recs, err := decodeSubs(raw)
	if err != nil {
		b.log.Warn().Err(err).Msg("subscription table ignored")
		return
	}
	for _, r := range recs {
		for _, hash := range r.topics {
			b.addSubscriber(r.clientID, hash)
		}
	}
}

// persistClientSubs rewrites the full persisted subscription set of one
// client after a subscribe/unsubscribe. Only registered permanent clients
// are persisted; temporary ids exist for one connection only.
func (b *Broker) persistClientSubs(id uint8) {
	if !b.isRegisteredPermanent(id) {
		return
	}
	b.persistAllClientSubs()
}

func (b *Broker) persistAllClientSubs() {
	recs := make([]subsRecord, 0, len(b.identities))
	for id, ident := range b.identities {
		if !ident.registered {
			continue
		}
		topics := b.subscribedTopics(id)
		if len(topics) == 0 {
			continue
		}
		sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
		recs = append(recs, subsRecord{clientID: id, topics: topics})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].clientID < recs[j].clientID })
	if err := b.gateway.Put(keySubs, encodeSubs(recs)); err != nil {
		b.log.Error().Err(err).Msg("persist subscriptions failed")
	}
}

func (b *Broker) loadTopics() {
	raw, ok := b.gateway.Get(keyTopics)
	if !ok {
		return
	}
	recs, err := decodeTopics(raw)
	if err != nil {
		b.log.Warn().Err(err).Msg("topic table ignored")
		return
	}
	for _, r := range recs {
		if _, err := b.registry.Register(r.name); err != nil {
			b.log.Warn().Err(err).Str("topic", r.name).Msg("persisted topic dropped")
		}
	}
}

func (b *Broker) persistTopics() {
	snapshot := b.registry.Snapshot()
	recs := make([]topicRecord, 0, len(snapshot))
	for hash, name := range snapshot {
		recs = append(recs, topicRecord{hash: hash, name: name})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].hash < recs[j].hash })
	if err := b.gateway.Put(keyTopics, encodeTopics(recs)); err != nil {
		b.log.Error().Err(err).Msg("persist topics failed")
	}
}

func (b *Broker) loadLiveness() {
	raw, ok := b.gateway.Get(keyLiveness)
	if !ok {
		return
	}
	rec, err := decodeLiveness(raw)
	if err != nil {
		b.log.Warn().Err(err).Msg("liveness config ignored")
		return
	}
	b.livenessOn = rec.enabled
	if rec.intervalMs > 0 {
		b.pingInterval = time.Duration(rec.intervalMs) * time.Millisecond
	}
	if rec.maxMissed > 0 {
		b.maxMissed = rec.maxMissed
	}
}

func (b *Broker) persistLiveness() {
	rec := livenessRecord{
		enabled:    b.livenessOn,
		intervalMs: uint32(b.pingInterval / time.Millisecond),
		maxMissed:  b.maxMissed,
	}
	if err := b.gateway.Put(keyLiveness, encodeLiveness(rec)); err != nil {
		b.log.Error().Err(err).Msg("persist liveness failed")
	}
}
