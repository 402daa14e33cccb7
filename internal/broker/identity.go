package broker

import "github.com/juano2310/SuperCANBus-sub000/internal/protocol"

// handleIDRequest assigns an id and answers with an ID_RESPONSE whose
// payload is [restoreFlag, serial...]. The serial echo is what lets the
// requesting client pick its response out of the broadcast traffic; every
// other node sees the response too and ignores it.
//
// Empty serial: a fresh temporary id, never persisted. Non-empty serial:
// the serial's existing permanent id when known, otherwise a fresh one,
// both persisted. Exhaustion of either range answers with the unassigned
// sentinel, which the client must treat as a failed connect.
func (b *Broker) handleIDRequest(payload []byte) {
	serial := string(payload)
	if len(serial) > protocol.MaxSerialLen {
		serial = serial[:protocol.MaxSerialLen]
	}

	var (
		id        uint8
		hasStored bool
	)
	if serial == "" {
		id = b.allocTemporary()
	} else {
		id, hasStored = b.assignPermanent(serial)
	}

	out := make([]byte, 0, 1+len(serial))
	if hasStored {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, serial...)
	if err := b.codec.Encode(protocol.MsgIDResponse, id, out); err != nil {
		b.log.Warn().Err(err).Uint8("id", id).Msg("id response failed")
		return
	}
	b.log.Info().
		Uint8("id", id).
		Str("serial", serial).
		Bool("restore", hasStored).
		Msg("id assigned")

	if id != protocol.UnassignedID {
		b.markActivity(id)
	}
	if hasStored {
		b.sendRestoreBurst(id)
	}
}

func (b *Broker) assignPermanent(serial string) (uint8, bool) {
	id, ok := b.bySerial[serial]
	if !ok {
		id = b.allocPermanent()
		if id == protocol.UnassignedID {
			b.log.Error().Str("serial", serial).Msg("permanent id space exhausted")
			return id, false
		}
		b.identities[id] = &identity{id: id, serial: serial, registered: true}
		b.bySerial[serial] = id
	} else {
		b.identities[id].registered = true
	}
	b.persistIdentities()
	b.touchPingState(id)
	if b.observers.OnClientConnect != nil {
		b.observers.OnClientConnect(id, serial)
	}
	return id, len(b.storedSubscriptions(id)) > 0
}

// sendRestoreBurst replays a reconnecting client's persisted subscriptions
// as one SUB_RESTORE per topic. The settle delay gives the client time to
// enter the grace window it holds open after receiving its id; the burst
// itself is paced like any other fan-out.
func (b *Broker) sendRestoreBurst(id uint8) {
	topics := b.storedSubscriptions(id)
	if len(topics) == 0 {
		return
	}
	b.pause(b.cfg.RestoreSettleDelay)
	for i, hash := range topics {
		if i > 0 {
			b.pause(b.cfg.RestoreSpacing)
		}
		payload := []byte{byte(hash >> 8), byte(hash)}
		if b.registry.Known(hash) {
			payload = append(payload, b.registry.Name(hash)...)
		}
		if err := b.codec.Encode(protocol.MsgSubRestore, id, payload); err != nil {
			b.log.Warn().Err(err).Uint8("id", id).Uint16("hash", hash).Msg("restore send failed")
		}
	}
	b.log.Debug().Uint8("id", id).Int("topics", len(topics)).Msg("subscriptions restored")
}

// storedSubscriptions returns the hashes currently routed to id, which is
// also exactly what the persisted per-client set holds.
func (b *Broker) storedSubscriptions(id uint8) []uint16 {
	return b.subscribedTopics(id)
}

func (b *Broker) allocTemporary() uint8 {
	span := int(protocol.TemporaryIDLast-protocol.TemporaryIDFirst) + 1
	for i := 0; i < span; i++ {
		id := b.nextTempID
		b.nextTempID++
		if b.nextTempID > protocol.TemporaryIDLast {
			b.nextTempID = protocol.TemporaryIDFirst
		}
		if !b.tempInUse[id] {
			b.tempInUse[id] = true
			return id
		}
	}
	return protocol.UnassignedID
}

func (b *Broker) allocPermanent() uint8 {
	span := int(protocol.PermanentIDLast-protocol.PermanentIDFirst) + 1
	for i := 0; i < span; i++ {
		id := b.nextPermID
		b.nextPermID++
		if b.nextPermID > protocol.PermanentIDLast {
			b.nextPermID = protocol.PermanentIDFirst
		}
		if _, taken := b.identities[id]; !taken {
			return id
		}
	}
	return protocol.UnassignedID
}

// UpdateSerial rebinds a permanent client to a new serial number. A serial
// already bound to a different id is rejected without mutating anything.
func (b *Broker) UpdateSerial(id uint8, serial string) error {
	if !protocol.IsPermanentID(id) {
		return ErrNotPermanent
	}
	ident, ok := b.identities[id]
	if !ok {
		return ErrUnknownClient
	}
	if serial == "" || len(serial) > protocol.MaxSerialLen {
		return ErrBadSerial
	}
	if existing, taken := b.bySerial[serial]; taken && existing != id {
		return ErrSerialTaken
	}
	delete(b.bySerial, ident.serial)
	ident.serial = serial
	b.bySerial[serial] = id
	b.persistIdentities()
	return nil
}

// Unregister flips the client to unregistered but keeps the id<->serial
// binding so the same device reclaims the same id later. Its runtime and
// persisted subscriptions are removed.
func (b *Broker) Unregister(id uint8) error {
	ident, ok := b.identities[id]
	if !ok {
		return ErrUnknownClient
	}
	ident.registered = false
	for _, hash := range b.subscribedTopics(id) {
		b.removeSubscriber(id, hash)
	}
	b.persistIdentities()
	b.persistAllClientSubs()
	delete(b.ping, id)
	b.log.Info().Uint8("id", id).Str("serial", ident.serial).Msg("unregistered")
	return nil
}
