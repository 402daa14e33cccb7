package broker

import (
	"time"

	"github.com/juano2310/SuperCANBus-sub000/internal/observability"
	"github.com/juano2310/SuperCANBus-sub000/internal/protocol"
)

// The liveness monitor pings every registered permanent client once per
// interval. A ping charges the client's missed counter; any inbound
// message from the client clears it. Crossing the threshold while online
// transitions the client to offline and fires the disconnect observer for
// exactly that transition. Registration and persisted subscriptions are
// untouched: only the transient online flag drops.

// SetLiveness enables or disables monitoring and persists the resulting
// configuration. Zero values keep the current interval/threshold.
func (b *Broker) SetLiveness(enabled bool, interval time.Duration, maxMissed uint8) {
	b.livenessOn = enabled
	if interval > 0 {
		b.pingInterval = interval
	}
	if maxMissed > 0 {
		b.maxMissed = maxMissed
	}
	if enabled {
		b.nextPingAt = b.clk.Now().Add(b.pingInterval)
	}
	b.persistLiveness()
	b.log.Info().
		Bool("enabled", enabled).
		Dur("interval", b.pingInterval).
		Uint8("max_missed", b.maxMissed).
		Msg("liveness configured")
}

// LivenessEnabled reports the current monitor state.
func (b *Broker) LivenessEnabled() bool {
	return b.livenessOn
}

// Tick advances the liveness monitor. The run loop calls it once per
// iteration; it is cheap when nothing is due.
func (b *Broker) Tick() {
	if !b.livenessOn {
		return
	}
	now := b.clk.Now()

	if b.bootProbePending && !now.Before(b.bootProbeAt) {
		b.bootProbePending = false
		b.nextPingAt = now.Add(b.pingInterval)
		b.probeAll()
		return
	}
	if b.nextPingAt.IsZero() {
		b.nextPingAt = now.Add(b.pingInterval)
		return
	}
	if now.Before(b.nextPingAt) {
		return
	}
	b.nextPingAt = now.Add(b.pingInterval)
	b.pingAll()
}

// probeAll discovers who survived a broker restart: one ping per known
// permanent client, without charging missed counters.
func (b *Broker) probeAll() {
	for id, ident := range b.identities {
		if !ident.registered {
			continue
		}
		b.sendPing(id)
	}
}

func (b *Broker) pingAll() {
	online := 0
	for id, ident := range b.identities {
		if !ident.registered {
			continue
		}
		state := b.touchPingState(id)
		b.sendPing(id)
		state.missed++
		if state.missed >= b.maxMissed && state.online {
			state.online = false
			b.log.Info().Uint8("id", id).Str("serial", ident.serial).Msg("client offline")
			if b.observers.OnClientDisconnect != nil {
				b.observers.OnClientDisconnect(id, ident.serial)
			}
		}
		if state.online {
			online++
		}
	}
	observability.SetClientsOnline(online)
}

func (b *Broker) sendPing(id uint8) {
	if err := b.codec.Encode(protocol.MsgPing, id, []byte{protocol.BrokerID}); err != nil {
		b.log.Warn().Err(err).Uint8("id", id).Msg("ping failed")
	}
}

// markActivity notes any inbound traffic from id: online, counter cleared.
func (b *Broker) markActivity(id uint8) {
	if !b.isRegisteredPermanent(id) {
		return
	}
	state := b.touchPingState(id)
	state.online = true
	state.missed = 0
	state.lastActivity = b.clk.Now()
}

func (b *Broker) touchPingState(id uint8) *pingState {
	state, ok := b.ping[id]
	if !ok {
		state = &pingState{}
		b.ping[id] = state
	}
	return state
}
