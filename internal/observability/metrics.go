package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supercanbus",
			Subsystem: "bus",
			Name:      "frames_received_total",
			Help:      "Inbound physical frames handed to the codec.",
		},
		[]string{"kind"},
	)
	fragmentsOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supercanbus",
			Subsystem: "codec",
			Name:      "fragments_sent_total",
			Help:      "Extended fragment frames sent.",
		},
	)
	reassemblyTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supercanbus",
			Subsystem: "codec",
			Name:      "reassembly_timeouts_total",
			Help:      "Part-received messages evicted by the reassembly timeout.",
		},
	)
	publishesRouted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supercanbus",
			Subsystem: "broker",
			Name:      "publishes_routed_total",
			Help:      "Publish messages fanned out to subscribers.",
		},
	)
	peersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supercanbus",
			Subsystem: "broker",
			Name:      "peer_messages_dropped_total",
			Help:      "Peer messages dropped by the permanent-id gate.",
		},
	)
	clientsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "supercanbus",
			Subsystem: "broker",
			Name:      "clients_online",
			Help:      "Registered clients currently marked online.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesIn,
			fragmentsOut,
			reassemblyTimeouts,
			publishesRouted,
			peersDropped,
			clientsOnline,
		)
	})
}

func CountFrameReceived(extended bool) {
	RegisterMetrics()
	kind := "standard"
	if extended {
		kind = "extended"
	}
	framesIn.WithLabelValues(kind).Inc()
}

func CountFragmentSent() {
	RegisterMetrics()
	fragmentsOut.Inc()
}

func CountReassemblyTimeout() {
	RegisterMetrics()
	reassemblyTimeouts.Inc()
}

func CountPublishRouted() {
	RegisterMetrics()
	publishesRouted.Inc()
}

func CountPeerDropped() {
	RegisterMetrics()
	peersDropped.Inc()
}

func SetClientsOnline(n int) {
	RegisterMetrics()
	clientsOnline.Set(float64(n))
}
