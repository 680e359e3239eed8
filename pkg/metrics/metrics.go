// Package metrics declares the Prometheus series of livecast.
// Series are registered on the default registry at package init and served by
// promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livecast_active_streams",
		Help: "Streams currently marked active in the registry",
	})
	StreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livecast_streams_started_total",
		Help: "Streams that went live",
	})
	StreamsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livecast_streams_expired_total",
		Help: "Streams ended by the heartbeat monitor",
	})
	StreamsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecast_streams_ended_total",
		Help: "Streams ended, by reason",
	}, []string{"reason"})

	// Tokens

	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecast_tokens_issued_total",
		Help: "Access tokens issued, by role",
	}, []string{"role"})

	// WebSocket

	DiscoveryClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livecast_discovery_clients",
		Help: "Connected discovery channel clients",
	})
	RelayMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livecast_relay_members",
		Help: "Distinct members connected to messaging relay rooms",
	})
	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecast_ws_dropped_frames_total",
		Help: "Frames dropped because a client send buffer was full",
	}, []string{"channel"})

	// Presence (client side)

	DriftCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livecast_presence_drift_corrections_total",
		Help: "Reconciliation cycles that changed the viewer count or roster",
	})
	RelayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livecast_presence_relay_failures_total",
		Help: "Chat messages that could not be relayed with any payload shape",
	})
)
