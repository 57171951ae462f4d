package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clipsync_active_sessions",
		Help: "Number of registered device sessions",
	})

	framesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipsync_frames_routed_total",
			Help: "Frames routed by the session router by result",
		},
		[]string{"result"}, // delivered|not_connected|busy|broadcast
	)

	staleUnregisters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_stale_unregister_skipped_total",
		Help: "Unregister calls ignored because a newer session owns the device id",
	})

	droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipsync_dropped_frames_total",
			Help: "Frames dropped before routing by reason",
		},
		[]string{"reason"}, // malformed|rate_limited|backpressure|sender_mismatch
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipsync_supervisor_transitions_total",
			Help: "Connection supervisor state transitions by target state",
		},
		[]string{"state"},
	)

	reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_reconnect_attempts_total",
		Help: "Failed connection attempts that scheduled a backoff retry",
	})

	heartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_heartbeat_failures_total",
		Help: "Heartbeats that were not acknowledged in time",
	})

	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipsync_envelopes_total",
			Help: "Clipboard envelopes handled by the coordinator",
		},
		[]string{"direction", "result"}, // out|in , sent|failed|applied|duplicate|rejected|malformed
	)

	decryptFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_decrypt_failures_total",
		Help: "Inbound envelopes that failed authentication",
	})

	roundTrip = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "clipsync_round_trip_seconds",
		Help:    "Heartbeat round trip latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	clusterForwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipsync_cluster_forwards_total",
			Help: "Frames forwarded between relay nodes by result",
		},
		[]string{"result"}, // forwarded|absent|error|received
	)
)

func init() {
	prometheus.MustRegister(
		activeSessions,
		framesRouted,
		staleUnregisters,
		droppedFrames,
		stateTransitions,
		reconnectAttempts,
		heartbeatFailures,
		envelopes,
		decryptFailures,
		roundTrip,
		clusterForwards,
	)
}

func AddSessions(delta float64)            { activeSessions.Add(delta) }
func IncRouted(result string)              { framesRouted.WithLabelValues(result).Inc() }
func IncStaleUnregister()                  { staleUnregisters.Inc() }
func IncDropped(reason string)             { droppedFrames.WithLabelValues(reason).Inc() }
func IncTransition(state string)           { stateTransitions.WithLabelValues(state).Inc() }
func IncReconnect()                        { reconnectAttempts.Inc() }
func IncHeartbeatFailure()                 { heartbeatFailures.Inc() }
func IncEnvelope(direction, result string) { envelopes.WithLabelValues(direction, result).Inc() }
func IncDecryptFailure()                   { decryptFailures.Inc() }
func ObserveRoundTrip(seconds float64)     { roundTrip.Observe(seconds) }
func IncClusterForward(result string)      { clusterForwards.WithLabelValues(result).Inc() }
