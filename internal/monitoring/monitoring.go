package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	MessagesReceived   *prometheus.CounterVec
	MessagesSent       *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	ConflictsDetected  prometheus.Counter
	ConflictsResolved  *prometheus.CounterVec
	ResolutionDuration prometheus.Histogram
	StateUpdates       prometheus.Counter
	ClockSyncs         prometheus.Counter
	KnownPeers         prometheus.Gauge
	MeshConnections    prometheus.Gauge
	MeshBytesSent      prometheus.Counter
	MeshBytesReceived  prometheus.Counter
	FramesRejected     *prometheus.CounterVec
}

// NewMetrics registers every collector with reg. A nil reg uses the default
// registerer. Each registry may only be passed once.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pigeonmatch_messages_received_total",
			Help: "Total number of inbound messages accepted by the engine",
		}, []string{"type"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pigeonmatch_messages_sent_total",
			Help: "Total number of outbound messages emitted by the engine",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pigeonmatch_messages_dropped_total",
			Help: "Total number of inbound messages dropped",
		}, []string{"reason"}),
		ConflictsDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "pigeonmatch_conflicts_detected_total",
			Help: "Total number of concurrent state updates detected",
		}),
		ConflictsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pigeonmatch_conflicts_resolved_total",
			Help: "Total number of conflicts resolved",
		}, []string{"strategy"}),
		ResolutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pigeonmatch_resolution_duration_seconds",
			Help:    "Time taken to resolve a conflict",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12),
		}),
		StateUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "pigeonmatch_state_updates_total",
			Help: "Total number of local state writes",
		}),
		ClockSyncs: factory.NewCounter(prometheus.CounterOpts{
			Name: "pigeonmatch_clock_syncs_total",
			Help: "Total number of periodic clock sync broadcasts",
		}),
		KnownPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pigeonmatch_known_peers",
			Help: "Number of peers known to the engine",
		}),
		MeshConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pigeonmatch_mesh_connections",
			Help: "Number of open mesh connections",
		}),
		MeshBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "pigeonmatch_mesh_bytes_sent_total",
			Help: "Total bytes written to mesh connections",
		}),
		MeshBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "pigeonmatch_mesh_bytes_received_total",
			Help: "Total bytes read from mesh connections",
		}),
		FramesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pigeonmatch_frames_rejected_total",
			Help: "Total number of mesh frames or handshakes rejected",
		}, []string{"reason"}),
	}
}
