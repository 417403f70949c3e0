// Package metrics defines the Prometheus collectors exported by a replica.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks store, observer and replication activity for one replica.
type Metrics struct {
	WriteLatency     prometheus.Histogram
	Operations       *prometheus.CounterVec
	StaleWrites      prometheus.Counter
	Documents        *prometheus.GaugeVec
	ObserverBatches  prometheus.Counter
	Frames           *prometheus.CounterVec
	SessionFailures  prometheus.Counter
	SessionStates    *prometheus.GaugeVec
	TombstonesPurged prometheus.Counter
}

// New builds the collectors and registers them on reg when reg is non-nil. Every replica
// gets its own collectors, so several replicas in one process need distinct registries.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshstore_write_latency_seconds",
			Help:    "Latency of committed mutations, including persistence",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20),
		}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshstore_operations_total",
			Help: "Store operations by kind",
		}, []string{"op"}),
		StaleWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshstore_stale_writes_total",
			Help: "Incoming documents discarded because every register was causally stale",
		}),
		Documents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshstore_documents",
			Help: "Documents held per collection and state",
		}, []string{"collection", "state"}),
		ObserverBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshstore_observer_batches_total",
			Help: "Change batches queued for observers",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshstore_replication_frames_total",
			Help: "Replication frames by direction and type",
		}, []string{"direction", "type"}),
		SessionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshstore_session_failures_total",
			Help: "Transport failures observed by peer sessions",
		}),
		SessionStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshstore_sessions",
			Help: "Peer sessions by state",
		}, []string{"state"}),
		TombstonesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshstore_tombstones_purged_total",
			Help: "Tombstones removed by garbage collection",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.WriteLatency, m.Operations, m.StaleWrites, m.Documents, m.ObserverBatches,
		m.Frames, m.SessionFailures, m.SessionStates, m.TombstonesPurged,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Discard returns unregistered collectors.
func Discard() *Metrics {
	m, _ := New(nil)
	return m
}
