// Package telemetry exposes Prometheus metrics for checkpoint operations.
//
// Metrics are registered on a caller-supplied registry so independent instances (tests,
// multiple sessions in one process) never collide on the default registerer. All
// methods are safe on a nil *Metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessionvault"

// Metrics holds the checkpoint subsystem collectors.
type Metrics struct {
	registry *prometheus.Registry

	// checkpointsCreated counts published checkpoints.
	// Labels: type (AUTO, MANUAL, EMERGENCY, RECOVERY)
	checkpointsCreated *prometheus.CounterVec

	// checkpointDuration measures end-to-end creation latency.
	// Labels: type
	checkpointDuration *prometheus.HistogramVec

	// snapshotFiles counts captured files by outcome.
	// Labels: status (ok, snapshot_failed, skipped)
	snapshotFiles *prometheus.CounterVec

	// validations counts validation outcomes.
	// Labels: status (VALID, VALID_WITH_WARNINGS, INVALID)
	validations *prometheus.CounterVec

	// recoveries counts recovery attempts.
	// Labels: outcome (ok, corrupted, unconfirmed, failed)
	recoveries *prometheus.CounterVec

	prunedCheckpoints prometheus.Counter
	sweptBlobs        prometheus.Counter

	storedCheckpoints prometheus.Gauge
	storedBytes       prometheus.Gauge
	degraded          prometheus.Gauge

	// handoffs counts completed handoffs.
	// Labels: reason
	handoffs *prometheus.CounterVec
}

// New registers the collectors on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		checkpointsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "created_total",
			Help:      "Total checkpoints published by type",
		}, []string{"type"}),
		checkpointDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "create_duration_seconds",
			Help:      "Checkpoint creation latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"type"}),
		snapshotFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "snapshot_files_total",
			Help:      "File snapshots by outcome",
		}, []string{"status"}),
		validations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "validations_total",
			Help:      "Checkpoint validations by resulting status",
		}, []string{"status"}),
		recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Recovery attempts by outcome",
		}, []string{"outcome"}),
		prunedCheckpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "pruned_total",
			Help:      "Checkpoints deleted by retention",
		}),
		sweptBlobs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "blobs_swept_total",
			Help:      "Unreferenced content blobs removed",
		}),
		storedCheckpoints: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "checkpoints",
			Help:      "Checkpoints currently stored",
		}),
		storedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "bytes",
			Help:      "Bytes accounted to stored checkpoints",
		}),
		degraded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "degraded",
			Help:      "1 while non-emergency checkpoints are refused",
		}),
		handoffs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "total",
			Help:      "Completed handoffs by reason",
		}, []string{"reason"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CheckpointCreated(typ string, took time.Duration) {
	if m == nil {
		return
	}
	m.checkpointsCreated.WithLabelValues(typ).Inc()
	m.checkpointDuration.WithLabelValues(typ).Observe(took.Seconds())
}

func (m *Metrics) SnapshotFile(status string) {
	if m == nil {
		return
	}
	m.snapshotFiles.WithLabelValues(status).Inc()
}

func (m *Metrics) Validation(status string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(status).Inc()
}

func (m *Metrics) Recovery(outcome string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Pruned(checkpoints, blobs int) {
	if m == nil {
		return
	}
	m.prunedCheckpoints.Add(float64(checkpoints))
	m.sweptBlobs.Add(float64(blobs))
}

func (m *Metrics) StorageUsage(count int, bytes int64) {
	if m == nil {
		return
	}
	m.storedCheckpoints.Set(float64(count))
	m.storedBytes.Set(float64(bytes))
}

func (m *Metrics) SetDegraded(on bool) {
	if m == nil {
		return
	}
	if on {
		m.degraded.Set(1)
	} else {
		m.degraded.Set(0)
	}
}

func (m *Metrics) Handoff(reason string) {
	if m == nil {
		return
	}
	m.handoffs.WithLabelValues(reason).Inc()
}
