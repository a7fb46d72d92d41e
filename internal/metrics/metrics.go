// Package metrics provides Prometheus metrics for epicov-fetcher runs. The
// fetcher is a short-lived interactive process, so metrics are written to a
// node_exporter textfile at the end of a run instead of being scraped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "epicov_fetcher"

// Metrics holds all Prometheus metrics for one run. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Artifact metrics
	ArtifactsAcquired *prometheus.CounterVec
	ArtifactsSkipped  *prometheus.CounterVec
	ArtifactsRejected *prometheus.CounterVec

	// Reconciliation metrics
	UpstreamAccessions *prometheus.GaugeVec
	NewAccessions      *prometheus.GaugeVec
	Batches            *prometheus.CounterVec

	// Timing metrics
	ArrivalWait *prometheus.HistogramVec
	RunDuration prometheus.Gauge

	// Transfer metrics
	TransferFiles *prometheus.CounterVec
	TransferBytes *prometheus.CounterVec

	LastRunTimestamp prometheus.Gauge
}

// New creates metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ArtifactsAcquired: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_acquired_total",
				Help:      "Artifacts claimed and verified",
			},
			[]string{"location", "kind"},
		),
		ArtifactsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_skipped_total",
				Help:      "Artifacts skipped because the target file already existed",
			},
			[]string{"location", "kind"},
		),
		ArtifactsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_rejected_total",
				Help:      "Downloaded files that failed verification",
			},
			[]string{"location", "kind"},
		),
		UpstreamAccessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_accessions",
				Help:      "Accessions in the upstream snapshot",
			},
			[]string{"location"},
		),
		NewAccessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "new_accessions",
				Help:      "Accessions in the snapshot not yet in the store",
			},
			[]string{"location"},
		),
		Batches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Selection batches processed",
			},
			[]string{"location"},
		),
		ArrivalWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "arrival_wait_seconds",
				Help:      "Time spent waiting for a download to appear",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
			},
			[]string{"suffix"},
		),
		RunDuration: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of the last run",
			},
		),
		TransferFiles: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_files_total",
				Help:      "Files copied to or from the cluster",
			},
			[]string{"direction"},
		),
		TransferBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "Bytes copied to or from the cluster",
			},
			[]string{"direction"},
		),
		LastRunTimestamp: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished",
			},
		),
	}
}

func (m *Metrics) IncAcquired(location, kind string) {
	if m == nil {
		return
	}
	m.ArtifactsAcquired.WithLabelValues(location, kind).Inc()
}

func (m *Metrics) IncSkipped(location, kind string) {
	if m == nil {
		return
	}
	m.ArtifactsSkipped.WithLabelValues(location, kind).Inc()
}

func (m *Metrics) IncRejected(location, kind string) {
	if m == nil {
		return
	}
	m.ArtifactsRejected.WithLabelValues(location, kind).Inc()
}

// SetReconciled records snapshot and new-accession counts for a location.
func (m *Metrics) SetReconciled(location string, upstream, fresh int) {
	if m == nil {
		return
	}
	m.UpstreamAccessions.WithLabelValues(location).Set(float64(upstream))
	m.NewAccessions.WithLabelValues(location).Set(float64(fresh))
}

func (m *Metrics) IncBatches(location string) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(location).Inc()
}

// ObserveArrivalWait records how long the watcher blocked.
func (m *Metrics) ObserveArrivalWait(suffix string, waited time.Duration) {
	if m == nil {
		return
	}
	m.ArrivalWait.WithLabelValues(suffix).Observe(waited.Seconds())
}

// AddTransfer records one copied file.
func (m *Metrics) AddTransfer(direction string, bytes int64) {
	if m == nil {
		return
	}
	m.TransferFiles.WithLabelValues(direction).Inc()
	m.TransferBytes.WithLabelValues(direction).Add(float64(bytes))
}

// FinishRun stamps the run duration and completion time.
func (m *Metrics) FinishRun(started time.Time) {
	if m == nil {
		return
	}
	m.RunDuration.Set(time.Since(started).Seconds())
	m.LastRunTimestamp.SetToCurrentTime()
}

// WriteTextfile dumps every metric in the textfile collector format. The
// file is written to a temp path and renamed.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
