// ============================================================================
// bidspm-batch Metrics - Prometheus Batch Metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Count unit outcomes, time container runs and track workspace
//          reclamation for one batch.
//
// Metrics:
//
//   1. Counters:
//      - bidspm_units_total{classification,action}: units by outcome
//      - bidspm_workspaces_swept_total: stale workspaces removed by sweep
//      - bidspm_workspaces_preserved_total: failed-unit workspaces kept
//
//   2. Histogram:
//      - bidspm_unit_duration_seconds{action}: container run time
//        * buckets 1s .. ~3d (exponential, factor 4); runs last minutes to hours
//
//   3. Gauges:
//      - bidspm_units_running: units currently inside the container
//      - bidspm_units_planned: units enumerated for the batch
//      - bidspm_batch_last_completion_timestamp_seconds
//      - bidspm_batch_last_success_timestamp_seconds
//      - bidspm_batch_duration_seconds
//
// Export:
//   A batch is short-lived, so the registry is written to a node_exporter
//   textfile at teardown. An HTTP /metrics endpoint can also be served while
//   the batch runs.
//
//   # failure rate of the last batch
//   bidspm_units_total{classification="failed"} / ignoring(classification) sum(bidspm_units_total)
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

const namespace = "bidspm"

// Collector holds the batch metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	units               *prometheus.CounterVec
	workspacesSwept     prometheus.Counter
	workspacesPreserved prometheus.Counter

	unitDuration *prometheus.HistogramVec

	unitsRunning   prometheus.Gauge
	unitsPlanned   prometheus.Gauge
	lastCompletion prometheus.Gauge
	lastSuccess    prometheus.Gauge
	batchDuration  prometheus.Gauge
}

// NewCollector creates the metrics and registers them on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Run units by final classification and action",
		}, []string{"classification", "action"}),
		workspacesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workspaces_swept_total",
			Help:      "Stale workspaces removed by sweep",
		}),
		workspacesPreserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workspaces_preserved_total",
			Help:      "Workspaces kept on disk after a failed unit",
		}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Wall time of container runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"action"}),
		unitsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_running",
			Help:      "Units currently executing",
		}),
		unitsPlanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_planned",
			Help:      "Units enumerated for the batch",
		}),
		lastCompletion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_last_completion_timestamp_seconds",
			Help:      "Unix time the last batch finished",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_last_success_timestamp_seconds",
			Help:      "Unix time the last batch finished with no failed unit",
		}),
		batchDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of the last batch in seconds",
		}),
	}

	c.registry.MustRegister(
		c.units,
		c.workspacesSwept,
		c.workspacesPreserved,
		c.unitDuration,
		c.unitsRunning,
		c.unitsPlanned,
		c.lastCompletion,
		c.lastSuccess,
		c.batchDuration,
	)
	return c
}

// Registry exposes the underlying registry (used by tests and the server).
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetPlanned records the number of enumerated units.
func (c *Collector) SetPlanned(n int) {
	c.unitsPlanned.Set(float64(n))
}

// UnitStarted marks a unit entering the container.
func (c *Collector) UnitStarted() {
	c.unitsRunning.Inc()
}

// UnitFinished marks a unit leaving the container after d.
func (c *Collector) UnitFinished(action types.Action, d time.Duration) {
	c.unitsRunning.Dec()
	c.unitDuration.WithLabelValues(string(action)).Observe(d.Seconds())
}

// RecordUnit counts a unit's final classification.
func (c *Collector) RecordUnit(r types.UnitResult) {
	c.units.WithLabelValues(string(r.Classification), string(r.Unit.Action)).Inc()
	if r.WorkspacePath != "" {
		c.workspacesPreserved.Inc()
	}
}

// RecordSwept counts removed workspaces.
func (c *Collector) RecordSwept(n int) {
	c.workspacesSwept.Add(float64(n))
}

// RecordBatch stamps completion time and duration of a finished batch.
func (c *Collector) RecordBatch(result *types.BatchResult) {
	finished := result.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	c.lastCompletion.Set(float64(finished.Unix()))
	if result.OK() {
		c.lastSuccess.Set(float64(finished.Unix()))
	}
	if !result.StartedAt.IsZero() {
		c.batchDuration.Set(finished.Sub(result.StartedAt).Seconds())
	}
}

// WriteTextfile writes every metric to path in the Prometheus text format,
// for the node_exporter textfile collector. The write is atomic.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// StartServer serves /metrics on port until ctx is done. It returns once the
// listener is bound; serve errors are logged.
func (c *Collector) StartServer(ctx context.Context, port int, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return "", fmt.Errorf("listen metrics port %d: %w", port, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()

	addr := ln.Addr().String()
	logger.Info("Metrics server listening", "addr", addr)
	return addr, nil
}
