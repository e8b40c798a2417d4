// Package metrics provides Prometheus metrics instrumentation for the operator.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides metrics recording interface.
// This allows components to record metrics without direct prometheus dependency.
type Collector interface {
	// Maintenance transition metrics
	RecordTransition(ctx context.Context, kind, transition, status string)
	RecordTransitionDuration(ctx context.Context, transition string, duration time.Duration)

	// Resource lifecycle metrics
	RecordResourceAcquire(ctx context.Context, outcome string)
	RecordResourceRelease(ctx context.Context, outcome string)

	// Backup store metrics
	RecordBackupOperation(ctx context.Context, operation, status string)

	// Endpoint sync metrics
	RecordEndpointSync(ctx context.Context, status string, duration time.Duration)
	RecordProxyTables(ctx context.Context, count int)
	RecordWorkerAddresses(ctx context.Context, count int)
}

// prometheusCollector implements Collector using Prometheus metrics.
type prometheusCollector struct {
	transitionsTotal   *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec

	resourceAcquires *prometheus.CounterVec
	resourceReleases *prometheus.CounterVec

	backupOpsTotal *prometheus.CounterVec

	endpointSyncDuration *prometheus.HistogramVec
	endpointSyncsTotal   *prometheus.CounterVec
	proxyTables          prometheus.Gauge
	workerAddresses      prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector and registers metrics.
func NewCollector(reg prometheus.Registerer) Collector {
	c := &prometheusCollector{}
	c.initTransitionMetrics()
	c.initResourceMetrics()
	c.initSyncMetrics()
	c.register(reg)

	return c
}

// RecordTransition records a completed maintenance transition by kind and status.
func (c *prometheusCollector) RecordTransition(_ context.Context, kind, transition, status string) {
	c.transitionsTotal.WithLabelValues(kind, transition, status).Inc()
}

// RecordTransitionDuration records the duration of a maintenance transition.
func (c *prometheusCollector) RecordTransitionDuration(
	_ context.Context,
	transition string,
	duration time.Duration,
) {
	c.transitionDuration.WithLabelValues(transition).Observe(duration.Seconds())
}

// RecordResourceAcquire records a resource set acquisition by outcome.
func (c *prometheusCollector) RecordResourceAcquire(_ context.Context, outcome string) {
	c.resourceAcquires.WithLabelValues(outcome).Inc()
}

// RecordResourceRelease records a resource set release by outcome.
func (c *prometheusCollector) RecordResourceRelease(_ context.Context, outcome string) {
	c.resourceReleases.WithLabelValues(outcome).Inc()
}

// RecordBackupOperation records a backup store operation.
func (c *prometheusCollector) RecordBackupOperation(_ context.Context, operation, status string) {
	c.backupOpsTotal.WithLabelValues(operation, status).Inc()
}

// RecordEndpointSync records one endpoint reconciliation cycle.
func (c *prometheusCollector) RecordEndpointSync(_ context.Context, status string, duration time.Duration) {
	c.endpointSyncDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.endpointSyncsTotal.WithLabelValues(status).Inc()
}

// RecordProxyTables records the number of proxy routing tables seen in the last cycle.
func (c *prometheusCollector) RecordProxyTables(_ context.Context, count int) {
	c.proxyTables.Set(float64(count))
}

// RecordWorkerAddresses records the number of live worker addresses.
func (c *prometheusCollector) RecordWorkerAddresses(_ context.Context, count int) {
	c.workerAddresses.Set(float64(count))
}

func (c *prometheusCollector) initTransitionMetrics() {
	c.transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_transitions_total",
			Help: "Total maintenance mode transitions by kind, transition and status",
		},
		[]string{"kind", "transition", "status"},
	)
	c.transitionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maintenance_transition_duration_seconds",
			Help:    "Duration of maintenance mode transitions",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"transition"},
	)
}

func (c *prometheusCollector) initResourceMetrics() {
	c.resourceAcquires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_resource_acquires_total",
			Help: "Total maintenance resource set acquisitions by outcome",
		},
		[]string{"outcome"},
	)
	c.resourceReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_resource_releases_total",
			Help: "Total maintenance resource set releases by outcome",
		},
		[]string{"outcome"},
	)
	c.backupOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_backup_operations_total",
			Help: "Total backup store operations by operation and status",
		},
		[]string{"operation", "status"},
	)
}

func (c *prometheusCollector) initSyncMetrics() {
	c.endpointSyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maintenance_endpoint_sync_duration_seconds",
			Help:    "Duration of endpoint reconciliation cycles",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	c.endpointSyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_endpoint_syncs_total",
			Help: "Total endpoint reconciliation cycles by status",
		},
		[]string{"status"},
	)
	c.proxyTables = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maintenance_proxy_tables",
			Help: "Proxy routing tables seen in the last reconciliation cycle",
		},
	)
	c.workerAddresses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maintenance_worker_addresses",
			Help: "Live maintenance server addresses seen in the last cycle",
		},
	)
}

func (c *prometheusCollector) register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.transitionsTotal,
		c.transitionDuration,
		c.resourceAcquires,
		c.resourceReleases,
		c.backupOpsTotal,
		c.endpointSyncDuration,
		c.endpointSyncsTotal,
		c.proxyTables,
		c.workerAddresses,
	)
}

// NoopCollector is a no-op implementation of Collector for testing.
type NoopCollector struct{}

// NewNoopCollector creates a new no-op collector.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// RecordTransition is a no-op.
func (c *NoopCollector) RecordTransition(_ context.Context, _, _, _ string) {}

// RecordTransitionDuration is a no-op.
func (c *NoopCollector) RecordTransitionDuration(_ context.Context, _ string, _ time.Duration) {}

// RecordResourceAcquire is a no-op.
func (c *NoopCollector) RecordResourceAcquire(_ context.Context, _ string) {}

// RecordResourceRelease is a no-op.
func (c *NoopCollector) RecordResourceRelease(_ context.Context, _ string) {}

// RecordBackupOperation is a no-op.
func (c *NoopCollector) RecordBackupOperation(_ context.Context, _, _ string) {}

// RecordEndpointSync is a no-op.
func (c *NoopCollector) RecordEndpointSync(_ context.Context, _ string, _ time.Duration) {}

// RecordProxyTables is a no-op.
func (c *NoopCollector) RecordProxyTables(_ context.Context, _ int) {}

// RecordWorkerAddresses is a no-op.
func (c *NoopCollector) RecordWorkerAddresses(_ context.Context, _ int) {}
