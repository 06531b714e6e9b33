package store

import (
	"context"
	"sync"
	"time"

	"github.com/olric-data/olric"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// OlricMetrics exposes cluster shape, key counts and per-operation timings
// of the key/value store.
type OlricMetrics struct {
	ClusterMembers     prometheus.Gauge
	ClusterPartitions  prometheus.Gauge
	ClusterBackups     prometheus.Gauge
	ClusterCoordinator prometheus.Gauge
	StorageKeys        prometheus.Gauge

	OperationsTotal      *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	OperationErrorsTotal *prometheus.CounterVec
}

// NewOlricMetrics registers the store metrics on registry.
func NewOlricMetrics(namespace string, registry *prometheus.Registry) *OlricMetrics {
	auto := promauto.With(registry)
	gauge := func(name, help string) prometheus.Gauge {
		return auto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "olric_" + name, Help: help})
	}

	return &OlricMetrics{
		ClusterMembers:     gauge("cluster_members", "Number of cluster members"),
		ClusterPartitions:  gauge("cluster_partitions", "Number of partitions in the cluster"),
		ClusterBackups:     gauge("cluster_backups", "Number of backup replicas"),
		ClusterCoordinator: gauge("cluster_coordinator", "1 if a coordinator is visible to this node, 0 otherwise"),
		StorageKeys:        gauge("storage_keys_total", "Total number of keys stored"),

		OperationsTotal: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "olric_operations_total",
			Help:      "Store operations by operation and status",
		}, []string{"operation", "status"}),
		OperationDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "olric_operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(.001, 2.5, 9),
		}, []string{"operation"}),
		OperationErrorsTotal: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "olric_operation_errors_total",
			Help:      "Store operation errors by operation and error type",
		}, []string{"operation", "error_type"}),
	}
}

// RecordOperation counts one store operation and observes its duration.
func (m *OlricMetrics) RecordOperation(operation, status string, duration time.Duration) {
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError counts a failed store operation.
func (m *OlricMetrics) RecordError(operation, errorType string) {
	m.OperationErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

type memberLister interface {
	Members(ctx context.Context) ([]olric.Member, error)
}

// OlricMetricsCollector refreshes the cluster and storage gauges on an
// interval.
type OlricMetricsCollector struct {
	logger   *zap.Logger
	store    Store
	metrics  *OlricMetrics
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOlricMetricsCollector creates a collector; call Start to run it.
func NewOlricMetricsCollector(logger *zap.Logger, store Store, metrics *OlricMetrics, interval time.Duration) *OlricMetricsCollector {
	return &OlricMetricsCollector{
		logger:   logger,
		store:    store,
		metrics:  metrics,
		interval: interval,
	}
}

// Start collects once immediately and then on every tick until Stop.
func (c *OlricMetricsCollector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			c.collect(ctx)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				c.logger.Info("Stopping store metrics collector")
				return
			}
		}
	}()
}

// Stop ends collection and waits for the loop to exit. It is a no-op if
// Start was never called.
func (c *OlricMetricsCollector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *OlricMetricsCollector) collect(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()

	stats, err := c.store.Stats(ctx)
	if err != nil {
		c.logger.Error("Failed to collect store stats", zap.Error(err))
		return
	}

	c.metrics.ClusterMembers.Set(float64(stats.ClusterMembers))
	c.metrics.ClusterPartitions.Set(float64(stats.PartitionCount))
	c.metrics.ClusterBackups.Set(float64(stats.BackupCount))
	c.metrics.StorageKeys.Set(float64(stats.TotalKeys))

	if lister, ok := c.store.(memberLister); ok {
		c.metrics.ClusterCoordinator.Set(coordinatorVisible(ctx, lister))
	}

	c.logger.Debug("Collected store metrics",
		zap.Int("cluster_members", stats.ClusterMembers),
		zap.Int64("total_keys", stats.TotalKeys),
	)
}

func coordinatorVisible(ctx context.Context, lister memberLister) float64 {
	members, err := lister.Members(ctx)
	if err != nil {
		return 0
	}
	for _, member := range members {
		if member.Coordinator {
			return 1
		}
	}
	return 0
}
