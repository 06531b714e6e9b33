package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/health"
)

func checkResult(name string, start time.Time, status health.Status, message string) health.CheckResult {
	return health.CheckResult{
		Name:      name,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// ConnectionHealthChecker pings the key/value store.
type ConnectionHealthChecker struct {
	logger *zap.Logger
	store  Store
}

func NewConnectionHealthChecker(logger *zap.Logger, store Store) *ConnectionHealthChecker {
	return &ConnectionHealthChecker{logger: logger, store: store}
}

func (c *ConnectionHealthChecker) Name() string { return "store-connection" }

func (c *ConnectionHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.store.Ping(ctx); err != nil {
		c.logger.Warn("Store connection check failed", zap.Error(err))
		return checkResult(c.Name(), start, health.StatusError, fmt.Sprintf("Store connection failed: %v", err))
	}
	return checkResult(c.Name(), start, health.StatusOK, "Store connection healthy")
}

// ClusterHealthChecker reports not-ready while fewer than quorum members
// are visible, so lock mutations are only served by a complete cluster.
// It always passes in single-node mode.
type ClusterHealthChecker struct {
	logger     *zap.Logger
	store      Store
	quorum     int
	singleNode bool
}

func NewClusterHealthChecker(logger *zap.Logger, store Store, quorum int, singleNode bool) *ClusterHealthChecker {
	return &ClusterHealthChecker{logger: logger, store: store, quorum: quorum, singleNode: singleNode}
}

func (c *ClusterHealthChecker) Name() string { return "store-cluster" }

func (c *ClusterHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()
	if c.singleNode {
		return checkResult(c.Name(), start, health.StatusOK, "Running in single-node mode")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stats, err := c.store.Stats(ctx)
	if err != nil {
		c.logger.Warn("Cluster health check failed", zap.Error(err))
		return checkResult(c.Name(), start, health.StatusError, fmt.Sprintf("Failed to get cluster stats: %v", err))
	}

	if stats.ClusterMembers < c.quorum {
		c.logger.Warn("Cluster member count below quorum",
			zap.Int("current", stats.ClusterMembers),
			zap.Int("quorum", c.quorum),
		)
		return checkResult(c.Name(), start, health.StatusNotReady,
			fmt.Sprintf("Cluster has %d members, quorum requires %d", stats.ClusterMembers, c.quorum))
	}

	return checkResult(c.Name(), start, health.StatusOK,
		fmt.Sprintf("Cluster healthy with %d members (quorum: %d)", stats.ClusterMembers, c.quorum))
}

// StorageHealthChecker writes, reads back and deletes a short-lived probe
// key.
type StorageHealthChecker struct {
	logger *zap.Logger
	store  Store
}

func NewStorageHealthChecker(logger *zap.Logger, store Store) *StorageHealthChecker {
	return &StorageHealthChecker{logger: logger, store: store}
}

func (s *StorageHealthChecker) Name() string { return "store-storage" }

func (s *StorageHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	key := "health:" + uuid.NewString()
	want := "healthy"

	if err := s.store.Put(ctx, key, want, 5*time.Second); err != nil {
		s.logger.Warn("Storage write health check failed", zap.Error(err))
		return checkResult(s.Name(), start, health.StatusError, fmt.Sprintf("Failed to write test key: %v", err))
	}
	defer func() {
		if err := s.store.Delete(context.Background(), key); err != nil {
			s.logger.Warn("Failed to clean up test key", zap.Error(err))
		}
	}()

	got, err := s.store.Get(ctx, key)
	switch {
	case err != nil:
		s.logger.Warn("Storage read health check failed", zap.Error(err))
		return checkResult(s.Name(), start, health.StatusError, fmt.Sprintf("Failed to read test key: %v", err))
	case got != want:
		s.logger.Warn("Storage value health check failed", zap.String("got", got), zap.String("want", want))
		return checkResult(s.Name(), start, health.StatusError, fmt.Sprintf("Test key value mismatch: got %q, want %q", got, want))
	}

	return checkResult(s.Name(), start, health.StatusOK, "Storage read/write operations working")
}
