package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/hashicorp/logutils"
	"github.com/olric-data/olric"
	"github.com/olric-data/olric/config"
	"go.uber.org/zap"
)

// OlricStore implements the Store interface using Olric distributed key/value store.
// It runs an embedded Olric server and provides distributed storage with replication.
type OlricStore struct {
	config  *OlricConfig
	logger  *zap.Logger
	metrics *OlricMetrics
	db      *olric.Olric
	client  *olric.EmbeddedClient
	dmap    olric.DMap
}

// NewOlricStore creates a new Olric-based store.
// It initializes and starts an embedded Olric server, optionally joining a cluster.
func NewOlricStore(ctx context.Context, cfg *OlricConfig, logger *zap.Logger) (*OlricStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid olric configuration: %w", err)
	}

	store := &OlricStore{
		config: cfg,
		logger: logger,
	}

	started := make(chan struct{})
	olricCfg, err := store.createOlricConfig(func() { close(started) })
	if err != nil {
		return nil, fmt.Errorf("failed to create olric config: %w", err)
	}

	logger.Info("Starting Olric embedded server",
		zap.String("bind_addr", fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort)),
		zap.Bool("single_node", cfg.IsSingleNode()),
		zap.Strings("join_addrs", cfg.JoinAddrs),
		zap.Int("replication_factor", cfg.ReplicationFactor),
		zap.Uint64("partition_count", cfg.PartitionCount),
		zap.String("dmap", cfg.DMapName),
	)

	db, err := olric.New(olricCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create olric instance: %w", err)
	}

	// Start blocks until the server shuts down.
	startErr := make(chan error, 1)
	go func() {
		if err := db.Start(); err != nil {
			startErr <- err
		}
	}()

	select {
	case <-started:
	case err := <-startErr:
		return nil, fmt.Errorf("failed to start olric: %w", err)
	case <-ctx.Done():
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("olric did not start: %w", ctx.Err())
	}

	store.db = db
	store.client = db.NewEmbeddedClient()

	if err := store.waitForCluster(ctx); err != nil {
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("cluster not ready: %w", err)
	}

	dmap, err := store.client.NewDMap(cfg.DMapName)
	if err != nil {
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create dmap: %w", err)
	}
	store.dmap = dmap

	members, err := store.client.Members(ctx)
	if err != nil {
		logger.Warn("Failed to get members", zap.Error(err))
	}

	logger.Info("Olric store initialized successfully",
		zap.Int("cluster_members", len(members)),
	)

	return store, nil
}

// WithMetrics attaches operation metrics to the store.
func (s *OlricStore) WithMetrics(m *OlricMetrics) *OlricStore {
	s.metrics = m
	return s
}

// createOlricConfig creates an Olric configuration from the OlricConfig.
func (s *OlricStore) createOlricConfig(started func()) (*config.Config, error) {
	logFilter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: logutils.LogLevel(s.config.LogLevel),
		Writer:   io.Discard,
	}

	// Olric internals only reach stdout at DEBUG or INFO.
	if s.config.LogLevel == "DEBUG" || s.config.LogLevel == "INFO" {
		logFilter.Writer = os.Stdout
	}

	olricLogger := log.New(logFilter, "", log.LstdFlags)

	c := config.New("lan")
	c.BindAddr = s.config.BindAddr
	c.BindPort = s.config.BindPort
	c.KeepAlivePeriod = s.config.KeepAlivePeriod
	c.BootstrapTimeout = s.config.RequestTimeout * 2
	c.PartitionCount = s.config.PartitionCount
	c.ReplicaCount = s.config.ReplicationFactor
	c.ReadQuorum = 1
	c.WriteQuorum = 1
	c.MemberCountQuorum = int32(s.config.MemberCountQuorum)
	c.LogLevel = s.config.LogLevel
	c.LogOutput = logFilter
	c.Logger = olricLogger
	c.JoinRetryInterval = s.config.JoinRetryInterval
	c.MaxJoinAttempts = s.config.MaxJoinAttempts
	c.Started = started

	if s.config.MemberlistBindPort != 0 {
		c.MemberlistConfig.BindAddr = s.config.BindAddr
		c.MemberlistConfig.BindPort = s.config.MemberlistBindPort
	}
	if s.config.AdvertiseAddr != "" {
		c.MemberlistConfig.AdvertiseAddr = s.config.AdvertiseAddr
	}
	if s.config.AdvertisePort != 0 {
		c.MemberlistConfig.AdvertisePort = s.config.AdvertisePort
	}

	if s.config.ReplicationMode == "sync" {
		c.ReplicationMode = config.SyncReplicationMode
	} else {
		c.ReplicationMode = config.AsyncReplicationMode
	}

	if len(s.config.JoinAddrs) > 0 {
		c.Peers = s.config.JoinAddrs
	}

	return c, nil
}

// waitForCluster waits for the cluster to be ready based on member count quorum.
func (s *OlricStore) waitForCluster(ctx context.Context) error {
	if s.config.IsSingleNode() {
		s.logger.Info("Running in single-node mode, cluster ready")
		return nil
	}

	ticker := time.NewTicker(s.config.JoinRetryInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			attempts++

			members, err := s.client.Members(ctx)
			memberCount := len(members)
			if err != nil {
				s.logger.Warn("Failed to get members", zap.Error(err))
				memberCount = 0
			}

			s.logger.Debug("Waiting for cluster members",
				zap.Int("current_members", memberCount),
				zap.Int("required_members", s.config.MemberCountQuorum),
				zap.Int("attempt", attempts),
			)

			if memberCount >= s.config.MemberCountQuorum {
				s.logger.Info("Cluster member quorum reached",
					zap.Int("member_count", memberCount),
					zap.Int("quorum", s.config.MemberCountQuorum),
				)
				return nil
			}

			if attempts >= s.config.MaxJoinAttempts {
				return fmt.Errorf("max join attempts (%d) reached, only %d/%d members present",
					s.config.MaxJoinAttempts, memberCount, s.config.MemberCountQuorum)
			}
		}
	}
}

// observe records the outcome of a store operation when metrics are attached.
func (s *OlricStore) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
		s.metrics.RecordError(operation, errorType(err))
	}
	s.metrics.RecordOperation(operation, status, time.Since(start))
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return "not_found"
	case errors.Is(err, ErrLockNotAcquired):
		return "lock_not_acquired"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

// Put stores a value with an optional TTL.
func (s *OlricStore) Put(ctx context.Context, key string, value string, ttl time.Duration) (err error) {
	defer func(start time.Time) { s.observe("put", start, err) }(time.Now())

	if ttl > 0 {
		return s.dmap.Put(ctx, key, value, olric.EX(ttl))
	}
	return s.dmap.Put(ctx, key, value)
}

// PutIfAbsent stores a value only if the key does not exist yet.
func (s *OlricStore) PutIfAbsent(ctx context.Context, key string, value string) (stored bool, err error) {
	defer func(start time.Time) { s.observe("put_nx", start, err) }(time.Now())

	err = s.dmap.Put(ctx, key, value, olric.NX())
	if errors.Is(err, olric.ErrKeyFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get retrieves a value for the given key.
func (s *OlricStore) Get(ctx context.Context, key string) (value string, err error) {
	defer func(start time.Time) {
		// A missing key is an answer, not a failure.
		if errors.Is(err, ErrKeyNotFound) {
			s.observe("get", start, nil)
			return
		}
		s.observe("get", start, err)
	}(time.Now())

	resp, err := s.dmap.Get(ctx, key)
	if err != nil {
		if errors.Is(err, olric.ErrKeyNotFound) {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	return resp.String()
}

// Delete removes a value for the given key.
func (s *OlricStore) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { s.observe("delete", start, err) }(time.Now())

	_, err = s.dmap.Delete(ctx, key)
	if err != nil && !errors.Is(err, olric.ErrKeyNotFound) {
		return err
	}
	return nil
}

// Exists checks if a key exists in the store.
func (s *OlricStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.dmap.Get(ctx, key)
	if err != nil {
		if errors.Is(err, olric.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Lock takes a cluster-wide lock on key using the DMap lock primitive.
func (s *OlricStore) Lock(ctx context.Context, key string, timeout, lease time.Duration) (u Unlocker, err error) {
	defer func(start time.Time) { s.observe("lock", start, err) }(time.Now())

	lc, err := s.dmap.LockWithTimeout(ctx, key, lease, timeout)
	if err != nil {
		if errors.Is(err, olric.ErrLockNotAcquired) {
			return nil, ErrLockNotAcquired
		}
		return nil, err
	}
	return lc, nil
}

// Ping verifies connectivity to the store.
func (s *OlricStore) Ping(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.BindAddr, fmt.Sprintf("%d", s.config.BindPort))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to olric: %w", err)
	}
	defer conn.Close()

	if s.db == nil {
		return fmt.Errorf("olric db is nil")
	}

	return nil
}

// Stats returns current statistics about the store.
func (s *OlricStore) Stats(ctx context.Context) (*StoreStats, error) {
	members, err := s.client.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}

	return &StoreStats{
		ClusterMembers:    len(members),
		PartitionCount:    int(s.config.PartitionCount),
		BackupCount:       s.config.BackupCount,
		ReplicationFactor: s.config.ReplicationFactor,
	}, nil
}

// Members returns the current cluster members.
func (s *OlricStore) Members(ctx context.Context) ([]olric.Member, error) {
	return s.client.Members(ctx)
}

// Close gracefully shuts down the store.
func (s *OlricStore) Close(ctx context.Context) error {
	s.logger.Info("Shutting down Olric store")

	if s.db == nil {
		return nil
	}

	if err := s.db.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down Olric", zap.Error(err))
		return err
	}

	s.logger.Info("Olric store shut down successfully")
	return nil
}
