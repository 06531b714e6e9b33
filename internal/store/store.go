package store

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Store implementations.
var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrLockNotAcquired is returned by Lock when the key stays locked by
	// another holder for longer than the acquire timeout.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrStoreClosed is returned by Ping once the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// Store defines the interface for distributed key/value storage operations.
// Entities, synchronization status records and the site identity are kept as
// JSON strings on top of it.
type Store interface {
	// Put stores a value with an optional TTL.
	// If ttl is 0, the key will not expire.
	Put(ctx context.Context, key string, value string, ttl time.Duration) error

	// PutIfAbsent stores a value only if the key does not exist yet.
	// It reports whether the value was stored.
	PutIfAbsent(ctx context.Context, key string, value string) (bool, error)

	// Get retrieves a value for the given key.
	// Returns ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes a value for the given key.
	// Returns nil if the key doesn't exist (idempotent operation).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in the store.
	Exists(ctx context.Context, key string) (bool, error)

	// Lock takes an exclusive cluster-wide lock on key. It waits up to timeout
	// for a competing holder; the lock expires after lease if never released.
	// Returns ErrLockNotAcquired when the timeout elapses.
	Lock(ctx context.Context, key string, timeout, lease time.Duration) (Unlocker, error)

	// Ping verifies connectivity to the store.
	// This is used for health checks to ensure the store is reachable and responsive.
	Ping(ctx context.Context) error

	// Stats returns current statistics about the store.
	// This includes cluster membership, partition information, and storage metrics.
	Stats(ctx context.Context) (*StoreStats, error)

	// Close gracefully shuts down the store connection.
	// For embedded stores like Olric, this will also leave the cluster properly
	// and shut down the embedded server.
	Close(ctx context.Context) error
}

// Unlocker releases a lock obtained from Store.Lock.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// StoreStats represents statistics about the distributed store.
// These metrics are useful for monitoring cluster health and performance.
type StoreStats struct {
	// ClusterMembers is the number of active members in the cluster.
	ClusterMembers int

	// PartitionCount is the total number of partitions in the cluster.
	// Partitions are used to distribute data across cluster members.
	PartitionCount int

	// BackupCount is the number of backup replicas for partitions.
	BackupCount int

	// ReplicationFactor is the number of copies of each partition.
	ReplicationFactor int

	// TotalKeys is the total number of keys stored across all partitions.
	TotalKeys int64

	// MemoryUsage is the total memory used by the store in bytes.
	MemoryUsage int64
}
