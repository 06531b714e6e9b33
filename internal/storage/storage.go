package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/store"
)

// Common errors returned by the storage layer.
var (
	// ErrEntityNotFound is returned when an entity does not exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrRevisionConflict is returned when an entity was written by someone
	// else between load and save.
	ErrRevisionConflict = errors.New("revision conflict: entity modified concurrently")

	// ErrRecordNotFound is returned by a bulk status update when one of the
	// given records no longer exists. Nothing is written in that case.
	ErrRecordNotFound = errors.New("status record not found")
)

const (
	// DefaultLockWait is how long a writer waits for the per-key lock.
	DefaultLockWait = 5 * time.Second

	// DefaultLockLease bounds how long a crashed writer can hold the per-key lock.
	DefaultLockLease = 10 * time.Second
)

func entityKey(entityType, id string) string {
	return "entity:" + entityType + ":" + id
}

func statusKey(entityType, uuid string) string {
	return "status:" + entityType + ":" + uuid
}

func lockKey(key string) string {
	return "lock:" + key
}

// keyLocker serialises read-modify-write cycles on store keys through the
// cluster-wide lock of the underlying store.
type keyLocker struct {
	kv     store.Store
	wait   time.Duration
	lease  time.Duration
	logger *zap.Logger
}

func (l *keyLocker) acquire(ctx context.Context, key string) (store.Unlocker, error) {
	unlocker, err := l.kv.Lock(ctx, lockKey(key), l.wait, l.lease)
	if err != nil {
		if errors.Is(err, store.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: %s is being written", ErrRevisionConflict, key)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	return unlocker, nil
}

func (l *keyLocker) release(ctx context.Context, key string, unlocker store.Unlocker) {
	if err := unlocker.Unlock(context.WithoutCancel(ctx)); err != nil {
		l.logger.Warn("Failed to release key lock",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// withLock runs fn while holding the lock for key.
func (l *keyLocker) withLock(ctx context.Context, key string, fn func() error) error {
	unlocker, err := l.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer l.release(ctx, key, unlocker)

	return fn()
}
