package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a single-process Store used by unit tests and local
// development runs. Locks and TTLs behave like the Olric store but nothing is
// shared between processes.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memoryValue
	locks  map[string]*memoryLock
	closed bool
	now    func() time.Time
}

type memoryValue struct {
	value   string
	expires time.Time
}

type memoryLock struct {
	expires time.Time
}

// lockPollInterval is how often a blocked Lock call re-checks the holder.
const lockPollInterval = 5 * time.Millisecond

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryValue),
		locks:  make(map[string]*memoryLock),
		now:    time.Now,
	}
}

// getLocked returns the live value for key. Callers hold s.mu.
func (s *MemoryStore) getLocked(key string) (string, bool) {
	v, ok := s.values[key]
	if !ok {
		return "", false
	}
	if !v.expires.IsZero() && !s.now().Before(v.expires) {
		delete(s.values, key)
		return "", false
	}
	return v.value, true
}

// Put stores a value with an optional TTL.
func (s *MemoryStore) Put(_ context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := memoryValue{value: value}
	if ttl > 0 {
		v.expires = s.now().Add(ttl)
	}
	s.values[key] = v
	return nil
}

// PutIfAbsent stores a value only if the key does not exist yet.
func (s *MemoryStore) PutIfAbsent(_ context.Context, key string, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.getLocked(key); ok {
		return false, nil
	}
	s.values[key] = memoryValue{value: value}
	return true, nil
}

// Get retrieves a value for the given key.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.getLocked(key)
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

// Delete removes a value for the given key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return nil
}

// Exists checks if a key exists in the store.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.getLocked(key)
	return ok, nil
}

// Lock takes an exclusive lock on key, polling until timeout elapses.
func (s *MemoryStore) Lock(ctx context.Context, key string, timeout, lease time.Duration) (Unlocker, error) {
	deadline := s.now().Add(timeout)

	for {
		if l, ok := s.tryLock(key, lease); ok {
			return &memoryUnlocker{store: s, key: key, lock: l}, nil
		}
		if !s.now().Before(deadline) {
			return nil, ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (s *MemoryStore) tryLock(key string, lease time.Duration) (*memoryLock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.locks[key]; ok && s.now().Before(held.expires) {
		return nil, false
	}
	l := &memoryLock{expires: s.now().Add(lease)}
	s.locks[key] = l
	return l, true
}

type memoryUnlocker struct {
	store *MemoryStore
	key   string
	lock  *memoryLock
}

// Unlock releases the lock if it is still held by this holder.
func (u *memoryUnlocker) Unlock(_ context.Context) error {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	if held, ok := u.store.locks[u.key]; ok && held == u.lock {
		delete(u.store.locks, u.key)
		return nil
	}
	return ErrLockNotAcquired
}

// Ping verifies the store has not been closed.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Stats returns statistics for the single in-process member.
func (s *MemoryStore) Stats(_ context.Context) (*StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &StoreStats{
		ClusterMembers:    1,
		PartitionCount:    1,
		ReplicationFactor: 1,
		TotalKeys:         int64(len(s.values)),
	}, nil
}

// Close marks the store closed. Data is kept so tests can inspect it.
func (s *MemoryStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
