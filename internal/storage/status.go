package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/model"
	"github.com/n3tuk/content-sync-lock/internal/store"
)

// StatusStore reads and updates synchronization status records.
type StatusStore interface {
	// FindByEntity returns every record of the entity, possibly none.
	FindByEntity(ctx context.Context, entityType, uuid string) ([]model.StatusRecord, error)

	// BulkClearPullTimestamp sets LastPull to nil on all given records in one
	// all-or-none update.
	BulkClearPullTimestamp(ctx context.Context, records []model.StatusRecord) error

	// PutRecord creates or replaces the record of (entity, pool).
	PutRecord(ctx context.Context, record model.StatusRecord) error
}

// KVStatusStore keeps all records of one entity as a single JSON list under
// "status:{type}:{uuid}" in a store.Store.
type KVStatusStore struct {
	kv     store.Store
	locker *keyLocker
	logger *zap.Logger
}

var _ StatusStore = (*KVStatusStore)(nil)

// NewKVStatusStore creates a new KVStatusStore.
func NewKVStatusStore(kv store.Store, logger *zap.Logger) *KVStatusStore {
	return &KVStatusStore{
		kv: kv,
		locker: &keyLocker{
			kv:     kv,
			wait:   DefaultLockWait,
			lease:  DefaultLockLease,
			logger: logger,
		},
		logger: logger,
	}
}

// FindByEntity returns the records stored for the entity.
func (s *KVStatusStore) FindByEntity(ctx context.Context, entityType, uuid string) ([]model.StatusRecord, error) {
	if entityType == "" || uuid == "" {
		return nil, fmt.Errorf("entity type and uuid cannot be empty")
	}
	return s.load(ctx, statusKey(entityType, uuid))
}

func (s *KVStatusStore) load(ctx context.Context, key string) ([]model.StatusRecord, error) {
	value, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get status records: %w", err)
	}

	var records []model.StatusRecord
	if err := json.Unmarshal([]byte(value), &records); err != nil {
		return nil, fmt.Errorf("failed to deserialize status records: %w", err)
	}
	return records, nil
}

func (s *KVStatusStore) put(ctx context.Context, key string, records []model.StatusRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to serialize status records: %w", err)
	}
	if err := s.kv.Put(ctx, key, string(data), 0); err != nil {
		return fmt.Errorf("failed to store status records: %w", err)
	}
	return nil
}

// PutRecord creates or replaces one record.
func (s *KVStatusStore) PutRecord(ctx context.Context, record model.StatusRecord) error {
	if record.EntityType == "" || record.EntityUUID == "" || record.PoolID == "" {
		return fmt.Errorf("entity type, uuid and pool id cannot be empty")
	}
	key := statusKey(record.EntityType, record.EntityUUID)

	return s.locker.withLock(ctx, key, func() error {
		records, err := s.load(ctx, key)
		if err != nil {
			return err
		}

		replaced := false
		for i := range records {
			if records[i].PoolID == record.PoolID {
				records[i] = record
				replaced = true
				break
			}
		}
		if !replaced {
			records = append(records, record)
		}
		return s.put(ctx, key, records)
	})
}

// BulkClearPullTimestamp clears LastPull on the given records. Every affected
// entity key is locked and checked before the first write, so a missing
// record leaves all keys untouched.
func (s *KVStatusStore) BulkClearPullTimestamp(ctx context.Context, records []model.StatusRecord) error {
	if len(records) == 0 {
		return nil
	}

	pools := make(map[string]map[string]struct{})
	for _, r := range records {
		key := statusKey(r.EntityType, r.EntityUUID)
		if pools[key] == nil {
			pools[key] = make(map[string]struct{})
		}
		pools[key][r.PoolID] = struct{}{}
	}

	keys := make([]string, 0, len(pools))
	for key := range pools {
		keys = append(keys, key)
	}
	// Fixed order avoids lock cycles between concurrent bulk updates.
	sort.Strings(keys)

	for _, key := range keys {
		unlocker, err := s.locker.acquire(ctx, key)
		if err != nil {
			return err
		}
		defer s.locker.release(ctx, key, unlocker)
	}

	updated := make(map[string][]model.StatusRecord, len(keys))
	for _, key := range keys {
		stored, err := s.load(ctx, key)
		if err != nil {
			return err
		}

		wanted := pools[key]
		found := 0
		for i := range stored {
			if _, ok := wanted[stored[i].PoolID]; ok {
				stored[i].LastPull = nil
				found++
			}
		}
		if found != len(wanted) {
			return fmt.Errorf("%w: %s has %d of %d records", ErrRecordNotFound, key, found, len(wanted))
		}
		updated[key] = stored
	}

	for _, key := range keys {
		if err := s.put(ctx, key, updated[key]); err != nil {
			return err
		}
	}

	s.logger.Debug("Cleared pull timestamps",
		zap.Int("records", len(records)),
		zap.Int("entities", len(keys)),
	)
	return nil
}
