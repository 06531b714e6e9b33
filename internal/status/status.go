// Package status derives the pool footprint of an entity from its
// synchronization status records.
package status

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/model"
)

// Store is the persistence of per (entity, pool) status records.
type Store interface {
	// FindByEntity returns every status record of the entity.
	FindByEntity(ctx context.Context, entityType, entityUUID string) ([]model.StatusRecord, error)

	// BulkClearPullTimestamp sets LastPull to nil on all given records in one
	// all-or-none write.
	BulkClearPullTimestamp(ctx context.Context, records []model.StatusRecord) error
}

// Index answers which pools an entity is replicated into.
type Index struct {
	store  Store
	logger *zap.Logger
}

// NewIndex creates an Index over the given status store.
func NewIndex(store Store, logger *zap.Logger) *Index {
	return &Index{
		store:  store,
		logger: logger,
	}
}

// PoolsOf returns the distinct pools the entity has status records in,
// sorted by pool id. No records yields an empty result and no error.
func (i *Index) PoolsOf(ctx context.Context, entity *model.Entity) ([]model.Pool, error) {
	records, err := i.store.FindByEntity(ctx, entity.Type, entity.UUID)
	if err != nil {
		return nil, fmt.Errorf("failed to find status records: %w", err)
	}

	seen := make(map[string]struct{}, len(records))
	pools := make([]model.Pool, 0, len(records))
	for _, r := range records {
		if _, ok := seen[r.PoolID]; ok {
			continue
		}
		seen[r.PoolID] = struct{}{}
		pools = append(pools, model.Pool{ID: r.PoolID})
	}

	sort.Slice(pools, func(a, b int) bool {
		return pools[a].ID < pools[b].ID
	})

	i.logger.Debug("Resolved entity pools",
		zap.String("entity_type", entity.Type),
		zap.String("entity_uuid", entity.UUID),
		zap.Int("records", len(records)),
		zap.Int("pools", len(pools)),
	)

	return pools, nil
}

// ClearPullTimestamps clears LastPull on every status record of the entity so
// the next reconciliation treats the local copy as authoritative. It is a
// no-op for an entity without records.
func (i *Index) ClearPullTimestamps(ctx context.Context, entity *model.Entity) error {
	records, err := i.store.FindByEntity(ctx, entity.Type, entity.UUID)
	if err != nil {
		return fmt.Errorf("failed to find status records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	if err := i.store.BulkClearPullTimestamp(ctx, records); err != nil {
		return fmt.Errorf("failed to clear pull timestamps on %d records: %w", len(records), err)
	}

	i.logger.Debug("Cleared pull timestamps",
		zap.String("entity_type", entity.Type),
		zap.String("entity_uuid", entity.UUID),
		zap.Int("records", len(records)),
	)

	return nil
}
