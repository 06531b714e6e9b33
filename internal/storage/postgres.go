package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/model"
)

const statusSchema = `
CREATE TABLE IF NOT EXISTS content_sync_status (
	entity_type TEXT NOT NULL,
	entity_uuid TEXT NOT NULL,
	pool_id     TEXT NOT NULL,
	flow_id     TEXT NOT NULL DEFAULT '',
	last_pull   TIMESTAMPTZ NULL,
	PRIMARY KEY (entity_type, entity_uuid, pool_id)
)`

// PostgresStatusStore implements StatusStore on the content_sync_status table.
type PostgresStatusStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ StatusStore = (*PostgresStatusStore)(nil)

// NewPostgresStatusStore creates a store using the provided database handle.
func NewPostgresStatusStore(db *sql.DB, logger *zap.Logger) *PostgresStatusStore {
	return &PostgresStatusStore{db: db, logger: logger}
}

// EnsureSchema creates the status table when it does not exist.
func (s *PostgresStatusStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, statusSchema); err != nil {
		return fmt.Errorf("failed to create status table: %w", err)
	}
	return nil
}

// FindByEntity returns the records of the entity ordered by pool id.
func (s *PostgresStatusStore) FindByEntity(ctx context.Context, entityType, uuid string) ([]model.StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_uuid, pool_id, flow_id, last_pull
		FROM content_sync_status
		WHERE entity_type = $1 AND entity_uuid = $2
		ORDER BY pool_id
	`, entityType, uuid)
	if err != nil {
		return nil, fmt.Errorf("failed to query status records: %w", err)
	}
	defer rows.Close()

	var records []model.StatusRecord
	for rows.Next() {
		var (
			r        model.StatusRecord
			lastPull sql.NullTime
		)
		if err := rows.Scan(&r.EntityType, &r.EntityUUID, &r.PoolID, &r.FlowID, &lastPull); err != nil {
			return nil, fmt.Errorf("failed to scan status record: %w", err)
		}
		if lastPull.Valid {
			t := lastPull.Time
			r.LastPull = &t
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status records: %w", err)
	}
	return records, nil
}

// PutRecord creates or replaces one record.
func (s *PostgresStatusStore) PutRecord(ctx context.Context, record model.StatusRecord) error {
	if record.EntityType == "" || record.EntityUUID == "" || record.PoolID == "" {
		return fmt.Errorf("entity type, uuid and pool id cannot be empty")
	}

	var lastPull sql.NullTime
	if record.LastPull != nil {
		lastPull = sql.NullTime{Time: *record.LastPull, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_sync_status (entity_type, entity_uuid, pool_id, flow_id, last_pull)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_type, entity_uuid, pool_id)
		DO UPDATE SET flow_id = EXCLUDED.flow_id, last_pull = EXCLUDED.last_pull
	`, record.EntityType, record.EntityUUID, record.PoolID, record.FlowID, lastPull)
	if err != nil {
		return fmt.Errorf("failed to store status record: %w", err)
	}
	return nil
}

// BulkClearPullTimestamp clears LastPull on the given records inside one
// transaction. It rolls back when fewer rows match than records were given.
func (s *PostgresStatusStore) BulkClearPullTimestamp(ctx context.Context, records []model.StatusRecord) (err error) {
	if len(records) == 0 {
		return nil
	}

	pools := make(map[[2]string][]string)
	seen := make(map[[3]string]struct{})
	var order [][2]string
	for _, r := range records {
		if _, ok := seen[[3]string{r.EntityType, r.EntityUUID, r.PoolID}]; ok {
			continue
		}
		seen[[3]string{r.EntityType, r.EntityUUID, r.PoolID}] = struct{}{}

		k := [2]string{r.EntityType, r.EntityUUID}
		if _, ok := pools[k]; !ok {
			order = append(order, k)
		}
		pools[k] = append(pools[k], r.PoolID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("Failed to roll back status update", zap.Error(rbErr))
			}
		}
	}()

	for _, k := range order {
		result, err := tx.ExecContext(ctx, `
			UPDATE content_sync_status
			SET last_pull = NULL
			WHERE entity_type = $1 AND entity_uuid = $2 AND pool_id = ANY($3)
		`, k[0], k[1], pq.Array(pools[k]))
		if err != nil {
			return fmt.Errorf("failed to clear pull timestamps: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to clear pull timestamps: %w", err)
		}
		if affected != int64(len(pools[k])) {
			return fmt.Errorf("%w: %s/%s matched %d of %d records",
				ErrRecordNotFound, k[0], k[1], affected, len(pools[k]))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}
	return nil
}
