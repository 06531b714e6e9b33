package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/model"
)

type fakeStore struct {
	records  []model.StatusRecord
	findErr  error
	clearErr error
	cleared  [][]model.StatusRecord
}

func (f *fakeStore) FindByEntity(ctx context.Context, entityType, entityUUID string) ([]model.StatusRecord, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []model.StatusRecord
	for _, r := range f.records {
		if r.EntityType == entityType && r.EntityUUID == entityUUID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) BulkClearPullTimestamp(ctx context.Context, records []model.StatusRecord) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared = append(f.cleared, records)
	return nil
}

func record(pool string, pulled bool) model.StatusRecord {
	r := model.StatusRecord{EntityType: "node", EntityUUID: "u-1", PoolID: pool, FlowID: "f"}
	if pulled {
		ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		r.LastPull = &ts
	}
	return r
}

var entity = &model.Entity{Type: "node", ID: "1", UUID: "u-1", Bundle: "article"}

func TestPoolsOf(t *testing.T) {
	tests := []struct {
		name    string
		records []model.StatusRecord
		want    []string
	}{
		{name: "no records", records: nil, want: []string{}},
		{name: "single pool", records: []model.StatusRecord{record("p1", true)}, want: []string{"p1"}},
		{
			name:    "sorted regardless of retrieval order",
			records: []model.StatusRecord{record("p3", false), record("p1", true), record("p2", false)},
			want:    []string{"p1", "p2", "p3"},
		},
		{
			name:    "duplicates collapse",
			records: []model.StatusRecord{record("p2", true), record("p2", false), record("p1", false)},
			want:    []string{"p1", "p2"},
		},
		{
			name: "records of other entities ignored",
			records: []model.StatusRecord{
				record("p1", false),
				{EntityType: "node", EntityUUID: "u-2", PoolID: "p9"},
			},
			want: []string{"p1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := NewIndex(&fakeStore{records: tt.records}, zap.NewNop())

			pools, err := idx.PoolsOf(context.Background(), entity)
			require.NoError(t, err)

			ids := make([]string, 0, len(pools))
			for _, p := range pools {
				ids = append(ids, p.ID)
			}
			assert.Equal(t, tt.want, ids)

			// Idempotent: a second call returns the same pools.
			again, err := idx.PoolsOf(context.Background(), entity)
			require.NoError(t, err)
			assert.Equal(t, pools, again)
		})
	}
}

func TestPoolsOfStoreError(t *testing.T) {
	idx := NewIndex(&fakeStore{findErr: errors.New("connection reset")}, zap.NewNop())

	_, err := idx.PoolsOf(context.Background(), entity)
	assert.ErrorContains(t, err, "connection reset")
}

func TestClearPullTimestamps(t *testing.T) {
	store := &fakeStore{records: []model.StatusRecord{record("p1", true), record("p2", false)}}
	idx := NewIndex(store, zap.NewNop())

	require.NoError(t, idx.ClearPullTimestamps(context.Background(), entity))
	require.Len(t, store.cleared, 1, "one bulk write per call")
	assert.Len(t, store.cleared[0], 2)
}

func TestClearPullTimestampsNoRecords(t *testing.T) {
	store := &fakeStore{}
	idx := NewIndex(store, zap.NewNop())

	require.NoError(t, idx.ClearPullTimestamps(context.Background(), entity))
	assert.Empty(t, store.cleared)
}

func TestClearPullTimestampsFailure(t *testing.T) {
	cause := errors.New("deadlock detected")
	store := &fakeStore{records: []model.StatusRecord{record("p1", true)}, clearErr: cause}
	idx := NewIndex(store, zap.NewNop())

	err := idx.ClearPullTimestamps(context.Background(), entity)
	assert.ErrorIs(t, err, cause)
}
