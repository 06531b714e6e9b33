package site

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/store"
)

type failingStore struct {
	*store.MemoryStore
}

func (f failingStore) PutIfAbsent(ctx context.Context, key, value string) (bool, error) {
	return false, errors.New("cluster unavailable")
}

func TestResolveConfigured(t *testing.T) {
	kv := store.NewMemoryStore()

	id, err := Resolve(context.Background(), kv, "site-a", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "site-a", id.Current())

	exists, err := kv.Exists(context.Background(), Key)
	require.NoError(t, err)
	assert.False(t, exists, "a configured identity is never persisted")
}

func TestResolveGeneratedIsStable(t *testing.T) {
	kv := store.NewMemoryStore()
	ctx := context.Background()

	first, err := Resolve(ctx, kv, "", zap.NewNop())
	require.NoError(t, err)
	_, err = uuid.Parse(first.Current())
	assert.NoError(t, err, "generated identity should be a uuid")

	// A second member of the cluster, or a restart, sees the same identity.
	second, err := Resolve(ctx, kv, "", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveStoreFailure(t *testing.T) {
	_, err := Resolve(context.Background(), failingStore{store.NewMemoryStore()}, "", zap.NewNop())
	assert.ErrorContains(t, err, "failed to store site identity")
}

func TestStatic(t *testing.T) {
	var id Identity = Static("site-b")
	assert.Equal(t, "site-b", id.Current())
}
