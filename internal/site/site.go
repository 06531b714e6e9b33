// Package site resolves the identifier of the local replication site. The
// identifier is written into an entity's lock owner field when this site
// takes the lock.
package site

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/store"
)

// Key is the store key holding the generated site identifier.
const Key = "site:id"

// Identity returns the stable identifier of the current site.
type Identity interface {
	Current() string
}

// Static is an Identity with a fixed value.
type Static string

// Current returns the site identifier.
func (s Static) Current() string {
	return string(s)
}

// Resolve returns the configured site identifier, or the identifier shared by
// every member of the cluster. The first member to start generates a uuid
// and stores it; later members and restarts read the stored value back.
func Resolve(ctx context.Context, kv store.Store, configured string, logger *zap.Logger) (Static, error) {
	if configured != "" {
		logger.Info("Using configured site identity", zap.String("site_id", configured))
		return Static(configured), nil
	}

	candidate := uuid.NewString()
	stored, err := kv.PutIfAbsent(ctx, Key, candidate)
	if err != nil {
		return "", fmt.Errorf("failed to store site identity: %w", err)
	}
	if stored {
		logger.Info("Generated site identity", zap.String("site_id", candidate))
		return Static(candidate), nil
	}

	existing, err := kv.Get(ctx, Key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return "", fmt.Errorf("site identity disappeared after it was written: %w", err)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read site identity: %w", err)
	}

	logger.Debug("Loaded site identity", zap.String("site_id", existing))
	return Static(existing), nil
}
