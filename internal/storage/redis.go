package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/model"
)

// Each entity is a hash with the JSON document in "data" and the revision in
// "rev". The revision field is authoritative over the one inside the JSON.
var casScript = redis.NewScript(`
local rev = redis.call("HGET", KEYS[1], "rev")
if not rev then
    return -1
end
if tonumber(rev) ~= tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[2], "rev", ARGV[3])
return 1
`)

var upsertScript = redis.NewScript(`
local rev = redis.call("HINCRBY", KEYS[1], "rev", 1)
redis.call("HSET", KEYS[1], "data", ARGV[1])
return rev
`)

// RedisEntityStore implements EntityStore on a Redis server.
type RedisEntityStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

var _ EntityStore = (*RedisEntityStore)(nil)

// NewRedisEntityStore returns a store using the provided client. Keys are
// written as prefix + "entity:{type}:{id}".
func NewRedisEntityStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisEntityStore {
	return &RedisEntityStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisEntityStore) key(entityType, id string) string {
	return s.prefix + entityKey(entityType, id)
}

// Load retrieves an entity by type and id.
func (s *RedisEntityStore) Load(ctx context.Context, entityType, id string) (*model.Entity, error) {
	if entityType == "" || id == "" {
		return nil, fmt.Errorf("entity type and id cannot be empty")
	}

	values, err := s.client.HMGet(ctx, s.key(entityType, id), "data", "rev").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	data, ok := values[0].(string)
	if !ok {
		return nil, ErrEntityNotFound
	}
	rev, _ := values[1].(string)

	var entity model.Entity
	if err := json.Unmarshal([]byte(data), &entity); err != nil {
		return nil, fmt.Errorf("failed to deserialize entity: %w", err)
	}
	entity.Revision, err = strconv.ParseUint(rev, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid entity revision %q: %w", rev, err)
	}
	return &entity, nil
}

// Save writes the entity when the stored revision equals entity.Revision.
func (s *RedisEntityStore) Save(ctx context.Context, entity *model.Entity) error {
	if err := validateEntity(entity); err != nil {
		return err
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to serialize entity: %w", err)
	}

	key := s.key(entity.Type, entity.ID)
	res, err := casScript.Run(ctx, s.client, []string{key}, entity.Revision, string(data), entity.Revision+1).Int()
	if err != nil {
		return fmt.Errorf("failed to store entity: %w", err)
	}

	switch res {
	case -1:
		return ErrEntityNotFound
	case 0:
		s.logger.Debug("Entity revision moved",
			zap.String("key", key),
			zap.Uint64("expected", entity.Revision),
		)
		return fmt.Errorf("%w: %s/%s", ErrRevisionConflict, entity.Type, entity.ID)
	}
	entity.Revision++
	return nil
}

// Upsert writes the entity, creating it when missing.
func (s *RedisEntityStore) Upsert(ctx context.Context, entity *model.Entity) error {
	if err := validateEntity(entity); err != nil {
		return err
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to serialize entity: %w", err)
	}

	rev, err := upsertScript.Run(ctx, s.client, []string{s.key(entity.Type, entity.ID)}, string(data)).Int64()
	if err != nil {
		return fmt.Errorf("failed to store entity: %w", err)
	}
	entity.Revision = uint64(rev)
	return nil
}

// Ping checks the connection to Redis.
func (s *RedisEntityStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
