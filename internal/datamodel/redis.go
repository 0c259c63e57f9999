package datamodel

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisStore keeps parameter values in a Redis hash. Reads are served from
// the embedded Store; every applied mutation is written through.
type RedisStore struct {
	*Store
	client *redis.Client
	key    string
}

// NewRedisStore loads the hash at key. An empty hash is seeded from
// defaults.
func NewRedisStore(ctx context.Context, client *redis.Client, key string, schema *Schema, defaults map[string]string, opts ...Option) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	values, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load %s: %w", key, err)
	}
	if len(values) == 0 && len(defaults) > 0 {
		fields := make(map[string]any, len(defaults))
		for k, v := range defaults {
			fields[k] = v
		}
		if err := client.HSet(ctx, key, fields).Err(); err != nil {
			return nil, fmt.Errorf("redis seed %s: %w", key, err)
		}
		values = defaults
		log.Info().Str("key", key).Int("params", len(defaults)).Msg("datamodel redis hash seeded")
	}
	rs := &RedisStore{client: client, key: key}
	opts = append([]Option{WithPersister(rs)}, opts...)
	rs.Store = NewStore(schema, values, opts...)
	return rs, nil
}

func (r *RedisStore) Persist(ctx context.Context, _ map[string]string, changed map[string]string, removed []string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(changed) > 0 {
			fields := make(map[string]any, len(changed))
			for k, v := range changed {
				fields[k] = v
			}
			pipe.HSet(ctx, r.key, fields)
		}
		if len(removed) > 0 {
			pipe.HDel(ctx, r.key, removed...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis persist %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
