package preview

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentworkforce/prunebox/internal/prune"
)

const defaultRedisPrefix = "prunebox:preview:"

type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisStore lets previews expire on their own if a dialog never resolves.
type RedisStore struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(opts *redis.Options, prefix string, ttl time.Duration) *RedisStore {
	return newRedisStore(redis.NewClient(opts), prefix, ttl)
}

func newRedisStore(client redisClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, key string, p prune.Preview) error {
	if err := validKey(key); err != nil {
		return err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, payload, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (prune.Preview, error) {
	payload, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return prune.Preview{}, ErrNotFound
	}
	if err != nil {
		return prune.Preview{}, err
	}
	var p prune.Preview
	if err := json.Unmarshal(payload, &p); err != nil {
		return prune.Preview{}, err
	}
	return p, nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
