package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps credentials under "<namespace>:<key>" in redis, for
// deployments where a login service writes the token centrally.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisStore connects lazily to the redis instance at url.
func NewRedisStore(url, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if namespace == "" {
		namespace = "kyoos:credential"
	}
	return &RedisStore{rdb: redis.NewClient(opts), namespace: namespace}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, v != "", nil
}

// Set implements Writer.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, s.key(key), value, 0).Err()
}

// Delete implements Writer.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) key(k string) string {
	return s.namespace + ":" + k
}
