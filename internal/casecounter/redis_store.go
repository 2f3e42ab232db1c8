package casecounter

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding one field per tenant.
const DefaultRedisKey = "warden:cases"

// RedisStore keeps last used numbers in a redis hash.
type RedisStore struct {
	Client *redis.Client
	Key    string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{Client: rdb, Key: DefaultRedisKey}, nil
}

func (s *RedisStore) Load(ctx context.Context, tenantID string) (int64, error) {
	value, err := s.Client.HGet(ctx, s.Key, tenantID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load case number for tenant %s: %w", tenantID, err)
	}

	return value, nil
}

func (s *RedisStore) Save(ctx context.Context, tenantID string, value int64) error {
	if err := s.Client.HSet(ctx, s.Key, tenantID, value).Err(); err != nil {
		return fmt.Errorf("save case number for tenant %s: %w", tenantID, err)
	}

	return nil
}

// Close releases the redis connection.
func (s *RedisStore) Close() error {
	return s.Client.Close()
}
