package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (r *RedisStore) SetRoute(ctx context.Context, targetID, topic string) error {
	return r.client.Set(ctx, "route:"+targetID, topic, 0).Err()
}

func (r *RedisStore) Route(ctx context.Context, targetID string) (string, error) {
	topic, err := r.client.Get(ctx, "route:"+targetID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return topic, err
}

func (r *RedisStore) MarkSeen(ctx context.Context, msgID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, "seen:"+msgID, 1, ttl).Result()
}

func (r *RedisStore) Forget(ctx context.Context, msgID string) error {
	return r.client.Del(ctx, "seen:"+msgID).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
