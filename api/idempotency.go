package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultIdempotencyTTL = 24 * time.Hour

	pendingMarker = "\x00pending"
)

// RedisDeduper stores idempotency keys and the responses they produced in
// Redis so every instance answers a replayed mutation the same way.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", userID, key)
}

// Begin claims the key. A replay returns false with the stored response, or
// a nil response while the first request is still in flight.
func (r *RedisDeduper) Begin(ctx context.Context, userID, key string) (bool, []byte, error) {
	k := r.key(userID, key)
	added, err := r.client.SetNX(ctx, k, pendingMarker, r.ttl).Result()
	if err != nil || added {
		return added, nil, err
	}
	stored, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// Released between SETNX and GET: claim it again.
		added, err = r.client.SetNX(ctx, k, pendingMarker, r.ttl).Result()
		return added, nil, err
	}
	if err != nil {
		return false, nil, err
	}
	if string(stored) == pendingMarker {
		return false, nil, nil
	}
	return false, stored, nil
}

// Complete stores the response of a claimed key.
func (r *RedisDeduper) Complete(ctx context.Context, userID, key string, response []byte) error {
	return r.client.Set(ctx, r.key(userID, key), response, r.ttl).Err()
}

// Remove deletes a previously recorded key. It is used when the mutation
// fails so the caller may retry it.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
