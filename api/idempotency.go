package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const inFlightMarker = "in-flight"

// RedisDeduper remembers move requests by their Idempotency-Key so a client
// retrying after a dropped connection gets the first answer instead of a
// second PATCH.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("move:%s:%s", userID, key)
}

// Begin claims key for userID. When the key was already claimed it returns
// the stored response, or nil while the first request is still running.
func (r *RedisDeduper) Begin(ctx context.Context, userID, key string) (fresh bool, stored []byte, err error) {
	ok, err := r.client.SetNX(ctx, r.key(userID, key), inFlightMarker, r.ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if ok {
		return true, nil, nil
	}
	val, err := r.client.Get(ctx, r.key(userID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; try once more.
		ok, err = r.client.SetNX(ctx, r.key(userID, key), inFlightMarker, r.ttl).Result()
		return ok, nil, err
	}
	if err != nil {
		return false, nil, err
	}
	if string(val) == inFlightMarker {
		return false, nil, nil
	}
	return false, val, nil
}

// Complete stores the response body for later replays.
func (r *RedisDeduper) Complete(ctx context.Context, userID, key string, body []byte) error {
	return r.client.Set(ctx, r.key(userID, key), body, r.ttl).Err()
}

// Remove deletes a previously recorded key. It is used when the move fails
// so the caller may retry it.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
