package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const lastSeenHash = "presence:last_seen"

func onlineKey(userID string) string {
	return fmt.Sprintf("presence:online:%s", userID)
}

// SetOnline marks userID online for ttl and records at as last seen. Calling
// it again before ttl elapses keeps the user online.
func (r *RedisClient) SetOnline(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, onlineKey(userID), at.UnixMilli(), ttl)
	pipe.HSet(ctx, lastSeenHash, userID, at.UnixMilli())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisClient) SetOffline(ctx context.Context, userID string, at time.Time) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, onlineKey(userID))
	pipe.HSet(ctx, lastSeenHash, userID, at.UnixMilli())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisClient) GetPresence(ctx context.Context, userID string) (bool, *time.Time, error) {
	exists, err := r.client.Exists(ctx, onlineKey(userID)).Result()
	if err != nil {
		return false, nil, err
	}

	ms, err := r.client.HGet(ctx, lastSeenHash, userID).Int64()
	if errors.Is(err, redis.Nil) {
		return exists == 1, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	lastSeen := time.UnixMilli(ms).UTC()
	return exists == 1, &lastSeen, nil
}
