package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"matchchat/internal/domain"

	"github.com/go-redis/redis/v8"
)

func typingKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:typing", conversationID)
}

// SetUserTyping stores the indicator scored by its expiry.
func (r *RedisClient) SetUserTyping(ctx context.Context, conversationID, userID string, expiresAt time.Time) error {
	key := typingKey(conversationID)
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(expiresAt.UnixMilli()), Member: userID})
	pipe.PExpireAt(ctx, key, expiresAt.Add(time.Second))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisClient) ClearUserTyping(ctx context.Context, conversationID, userID string) error {
	return r.client.ZRem(ctx, typingKey(conversationID), userID).Err()
}

// GetTypingUsers prunes indicators that lapsed at or before now and returns
// the rest.
func (r *RedisClient) GetTypingUsers(ctx context.Context, conversationID string, now time.Time) ([]domain.TypingIndicator, error) {
	key := typingKey(conversationID)
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10)).Err(); err != nil {
		return nil, err
	}

	entries, err := r.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	indicators := make([]domain.TypingIndicator, 0, len(entries))
	for _, z := range entries {
		userID, ok := z.Member.(string)
		if !ok {
			continue
		}
		indicators = append(indicators, domain.TypingIndicator{
			ConversationID: conversationID,
			UserID:         userID,
			ExpiresAt:      time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return indicators, nil
}
