package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"matchchat/internal/domain"

	"go.uber.org/zap"
)

const (
	relayChannelPrefix = "relay:conversation:"
	relayDedupeTTL     = 24 * time.Hour
)

func relayChannel(conversationID string) string {
	return relayChannelPrefix + conversationID
}

func relayDedupeKey(senderID, clientID string) string {
	return fmt.Sprintf("relay:dedupe:%s:%s", senderID, clientID)
}

// PushMessage publishes msg on its conversation channel. A (sender, clientId)
// pair is published at most once; pushed is false for repeats.
func (r *RedisClient) PushMessage(ctx context.Context, msg domain.Message) (bool, error) {
	fresh, err := r.client.SetNX(ctx, relayDedupeKey(msg.SenderID, msg.ClientID), msg.ConversationID, relayDedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("relay dedupe: %w", err)
	}
	if !fresh {
		return false, nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	if err := r.client.Publish(ctx, relayChannel(msg.ConversationID), data).Err(); err != nil {
		return false, fmt.Errorf("relay publish: %w", err)
	}
	return true, nil
}

// Forget clears the dedupe mark of (senderID, clientID).
func (r *RedisClient) Forget(ctx context.Context, senderID, clientID string) error {
	if err := r.client.Del(ctx, relayDedupeKey(senderID, clientID)).Err(); err != nil {
		return fmt.Errorf("relay forget: %w", err)
	}
	return nil
}

// SubscribeRelay delivers every relayed message to handler until ctx is done.
func (r *RedisClient) SubscribeRelay(ctx context.Context, logger *zap.Logger, handler func(domain.Message)) error {
	pubsub := r.client.PSubscribe(ctx, relayChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg domain.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				logger.Warn("Dropping malformed relay payload", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			r.dispatchRelay(logger, handler, msg)
		}
	}
}

func (r *RedisClient) dispatchRelay(logger *zap.Logger, handler func(domain.Message), msg domain.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Recovered from panic in relay handler", zap.Any("panic", rec))
		}
	}()
	handler(msg)
}
