package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"matchchat/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TopicChatMessages     = "chat-messages"
	TopicTypingIndicators = "typing-indicators"
	TopicConnectionStatus = "connection-status"
	TopicCallSignals      = "call-signals"
	TopicUserEvents       = "user-events"
)

type KafkaProducer struct {
	Writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaProducer(brokers []string, logger *zap.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
		// Optimize for low latency
		BatchSize:    1,
		BatchTimeout: time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaProducer{Writer: writer, logger: logger}
}

// Publish writes event to the topic chosen by its type. The partition key
// keeps events of one conversation, user or call in order.
func (k *KafkaProducer) Publish(ctx context.Context, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	topic, key := getTopicForMessage(event)
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	}

	if err := k.Writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Warn("Failed to send message to Kafka", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

// Notify routes a socket frame for userID through the user-events topic.
func (k *KafkaProducer) Notify(ctx context.Context, userID string, event domain.WebSocketResponse) error {
	return k.Publish(ctx, domain.UserEvent{UserID: userID, Event: event})
}

func getTopicForMessage(message interface{}) (string, string) {
	switch m := message.(type) {
	case domain.MessageLifecycleEvent:
		return TopicChatMessages, m.ConversationID
	case domain.TypingMessage:
		return TopicTypingIndicators, m.ConversationID
	case domain.ConnectionStatusMessage:
		return TopicConnectionStatus, m.UserID
	case domain.CallSignalEvent:
		return TopicCallSignals, m.CallID
	case domain.UserEvent:
		return TopicUserEvents, m.UserID
	default:
		return TopicChatMessages, ""
	}
}

func (k *KafkaProducer) Close() error {
	return k.Writer.Close()
}
