package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"matchchat/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	readRetryInitial = 200 * time.Millisecond
	readRetryMax     = 10 * time.Second
)

type MessageHandler interface {
	HandleUserEvent(evt domain.UserEvent)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type KafkaConsumer struct {
	readers []*kafka.Reader
	handler MessageHandler
	logger  *zap.Logger

	retryInitial time.Duration
}

// FanoutGroupID names a consumer group owned by this process alone. Every
// gateway node must see every user event, so nodes never share a group.
func FanoutGroupID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, host, uuid.NewString()[:8])
}

func NewKafkaConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, logger *zap.Logger) *KafkaConsumer {
	var readers []*kafka.Reader

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 100 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		})
		readers = append(readers, reader)
	}

	return &KafkaConsumer{
		readers:      readers,
		handler:      handler,
		logger:       logger,
		retryInitial: readRetryInitial,
	}
}

func (k *KafkaConsumer) Start(ctx context.Context) error {
	for i := range k.readers {
		go k.consume(ctx, k.readers[i], k.readers[i].Config().Topic)
	}
	return nil
}

// consume reads until ctx is done. Read errors back off exponentially so a
// dead broker does not spin the loop; a successful read resets the delay.
func (k *KafkaConsumer) consume(ctx context.Context, reader messageReader, topic string) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("Recovered from panic in Kafka consumer goroutine",
				zap.String("topic", topic), zap.Any("panic", r))
		}
	}()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = k.retryInitial
	retry.MaxInterval = readRetryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info("Kafka consumer stopping", zap.String("topic", topic))
				return
			}
			delay := retry.NextBackOff()
			if errors.Is(err, kafka.RebalanceInProgress) || errors.Is(err, kafka.LeaderNotAvailable) {
				k.logger.Info("Kafka group busy, retrying", zap.Duration("delay", delay), zap.Error(err))
			} else {
				k.logger.Warn("Error reading Kafka message", zap.Duration("delay", delay), zap.Error(err))
			}
			if !sleepCtx(ctx, delay) {
				k.logger.Info("Kafka consumer stopping", zap.String("topic", topic))
				return
			}
			continue
		}
		retry.Reset()

		if k.handler != nil {
			k.handleMessage(m.Topic, m.Value)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (k *KafkaConsumer) handleMessage(topic string, value []byte) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("Recovered from panic in handleMessage", zap.String("topic", topic), zap.Any("panic", r))
		}
	}()

	switch topic {
	case TopicUserEvents:
		var evt domain.UserEvent
		if err := json.Unmarshal(value, &evt); err != nil {
			k.logger.Warn("Error unmarshaling user event", zap.Error(err), zap.ByteString("raw", value))
			return
		}
		k.handler.HandleUserEvent(evt)

	default:
		k.logger.Debug("Ignoring topic", zap.String("topic", topic))
	}
}

func (k *KafkaConsumer) Close() error {
	for i := range k.readers {
		if err := k.readers[i].Close(); err != nil {
			k.logger.Warn("Error closing Kafka reader", zap.Error(err))
		}
	}
	return nil
}
