package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matchchat/internal/auth"
	"matchchat/internal/calls"
	"matchchat/internal/chat"
	"matchchat/internal/config"
	"matchchat/internal/delivery"
	"matchchat/internal/infrastructure/database"
	"matchchat/internal/infrastructure/kafka"
	"matchchat/internal/infrastructure/redis"
	"matchchat/internal/presence"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func main() {
	_ = godotenv.Load()

	cfg := config.LoadConfig()
	logger := newLogger(cfg)
	defer logger.Sync()

	// Recovery global untuk mencegah crash aplikasi
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Application recovered from panic", zap.Any("panic", r))
			os.Exit(1)
		}
	}()

	logger.Info("Starting matchchat server",
		zap.String("environment", cfg.Environment),
		zap.String("port", cfg.Port),
		zap.String("redis", cfg.RedisAddr()),
		zap.Strings("kafka_brokers", cfg.KafkaBrokers),
		zap.Bool("kafka_enabled", cfg.KafkaEnabled),
		zap.String("event_fanout", cfg.EventFanout),
		zap.String("cors_origins", cfg.GetCORSOrigins()),
	)

	db, err := database.NewDatabase(cfg.DBDriver, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Database connection failed", zap.Error(err))
	}
	if err := db.Migrate(); err != nil {
		logger.Fatal("Database migration failed", zap.Error(err))
	}

	redisClient := redis.NewRedisClient(cfg.RedisAddr(), cfg.RedisPassword)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("Redis connection failed", zap.Error(err))
	} else {
		logger.Info("Redis connection successful")
	}

	wsManager := delivery.NewWSManager(delivery.GatewayOptions{
		PingInterval: cfg.WSPingInterval,
		PongWait:     cfg.WSPongWait,
		WriteTimeout: cfg.WSWriteTimeout,
	}, logger)

	// user events go straight to local sessions unless fan-out runs through Kafka
	var notifier chat.Notifier = wsManager
	var publisher chat.EventPublisher
	var kafkaProducer *kafka.KafkaProducer
	var kafkaConsumer *kafka.KafkaConsumer
	if cfg.KafkaEnabled {
		kafkaProducer = kafka.NewKafkaProducer(cfg.KafkaBrokers, logger)
		publisher = kafkaProducer
		if cfg.KafkaFanout() {
			notifier = kafkaProducer
			kafkaConsumer = kafka.NewKafkaConsumer(
				cfg.KafkaBrokers,
				kafka.FanoutGroupID("matchchat-gateway"),
				[]string{kafka.TopicUserEvents},
				wsManager,
				logger,
			)
		}
	}

	messages := chat.NewCoordinator(
		database.NewMessageRepository(db.DB),
		redisClient,
		notifier,
		publisher,
		chat.Options{
			RetryAttempts:  cfg.SendRetryAttempts,
			RetryBaseDelay: cfg.SendRetryBaseDelay,
		},
		logger,
	)

	tracker := presence.NewTracker(redisClient, redisClient, notifier, publisher, presence.Options{
		RefreshInterval: cfg.PresenceRefreshInterval,
		TTL:             cfg.PresenceTTL,
		TypingWindow:    cfg.TypingWindow,
	}, logger)

	callCoordinator := calls.NewCoordinator(notifier, tracker, publisher, calls.Options{
		RingTimeout:    cfg.CallRingTimeout,
		ConnectTimeout: cfg.CallConnectTimeout,
	}, logger)

	limiter := delivery.NewUserRateLimiter(cfg.RateLimitRPS)
	wsManager.SetRouter(delivery.NewRouter(messages, tracker, callCoordinator, limiter, logger))
	wsManager.AddObserver(tracker)
	wsManager.AddObserver(callCoordinator)

	validator := auth.NewTokenValidator(cfg.JWTSecret, cfg.JWTTTL)
	server := delivery.NewServer(cfg, wsManager, messages, tracker, validator, limiter, logger)
	server.AddHealthGauge("connected_users", tracker.ConnectedUsers)
	server.AddHealthGauge("active_calls", callCoordinator.ActiveCalls)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Relay subscriber recovered from panic", zap.Any("panic", r))
			}
		}()
		if err := redisClient.SubscribeRelay(ctx, logger, wsManager.DeliverRelayed); err != nil {
			logger.Error("Relay subscriber stopped", zap.Error(err))
		}
	}()

	go tracker.Run(ctx)

	if kafkaConsumer != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Kafka consumer goroutine recovered from panic", zap.Any("panic", r))
				}
			}()
			if err := kafkaConsumer.Start(ctx); err != nil {
				logger.Error("Kafka consumer error", zap.Error(err))
			}
		}()
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("Server stopped", zap.Error(err))
	}

	cancel()
	if err := server.Shutdown(); err != nil {
		logger.Error("Error shutting down server", zap.Error(err))
	}

	// let in-flight relay pushes finish before the stores go away
	waitDone := make(chan struct{})
	go func() {
		messages.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		logger.Warn("Timed out waiting for in-flight relay pushes")
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Close(); err != nil {
			logger.Error("Error closing Kafka consumer", zap.Error(err))
		}
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			logger.Error("Error closing Kafka producer", zap.Error(err))
		}
	}
	if err := redisClient.Close(); err != nil {
		logger.Error("Error closing Redis client", zap.Error(err))
	}
	if err := db.Close(); err != nil {
		logger.Error("Error closing database", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
