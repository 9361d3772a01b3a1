package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port             string
	AllowedOrigins   []string
	AllowCredentials bool
	Environment      string

	RedisHost     string
	RedisPort     string
	RedisPassword string

	KafkaEnabled bool
	KafkaBrokers []string
	// EventFanout is "local" (direct gateway delivery) or "kafka"
	// (user events go through the user-events topic so any node can deliver).
	EventFanout string

	DBDriver    string
	DatabaseURL string

	JWTSecret    string
	JWTTTL       time.Duration
	RateLimitRPS int

	SendRetryAttempts  int
	SendRetryBaseDelay time.Duration

	WSPingInterval time.Duration
	WSPongWait     time.Duration
	WSWriteTimeout time.Duration

	PresenceRefreshInterval time.Duration
	PresenceTTL             time.Duration
	TypingWindow            time.Duration

	CallRingTimeout    time.Duration
	CallConnectTimeout time.Duration
}

func LoadConfig() *Config {
	// Get allowed origins from environment variable
	allowedOrigins := []string{"*"}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = splitList(origins)
	}

	kafkaBrokers := []string{"localhost:9092"}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kafkaBrokers = splitList(brokers)
	}

	return &Config{
		Port:             getEnv("PORT", "8082"),
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: getEnv("ALLOW_CREDENTIALS", "false") == "true",
		Environment:      getEnv("ENVIRONMENT", "development"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		KafkaEnabled: getEnv("KAFKA_ENABLED", "true") == "true",
		KafkaBrokers: kafkaBrokers,
		EventFanout:  getEnv("EVENT_FANOUT", "local"),

		DBDriver:    getEnv("DB_DRIVER", "postgres"),
		DatabaseURL: getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=matchchat port=5432 sslmode=disable TimeZone=UTC"),

		JWTSecret:    getEnv("JWT_SECRET", "change-me"),
		JWTTTL:       getEnvDuration("JWT_TTL", 24*time.Hour),
		RateLimitRPS: getEnvInt("RATE_LIMIT_RPS", 20),

		SendRetryAttempts:  getEnvInt("SEND_RETRY_ATTEMPTS", 4),
		SendRetryBaseDelay: getEnvDuration("SEND_RETRY_BASE_DELAY", 200*time.Millisecond),

		WSPingInterval: getEnvDuration("WS_PING_INTERVAL", 10*time.Second),
		WSPongWait:     getEnvDuration("WS_PONG_WAIT", 30*time.Second),
		WSWriteTimeout: getEnvDuration("WS_WRITE_TIMEOUT", 5*time.Second),

		PresenceRefreshInterval: getEnvDuration("PRESENCE_REFRESH_INTERVAL", 15*time.Second),
		PresenceTTL:             getEnvDuration("PRESENCE_TTL", 45*time.Second),
		TypingWindow:            getEnvDuration("TYPING_WINDOW", 2*time.Second),

		CallRingTimeout:    getEnvDuration("CALL_RING_TIMEOUT", 30*time.Second),
		CallConnectTimeout: getEnvDuration("CALL_CONNECT_TIMEOUT", 20*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	items := strings.Split(value, ",")
	for i, item := range items {
		items[i] = strings.TrimSpace(item)
	}
	return items
}

// GetCORSOrigins returns CORS origins as a comma-separated string
func (c *Config) GetCORSOrigins() string {
	if c.Environment == "production" && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// IsDevelopment returns true if environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// KafkaFanout reports whether user events are routed through Kafka.
func (c *Config) KafkaFanout() bool {
	return c.KafkaEnabled && c.EventFanout == "kafka"
}
