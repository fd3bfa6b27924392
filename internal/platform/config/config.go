package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process level configuration for the migration service.
type Server struct {
	Addr          string
	JWTSigningKey string
	LogLevel      string

	// PostgresURL selects the durable job/destination stores. Empty means
	// in-memory stores, which is the mode used in tests and local runs.
	PostgresURL string

	Redis RedisConfig
	Kafka KafkaConfig

	// SourceRateLimit caps source connector calls per second. Zero disables
	// rate limiting.
	SourceRateLimit float64

	ShutdownTimeout time.Duration
}

// RedisConfig controls the optional Redis checkpoint store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig controls the optional job event publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	addr := os.Getenv("MIGRATION_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var brokers []string
	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "migration.jobs"
	}

	rateLimit := 0.0
	if raw := os.Getenv("SOURCE_RATE_LIMIT"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			rateLimit = v
		}
	}

	return Server{
		Addr:          addr,
		JWTSigningKey: jwtSigningKey,
		LogLevel:      logLevel,
		PostgresURL:   os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers: brokers,
			Topic:   topic,
		},
		SourceRateLimit: rateLimit,
		ShutdownTimeout: 10 * time.Second,
	}
}
