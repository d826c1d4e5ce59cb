// Package config provides configuration loading for kasagentd.
//
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kasagent/kasagentd/internal/store"
)

// Config holds the complete kasagentd configuration.
type Config struct {
	Server   ServerConfig
	NATS     NATSConfig
	Consumer ConsumerConfig
	Poller   PollerConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// NATSConfig holds the receipt fan-out broker configuration. When URL is
// empty the daemon runs an embedded nats-server on a loopback port.
type NATSConfig struct {
	URL string
}

// ConsumerConfig holds callback consumer service configuration.
type ConsumerConfig struct {
	IdempotencyTTL   time.Duration
	ReplayBuffer     int
	SubscriberBuffer int
	HeartbeatEvery   time.Duration
}

// PollerConfig holds client-side receipt poller configuration.
type PollerConfig struct {
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	PollInterval   time.Duration
	WallTimeout    time.Duration
	MaxAttempts    int
	BatchSize      int
}

// Load loads configuration from environment variables with defaults.
//
// Environment variables:
//   - SERVER_HOST: HTTP bind host (default: localhost)
//   - SERVER_PORT: HTTP server port (default: 9090)
//   - SERVER_SHUTDOWN_TIMEOUT: Graceful shutdown timeout (default: 10s)
//   - NATS_URL: External NATS URL; empty runs an embedded server
//   - CONSUMER_IDEMPOTENCY_TTL: Idempotency record retention (default: 15m)
//   - CONSUMER_REPLAY_BUFFER: Retained receipt events for replay (default: 256)
//   - CONSUMER_SUBSCRIBER_BUFFER: Per-subscriber channel depth (default: 64)
//   - CONSUMER_HEARTBEAT_EVERY: SSE heartbeat interval (default: 30s)
//   - POLLER_BASE_RETRY_DELAY: First retry-after-error delay (default: 2s)
//   - POLLER_MAX_RETRY_DELAY: Backoff cap (default: 30s)
//   - POLLER_POLL_INTERVAL: Steady still-pending cadence (default: 1200ms)
//   - POLLER_WALL_TIMEOUT: Hard per-txid timeout (default: 8m)
//   - POLLER_MAX_ATTEMPTS: Lookup attempt ceiling (default: 18)
//   - POLLER_BATCH_SIZE: In-flight lookup cap (default: 2)
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "localhost"),
			Port:            getEnvInt("SERVER_PORT", 9090),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		NATS: NATSConfig{
			URL: getEnvString("NATS_URL", ""),
		},
		Consumer: ConsumerConfig{
			IdempotencyTTL:   getEnvDuration("CONSUMER_IDEMPOTENCY_TTL", store.DefaultIdempotencyTTL),
			ReplayBuffer:     getEnvInt("CONSUMER_REPLAY_BUFFER", store.DefaultReplayBuffer),
			SubscriberBuffer: getEnvInt("CONSUMER_SUBSCRIBER_BUFFER", 64),
			HeartbeatEvery:   getEnvDuration("CONSUMER_HEARTBEAT_EVERY", 30*time.Second),
		},
		Poller: PollerConfig{
			BaseRetryDelay: getEnvDuration("POLLER_BASE_RETRY_DELAY", 2*time.Second),
			MaxRetryDelay:  getEnvDuration("POLLER_MAX_RETRY_DELAY", 30*time.Second),
			PollInterval:   getEnvDuration("POLLER_POLL_INTERVAL", 1200*time.Millisecond),
			WallTimeout:    getEnvDuration("POLLER_WALL_TIMEOUT", 8*time.Minute),
			MaxAttempts:    getEnvInt("POLLER_MAX_ATTEMPTS", 18),
			BatchSize:      getEnvInt("POLLER_BATCH_SIZE", 2),
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Consumer.IdempotencyTTL < time.Minute {
		return fmt.Errorf("idempotency ttl %s must outlive the scheduler retry horizon (>= 1m)", c.Consumer.IdempotencyTTL)
	}
	if c.Consumer.ReplayBuffer < 1 {
		return errors.New("replay buffer must be positive")
	}
	if c.Consumer.SubscriberBuffer < 1 {
		return errors.New("subscriber buffer must be positive")
	}
	if c.Consumer.HeartbeatEvery <= 0 {
		return errors.New("heartbeat interval must be positive")
	}

	if c.Poller.BaseRetryDelay <= 0 || c.Poller.MaxRetryDelay < c.Poller.BaseRetryDelay {
		return errors.New("poller retry delays must be positive and max >= base")
	}
	if c.Poller.PollInterval <= 0 {
		return errors.New("poller interval must be positive")
	}
	if c.Poller.WallTimeout <= 0 {
		return errors.New("poller wall timeout must be positive")
	}
	if c.Poller.MaxAttempts < 1 {
		return errors.New("poller max attempts must be positive")
	}
	if c.Poller.BatchSize < 1 {
		return errors.New("poller batch size must be positive")
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
