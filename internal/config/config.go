// Package config provides gateway configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Leasing: claim/renewal cadence and lease lifetime
//   - Cleanup: stale-lease, idle, and max-age sweep parameters
//   - Persistence writer: batch size, flush interval, queue bound
//   - Offline queue: client-side retry bounds and backoff
//
// The environment variables and their defaults are listed in Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// WriterConfig holds persistence writer tuning parameters.
type WriterConfig struct {
	BatchSize     int           // records per flush (default: 50)
	FlushInterval time.Duration // timer-driven flush cadence (default: 100ms)
	MaxQueueSize  int           // bound on the in-memory queue (default: 10000)
}

// OfflineQueueConfig holds the client action queue's retry parameters.
type OfflineQueueConfig struct {
	MaxRetries        int           // attempts before an action is marked failed (default: 5)
	InitialRetryDelay time.Duration // first backoff delay (default: 1s)
	MaxRetryDelay     time.Duration // backoff ceiling (default: 60s)
}

// Config holds all gateway configuration.
type Config struct {
	GatewayID            string
	Port                 string
	DBPath               string
	LeaseTimeout         time.Duration // lease lifetime (default: 30s)
	LeaseRefreshInterval time.Duration // lease renewal cadence (default: 10s)
	CleanupInterval      time.Duration // full cleanup sweep cadence (default: 60s)
	IdleTimeout          time.Duration // subscriber-less duration before a session idles (default: 30m)
	StaleLeaseTimeout    time.Duration // grace period past lease expiry before reclaim (default: 60s)
	MaxSessionAge        time.Duration // age past which a session is eligible for purge (default: 7d)
	MaxRecentEvents      int           // recent-events buffer horizon per session (default: 1000)
	HeartbeatInterval    time.Duration // client heartbeat cadence advertised in hello_ok (default: 15s)
	AllowedOrigins       []string      // origins permitted to open a WebSocket connection (default: ["*"])
	Environment          string        // "development" or "production" (default: development)
	ContainerRuntime     string        // Docker runtime for agent containers: "" (default) or "runsc" (gVisor)
	Writer               WriterConfig
	OfflineQueue         OfflineQueueConfig
}

// IsDevelopment reports whether the gateway is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment != "production"
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		GatewayID:            getEnv("GATEWAY_ID", ""),
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "./data/gateway.db"),
		LeaseTimeout:         getEnvDuration("GATEWAY_LEASE_TIMEOUT", 30*time.Second),
		LeaseRefreshInterval: getEnvDuration("GATEWAY_LEASE_REFRESH_INTERVAL", 10*time.Second),
		CleanupInterval:      getEnvDuration("GATEWAY_CLEANUP_INTERVAL", 60*time.Second),
		IdleTimeout:          getEnvDuration("GATEWAY_IDLE_TIMEOUT", 30*time.Minute),
		StaleLeaseTimeout:    getEnvDuration("GATEWAY_STALE_LEASE_TIMEOUT", 60*time.Second),
		MaxSessionAge:        getEnvDuration("GATEWAY_MAX_SESSION_AGE", 7*24*time.Hour),
		MaxRecentEvents:      getEnvInt("GATEWAY_MAX_RECENT_EVENTS", 1000),
		HeartbeatInterval:    getEnvDuration("GATEWAY_HEARTBEAT_INTERVAL", 15*time.Second),
		AllowedOrigins:       getEnvList("GATEWAY_ALLOWED_ORIGINS", []string{"*"}),
		Environment:          getEnv("GATEWAY_ENV", "development"),
		ContainerRuntime:     getEnv("GATEWAY_CONTAINER_RUNTIME", ""),
		Writer: WriterConfig{
			BatchSize:     getEnvInt("GATEWAY_WRITER_BATCH_SIZE", 50),
			FlushInterval: getEnvDuration("GATEWAY_WRITER_FLUSH_INTERVAL", 100*time.Millisecond),
			MaxQueueSize:  getEnvInt("GATEWAY_WRITER_MAX_QUEUE_SIZE", 10000),
		},
		OfflineQueue: OfflineQueueConfig{
			MaxRetries:        getEnvInt("GATEWAY_QUEUE_MAX_RETRIES", 5),
			InitialRetryDelay: getEnvDuration("GATEWAY_QUEUE_INITIAL_RETRY_DELAY", time.Second),
			MaxRetryDelay:     getEnvDuration("GATEWAY_QUEUE_MAX_RETRY_DELAY", 60*time.Second),
		},
	}

	if cfg.GatewayID == "" {
		id, err := randomGatewayID()
		if err != nil {
			return nil, fmt.Errorf("generate gateway id: %w", err)
		}
		cfg.GatewayID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.GatewayID == "" {
		return fmt.Errorf("GATEWAY_ID cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Writer.BatchSize <= 0 {
		return fmt.Errorf("GATEWAY_WRITER_BATCH_SIZE must be > 0")
	}
	if c.Writer.MaxQueueSize <= 0 {
		return fmt.Errorf("GATEWAY_WRITER_MAX_QUEUE_SIZE must be > 0")
	}
	if c.MaxRecentEvents <= 0 {
		return fmt.Errorf("GATEWAY_MAX_RECENT_EVENTS must be > 0")
	}
	if c.OfflineQueue.MaxRetries <= 0 {
		return fmt.Errorf("GATEWAY_QUEUE_MAX_RETRIES must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
