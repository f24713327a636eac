// Package config provides configuration management for Foreman.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Log          LogConfig          `mapstructure:"log"`
	River        RiverConfig        `mapstructure:"river"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Lease        LeaseConfig        `mapstructure:"lease"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
	Partials     PartialsConfig     `mapstructure:"partials"`
	StateMachine StateMachineConfig `mapstructure:"state_machine"`
	Maintenance  MaintenanceConfig  `mapstructure:"maintenance"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// One shared pgx pool serves the repositories, goose, and River.
type DatabaseConfig struct {
	// Driver selects the store implementation: "postgres" or "memory".
	// The memory store is for development and tests; it loses state on
	// restart and never runs River.
	Driver string `mapstructure:"driver"`

	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// RedisConfig contains the fast lease store connection settings.
// Only consulted when lease.backend is "redis".
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings for maintenance jobs.
type RiverConfig struct {
	MaxWorkers       int           `mapstructure:"max_workers"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize  int `mapstructure:"general_pool_size"`
	DispatchPoolSize int `mapstructure:"dispatch_pool_size"`
}

// LeaseConfig governs item lease issuance.
type LeaseConfig struct {
	// TTLSeconds is the default lease duration granted on checkout.
	TTLSeconds int `mapstructure:"ttl_seconds"`

	// HeartbeatEverySeconds is the advisory heartbeat interval returned
	// to agents; it must be shorter than the TTL.
	HeartbeatEverySeconds int `mapstructure:"heartbeat_every_seconds"`

	// Backend selects the lease authority: "store" (durable, row CAS) or
	// "redis" (fast, native TTL). Deployments pick one; callers never do.
	Backend string `mapstructure:"backend"`

	// MaxLeasesPerAgent and MaxLeasesPerType cap concurrent leases.
	// Zero means unbounded.
	MaxLeasesPerAgent int `mapstructure:"max_leases_per_agent"`
	MaxLeasesPerType  int `mapstructure:"max_leases_per_type"`
}

// TTL returns the lease duration.
func (c LeaseConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// RetryConfig governs item retry behavior after failure or reclamation.
type RetryConfig struct {
	DefaultMaxAttempts int `mapstructure:"default_max_attempts"`
	BackoffSeconds     int `mapstructure:"backoff_seconds"`
	JitterSeconds      int `mapstructure:"jitter_seconds"`
}

// IdempotencyConfig governs the request deduplication guard.
type IdempotencyConfig struct {
	// EnforceOn lists endpoint identifiers that require a client key.
	EnforceOn []string `mapstructure:"enforce_on"`

	// Salt is mixed into client key hashes. Auto-generated when empty.
	Salt string `mapstructure:"salt"`

	// PendingWait bounds how long a replayed request waits for a
	// concurrent first caller to store its snapshot before reporting a
	// conflict.
	PendingWait     time.Duration `mapstructure:"pending_wait"`
	PendingInterval time.Duration `mapstructure:"pending_interval"`
}

// Enforced reports whether the endpoint requires an idempotency key.
func (c IdempotencyConfig) Enforced(endpoint string) bool {
	for _, e := range c.EnforceOn {
		if e == endpoint {
			return true
		}
	}
	return false
}

// PartialsConfig bounds partial submissions.
type PartialsConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxPartsPerItem int  `mapstructure:"max_parts_per_item"`
	MaxPayloadBytes int  `mapstructure:"max_payload_bytes"`
}

// StateMachineConfig points at optional YAML transition-table overrides.
// Edges outside the defaults are accepted but never exercised by the
// engine itself.
type StateMachineConfig struct {
	OrderTransitionsFile string `mapstructure:"order_transitions_file"`
	ItemTransitionsFile  string `mapstructure:"item_transitions_file"`
}

// MaintenanceConfig governs the periodic sweep.
type MaintenanceConfig struct {
	DeadLetterAfterHours     int `mapstructure:"dead_letter_after_hours"`
	StaleOrderThresholdHours int `mapstructure:"stale_order_threshold_hours"`
}

// DeadLetterAfter returns the dead-letter age threshold.
func (c MaintenanceConfig) DeadLetterAfter() time.Duration {
	return time.Duration(c.DeadLetterAfterHours) * time.Hour
}

// StaleOrderThreshold returns the stale-order age threshold.
func (c MaintenanceConfig) StaleOrderThreshold() time.Duration {
	return time.Duration(c.StaleOrderThresholdHours) * time.Hour
}

// Load reads configuration from file and environment variables.
// Standard environment variables without prefix: DATABASE_URL,
// SERVER_PORT, LEASE_BACKEND, nested keys map dots to underscores.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/foreman")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be \"postgres\" or \"memory\", got %q", c.Database.Driver)
	}
	switch c.Lease.Backend {
	case "store", "redis":
	default:
		return fmt.Errorf("lease.backend must be \"store\" or \"redis\", got %q", c.Lease.Backend)
	}
	if c.Lease.TTLSeconds <= 0 {
		return fmt.Errorf("lease.ttl_seconds must be positive")
	}
	if c.Lease.HeartbeatEverySeconds >= c.Lease.TTLSeconds {
		return fmt.Errorf("lease.heartbeat_every_seconds must be shorter than lease.ttl_seconds")
	}
	if c.Retry.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("retry.default_max_attempts must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database (shared pool)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "foreman")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "foreman")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Redis (fast lease backend)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.sweep_interval", "1m")

	// Worker pools
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.dispatch_pool_size", 20)

	// Lease
	v.SetDefault("lease.ttl_seconds", 600)
	v.SetDefault("lease.heartbeat_every_seconds", 120)
	v.SetDefault("lease.backend", "store")
	v.SetDefault("lease.max_leases_per_agent", 0)
	v.SetDefault("lease.max_leases_per_type", 0)

	// Retry
	v.SetDefault("retry.default_max_attempts", 3)
	v.SetDefault("retry.backoff_seconds", 30)
	v.SetDefault("retry.jitter_seconds", 15)

	// Idempotency
	v.SetDefault("idempotency.enforce_on", []string{
		"propose", "submit", "submit-part", "finalize", "approve", "reject",
	})
	v.SetDefault("idempotency.pending_wait", "2s")
	v.SetDefault("idempotency.pending_interval", "50ms")

	// Partials
	v.SetDefault("partials.enabled", true)
	v.SetDefault("partials.max_parts_per_item", 200)
	v.SetDefault("partials.max_payload_bytes", 1<<20)

	// Maintenance
	v.SetDefault("maintenance.dead_letter_after_hours", 24)
	v.SetDefault("maintenance.stale_order_threshold_hours", 72)
}
