// Package config provides application configuration management using Viper.
// Configuration is loaded from YAML files and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Coordination strategies for the primary lock backend.
const (
	StrategyRedis    = "redis"
	StrategyDatabase = "database"
)

// Config holds all application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Reservation  ReservationConfig  `mapstructure:"reservation"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Sentry       SentryConfig       `mapstructure:"sentry"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name  string `mapstructure:"name"`
	Env   string `mapstructure:"env"` // development, staging, production
	Port  int    `mapstructure:"port"`
	Debug bool   `mapstructure:"debug"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Name         string        `mapstructure:"name"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	SSLMode      string        `mapstructure:"ssl_mode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
	LogLevel     string        `mapstructure:"log_level"` // silent, error, warn, info
}

// RedisConfig holds Redis connection settings for the coordination primitives.
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaConfig holds the event producer settings.
type KafkaConfig struct {
	Brokers         string        `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	TopicPrefix     string        `mapstructure:"topic_prefix"`
	MessageTimeout  time.Duration `mapstructure:"message_timeout"`
	LingerMs        int           `mapstructure:"linger_ms"`
	CompressionType string        `mapstructure:"compression_type"`
	FlushTimeout    time.Duration `mapstructure:"flush_timeout"`
}

// CoordinationConfig holds lock, semaphore and rate limiter settings.
type CoordinationConfig struct {
	KeyPrefix      string         `mapstructure:"key_prefix"`
	Strategy       string         `mapstructure:"strategy"` // redis, database
	LeaseTime      time.Duration  `mapstructure:"lease_time"`
	RetryInterval  time.Duration  `mapstructure:"retry_interval"`
	FairStaleAfter time.Duration  `mapstructure:"fair_stale_after"`
	ClientID       string         `mapstructure:"client_id"` // rate limiter identity, random when empty
	Failover       FailoverConfig `mapstructure:"failover"`
}

// FailoverConfig controls the circuit breaker that degrades Redis locks to
// database named locks.
type FailoverConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// ReservationConfig holds the guards of the occupancy operations.
type ReservationConfig struct {
	SlotLockWait          time.Duration `mapstructure:"slot_lock_wait"`
	CancelLockWait        time.Duration `mapstructure:"cancel_lock_wait"`
	UserRate              int64         `mapstructure:"user_rate"`
	UserRateInterval      time.Duration `mapstructure:"user_rate_interval"`
	UserRateMaxWait       time.Duration `mapstructure:"user_rate_max_wait"`
	RestaurantConcurrency int64         `mapstructure:"restaurant_concurrency"`
	RestaurantWait        time.Duration `mapstructure:"restaurant_wait"`
	PermitTTL             time.Duration `mapstructure:"permit_ttl"`
	TxTimeout             time.Duration `mapstructure:"tx_timeout"`
}

// OutboxConfig holds delivery and backlog monitor settings.
type OutboxConfig struct {
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	Monitor         MonitorConfig `mapstructure:"monitor"`
}

// MonitorConfig holds backlog monitor settings.
type MonitorConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Timeout    time.Duration `mapstructure:"timeout"`
	OnStartup  bool          `mapstructure:"on_startup"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	BodyLimit       int           `mapstructure:"body_limit"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ClientRate      float64       `mapstructure:"client_rate"` // requests per second per client IP
	ClientBurst     int           `mapstructure:"client_burst"`
	ClientIdleTTL   time.Duration `mapstructure:"client_idle_ttl"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
	Output string `mapstructure:"output"` // stdout, stderr, file path
}

// SentryConfig holds Sentry error tracking settings.
type SentryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	Release     string  `mapstructure:"release"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// MetricsConfig holds tally settings.
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Prefix         string        `mapstructure:"prefix"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// Load reads configuration from file and environment variables.
// Priority: env vars > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// no file, defaults + env vars
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Coordination.Strategy {
	case StrategyRedis, StrategyDatabase:
	default:
		return fmt.Errorf("coordination.strategy must be %q or %q, got %q",
			StrategyRedis, StrategyDatabase, c.Coordination.Strategy)
	}

	if c.Reservation.UserRate <= 0 || c.Reservation.UserRateInterval <= 0 {
		return fmt.Errorf("reservation.user_rate and reservation.user_rate_interval must be positive")
	}

	if c.Reservation.RestaurantConcurrency <= 0 {
		return fmt.Errorf("reservation.restaurant_concurrency must be positive")
	}

	if c.Reservation.TxTimeout > 0 && c.Coordination.LeaseTime <= c.Reservation.TxTimeout {
		return fmt.Errorf("coordination.lease_time must exceed reservation.tx_timeout")
	}

	if c.Kafka.TopicPrefix == "" {
		return fmt.Errorf("kafka.topic_prefix must not be empty")
	}

	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "reservation-service")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.debug", true)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "reservations")
	v.SetDefault("database.user", "app")
	v.SetDefault("database.password", "secret")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.log_level", "warn")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.read_timeout", "1s")
	v.SetDefault("redis.write_timeout", "1s")

	// Kafka defaults
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.client_id", "reservation-service")
	v.SetDefault("kafka.topic_prefix", "reservations")
	v.SetDefault("kafka.message_timeout", "30s")
	v.SetDefault("kafka.linger_ms", 5)
	v.SetDefault("kafka.compression_type", "lz4")
	v.SetDefault("kafka.flush_timeout", "5s")

	// Coordination defaults
	v.SetDefault("coordination.key_prefix", "reservation")
	v.SetDefault("coordination.strategy", StrategyRedis)
	v.SetDefault("coordination.lease_time", "30s")
	v.SetDefault("coordination.retry_interval", "50ms")
	v.SetDefault("coordination.fair_stale_after", "2s")
	v.SetDefault("coordination.client_id", "")
	v.SetDefault("coordination.failover.enabled", true)
	v.SetDefault("coordination.failover.max_requests", 1)
	v.SetDefault("coordination.failover.interval", "60s")
	v.SetDefault("coordination.failover.timeout", "30s")
	v.SetDefault("coordination.failover.failure_ratio", 0.5)
	v.SetDefault("coordination.failover.min_requests", 3)

	// Reservation defaults
	v.SetDefault("reservation.slot_lock_wait", "3s")
	v.SetDefault("reservation.cancel_lock_wait", "1s")
	v.SetDefault("reservation.user_rate", 10)
	v.SetDefault("reservation.user_rate_interval", "1m")
	v.SetDefault("reservation.user_rate_max_wait", "0s")
	v.SetDefault("reservation.restaurant_concurrency", 20)
	v.SetDefault("reservation.restaurant_wait", "2s")
	v.SetDefault("reservation.permit_ttl", "1h")
	v.SetDefault("reservation.tx_timeout", "5s")

	// Outbox defaults
	v.SetDefault("outbox.delivery_timeout", "10s")
	v.SetDefault("outbox.monitor.enabled", true)
	v.SetDefault("outbox.monitor.interval", "1m")
	v.SetDefault("outbox.monitor.stale_after", "5m")
	v.SetDefault("outbox.monitor.timeout", "30s")
	v.SetDefault("outbox.monitor.on_startup", true)

	// HTTP defaults
	v.SetDefault("http.body_limit", 1024*1024)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.client_rate", 20.0)
	v.SetDefault("http.client_burst", 40)
	v.SetDefault("http.client_idle_ttl", "10m")

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output", "stdout")

	// Sentry defaults
	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")
	v.SetDefault("sentry.release", "")
	v.SetDefault("sentry.sample_rate", 1.0)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.prefix", "reservation")
	v.SetDefault("metrics.report_interval", "1m")
}
