// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FastFederationEnv enables fast federation mode when set to a non-empty
// value. It is meant for federation tests only: it wakes idle workers and
// refreshes the latest-id cache far more often, which costs CPU and
// database load.
const FastFederationEnv = "FLUXFED_TEST_FAST_FEDERATION"

// Config holds all configuration for the federation node.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Federation  FederationConfig  `yaml:"federation"`
	Cache       CacheConfig       `yaml:"cache"`
	Inbox       InboxConfig       `yaml:"inbox"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Blocklist   BlocklistConfig   `yaml:"blocklist"`
}

// ServerConfig holds listener and telemetry configuration.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	InboxAddr       string        `yaml:"inbox_addr"`
	InboxEnabled    bool          `yaml:"inbox_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	MetricsAddr    string `yaml:"metrics_addr"` // OTLP gRPC endpoint
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0

	// OTLP exporter transport. With OtelInsecure unset the exporters use
	// TLS, verified against OtelCAFile or the system roots.
	OtelInsecure       bool          `yaml:"otel_insecure"`
	OtelCAFile         string        `yaml:"otel_ca_file"`
	OtelExportTimeout  time.Duration `yaml:"otel_export_timeout"`
	OtelExportInterval time.Duration `yaml:"otel_export_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir   string `yaml:"badger_dir"`
	SyncWrites  bool   `yaml:"sync_writes"`
	Compression string `yaml:"compression"` // none, s2, zstd

	// PostgresDSN moves the activity log and queue cursors to PostgreSQL.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// FederationConfig holds the outbound delivery engine settings.
type FederationConfig struct {
	// LocalDomain is never given a delivery worker.
	LocalDomain string `yaml:"local_domain"`

	// BatchSize bounds how many activities a worker fetches at once.
	BatchSize int `yaml:"batch_size"`

	// RecheckDelay is how long an idle worker sleeps before looking for
	// new activities. A non-empty batch is processed without sleeping.
	RecheckDelay time.Duration `yaml:"recheck_delay"`

	// LatestIDTTL is how long the shared latest activity id is cached.
	LatestIDTTL time.Duration `yaml:"latest_id_ttl"`

	// InstanceRecheckInterval is how often the manager resyncs workers
	// with the instance directory.
	InstanceRecheckInterval time.Duration `yaml:"instance_recheck_interval"`

	// RestartDelay is the pause before a crashed worker is restarted.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// WorkerShutdownTimeout bounds the wait for one worker to stop when
	// its instance is removed; ShutdownTimeout bounds stopping them all.
	WorkerShutdownTimeout time.Duration `yaml:"worker_shutdown_timeout"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`

	RequestTimeout time.Duration        `yaml:"request_timeout"`
	UserAgent      string               `yaml:"user_agent"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	StatsInterval   time.Duration `yaml:"stats_interval"`
	MaxCommentDepth int           `yaml:"max_comment_depth"`

	// FastMode shortens every delay for federation tests. Also enabled by
	// FastFederationEnv.
	FastMode bool `yaml:"fast_mode"`
}

// RetryConfig holds the delivery backoff policy. Retries never stop;
// the delay grows by Multiplier from InitialInterval up to MaxInterval.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds per-destination circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// CacheConfig holds the shared cache sizes.
type CacheConfig struct {
	ActorCapacity    int           `yaml:"actor_capacity"`
	ActorTTL         time.Duration `yaml:"actor_ttl"` // 0 = entries live until evicted or invalidated
	ActivityCapacity int           `yaml:"activity_capacity"`
}

// InboxConfig holds the inbound endpoint limits.
type InboxConfig struct {
	MaxBodySize int64           `yaml:"max_body_size"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-IP rate limiting for the inbox.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // requests per second
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// DomainRate and DomainBurst limit activities per sending instance.
	// Zero disables the per-domain limit.
	DomainRate  float64 `yaml:"domain_rate"`
	DomainBurst int     `yaml:"domain_burst"`
}

// MaintenanceConfig holds the periodic cleanup jobs.
type MaintenanceConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	ActivityRetention time.Duration `yaml:"activity_retention"`
	PruneBatchSize    int           `yaml:"prune_batch_size"`
}

// BlocklistConfig points at a YAML file of blocked domains that is
// watched for changes.
type BlocklistConfig struct {
	File string `yaml:"file"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			InboxAddr:       ":8080",
			InboxEnabled:    true,
			ShutdownTimeout: 30 * time.Second,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,

			OtelServiceName:     "fluxfed",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
			OtelInsecure:        true,
			OtelExportTimeout:   30 * time.Second,
			OtelExportInterval:  10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:        "badger",
			BadgerDir:   "/tmp/fluxfed/data",
			SyncWrites:  true,
			Compression: "zstd",
		},
		Federation: FederationConfig{
			BatchSize:               100,
			RecheckDelay:            30 * time.Second,
			LatestIDTTL:             time.Second,
			InstanceRecheckInterval: 60 * time.Second,
			RestartDelay:            time.Second,
			WorkerShutdownTimeout:   10 * time.Second,
			ShutdownTimeout:         60 * time.Second,
			RequestTimeout:          10 * time.Second,
			UserAgent:               "fluxfed/1.0",
			Retry: RetryConfig{
				InitialInterval: 2 * time.Second,
				MaxInterval:     time.Hour,
				Multiplier:      2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
			StatsInterval:   60 * time.Second,
			MaxCommentDepth: 50,
		},
		Cache: CacheConfig{
			ActorCapacity:    10000,
			ActivityCapacity: 10000,
		},
		Inbox: InboxConfig{
			MaxBodySize: 256 * 1024,
			RateLimit: RateLimitConfig{
				Enabled:         true,
				Rate:            50,
				Burst:           100,
				CleanupInterval: 5 * time.Minute,
				DomainRate:      20,
				DomainBurst:     200,
			},
		},
		Maintenance: MaintenanceConfig{
			Enabled:           true,
			Interval:          time.Hour,
			ActivityRetention: 7 * 24 * time.Hour,
			PruneBatchSize:    1000,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if os.Getenv(FastFederationEnv) != "" {
		cfg.Federation.FastMode = true
	}
	cfg.ApplyFastMode()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyFastMode shortens federation delays when FastMode is set.
// The latest-id cache lives exactly as long as the recheck delay so a
// woken worker always sees fresh data.
func (c *Config) ApplyFastMode() {
	f := &c.Federation
	if !f.FastMode {
		return
	}
	f.RecheckDelay = 100 * time.Millisecond
	f.LatestIDTTL = f.RecheckDelay
	f.InstanceRecheckInterval = time.Second
	f.RestartDelay = 100 * time.Millisecond
	f.StatsInterval = 10 * time.Second
	f.Retry.InitialInterval = 100 * time.Millisecond
	f.Retry.MaxInterval = time.Second
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr cannot be empty when health is enabled")
	}
	if c.Server.InboxEnabled && c.Server.InboxAddr == "" {
		return fmt.Errorf("server.inbox_addr cannot be empty when inbox is enabled")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	validCompression := map[string]bool{"": true, "none": true, "s2": true, "zstd": true}
	if !validCompression[c.Storage.Compression] {
		return fmt.Errorf("storage.compression must be one of: none, s2, zstd")
	}

	f := c.Federation
	if f.BatchSize < 1 {
		return fmt.Errorf("federation.batch_size must be at least 1")
	}
	if f.RecheckDelay <= 0 {
		return fmt.Errorf("federation.recheck_delay must be positive")
	}
	if f.LatestIDTTL <= 0 {
		return fmt.Errorf("federation.latest_id_ttl must be positive")
	}
	if f.InstanceRecheckInterval <= 0 {
		return fmt.Errorf("federation.instance_recheck_interval must be positive")
	}
	if f.RestartDelay < 0 {
		return fmt.Errorf("federation.restart_delay cannot be negative")
	}
	if f.WorkerShutdownTimeout <= 0 || f.ShutdownTimeout <= 0 {
		return fmt.Errorf("federation shutdown timeouts must be positive")
	}
	if f.RequestTimeout < 100*time.Millisecond {
		return fmt.Errorf("federation.request_timeout must be at least 100ms")
	}
	if f.Retry.InitialInterval <= 0 {
		return fmt.Errorf("federation.retry.initial_interval must be positive")
	}
	if f.Retry.MaxInterval < f.Retry.InitialInterval {
		return fmt.Errorf("federation.retry.max_interval must not be below initial_interval")
	}
	if f.Retry.Multiplier < 1.0 {
		return fmt.Errorf("federation.retry.multiplier must be at least 1.0")
	}
	if f.CircuitBreaker.Enabled && f.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("federation.circuit_breaker.failure_threshold must be at least 1")
	}
	if f.MaxCommentDepth < 1 {
		return fmt.Errorf("federation.max_comment_depth must be at least 1")
	}

	if c.Cache.ActorCapacity < 1 || c.Cache.ActivityCapacity < 1 {
		return fmt.Errorf("cache capacities must be at least 1")
	}
	if c.Cache.ActorTTL < 0 {
		return fmt.Errorf("cache.actor_ttl cannot be negative")
	}

	if c.Inbox.MaxBodySize < 1024 {
		return fmt.Errorf("inbox.max_body_size must be at least 1KB")
	}
	if c.Inbox.RateLimit.Enabled && (c.Inbox.RateLimit.Rate <= 0 || c.Inbox.RateLimit.Burst < 1) {
		return fmt.Errorf("inbox.rate_limit requires positive rate and burst")
	}

	if c.Maintenance.Enabled {
		if c.Maintenance.Interval < time.Second {
			return fmt.Errorf("maintenance.interval must be at least 1 second")
		}
		if c.Maintenance.ActivityRetention < time.Hour {
			return fmt.Errorf("maintenance.activity_retention must be at least 1 hour")
		}
		if c.Maintenance.PruneBatchSize < 1 {
			return fmt.Errorf("maintenance.prune_batch_size must be at least 1")
		}
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Server.OtelExportTimeout <= 0 {
			return fmt.Errorf("server.otel_export_timeout must be positive")
		}
		if c.Server.OtelExportInterval < time.Second {
			return fmt.Errorf("server.otel_export_interval must be at least 1s")
		}
		if c.Server.OtelInsecure && c.Server.OtelCAFile != "" {
			return fmt.Errorf("server.otel_ca_file cannot be set with server.otel_insecure")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
