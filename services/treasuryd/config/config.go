package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"d2dtreasury/crypto"
	"d2dtreasury/storage"
)

// Environment variables overriding secrets in the YAML file.
const (
	EnvJWTSecret     = "TREASURYD_JWT_SECRET"
	EnvWebhookSecret = "TREASURYD_WEBHOOK_SECRET"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for treasuryd.
type Config struct {
	ListenAddress string                     `yaml:"listen"`
	Environment   string                     `yaml:"env"`
	GenesisPath   string                     `yaml:"genesis"`
	TLS           TLSConfig                  `yaml:"tls"`
	Auth          AuthConfig                 `yaml:"auth"`
	RateLimits    map[string]RateLimitConfig `yaml:"rate_limits"`
	Storage       StorageConfig              `yaml:"storage"`
	Keeper        KeeperConfig               `yaml:"keeper"`
	EventLog      EventLogConfig             `yaml:"event_log"`
	Webhook       WebhookConfig              `yaml:"webhook"`
	Lifecycle     LifecycleConfig            `yaml:"lifecycle"`
	Telemetry     TelemetryConfig            `yaml:"telemetry"`
	Logging       LoggingConfig              `yaml:"logging"`
}

// TLSConfig describes the certificate served by the HTTP API.
type TLSConfig struct {
	CertPath string `yaml:"cert"`
	KeyPath  string `yaml:"key"`
}

// Enabled reports whether TLS material is configured.
func (c TLSConfig) Enabled() bool { return c.CertPath != "" }

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Enabled       bool     `yaml:"enabled"`
	HMACSecret    string   `yaml:"hmac_secret"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	OptionalPaths []string `yaml:"optional_paths"`
	ClockSkew     Duration `yaml:"clock_skew"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

type StorageConfig struct {
	Backend      string `yaml:"backend"`
	Path         string `yaml:"path"`
	AllowMigrate bool   `yaml:"allow_migrate"`
}

// KeeperConfig drives the background maintenance loop. Operator is the
// identity the keeper acts as and must be the treasury admin.
type KeeperConfig struct {
	Enabled          bool     `yaml:"enabled"`
	PauseOnStart     bool     `yaml:"pause"`
	Interval         Duration `yaml:"interval"`
	Operator         string   `yaml:"operator"`
	DistributePctBps uint64   `yaml:"distribute_pct_bps"`
	AutoRenewMonths  uint32   `yaml:"auto_renew_months"`
	MaxQueueSteps    int      `yaml:"max_queue_steps"`
}

type EventLogConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type WebhookConfig struct {
	URL         string   `yaml:"url"`
	Secret      string   `yaml:"secret"`
	EventTypes  []string `yaml:"event_types"`
	MaxAttempts int      `yaml:"max_attempts"`
	MinBackoff  Duration `yaml:"min_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
}

// LifecycleConfig points at the program lifecycle service. An empty URL runs
// the in-process simulator.
type LifecycleConfig struct {
	URL     string   `yaml:"url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	Metrics  bool              `yaml:"metrics"`
	Traces   bool              `yaml:"traces"`
	// SampleRatio is the fraction of root spans recorded; zero records all.
	SampleRatio    float64  `yaml:"sample_ratio"`
	MetricInterval Duration `yaml:"metric_interval"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Requests   bool   `yaml:"requests"`
}

// Default returns the configuration used when a field is omitted.
func Default() Config {
	cfg := Config{}
	cfg.normalize()
	return cfg
}

// Load reads the YAML configuration from disk, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	cfg := Config{}
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if value, ok := os.LookupEnv(EnvJWTSecret); ok && strings.TrimSpace(value) != "" {
		cfg.Auth.HMACSecret = value
	}
	if value, ok := os.LookupEnv(EnvWebhookSecret); ok && strings.TrimSpace(value) != "" {
		cfg.Webhook.Secret = value
	}
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8480"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.GenesisPath == "" {
		cfg.GenesisPath = "services/treasuryd/genesis.toml"
	}
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "treasuryd"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitConfig{
			"staking": {RequestsPerMinute: 120, Burst: 20},
			"deploy":  {RequestsPerMinute: 60, Burst: 10},
			"admin":   {RequestsPerMinute: 30, Burst: 5},
		}
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = storage.BackendLevelDB
	}
	if cfg.Storage.Path == "" && cfg.Storage.Backend != storage.BackendMemory {
		cfg.Storage.Path = "data/treasury"
	}
	if cfg.Keeper.Interval.Duration <= 0 {
		cfg.Keeper.Interval.Duration = 30 * time.Second
	}
	if cfg.Keeper.AutoRenewMonths == 0 {
		cfg.Keeper.AutoRenewMonths = 1
	}
	if cfg.Keeper.MaxQueueSteps <= 0 {
		cfg.Keeper.MaxQueueSteps = 16
	}
	cfg.EventLog.Driver = strings.ToLower(strings.TrimSpace(cfg.EventLog.Driver))
	if cfg.EventLog.Driver == "" {
		cfg.EventLog.Driver = "sqlite"
	}
	if cfg.EventLog.DSN == "" {
		cfg.EventLog.DSN = "data/events.db"
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = 5
	}
	if cfg.Webhook.MinBackoff.Duration <= 0 {
		cfg.Webhook.MinBackoff.Duration = 500 * time.Millisecond
	}
	if cfg.Webhook.MaxBackoff.Duration <= 0 {
		cfg.Webhook.MaxBackoff.Duration = 30 * time.Second
	}
	if cfg.Lifecycle.Timeout.Duration <= 0 {
		cfg.Lifecycle.Timeout.Duration = 15 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (cfg *Config) validate() error {
	if (cfg.TLS.CertPath == "") != (cfg.TLS.KeyPath == "") {
		return fmt.Errorf("tls: cert and key must either both be provided or both be empty")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: hmac_secret or %s required when auth is enabled", EnvJWTSecret)
	}
	if !cfg.Auth.Enabled && !strings.EqualFold(cfg.Environment, "dev") {
		return fmt.Errorf("auth: disabling authentication is restricted to env=dev")
	}
	for group, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits.%s: requests_per_minute and burst must be positive", group)
		}
	}
	switch cfg.Storage.Backend {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Keeper.Operator != "" {
		if _, err := crypto.ParseIdentity(cfg.Keeper.Operator); err != nil {
			return fmt.Errorf("keeper.operator: %w", err)
		}
	}
	if cfg.Keeper.DistributePctBps > 10_000 {
		return fmt.Errorf("keeper.distribute_pct_bps must not exceed 10000")
	}
	switch cfg.EventLog.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("event_log: unsupported driver %q", cfg.EventLog.Driver)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	if cfg.Webhook.URL != "" && strings.TrimSpace(cfg.Webhook.Secret) == "" {
		return fmt.Errorf("webhook: secret or %s required when url is set", EnvWebhookSecret)
	}
	return nil
}
