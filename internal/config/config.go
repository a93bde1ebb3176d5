package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the mailroom. Every recognized key
// is an explicit field; unknown YAML keys are a load-time error.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Retry     RetryConfig     `yaml:"retry"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	Rollout   RolloutConfig   `yaml:"rollout"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// Hostname is used for EHLO and generated Message-IDs.
	Hostname string `yaml:"hostname"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig holds the counter-store connection settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SchedulerConfig controls the fair-share dispatch loop.
type SchedulerConfig struct {
	// ConcurrencyCap is the global in-flight worker limit C.
	ConcurrencyCap int `yaml:"concurrency_cap"`
	// PlanShares maps plan tier to its slice of the concurrency pool.
	PlanShares          map[string]int `yaml:"plan_shares"`
	TickSeconds         int            `yaml:"tick_seconds"`
	DrainTimeoutSeconds int            `yaml:"drain_timeout_seconds"`
	// InflightLeakFactor multiplies the attempt timeout to form the
	// inflight-leak window.
	InflightLeakFactor int `yaml:"inflight_leak_factor"`
}

// DeliveryConfig controls per-attempt SMTP behaviour.
type DeliveryConfig struct {
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	AttemptTimeoutSeconds int    `yaml:"attempt_timeout_seconds"`
	SmartHost             string `yaml:"smart_host"`
	SmartHostUser         string `yaml:"smart_host_user"`
	SmartHostPass         string `yaml:"smart_host_pass"`
	// LocalDomains receive inbox writes instead of remote SMTP.
	LocalDomains []string `yaml:"local_domains"`
}

// ConnectTimeout returns the configured connect timeout as a duration.
func (c DeliveryConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// AttemptTimeout returns the configured attempt timeout as a duration.
func (c DeliveryConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// RetryConfig parameterizes the exponential-backoff planner.
type RetryConfig struct {
	Cap             int     `yaml:"cap"`
	BaseSeconds     int     `yaml:"base_seconds"`
	Multiplier      float64 `yaml:"multiplier"`
	MaxDelaySeconds int     `yaml:"max_delay_seconds"`
	Jitter          float64 `yaml:"jitter"`
}

// Base returns the backoff base as a duration.
func (c RetryConfig) Base() time.Duration { return time.Duration(c.BaseSeconds) * time.Second }

// MaxDelay returns the backoff ceiling as a duration.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// DKIMConfig controls key generation and the statically provisioned
// internal key.
type DKIMConfig struct {
	DefaultKeySize int `yaml:"default_key_size"`
	// InternalDomains are UltraZend-operated domains signed with the
	// provisioned key rather than per-tenant generated ones.
	InternalDomains  []string `yaml:"internal_domains"`
	InternalKeyPath  string   `yaml:"internal_key_path"`
	InternalSelector string   `yaml:"internal_selector"`
}

// RolloutConfig holds the auto-rollback controller thresholds (§ rollout
// gate). Percent is the live cohort share in [0,100].
type RolloutConfig struct {
	Percent int `yaml:"percent"`
	// Critical thresholds: any hit causes a full rollback.
	MinSuccessRate     float64 `yaml:"min_success_rate"`
	MaxP50LatencyMs    int64   `yaml:"max_p50_latency_ms"`
	ErrorRatioBaseline float64 `yaml:"error_ratio_baseline"`
	MaxSimultaneous    int     `yaml:"max_simultaneous_errors"`
	// Warning thresholds: any hit halves the rollout percent.
	WarnSuccessRate  float64 `yaml:"warn_success_rate"`
	WarnLatencyMs    int64   `yaml:"warn_latency_ms"`
	WarnErrorCount   int     `yaml:"warn_error_count"`
	EvalIntervalSecs int     `yaml:"eval_interval_seconds"`
}

// Load reads and strictly parses the configuration file, then applies
// defaults. Unknown keys fail the load.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes config bytes with strict field checking.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.Hostname == "" {
		cfg.Server.Hostname = "mail.ultrazend.net"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Scheduler.ConcurrencyCap == 0 {
		cfg.Scheduler.ConcurrencyCap = 10
	}
	if cfg.Scheduler.PlanShares == nil {
		cfg.Scheduler.PlanShares = map[string]int{
			"basic":        1,
			"professional": 3,
			"enterprise":   5,
		}
	}
	if cfg.Scheduler.TickSeconds == 0 {
		cfg.Scheduler.TickSeconds = 5
	}
	if cfg.Scheduler.DrainTimeoutSeconds == 0 {
		cfg.Scheduler.DrainTimeoutSeconds = 30
	}
	if cfg.Scheduler.InflightLeakFactor == 0 {
		cfg.Scheduler.InflightLeakFactor = 3
	}
	if cfg.Delivery.ConnectTimeoutSeconds == 0 {
		cfg.Delivery.ConnectTimeoutSeconds = 30
	}
	if cfg.Delivery.AttemptTimeoutSeconds == 0 {
		cfg.Delivery.AttemptTimeoutSeconds = 30
	}
	if cfg.Retry.Cap == 0 {
		cfg.Retry.Cap = 5
	}
	if cfg.Retry.BaseSeconds == 0 {
		cfg.Retry.BaseSeconds = 60
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelaySeconds == 0 {
		cfg.Retry.MaxDelaySeconds = 3600
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = 0.1
	}
	if cfg.DKIM.DefaultKeySize == 0 {
		cfg.DKIM.DefaultKeySize = 2048
	}
	if cfg.DKIM.InternalSelector == "" {
		cfg.DKIM.InternalSelector = "uz"
	}
	if cfg.Rollout.Percent == 0 {
		cfg.Rollout.Percent = 100
	}
	if cfg.Rollout.MinSuccessRate == 0 {
		cfg.Rollout.MinSuccessRate = 90
	}
	if cfg.Rollout.MaxP50LatencyMs == 0 {
		cfg.Rollout.MaxP50LatencyMs = 5000
	}
	if cfg.Rollout.ErrorRatioBaseline == 0 {
		cfg.Rollout.ErrorRatioBaseline = 3
	}
	if cfg.Rollout.MaxSimultaneous == 0 {
		cfg.Rollout.MaxSimultaneous = 5
	}
	if cfg.Rollout.WarnSuccessRate == 0 {
		cfg.Rollout.WarnSuccessRate = 95
	}
	if cfg.Rollout.WarnLatencyMs == 0 {
		cfg.Rollout.WarnLatencyMs = 2000
	}
	if cfg.Rollout.WarnErrorCount == 0 {
		cfg.Rollout.WarnErrorCount = 10
	}
	if cfg.Rollout.EvalIntervalSecs == 0 {
		cfg.Rollout.EvalIntervalSecs = 120
	}
}

func (cfg *Config) validate() error {
	switch cfg.DKIM.DefaultKeySize {
	case 1024, 2048, 4096:
	default:
		return fmt.Errorf("dkim.default_key_size must be 1024, 2048, or 4096 (got %d)", cfg.DKIM.DefaultKeySize)
	}
	if cfg.Scheduler.ConcurrencyCap < 1 {
		return fmt.Errorf("scheduler.concurrency_cap must be >= 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be in [0,1]")
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) first, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("MAILROOM_HOSTNAME"); v != "" {
		cfg.Server.Hostname = v
	}
	if v := os.Getenv("SMART_HOST"); v != "" {
		cfg.Delivery.SmartHost = v
	}
	if v := os.Getenv("SMART_HOST_USER"); v != "" {
		cfg.Delivery.SmartHostUser = v
	}
	if v := os.Getenv("SMART_HOST_PASS"); v != "" {
		cfg.Delivery.SmartHostPass = v
	}
	if v := os.Getenv("CONCURRENCY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.ConcurrencyCap = n
		}
	}
	if v := os.Getenv("ROLLOUT_PERCENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 100 {
			cfg.Rollout.Percent = n
		}
	}

	return cfg, nil
}
