// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend is a seed entry for a backend the registry connects to at
// startup.
type Backend struct {
	ID       string `mapstructure:"id"`
	Host     string `mapstructure:"host"`
	Priority int    `mapstructure:"priority"`
}

// Queue configures which queue adapter backs the dispatcher.
type Queue struct {
	Driver            string        `mapstructure:"driver"` // "memory" | "redis"
	RedisAddr         string        `mapstructure:"redis_addr"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// Failover mirrors spec.md §4.3's parameters.
type Failover struct {
	CooldownMs             int64 `mapstructure:"cooldown_ms"`
	MaxFailuresBeforeBlock int   `mapstructure:"max_failures_before_block"`
}

// Breaker configures the per-backend connection circuit breaker
// (SPEC_FULL.md §4, distinct from Failover).
type Breaker struct {
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Dispatcher configures the scheduler loop (spec.md §4.7).
type Dispatcher struct {
	ExecutionStartTimeoutMs int64 `mapstructure:"execution_start_timeout_ms"`
	DefaultMaxAttempts      int   `mapstructure:"default_max_attempts"`
	DefaultRetryDelayMs     int64 `mapstructure:"default_retry_delay_ms"`
	WakeupBufferSize        int   `mapstructure:"wakeup_buffer_size"`

	// ConnectTimeoutMs bounds each backend client's connect(timeout)
	// call (spec.md §4.5), gated by the registry's breaker.
	ConnectTimeoutMs int64 `mapstructure:"connect_timeout_ms"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type API struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type Config struct {
	Backends      []Backend     `mapstructure:"backends"`
	Queue         Queue         `mapstructure:"queue"`
	Failover      Failover      `mapstructure:"failover"`
	Breaker       Breaker       `mapstructure:"breaker"`
	Dispatcher    Dispatcher    `mapstructure:"dispatcher"`
	Observability Observability `mapstructure:"observability"`
	API           API           `mapstructure:"api"`
}

func defaultConfig() *Config {
	return &Config{
		Queue: Queue{
			Driver:            "memory",
			RedisAddr:         "localhost:6379",
			VisibilityTimeout: 30 * time.Second,
			SweepInterval:     5 * time.Second,
		},
		Failover: Failover{
			CooldownMs:             60000,
			MaxFailuresBeforeBlock: 1,
		},
		Breaker: Breaker{
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			FailureThreshold: 0.5,
			MinSamples:       5,
		},
		Dispatcher: Dispatcher{
			ExecutionStartTimeoutMs: 60000,
			DefaultMaxAttempts:      3,
			DefaultRetryDelayMs:     1000,
			WakeupBufferSize:        256,
			ConnectTimeoutMs:        5000,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
		API: API{
			ListenAddr:   ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file plus env overrides, exactly as
// the teacher's config.Load does.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("queue.driver", def.Queue.Driver)
	v.SetDefault("queue.redis_addr", def.Queue.RedisAddr)
	v.SetDefault("queue.visibility_timeout", def.Queue.VisibilityTimeout)
	v.SetDefault("queue.sweep_interval", def.Queue.SweepInterval)

	v.SetDefault("failover.cooldown_ms", def.Failover.CooldownMs)
	v.SetDefault("failover.max_failures_before_block", def.Failover.MaxFailuresBeforeBlock)

	v.SetDefault("breaker.window", def.Breaker.Window)
	v.SetDefault("breaker.cooldown_period", def.Breaker.CooldownPeriod)
	v.SetDefault("breaker.failure_threshold", def.Breaker.FailureThreshold)
	v.SetDefault("breaker.min_samples", def.Breaker.MinSamples)

	v.SetDefault("dispatcher.execution_start_timeout_ms", def.Dispatcher.ExecutionStartTimeoutMs)
	v.SetDefault("dispatcher.default_max_attempts", def.Dispatcher.DefaultMaxAttempts)
	v.SetDefault("dispatcher.default_retry_delay_ms", def.Dispatcher.DefaultRetryDelayMs)
	v.SetDefault("dispatcher.wakeup_buffer_size", def.Dispatcher.WakeupBufferSize)
	v.SetDefault("dispatcher.connect_timeout_ms", def.Dispatcher.ConnectTimeoutMs)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.read_timeout", def.API.ReadTimeout)
	v.SetDefault("api.write_timeout", def.API.WriteTimeout)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings, mirroring the teacher's config.Validate.
func Validate(cfg *Config) error {
	if cfg.Queue.Driver != "memory" && cfg.Queue.Driver != "redis" {
		return fmt.Errorf("queue.driver must be \"memory\" or \"redis\", got %q", cfg.Queue.Driver)
	}
	if cfg.Queue.Driver == "redis" && cfg.Queue.RedisAddr == "" {
		return fmt.Errorf("queue.redis_addr is required when queue.driver is \"redis\"")
	}
	if cfg.Failover.CooldownMs <= 0 {
		return fmt.Errorf("failover.cooldown_ms must be > 0")
	}
	if cfg.Failover.MaxFailuresBeforeBlock <= 0 {
		return fmt.Errorf("failover.max_failures_before_block must be > 0")
	}
	if cfg.Dispatcher.ExecutionStartTimeoutMs <= 0 {
		return fmt.Errorf("dispatcher.execution_start_timeout_ms must be > 0")
	}
	if cfg.Dispatcher.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("dispatcher.default_max_attempts must be >= 1")
	}
	if cfg.Dispatcher.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("dispatcher.connect_timeout_ms must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
