// Package config loads the deployment-wide settings cmd/roverqueue needs to
// assemble the queue, acknowledgment tracker, processor, cancellation
// manager, and batch executor, mirroring the teacher's layered
// defaults-then-env-then-options Config pattern (core/config.go) scaled down
// to the handful of knobs this system actually exposes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roverfleet/commandqueue/rovercmd"
)

// Config is the YAML-serializable, environment-overridable root of
// cmd/roverqueue's configuration. Durations are plain strings so the YAML
// file stays human-editable ("30s", "5m") and are parsed with
// time.ParseDuration, exactly like the teacher's HTTPConfig fields.
type Config struct {
	Redis RedisConfig `yaml:"redis"`

	Queue        QueueConfig        `yaml:"queue"`
	Ack          AckConfig          `yaml:"ack"`
	Processor    ProcessorConfig    `yaml:"processor"`
	Cancellation CancellationConfig `yaml:"cancellation"`
	Batch        BatchConfig        `yaml:"batch"`

	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// RedisConfig selects between the in-memory and Redis-backed deployment
// shapes named in the MODULE MAP. Addr empty means in-memory.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ROVERQUEUE_REDIS_ADDR"`
	Password string `yaml:"password" env:"ROVERQUEUE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"ROVERQUEUE_REDIS_DB"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type QueueConfig struct {
	MaxQueueSize        int    `yaml:"max_queue_size" env:"ROVERQUEUE_MAX_QUEUE_SIZE"`
	MaxEmergency        int    `yaml:"max_emergency"`
	MaxHigh             int    `yaml:"max_high"`
	MaxNormal           int    `yaml:"max_normal"`
	MaxLow              int    `yaml:"max_low"`
	StaleCommandTimeout string `yaml:"stale_command_timeout" env:"ROVERQUEUE_STALE_TIMEOUT"`
	CleanupInterval     string `yaml:"cleanup_interval"`
	MaxGlobalRetries    int    `yaml:"max_global_retries"`
	RetryWindow         string `yaml:"retry_window"`
}

type AckConfig struct {
	AckTimeout       string `yaml:"ack_timeout" env:"ROVERQUEUE_ACK_TIMEOUT"`
	MaxAckRetries    int    `yaml:"max_ack_retries"`
	ResultCacheTTL   string `yaml:"result_cache_ttl"`
	MaxCachedResults int    `yaml:"max_cached_results"`
}

type ProcessorConfig struct {
	GlobalCap               int    `yaml:"global_cap" env:"ROVERQUEUE_WORKER_CONCURRENCY"`
	CapEmergency            int    `yaml:"cap_emergency"`
	CapHigh                 int    `yaml:"cap_high"`
	CapNormal               int    `yaml:"cap_normal"`
	CapLow                  int    `yaml:"cap_low"`
	DefaultExecutionTimeout string `yaml:"default_execution_timeout"`
	MaxRetries              int    `yaml:"max_retries"`
}

type CancellationConfig struct {
	CancellationTimeout string `yaml:"cancellation_timeout" env:"ROVERQUEUE_CANCELLATION_TIMEOUT"`
	HistoryLimit        int    `yaml:"history_limit"`
}

type BatchConfig struct {
	MaxBatchSize           int    `yaml:"max_batch_size"`
	ParallelExecutionLimit int    `yaml:"parallel_execution_limit"`
	MaxDependencyDepth     int    `yaml:"max_dependency_depth"`
	MemberTimeout          string `yaml:"member_timeout"`
	PollInterval           string `yaml:"poll_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"ROVERQUEUE_LOG_LEVEL"`
	Format string `yaml:"format" env:"ROVERQUEUE_LOG_FORMAT"`
	Output string `yaml:"output" env:"ROVERQUEUE_LOG_OUTPUT"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ROVERQUEUE_TELEMETRY_ENABLED"`
	ServiceName string `yaml:"service_name" env:"ROVERQUEUE_SERVICE_NAME"`
}

// Default returns the configuration DefaultConfig() of every downstream
// package already implies, expressed here so a freshly-generated YAML file
// documents every knob an operator can tune.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxQueueSize:        1000,
			MaxEmergency:        100,
			MaxHigh:             300,
			MaxNormal:           400,
			MaxLow:              200,
			StaleCommandTimeout: "5m",
			CleanupInterval:     "30s",
			MaxGlobalRetries:    100,
			RetryWindow:         "1m",
		},
		Ack: AckConfig{
			AckTimeout:       "5s",
			MaxAckRetries:    3,
			ResultCacheTTL:   "10m",
			MaxCachedResults: 1000,
		},
		Processor: ProcessorConfig{
			GlobalCap:               10,
			CapEmergency:            3,
			CapHigh:                 2,
			CapNormal:               1,
			CapLow:                  1,
			DefaultExecutionTimeout: "30s",
			MaxRetries:              3,
		},
		Cancellation: CancellationConfig{
			CancellationTimeout: "10s",
			HistoryLimit:        500,
		},
		Batch: BatchConfig{
			MaxBatchSize:           100,
			ParallelExecutionLimit: 50,
			MaxDependencyDepth:     10,
			MemberTimeout:          "30s",
			PollInterval:           "20ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "roverqueue",
		},
	}
}

// Load builds a Config the way cmd/roverqueue's main wires one: defaults,
// then an optional YAML file, then environment overrides — the same
// three-layer priority order as the teacher's NewConfig (file/env there
// sit in the opposite relative order only because the teacher treats
// functional options, which this package has no equivalent of, as the
// final and highest-priority layer).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides the handful of settings operators are most likely to
// tune at deploy time, using os.Getenv + strconv/time.ParseDuration exactly
// like orchestration.DefaultConfig() does for its env-tunable knobs.
func (c *Config) applyEnv() {
	if v := os.Getenv("ROVERQUEUE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("ROVERQUEUE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("ROVERQUEUE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("ROVERQUEUE_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxQueueSize = n
		}
	}
	if v := os.Getenv("ROVERQUEUE_STALE_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.Queue.StaleCommandTimeout = v
		}
	}
	if v := os.Getenv("ROVERQUEUE_ACK_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.Ack.AckTimeout = v
		}
	}
	if v := os.Getenv("ROVERQUEUE_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Processor.GlobalCap = n
		}
	}
	if v := os.Getenv("ROVERQUEUE_CANCELLATION_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.Cancellation.CancellationTimeout = v
		}
	}
	if v := os.Getenv("ROVERQUEUE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ROVERQUEUE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ROVERQUEUE_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv("ROVERQUEUE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ROVERQUEUE_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
}

// duration parses a config duration string, falling back to def on an
// empty or invalid value so a partially-specified YAML file never panics.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// perPriority builds the [Priority]int maps queue.Config and
// processor.Config expect, from this Config's flat per-priority fields.
func perPriority(emergency, high, normal, low int) map[rovercmd.Priority]int {
	return map[rovercmd.Priority]int{
		rovercmd.PriorityEmergency: emergency,
		rovercmd.PriorityHigh:      high,
		rovercmd.PriorityNormal:    normal,
		rovercmd.PriorityLow:       low,
	}
}
