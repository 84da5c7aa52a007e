// Package config defines service configuration structures and loading hooks.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Driver names accepted by the *_driver keys.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverAMQP     = "amqp"
	DriverKeyword  = "keyword"
	DriverOpenAI   = "openai"
	DriverNone     = "none"
	DriverLocal    = "local"
	DriverRedis    = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// StoreDriver selects memory, sqlite or postgres for the leaderboard,
	// the task ledger and the sample log.
	StoreDriver string `koanf:"store_driver"`
	DatabaseDSN string `koanf:"database_dsn"`

	// QueueDriver selects the in-process queue or RabbitMQ.
	QueueDriver string `koanf:"queue_driver"`
	AMQPURL     string `koanf:"amqp_url"`
	AMQPQueue   string `koanf:"amqp_queue"`
	QueueSize   int    `koanf:"queue_size"`

	// WorkerCount sets the number of evaluation workers.
	WorkerCount         int `koanf:"worker_count"`
	EvaluationTimeoutMS int `koanf:"evaluation_timeout_ms"`
	DedupeSize          int `koanf:"dedupe_size"`

	PlannerDriver    string `koanf:"planner_driver"`
	PlannerTimeoutMS int    `koanf:"planner_timeout_ms"`
	PlannerModel     string `koanf:"planner_model"`
	OpenAIBaseURL    string `koanf:"openai_base_url"`
	OpenAIAPIKey     string `koanf:"openai_api_key"`

	CacheTimeoutMS     int      `koanf:"cache_timeout_ms"`
	MaxQueryLength     int      `koanf:"max_query_length"`
	MaxModels          int      `koanf:"max_models"`
	MaxModelNameLength int      `koanf:"max_model_name_length"`
	AllowedSchemes     []string `koanf:"allowed_schemes"`
	MaxBrowseLimit     int      `koanf:"max_browse_limit"`

	RateLimitDriver string  `koanf:"rate_limit_driver"`
	RateLimitRPS    float64 `koanf:"rate_limit_rps"`
	RateLimitBurst  int     `koanf:"rate_limit_burst"`
	RedisURL        string  `koanf:"redis_url"`

	// EvaluatorCommand is the external toolkit binary; empty disables fresh runs.
	EvaluatorCommand string   `koanf:"evaluator_command"`
	EvaluatorArgs    []string `koanf:"evaluator_args"`

	// AdminToken guards the admin routes. Empty disables them.
	AdminToken string `koanf:"admin_token"`

	CleanupSchedule      string `koanf:"cleanup_schedule"`
	TaskRetentionHours   int    `koanf:"task_retention_hours"`
	SampleRetentionHours int    `koanf:"sample_retention_hours"`
	CacheTTLHours        int    `koanf:"cache_ttl_hours"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9080",
		StoreDriver:          DriverMemory,
		QueueDriver:          DriverMemory,
		AMQPQueue:            "evalboard.tasks",
		QueueSize:            10_000,
		WorkerCount:          runtime.NumCPU(),
		EvaluationTimeoutMS:  int((30 * time.Minute).Milliseconds()),
		DedupeSize:           50_000,
		PlannerDriver:        DriverKeyword,
		PlannerTimeoutMS:     5_000,
		PlannerModel:         "gpt-4o-mini",
		CacheTimeoutMS:       2_000,
		MaxQueryLength:       2_000,
		MaxModels:            10,
		MaxModelNameLength:   128,
		AllowedSchemes:       []string{"http", "https"},
		MaxBrowseLimit:       500,
		RateLimitDriver:      DriverLocal,
		RateLimitRPS:         5,
		RateLimitBurst:       10,
		CleanupSchedule:      "0 3 * * *",
		TaskRetentionHours:   24 * 30,
		SampleRetentionHours: 24 * 90,
		CacheTTLHours:        0,
	}
}

// PlannerTimeout returns the planner deadline.
func (c *Config) PlannerTimeout() time.Duration {
	return time.Duration(c.PlannerTimeoutMS) * time.Millisecond
}

// CacheTimeout returns the cache lookup deadline.
func (c *Config) CacheTimeout() time.Duration {
	return time.Duration(c.CacheTimeoutMS) * time.Millisecond
}

// EvaluationTimeout returns the evaluator deadline.
func (c *Config) EvaluationTimeout() time.Duration {
	return time.Duration(c.EvaluationTimeoutMS) * time.Millisecond
}

// Validate checks semantic constraints the loader cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	}
	if err := oneOf("store_driver", c.StoreDriver, DriverMemory, DriverSQLite, DriverPostgres); err != nil {
		return err
	}
	if err := oneOf("queue_driver", c.QueueDriver, DriverMemory, DriverAMQP); err != nil {
		return err
	}
	if err := oneOf("planner_driver", c.PlannerDriver, DriverKeyword, DriverOpenAI); err != nil {
		return err
	}
	if err := oneOf("rate_limit_driver", c.RateLimitDriver, DriverNone, DriverLocal, DriverRedis); err != nil {
		return err
	}
	if c.StoreDriver != DriverMemory && c.DatabaseDSN == "" && c.StoreDriver != DriverSQLite {
		return fmt.Errorf("%w: database_dsn is required for %s", ErrInvalidConfig, c.StoreDriver)
	}
	if c.QueueDriver == DriverAMQP && c.AMQPURL == "" {
		return fmt.Errorf("%w: amqp_url is required for the amqp queue", ErrInvalidConfig)
	}
	if c.RateLimitDriver == DriverRedis && c.RedisURL == "" {
		return fmt.Errorf("%w: redis_url is required for the redis limiter", ErrInvalidConfig)
	}
	if c.MaxModels < 1 || c.MaxQueryLength < 1 || c.MaxModelNameLength < 1 {
		return fmt.Errorf("%w: request limits must be positive", ErrInvalidConfig)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	}
	return nil
}

func oneOf(key, val string, allowed ...string) error {
	for _, a := range allowed {
		if val == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be one of %s, got %q", ErrInvalidConfig, key, strings.Join(allowed, "|"), val)
}
