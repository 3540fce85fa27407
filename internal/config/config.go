// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv          string `env:"APP_ENV" envDefault:"dev"`
	OpsPort         int    `env:"OPS_PORT" envDefault:"9090"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"studio-core"`

	// KV plane
	RedisURL        string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	KVProbeInterval time.Duration `env:"KV_PROBE_INTERVAL" envDefault:"5s"`

	// Optional terminal-event archive topic; empty disables the archiver.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:""`

	// LLM jobs
	LLMCLIPath        string        `env:"LLM_CLI_PATH" envDefault:"assistant"`
	LLMMaxConcurrent  int           `env:"LLM_MAX_CONCURRENT" envDefault:"2"`
	LLMMaxQueueSize   int           `env:"LLM_MAX_QUEUE_SIZE" envDefault:"100"`
	LLMDefaultTimeout time.Duration `env:"LLM_DEFAULT_TIMEOUT" envDefault:"5m"`
	LLMMaxRetries     int           `env:"LLM_MAX_RETRIES" envDefault:"2"`
	// MaxPromptTokens rejects oversized prompts at admission; 0 disables.
	MaxPromptTokens int `env:"MAX_PROMPT_TOKENS" envDefault:"100000"`

	// Render jobs
	RenderMaxConcurrent int           `env:"RENDER_MAX_CONCURRENT" envDefault:"2"`
	RenderMaxQueueSize  int           `env:"RENDER_MAX_QUEUE_SIZE" envDefault:"50"`
	MaxPatternLength    int           `env:"MAX_PATTERN_LENGTH" envDefault:"10000"`
	MaxRenderDuration   float64       `env:"MAX_RENDER_DURATION" envDefault:"300"`
	RenderTimeout       time.Duration `env:"RENDER_TIMEOUT" envDefault:"60s"`
	EncodeTimeout       time.Duration `env:"ENCODE_TIMEOUT" envDefault:"15s"`
	SampleRepoURL       string        `env:"SAMPLE_REPO_URL" envDefault:""`
	SampleCacheDir      string        `env:"SAMPLE_CACHE_DIR" envDefault:""`

	// Scheduler
	SchedulerTick       time.Duration `env:"SCHEDULER_TICK" envDefault:"1s"`
	EstimatedJobSeconds int           `env:"ESTIMATED_JOB_SECONDS" envDefault:"30"`
	RateLimitPerMin     int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`

	// Orchestration
	MaxParallelSteps int `env:"MAX_PARALLEL_STEPS" envDefault:"4"`

	// Retry Configuration (workflow steps and transient LLM failures)
	RetryMaxRetries   int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"2s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// RetryConfig groups the step retry knobs.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// GetRetryConfig returns retry configuration appropriate for the current
// environment; tests use much shorter delays.
func (c Config) GetRetryConfig() RetryConfig {
	if c.IsTest() {
		return RetryConfig{MaxRetries: c.RetryMaxRetries, InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Multiplier: 2.0}
	}
	return RetryConfig{
		MaxRetries:   c.RetryMaxRetries,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
	}
}
