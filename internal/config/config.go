package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the workflows server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// EngineConfig tunes the admission-control engine.
type EngineConfig struct {
	// MaxActiveJobsPerUser bounds pending+running jobs per user.
	MaxActiveJobsPerUser int
	// DeadLetterBatchSize caps how many failed jobs one bulk action touches.
	DeadLetterBatchSize int
	// StartRequestsPerMin is the per-user rate budget for starting jobs.
	StartRequestsPerMin int
	// RetryRequestsPerMin is the per-user rate budget for single retries.
	RetryRequestsPerMin int
	// BulkActionsPerMin is the stricter per-user budget for bulk
	// dead-letter actions, which can re-trigger many paid calls at once.
	BulkActionsPerMin int
	// SweepMode bypasses the concurrency guard. Only for test/sweep
	// deployments that perform no real external work.
	SweepMode bool
}

type PipelineConfig struct {
	Provider          string
	InvocationTimeout time.Duration
	OpenAI            OpenAIConfig
	Anthropic         AnthropicConfig
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("WORKFLOWS_PORT", 8080),
			Env:  envString("WORKFLOWS_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Engine: EngineConfig{
			MaxActiveJobsPerUser: envInt("ENGINE_MAX_ACTIVE_JOBS", 5),
			DeadLetterBatchSize:  envInt("ENGINE_DEAD_LETTER_BATCH", 100),
			StartRequestsPerMin:  envInt("ENGINE_START_RPM", 30),
			RetryRequestsPerMin:  envInt("ENGINE_RETRY_RPM", 20),
			BulkActionsPerMin:    envInt("ENGINE_BULK_RPM", 5),
			SweepMode:            envBool("ENGINE_SWEEP_MODE", false),
		},
		Pipeline: PipelineConfig{
			Provider:          os.Getenv("PIPELINE_PROVIDER"),
			InvocationTimeout: envDurationSecs("PIPELINE_TIMEOUT_SECS", 300*time.Second),
			OpenAI: OpenAIConfig{
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Model:  envString("OPENAI_MODEL", "gpt-4o"),
			},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Pipeline.Provider == "" {
		return fmt.Errorf("PIPELINE_PROVIDER is required")
	}
	if !validProviders[c.Pipeline.Provider] {
		return fmt.Errorf("PIPELINE_PROVIDER must be one of openai, anthropic, mock; got %q", c.Pipeline.Provider)
	}

	if c.Pipeline.Provider == "openai" && c.Pipeline.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when PIPELINE_PROVIDER is openai")
	}
	if c.Pipeline.Provider == "anthropic" && c.Pipeline.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when PIPELINE_PROVIDER is anthropic")
	}

	if c.Engine.MaxActiveJobsPerUser <= 0 {
		return fmt.Errorf("ENGINE_MAX_ACTIVE_JOBS must be positive, got %d", c.Engine.MaxActiveJobsPerUser)
	}
	if c.Engine.DeadLetterBatchSize <= 0 {
		return fmt.Errorf("ENGINE_DEAD_LETTER_BATCH must be positive, got %d", c.Engine.DeadLetterBatchSize)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
