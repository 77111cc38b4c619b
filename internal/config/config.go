package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/scriptbatch/pkg/log"
)

// Config holds all application configuration.
// Values come from environment variables with sensible defaults; a .env file
// is loaded by the binary before NewFromEnv is called.
//
// Environment Variables:
// LLM Configuration:
// - LLM_PROVIDER: backend name, one of openai, gemini, anthropic (default: openai)
// - LLM_API_KEY: operator fallback credential used when the pool is empty
// - LLM_API_URL: API endpoint URL (default depends on provider)
// - LLM_MODEL: Model name to use
// - LLM_MAX_TOKENS: Maximum tokens for responses (default: 8000)
// - LLM_TEMPERATURE: Temperature for responses (default: 0.7)
// - LLM_TIMEOUT: Request timeout in seconds (default: 60)
// - LLM_SITE_URL / LLM_APP_NAME: optional attribution headers
//
// Credential Pool:
// - LLM_API_KEYS: delimiter separated list of pooled credentials
// - CREDENTIAL_RECOVERY_WINDOW: rate-limit recovery window (default: 5m)
// - CREDENTIAL_MAX_ERRORS: consecutive unclassified errors before a credential dies (default: 3)
//
// Generation:
// - SCENE_COUNT (default: 12), WORD_MIN (default: 17), WORD_MAX (default: 23)
// - SCRIPT_LANGUAGE: auto, en or vi (default: auto)
// - JOB_DELAY_SECONDS: inter-job delay recorded in checkpoints (default: 2)
// - STEP_DELAY, BATCH_DELAY: pauses between steps and batches (default: 1s, 500ms)
// - BATCH_MAX_ATTEMPTS (default: 5)
// - AUTOFIX_PASSES (default: 3), AUTOFIX_GROUP_SIZE (default: 5), AUTOFIX_TIMEOUT (default: 30s)
//
// Scheduler:
// - MAX_CONCURRENCY (default: 3), CHUNK_DELAY (default: 5s)
// - JOB_MAX_ATTEMPTS (default: 3), JOB_BACKOFF (default: 2s), BREAKER_THRESHOLD (default: 2)
// - CRON_EXPR: optional schedule for resume runs
//
// System:
// - DATA_DIR (default: /app/data), STORE_DRIVER: sqlite, postgres or file (default: sqlite)
// - POSTGRES_DSN: required when STORE_DRIVER=postgres
// - REDIS_ADDR, RATE_LIMIT_CAPACITY, RATE_LIMIT_REFILL: optional shared rate limiter
// - SEARCH_API_KEY, SEARCH_API_URL: web search augmentation for openai backends
// - EXPORT_DIR, EXPORT_S3_BUCKET, EXPORT_S3_PREFIX, EXPORT_S3_REGION, EXPORT_S3_ENDPOINT, EXPORT_S3_PATH_STYLE
// - HTTP_ADDR (default: :8080), LOG_LEVEL (default: info), LOG_FILE, PROMPTS_FILE
type Config struct {
	LLM         LLMConfig        `json:"llm"`
	Credentials CredentialConfig `json:"credentials"`
	Generation  GenerationConfig `json:"generation"`
	Scheduler   SchedulerConfig  `json:"scheduler"`
	System      SystemConfig     `json:"system"`
	Redis       RedisConfig      `json:"redis"`
	Search      SearchConfig     `json:"search"`
	Export      ExportConfig     `json:"export"`
	HTTP        HTTPConfig       `json:"http"`
	Log         LogConfig        `json:"log"`
	Prompts     PromptsConfig    `json:"prompts"`
}

// LLMConfig describes the remote backend. APIKey is the operator-supplied
// fallback credential, pooled credentials live in CredentialConfig.
type LLMConfig struct {
	Provider    string  `json:"provider"`
	APIKey      string  `json:"-"`
	APIURL      string  `json:"api_url"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Timeout     int     `json:"timeout"`
	SiteURL     string  `json:"site_url"`
	AppName     string  `json:"app_name"`
}

type CredentialConfig struct {
	Keys                 string        `json:"-"`
	RecoveryWindow       time.Duration `json:"recovery_window"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors"`
}

type GenerationConfig struct {
	SceneCount       int           `json:"scene_count"`
	WordMin          int           `json:"word_min"`
	WordMax          int           `json:"word_max"`
	Language         string        `json:"language"`
	DelaySeconds     float64       `json:"delay_seconds"`
	StepDelay        time.Duration `json:"step_delay"`
	BatchDelay       time.Duration `json:"batch_delay"`
	BatchMaxAttempts int           `json:"batch_max_attempts"`
	AutoFixPasses    int           `json:"autofix_passes"`
	AutoFixGroupSize int           `json:"autofix_group_size"`
	AutoFixTimeout   time.Duration `json:"autofix_timeout"`
}

// Target is the centre of the word-count window.
func (g GenerationConfig) Target() int {
	return (g.WordMin + g.WordMax) / 2
}

// Tolerance is the half width of the word-count window.
func (g GenerationConfig) Tolerance() int {
	return (g.WordMax - g.WordMin) / 2
}

type SchedulerConfig struct {
	MaxConcurrency   int           `json:"max_concurrency"`
	ChunkDelay       time.Duration `json:"chunk_delay"`
	JobMaxAttempts   int           `json:"job_max_attempts"`
	JobBackoff       time.Duration `json:"job_backoff"`
	BreakerThreshold int           `json:"breaker_threshold"`
	CronExpr         string        `json:"cron_expr"`
}

type SystemConfig struct {
	DataDir     string `json:"data_dir"`
	StoreDriver string `json:"store_driver"`
	PostgresDSN string `json:"-"`
}

type RedisConfig struct {
	Addr            string  `json:"addr"`
	Capacity        int     `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
}

// SearchConfig holds the configuration for web search augmentation
type SearchConfig struct {
	APIKey string `json:"-"`
	APIURL string `json:"api_url"`
}

type ExportConfig struct {
	Dir         string `json:"dir"`
	S3Bucket    string `json:"s3_bucket"`
	S3Prefix    string `json:"s3_prefix"`
	S3Region    string `json:"s3_region"`
	S3Endpoint  string `json:"s3_endpoint"`
	S3PathStyle bool   `json:"s3_path_style"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
}

type PromptsConfig struct {
	File string `json:"file"`
}

// DBPath is the sqlite database location inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "scriptbatch.db")
}

// CheckpointPath is used by the file checkpoint backend.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.System.DataDir, "checkpoint.json")
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	provider := strings.ToLower(getEnvString("LLM_PROVIDER", "openai"))
	config := &Config{
		LLM: LLMConfig{
			Provider:    provider,
			APIKey:      getEnvString("LLM_API_KEY", ""),
			APIURL:      getEnvString("LLM_API_URL", defaultAPIURL(provider)),
			Model:       getEnvString("LLM_MODEL", defaultModel(provider)),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 8000),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.7),
			Timeout:     getEnvInt("LLM_TIMEOUT", 60),
			SiteURL:     getEnvString("LLM_SITE_URL", ""),
			AppName:     getEnvString("LLM_APP_NAME", ""),
		},
		Credentials: CredentialConfig{
			Keys:                 getEnvString("LLM_API_KEYS", ""),
			RecoveryWindow:       getEnvDuration("CREDENTIAL_RECOVERY_WINDOW", 5*time.Minute),
			MaxConsecutiveErrors: getEnvInt("CREDENTIAL_MAX_ERRORS", 3),
		},
		Generation: GenerationConfig{
			SceneCount:       getEnvInt("SCENE_COUNT", 12),
			WordMin:          getEnvInt("WORD_MIN", 17),
			WordMax:          getEnvInt("WORD_MAX", 23),
			Language:         strings.ToLower(getEnvString("SCRIPT_LANGUAGE", "auto")),
			DelaySeconds:     getEnvFloat("JOB_DELAY_SECONDS", 2),
			StepDelay:        getEnvDuration("STEP_DELAY", time.Second),
			BatchDelay:       getEnvDuration("BATCH_DELAY", 500*time.Millisecond),
			BatchMaxAttempts: getEnvInt("BATCH_MAX_ATTEMPTS", 5),
			AutoFixPasses:    getEnvInt("AUTOFIX_PASSES", 3),
			AutoFixGroupSize: getEnvInt("AUTOFIX_GROUP_SIZE", 5),
			AutoFixTimeout:   getEnvDuration("AUTOFIX_TIMEOUT", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrency:   getEnvInt("MAX_CONCURRENCY", 3),
			ChunkDelay:       getEnvDuration("CHUNK_DELAY", 5*time.Second),
			JobMaxAttempts:   getEnvInt("JOB_MAX_ATTEMPTS", 3),
			JobBackoff:       getEnvDuration("JOB_BACKOFF", 2*time.Second),
			BreakerThreshold: getEnvInt("BREAKER_THRESHOLD", 2),
			CronExpr:         getEnvString("CRON_EXPR", ""),
		},
		System: SystemConfig{
			DataDir:     getEnvString("DATA_DIR", "/app/data"),
			StoreDriver: strings.ToLower(getEnvString("STORE_DRIVER", "sqlite")),
			PostgresDSN: getEnvString("POSTGRES_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:            getEnvString("REDIS_ADDR", ""),
			Capacity:        getEnvInt("RATE_LIMIT_CAPACITY", 10),
			RefillPerSecond: getEnvFloat("RATE_LIMIT_REFILL", 1),
		},
		Search: SearchConfig{
			APIKey: getEnvString("SEARCH_API_KEY", ""),
			APIURL: getEnvString("SEARCH_API_URL", "https://api.tavily.com/search"),
		},
		Export: ExportConfig{
			Dir:         getEnvString("EXPORT_DIR", ""),
			S3Bucket:    getEnvString("EXPORT_S3_BUCKET", ""),
			S3Prefix:    getEnvString("EXPORT_S3_PREFIX", "scripts/"),
			S3Region:    getEnvString("EXPORT_S3_REGION", "us-east-1"),
			S3Endpoint:  getEnvString("EXPORT_S3_ENDPOINT", ""),
			S3PathStyle: getEnvBool("EXPORT_S3_PATH_STYLE", false),
		},
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
		Log: LogConfig{
			Level: getEnvString("LOG_LEVEL", "info"),
			File:  getEnvString("LOG_FILE", ""),
		},
		Prompts: PromptsConfig{
			File: getEnvString("PROMPTS_FILE", ""),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Info("Config: provider=%s model=%s scenes=%d words=%d-%d concurrency=%d store=%s",
		config.LLM.Provider, config.LLM.Model, config.Generation.SceneCount,
		config.Generation.WordMin, config.Generation.WordMax,
		config.Scheduler.MaxConcurrency, config.System.StoreDriver)

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.LLM.APIKey == "" && strings.TrimSpace(c.Credentials.Keys) == "" {
		return fmt.Errorf("LLM_API_KEY or LLM_API_KEYS is required")
	}
	switch c.LLM.Provider {
	case "openai", "gemini", "anthropic":
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLM.Provider)
	}
	if c.Generation.SceneCount < 1 {
		return fmt.Errorf("SCENE_COUNT must be greater than 0")
	}
	if c.Generation.WordMin < 1 || c.Generation.WordMin > c.Generation.WordMax {
		return fmt.Errorf("WORD_MIN must be positive and not greater than WORD_MAX")
	}
	switch c.Generation.Language {
	case "auto", "en", "vi":
	default:
		return fmt.Errorf("unsupported SCRIPT_LANGUAGE %q", c.Generation.Language)
	}
	if c.Scheduler.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be greater than 0")
	}
	switch c.System.StoreDriver {
	case "sqlite", "file":
	case "postgres":
		if c.System.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.System.StoreDriver)
	}
	return nil
}

func defaultAPIURL(provider string) string {
	switch provider {
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta"
	case "anthropic":
		return "https://api.anthropic.com/v1"
	default:
		return "https://openrouter.ai/api/v1"
	}
}

func defaultModel(provider string) string {
	switch provider {
	case "gemini":
		return "gemini-2.5-flash"
	case "anthropic":
		return "claude-sonnet-4-5"
	default:
		return "openai/gpt-4o-mini"
	}
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
