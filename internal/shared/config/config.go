package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Providers accepted by CLOUD_PROVIDER.
var Providers = []string{"openai", "openrouter", "anthropic", "gemini", "mock"}

// Config holds all configuration for the dispatcher
type Config struct {
	// Server
	Port string
	Env  string

	// Logging
	LogLevel  string
	LogFormat string

	// Database (optional: pricing rows and dispatch log)
	DatabaseURL string

	// Redis (optional: result cache backend)
	RedisURL string

	// Routing policy
	ConfidenceThreshold float64
	LatencyBudgetMs     int
	LatencyWindowSize   int

	// Remote gates
	MaxRequestsPerMinute int
	MaxRequestsPerDay    int
	DailyBudgetUSD       float64
	BreakerThreshold     int
	BreakerTimeout       time.Duration
	RemoteTimeout        time.Duration

	// Remote provider
	CloudProvider string
	CloudModel    string

	// Provider API Keys
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	AnthropicAPIKey  string
	GeminiAPIKey     string

	// Local captioner
	LocalCaptionerURL string
	LocalModelVersion string

	PricingFile string
	AdminToken  string
}

// Load loads configuration from environment variables, after merging the
// given .env files. With no files the default .env is tried.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	} else {
		// Try to load .env file (ignore error if not found)
		_ = godotenv.Load()
	}

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		ConfidenceThreshold:  getEnvFloat("CAPTION_CONFIDENCE_THRESHOLD", 0.55),
		LatencyBudgetMs:      getEnvInt("CAPTION_LATENCY_BUDGET_MS", 600),
		LatencyWindowSize:    getEnvInt("LATENCY_WINDOW_SIZE", 20),
		MaxRequestsPerMinute: getEnvInt("CLOUD_MAX_REQUESTS_PER_MINUTE", 60),
		MaxRequestsPerDay:    getEnvInt("CLOUD_MAX_REQUESTS_PER_DAY", 10000),
		DailyBudgetUSD:       getEnvFloat("CLOUD_DAILY_BUDGET_USD", 10.0),
		BreakerThreshold:     getEnvInt("CLOUD_CIRCUIT_BREAKER_THRESHOLD", 5),
		BreakerTimeout:       getEnvMillis("CLOUD_CIRCUIT_BREAKER_TIMEOUT_MS", 30*time.Second),
		RemoteTimeout:        getEnvMillis("CLOUD_REMOTE_TIMEOUT_MS", 30*time.Second),
		CloudProvider:        strings.ToLower(getEnv("CLOUD_PROVIDER", "mock")),
		CloudModel:           getEnv("CLOUD_MODEL", ""),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenRouterAPIKey:     getEnv("OPENROUTER_API_KEY", ""),
		AnthropicAPIKey:      getEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		LocalCaptionerURL:    getEnv("LOCAL_CAPTIONER_URL", ""),
		LocalModelVersion:    getEnv("LOCAL_MODEL_VERSION", "blip-base-v1"),
		PricingFile:          getEnv("PRICING_FILE", ""),
		AdminToken:           getEnv("ADMIN_TOKEN", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks ranges and that the selected provider has credentials.
func (c *Config) Validate() error {
	var errs []error

	if math.IsNaN(c.ConfidenceThreshold) || c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("CAPTION_CONFIDENCE_THRESHOLD must be within [0,1], got %v", c.ConfidenceThreshold))
	}
	if c.LatencyBudgetMs <= 0 {
		errs = append(errs, fmt.Errorf("CAPTION_LATENCY_BUDGET_MS must be positive, got %d", c.LatencyBudgetMs))
	}
	if c.LatencyWindowSize <= 0 {
		errs = append(errs, fmt.Errorf("LATENCY_WINDOW_SIZE must be positive, got %d", c.LatencyWindowSize))
	}
	if c.MaxRequestsPerMinute <= 0 || c.MaxRequestsPerDay <= 0 {
		errs = append(errs, fmt.Errorf("request caps must be positive, got %d/min %d/day", c.MaxRequestsPerMinute, c.MaxRequestsPerDay))
	}
	if math.IsNaN(c.DailyBudgetUSD) || c.DailyBudgetUSD < 0 {
		errs = append(errs, fmt.Errorf("CLOUD_DAILY_BUDGET_USD must not be negative, got %v", c.DailyBudgetUSD))
	}
	if c.BreakerThreshold <= 0 {
		errs = append(errs, fmt.Errorf("CLOUD_CIRCUIT_BREAKER_THRESHOLD must be positive, got %d", c.BreakerThreshold))
	}
	if c.BreakerTimeout <= 0 || c.RemoteTimeout <= 0 {
		errs = append(errs, errors.New("breaker and remote timeouts must be positive"))
	}
	if c.LocalModelVersion == "" {
		errs = append(errs, errors.New("LOCAL_MODEL_VERSION is required"))
	}
	if c.IsProduction() && c.AdminToken == "" {
		errs = append(errs, errors.New("ADMIN_TOKEN is required in production"))
	}

	switch c.CloudProvider {
	case "mock":
	case "openai":
		errs = appendKeyErr(errs, c.OpenAIAPIKey, "OPENAI_API_KEY")
	case "openrouter":
		errs = appendKeyErr(errs, c.OpenRouterAPIKey, "OPENROUTER_API_KEY")
	case "anthropic":
		errs = appendKeyErr(errs, c.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	case "gemini":
		errs = appendKeyErr(errs, c.GeminiAPIKey, "GEMINI_API_KEY")
	default:
		errs = append(errs, fmt.Errorf("unknown CLOUD_PROVIDER %q (expected one of %s)", c.CloudProvider, strings.Join(Providers, ", ")))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// IsProduction reports whether ENV is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func appendKeyErr(errs []error, key, name string) []error {
	if key == "" {
		return append(errs, fmt.Errorf("%s is required for the selected CLOUD_PROVIDER", name))
	}
	return errs
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvMillis reads an integer number of milliseconds.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
