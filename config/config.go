// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr      string
	DatabaseURL   string
	FlushInterval time.Duration

	AnthropicAPIKey string
	OpenAIAPIKey    string
	OllamaBaseURL   string

	TraceExporter string
	OTLPEndpoint  string
	LogLevel      string
}

// Load reads configuration from the environment. A missing .env file is
// not an error.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		HTTPAddr:        getEnv("FIRESIDE_ADDR", "127.0.0.1:8787"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OllamaBaseURL:   getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		TraceExporter:   getEnv("TRACE_EXPORTER", "none"),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.FlushInterval, err = getDuration("FLUSH_INTERVAL", 500*time.Millisecond); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: FLUSH_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return d, nil
}
