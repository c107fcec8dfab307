package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// appConfig is the process configuration, loaded from the environment.
type appConfig struct {
	Port         string
	DBPath       string
	Provider     string
	APIKey       string
	Model        string
	SystemPrompt string

	MaxIterations       int
	RequireConfirmation bool
	Streaming           bool

	SessionTTL time.Duration
	SweepCron  string
}

func loadConfig() (*appConfig, error) {
	cfg := &appConfig{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/openloop.db"),
		Provider:            getEnv("LLM_PROVIDER", "openai"),
		APIKey:              os.Getenv("LLM_API_KEY"),
		Model:               os.Getenv("LLM_MODEL"),
		SystemPrompt:        getEnv("SYSTEM_PROMPT", "You are a helpful assistant with access to tools."),
		MaxIterations:       getEnvInt("MAX_ITERATIONS", 10),
		RequireConfirmation: getEnvBool("REQUIRE_CONFIRMATION", false),
		Streaming:           getEnvBool("STREAMING", false),
		SessionTTL:          getEnvDuration("SESSION_TTL", 30*24*time.Hour),
		SweepCron:           getEnv("SWEEP_CRON", "0 3 * * *"),
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("MAX_ITERATIONS must be at least 1, got %d", cfg.MaxIterations)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
