// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port   string
	APIKey string // inbound x-api-key; empty disables auth (dev mode)
	DBPath string

	CallbackURL string

	FastRouterKeys    []string
	FastRouterBaseURL string
	FastRouterModel   string

	OpenAIKeys    []string
	OpenAIBaseURL string
	OpenAIModel   string

	ReportDelay      time.Duration
	TurnTimeout      time.Duration
	GenerateTimeout  time.Duration
	MatureTurns      int
	HistoryWindow    int
	ResponseDelayMax time.Duration
	SessionRetention time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:   getEnv("PORT", "8080"),
		APIKey: getEnv("API_KEY", ""),
		DBPath: getEnv("DB_PATH", "./data/honeypot.db"),

		CallbackURL: getEnv("CALLBACK_URL", ""),

		FastRouterKeys:    getEnvList("FASTROUTER_KEYS"),
		FastRouterBaseURL: getEnv("FASTROUTER_BASE_URL", "https://go.fastrouter.ai/api/v1"),
		FastRouterModel:   getEnv("FASTROUTER_MODEL", "openai/gpt-4o-mini"),

		OpenAIKeys:    getEnvList("OPENAI_KEYS"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		ReportDelay:      getEnvDuration("REPORT_DELAY", 15*time.Second),
		TurnTimeout:      getEnvDuration("TURN_TIMEOUT", 15*time.Second),
		GenerateTimeout:  getEnvDuration("GENERATE_TIMEOUT", 10*time.Second),
		MatureTurns:      getEnvInt("MATURE_TURNS", 3),
		HistoryWindow:    getEnvInt("HISTORY_WINDOW", 3),
		ResponseDelayMax: getEnvDuration("RESPONSE_DELAY_MAX", 0),
		SessionRetention: getEnvDuration("SESSION_RETENTION", 24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.FastRouterKeys) == 0 && len(c.OpenAIKeys) == 0 {
		return fmt.Errorf("at least one of FASTROUTER_KEYS or OPENAI_KEYS must be set")
	}
	if c.ReportDelay <= 0 {
		return fmt.Errorf("REPORT_DELAY must be > 0")
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("TURN_TIMEOUT must be > 0")
	}
	if c.MatureTurns <= 0 {
		return fmt.Errorf("MATURE_TURNS must be > 0")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("SESSION_RETENTION must be > 0")
	}
	return nil
}

// AuthEnabled reports whether inbound requests must present an API key.
func (c *Config) AuthEnabled() bool {
	return c.APIKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration syntax ("15s") or bare seconds ("15").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
