// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/deploychat/internal/verify"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	SessionTTL       time.Duration
	APIKey           string
	ReplayBufferSize int
	Engine           EngineConfig
	Verify           VerifyConfig
	ChatRateLimit    RateLimitConfig
}

// EngineConfig selects the deployment engine. An empty Addr runs the
// built-in scripted engine.
type EngineConfig struct {
	Addr          string
	ScriptedDelay time.Duration
	FailAt        string
}

// VerifyConfig controls the post-deploy health probe.
type VerifyConfig struct {
	Enabled       bool
	HealthyStatus verify.StatusSet
	Timeout       time.Duration
	Attempts      int
}

// RateLimitConfig bounds chat messages per session.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	healthy, err := verify.ParseStatusSet(getEnv("HEALTHY_STATUS_CODES", "200-399"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: HEALTHY_STATUS_CODES: %w", err)
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/deploychat.db"),
		SessionTTL:       getEnvDuration("SESSION_TTL", 24*time.Hour),
		APIKey:           getEnv("API_KEY", ""),
		ReplayBufferSize: getEnvInt("REPLAY_BUFFER_SIZE", 100),
		Engine: EngineConfig{
			Addr:          getEnv("ENGINE_ADDR", ""),
			ScriptedDelay: getEnvDuration("ENGINE_SCRIPT_DELAY", 800*time.Millisecond),
			FailAt:        getEnv("ENGINE_FAIL_AT", ""),
		},
		Verify: VerifyConfig{
			Enabled:       getEnvBool("VERIFY_ENABLED", false),
			HealthyStatus: healthy,
			Timeout:       getEnvDuration("VERIFY_TIMEOUT", 10*time.Second),
			Attempts:      getEnvInt("VERIFY_ATTEMPTS", 3),
		},
		ChatRateLimit: RateLimitConfig{
			Max:    getEnvInt("CHAT_RATE_LIMIT", 20),
			Window: getEnvDuration("CHAT_RATE_WINDOW", time.Minute),
		},
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
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.ReplayBufferSize <= 0 {
		return fmt.Errorf("REPLAY_BUFFER_SIZE must be > 0")
	}
	if c.Engine.ScriptedDelay < 0 {
		return fmt.Errorf("ENGINE_SCRIPT_DELAY cannot be negative")
	}
	if c.Verify.Timeout <= 0 {
		return fmt.Errorf("VERIFY_TIMEOUT must be > 0")
	}
	if c.Verify.Attempts <= 0 {
		return fmt.Errorf("VERIFY_ATTEMPTS must be > 0")
	}
	if c.ChatRateLimit.Max <= 0 || c.ChatRateLimit.Window <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT and CHAT_RATE_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the browser origins accepted by CORS and the
// websocket origin check.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
