// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles;
// an optional .env file is read first and an optional YAML file carries site metadata.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Call log modes.
const (
	CallLogDirect = "direct"
	CallLogStream = "stream"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL,required"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"20"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"2"`

	// Cache (Redis)
	RedisURL      string `env:"REDIS_URL,required"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts. The write timeout covers slow upstream commands.
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"150s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// CommandTimeout is the deadline on a single command invocation.
	CommandTimeout time.Duration `env:"COMMAND_TIMEOUT" envDefault:"140s"`

	// Admission
	DailyLimit int           `env:"DAILY_LIMIT" envDefault:"200"`
	Cooldown   time.Duration `env:"COOLDOWN" envDefault:"12h"`

	// Per-IP throttle on command routes
	IPRateLimitEnabled bool `env:"IP_RATE_LIMIT_ENABLED" envDefault:"true"`
	IPRateLimitRPM     int  `env:"IP_RATE_LIMIT_RPM" envDefault:"60"`
	IPRateLimitBurst   int  `env:"IP_RATE_LIMIT_BURST" envDefault:"20"`

	// Per-IP limiter on account endpoints: AccountRateLimit requests per AccountRateWindow
	AccountRateLimit  int           `env:"ACCOUNT_RATE_LIMIT" envDefault:"20"`
	AccountRateWindow time.Duration `env:"ACCOUNT_RATE_WINDOW" envDefault:"15m"`

	// Call log: "direct" writes to PostgreSQL, "stream" goes through Redis
	CallLogMode string `env:"CALL_LOG_MODE" envDefault:"direct"`

	// Sessions
	SessionSecret string        `env:"SESSION_SECRET"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	// Admin (HTTP Basic). Admin routes are disabled when the password is empty.
	AdminUsername string `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	// CORS configuration
	// Comma-separated list of allowed origins (e.g., "https://example.com,https://app.example.com")
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`

	// Request body size limit in bytes (default 1MB)
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`

	// Site metadata file (YAML)
	SiteConfig string `env:"SITE_CONFIG" envDefault:"site.yaml"`

	// Chat upstream (OpenAI-compatible)
	LLMBaseURL string `env:"LLM_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	LLMAPIKey  string `env:"LLM_API_KEY"`
	LLMModel   string `env:"LLM_MODEL" envDefault:"openrouter/auto"`

	// Prometheus exposition on /metrics
	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	// Site is loaded from SiteConfig.
	Site Site
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// reservationMargin pads the reservation TTL past the longest request.
const reservationMargin = time.Minute

// ReservationTTL returns how long an in-flight reservation lives without a
// release. It outlasts both the command deadline and the write timeout.
func (c *Config) ReservationTTL() time.Duration {
	return max(c.CommandTimeout, c.WriteTimeout) + reservationMargin
}

// AdminEnabled reports whether admin routes are mounted.
func (c *Config) AdminEnabled() bool {
	return c.AdminPassword != ""
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
func (c *Config) GetCORSAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}

	origins := strings.Split(c.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// Validate checks cross-field rules env tags cannot express.
func (c *Config) Validate() error {
	switch c.CallLogMode {
	case CallLogDirect, CallLogStream:
	default:
		return fmt.Errorf("CALL_LOG_MODE must be %q or %q, got %q", CallLogDirect, CallLogStream, c.CallLogMode)
	}
	if c.DailyLimit <= 0 {
		return errors.New("DAILY_LIMIT must be positive")
	}
	if c.Cooldown <= 0 {
		return errors.New("COOLDOWN must be positive")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("COMMAND_TIMEOUT must be positive")
	}
	if c.IsProduction() && len(c.SessionSecret) < 32 {
		return errors.New("SESSION_SECRET must be at least 32 bytes in production")
	}
	return nil
}

// Load reads an optional .env file, parses environment variables and the
// site file, and returns a validated Config.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	site, err := LoadSite(cfg.SiteConfig)
	if err != nil {
		return nil, err
	}
	cfg.Site = site

	if cfg.SessionSecret == "" && !cfg.IsProduction() {
		cfg.SessionSecret = "development-session-secret-change-me"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
