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
	Port               string
	FrontendURL        string
	DBPath             string
	JWTSecret          string
	CORSOrigins        []string
	MaxRequestBodySize int64
	Answer             AnswerConfig
	RateLimit          RateLimitConfig
	TurnLog            TurnLogConfig
	Timeout            TimeoutConfig
}

// AnswerConfig selects and tunes the answering service client.
type AnswerConfig struct {
	URL      string // HTTP endpoint accepting {"question"} and returning {"answer"}
	GRPCAddr string // takes precedence over URL when set
	Timeout  time.Duration
}

// RateLimitConfig bounds how many turns one user may submit per window.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// TurnLogConfig controls the NDJSON turn audit log.
type TurnLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	GlobalMaxMB   int
	QueueSize     int
}

// TimeoutConfig groups server-side timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TURN_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:               getEnv("PORT", "5001"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/chat.db"),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		CORSOrigins:        getEnvList("CORS_ORIGINS", []string{"*"}),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		Answer: AnswerConfig{
			URL:      getEnv("RAG_API_URL", ""),
			GRPCAddr: getEnv("RAG_GRPC_ADDR", ""),
			Timeout:  getEnvDuration("ANSWER_TIMEOUT", 120*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		TurnLog: TurnLogConfig{
			Enabled:       getEnvBool("TURN_LOG_ENABLED", true),
			Dir:           getEnv("TURN_LOG_DIR", "./data/logs/turns"),
			GlobalEnabled: getEnvBool("TURN_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("TURN_LOG_GLOBAL_PATH", "./data/logs/turns/all.ndjson"),
			GlobalMaxMB:   getEnvInt("TURN_LOG_GLOBAL_MAX_MB", 100),
			QueueSize:     queueSize,
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
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
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if c.Answer.URL == "" && c.Answer.GRPCAddr == "" {
		return fmt.Errorf("one of RAG_API_URL or RAG_GRPC_ADDR must be set")
	}
	if c.Answer.Timeout <= 0 {
		return fmt.Errorf("ANSWER_TIMEOUT must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.TurnLog.Enabled && c.TurnLog.Dir == "" {
		return fmt.Errorf("TURN_LOG_DIR cannot be empty")
	}
	if c.TurnLog.GlobalEnabled && c.TurnLog.GlobalPath == "" {
		return fmt.Errorf("TURN_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.TurnLog.QueueSize <= 0 {
		return fmt.Errorf("TURN_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
