package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Queue drivers
const (
	QueueDriverMemory = "memory"
	QueueDriverRedis  = "redis"
)

type Config struct {
	DatabaseURL        string
	HTTPPort           string
	PollInterval       int // seconds
	MaxRetries         int
	ShutdownTimeout    int // seconds
	GmailClientID      string
	GmailClientSecret  string
	GmailFetchFormat   string // "full" or "raw"
	TokenEncryptionKey string // base64, 32 bytes
	JWTSecret          string
	ParserURL          string
	ParserTimeout      int // seconds
	MessageTimeout     int // seconds, per worker attempt
	WorkerConcurrency  int
	QueueDriver        string
	RedisURL           string
	SyncQuery          string
	InitialLookback    int // days
	StaleJobAfter      int // seconds, 0 disables the reaper
	AutoSyncInterval   int // seconds, 0 disables
	FailJobOnMsgError  bool
	LogLevel           string
	LogPretty          bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	encryptionKey := os.Getenv("TOKEN_ENCRYPTION_KEY")
	if encryptionKey == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	gmailClientID := os.Getenv("GMAIL_CLIENT_ID")
	gmailClientSecret := os.Getenv("GMAIL_CLIENT_SECRET")
	if gmailClientID == "" || gmailClientSecret == "" {
		fmt.Println("Warning: GMAIL_CLIENT_ID or GMAIL_CLIENT_SECRET not set, token refresh will not work")
	}

	parserURL := os.Getenv("PARSER_URL")
	if parserURL == "" {
		fmt.Println("Warning: PARSER_URL not set, order extraction will not work")
	}

	cfg := &Config{
		DatabaseURL:        dbURL,
		HTTPPort:           getEnvOrDefault("HTTP_PORT", "8080"),
		PollInterval:       getIntOrDefault("POLL_INTERVAL", 60),
		MaxRetries:         getIntOrDefault("MAX_RETRIES", 3),
		ShutdownTimeout:    getIntOrDefault("SHUTDOWN_TIMEOUT", 30),
		GmailClientID:      gmailClientID,
		GmailClientSecret:  gmailClientSecret,
		GmailFetchFormat:   getEnvOrDefault("GMAIL_FETCH_FORMAT", "full"),
		TokenEncryptionKey: encryptionKey,
		JWTSecret:          jwtSecret,
		ParserURL:          parserURL,
		ParserTimeout:      getIntOrDefault("PARSER_TIMEOUT", 20),
		MessageTimeout:     getIntOrDefault("MESSAGE_TIMEOUT", 30),
		WorkerConcurrency:  getIntOrDefault("WORKER_CONCURRENCY", 8),
		QueueDriver:        strings.ToLower(getEnvOrDefault("QUEUE_DRIVER", QueueDriverMemory)),
		RedisURL:           os.Getenv("REDIS_URL"),
		SyncQuery:          getEnvOrDefault("SYNC_QUERY", "category:purchases"),
		InitialLookback:    getIntOrDefault("INITIAL_LOOKBACK_DAYS", 60),
		StaleJobAfter:      getIntOrDefault("STALE_JOB_AFTER", 0),
		AutoSyncInterval:   getIntOrDefault("AUTO_SYNC_INTERVAL", 0),
		FailJobOnMsgError:  getBoolOrDefault("FAIL_JOB_ON_MESSAGE_ERROR", true),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		LogPretty:          getBoolOrDefault("LOG_PRETTY", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that have a fixed set of options or lower bounds.
func (c *Config) Validate() error {
	switch c.QueueDriver {
	case QueueDriverMemory:
	case QueueDriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUEUE_DRIVER is redis")
		}
	default:
		return fmt.Errorf("unknown QUEUE_DRIVER %q", c.QueueDriver)
	}

	if c.GmailFetchFormat != "full" && c.GmailFetchFormat != "raw" {
		return fmt.Errorf("GMAIL_FETCH_FORMAT must be full or raw, got %q", c.GmailFetchFormat)
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		fmt.Printf("Warning: invalid %s=%q, using default %d\n", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		fmt.Printf("Warning: invalid %s=%q, using default %v\n", key, value, defaultValue)
		return defaultValue
	}
	return b
}
