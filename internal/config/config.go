package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string

	// Telegram Bot API
	TelegramAPIURL           string
	TelegramBotToken         string
	TelegramWebhookSecret    string
	TelegramRegisterWebhook  bool
	TelegramRetryMaxAttempts int
	TelegramRetryBaseDelay   time.Duration

	// Profile store
	ProfileBackend       string
	DatabaseURL          string
	ProfilesTable        string
	StoreTimeout         time.Duration
	ReportScoreIncrement float64

	// Session table
	SessionBackend       string
	SessionIdleTTL       time.Duration
	SessionSweepInterval time.Duration

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Reply dispatch
	UseMemoryQueue bool
	ReplyQueueURL  string
	WorkerCount    int

	AdminJWTSecret string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		TelegramAPIURL:           getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
		TelegramBotToken:         getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramWebhookSecret:    getEnv("TELEGRAM_WEBHOOK_SECRET", ""),
		TelegramRegisterWebhook:  getEnvAsBool("TELEGRAM_REGISTER_WEBHOOK", true),
		TelegramRetryMaxAttempts: getEnvAsInt("TELEGRAM_RETRY_MAX_ATTEMPTS", 2),
		TelegramRetryBaseDelay:   getEnvAsDuration("TELEGRAM_RETRY_BASE_DELAY", 250*time.Millisecond),

		ProfileBackend:       strings.ToLower(strings.TrimSpace(getEnv("PROFILE_BACKEND", "auto"))),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		ProfilesTable:        getEnv("PROFILES_TABLE", "profiles"),
		StoreTimeout:         getEnvAsDuration("STORE_TIMEOUT", 3*time.Second),
		ReportScoreIncrement: getEnvAsFloat("REPORT_SCORE_INCREMENT", 1),

		SessionBackend:       strings.ToLower(strings.TrimSpace(getEnv("SESSION_BACKEND", "memory"))),
		SessionIdleTTL:       getEnvAsDuration("SESSION_IDLE_TTL", 30*time.Minute),
		SessionSweepInterval: getEnvAsDuration("SESSION_SWEEP_INTERVAL", time.Minute),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", true),
		ReplyQueueURL:  getEnv("REPLY_QUEUE_URL", ""),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
	}
}

// WebhookURL is the public URL Telegram should deliver updates to.
func (c *Config) WebhookURL() string {
	if c == nil || c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/webhooks/telegram"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
