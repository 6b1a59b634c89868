package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/profilebot/internal/config"
	"github.com/wolfman30/profilebot/internal/messaging/telegramclient"
	"github.com/wolfman30/profilebot/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// ConnectPostgres opens a pgx pool or returns nil when url is empty or the
// database cannot be reached.
func ConnectPostgres(ctx context.Context, url string, logger *logging.Logger) *pgxpool.Pool {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		logger.Warn("postgres pool config invalid", "error", err)
		return nil
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Warn("postgres not available", "error", err)
		pool.Close()
		return nil
	}
	return pool
}

// BuildTelegramClient creates the Bot API client from config.
func BuildTelegramClient(cfg *appconfig.Config, logger *logging.Logger) (*telegramclient.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return telegramclient.New(telegramclient.Config{
		BaseURL:       cfg.TelegramAPIURL,
		Token:         cfg.TelegramBotToken,
		WebhookSecret: cfg.TelegramWebhookSecret,
		MaxRetries:    cfg.TelegramRetryMaxAttempts,
		Backoff:       cfg.TelegramRetryBaseDelay,
		Logger:        logger.Logger,
	})
}
