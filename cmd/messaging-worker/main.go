package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/profilebot/cmd/mainconfig"
	"github.com/wolfman30/profilebot/internal/app/bootstrap"
	"github.com/wolfman30/profilebot/internal/config"
	"github.com/wolfman30/profilebot/internal/messaging"
	"github.com/wolfman30/profilebot/internal/observability/metrics"
	messagingworker "github.com/wolfman30/profilebot/internal/worker/messaging"
	"github.com/wolfman30/profilebot/pkg/logging"
)

// messaging-worker drains the SQS reply queue when the API runs without an
// inline sender (USE_MEMORY_QUEUE=false).
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ReplyQueueURL == "" || cfg.TelegramBotToken == "" {
		logger.Error("messaging worker requires REPLY_QUEUE_URL and TELEGRAM_BOT_TOKEN")
		os.Exit(1)
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	queue := messaging.NewSQSQueue(mainconfig.NewSQSClient(awsCfg, cfg), cfg.ReplyQueueURL)

	telegram, err := bootstrap.BuildTelegramClient(cfg, logger)
	if err != nil {
		logger.Error("failed to create telegram client", "error", err)
		os.Exit(1)
	}

	sender := messagingworker.NewReplySender(queue, telegram, logger).
		WithWorkers(cfg.WorkerCount).
		WithBatchSize(10).
		WithWaitSeconds(20).
		WithMetrics(metrics.NewMessagingMetrics(prometheus.DefaultRegisterer))

	logger.Info("messaging worker started", "workers", cfg.WorkerCount, "queue_url", cfg.ReplyQueueURL)
	sender.Run(ctx)
	logger.Info("messaging worker stopped")
}
