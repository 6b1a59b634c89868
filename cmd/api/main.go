package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/profilebot/cmd/mainconfig"
	"github.com/wolfman30/profilebot/internal/app/bootstrap"
	appconfig "github.com/wolfman30/profilebot/internal/config"
	"github.com/wolfman30/profilebot/internal/messaging"
	messagingworker "github.com/wolfman30/profilebot/internal/worker/messaging"
	"github.com/wolfman30/profilebot/pkg/logging"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting profilebot API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	gateway, err := bootstrap.BuildGateway(ctx, cfg, logger, nil, awsClients(ctx, cfg))
	if err != nil {
		return err
	}
	defer gateway.Close()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gateway.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if gateway.Janitor != nil {
		g.Go(func() error {
			gateway.Janitor.Run(gctx)
			return nil
		})
	}

	if gateway.ProcessedPurger != nil {
		g.Go(func() error {
			gateway.ProcessedPurger.Run(gctx)
			return nil
		})
	}

	if gateway.InlineQueue != nil {
		sender, err := setupInlineSender(cfg, logger, gateway)
		if err != nil {
			logger.Warn("inline reply sender disabled; replies stay queued", "error", err)
		} else {
			g.Go(func() error {
				sender.Run(gctx)
				return nil
			})
		}
	}

	if cfg.TelegramRegisterWebhook {
		g.Go(func() error {
			registerWebhook(gctx, cfg, logger)
			return nil
		})
	}

	return g.Wait()
}

// awsClients defers AWS config loading until a backend actually needs it.
func awsClients(ctx context.Context, cfg *appconfig.Config) bootstrap.AWSClients {
	return bootstrap.AWSClients{
		Dynamo: func() (bootstrap.DynamoClient, error) {
			awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return mainconfig.NewDynamoClient(awsCfg, cfg), nil
		},
		SQS: func() (bootstrap.SQSClient, error) {
			awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return mainconfig.NewSQSClient(awsCfg, cfg), nil
		},
	}
}

func setupInlineSender(cfg *appconfig.Config, logger *logging.Logger, gateway *bootstrap.Gateway) (*messagingworker.ReplySender, error) {
	client, err := bootstrap.BuildTelegramClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	var queue messaging.Queue = gateway.InlineQueue
	return messagingworker.NewReplySender(queue, client, logger).
		WithWorkers(cfg.WorkerCount).
		WithMetrics(gateway.MessagingMetrics), nil
}

// registerWebhook points Telegram at this deployment. Failures are logged and
// the server keeps running so a previously registered webhook still works.
func registerWebhook(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) {
	url := cfg.WebhookURL()
	if url == "" {
		logger.Warn("PUBLIC_BASE_URL not set; skipping webhook registration")
		return
	}
	client, err := bootstrap.BuildTelegramClient(cfg, logger)
	if err != nil {
		logger.Warn("telegram client unavailable; skipping webhook registration", "error", err)
		return
	}
	regCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	changed, err := client.EnsureWebhook(regCtx, url, cfg.TelegramWebhookSecret)
	if err != nil {
		logger.Error("telegram webhook registration failed", "error", err, "url", url)
		return
	}
	logger.Info("telegram webhook ready", "url", url, "changed", changed)
}
