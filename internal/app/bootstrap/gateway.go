package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/profilebot/internal/api/router"
	appconfig "github.com/wolfman30/profilebot/internal/config"
	"github.com/wolfman30/profilebot/internal/conversation"
	"github.com/wolfman30/profilebot/internal/events"
	"github.com/wolfman30/profilebot/internal/http/handlers"
	"github.com/wolfman30/profilebot/internal/messaging"
	"github.com/wolfman30/profilebot/internal/observability/metrics"
	"github.com/wolfman30/profilebot/internal/session"
	"github.com/wolfman30/profilebot/pkg/logging"
)

// AWSClients lazily builds AWS SDK clients so deployments without AWS never
// load credentials.
type AWSClients struct {
	Dynamo func() (DynamoClient, error)
	SQS    func() (SQSClient, error)
}

// Gateway is the assembled webhook gateway.
type Gateway struct {
	Handler          http.Handler
	Service          *conversation.Service
	Janitor          *session.MemoryTable
	ProcessedPurger  *events.ProcessedStore
	ReplyQueue       messaging.Queue
	InlineQueue      *messaging.MemoryQueue
	MessagingMetrics *metrics.MessagingMetrics

	closers []func()
}

// Close releases pooled connections.
func (g *Gateway) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
}

// BuildGateway wires stores, the conversation service and the HTTP router.
// reg may be nil to use the default Prometheus registry.
func BuildGateway(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, reg *prometheus.Registry, aws AWSClients) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	messagingMetrics := metrics.NewMessagingMetrics(registerer)
	conversationMetrics := metrics.NewConversationMetrics(registerer)

	g := &Gateway{MessagingMetrics: messagingMetrics}
	fail := func(err error) (*Gateway, error) {
		g.Close()
		return nil, err
	}

	pool := ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if pool != nil {
		g.closers = append(g.closers, pool.Close)
	}
	redisClient := BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		g.closers = append(g.closers, func() { _ = redisClient.Close() })
	}

	profiles, profileBackend, err := BuildProfileRepository(cfg, pool, aws.Dynamo, logger)
	if err != nil {
		return fail(err)
	}
	sessions, janitor, err := BuildSessionTable(cfg, redisClient, conversationMetrics, logger)
	if err != nil {
		return fail(err)
	}
	locker, lockBackend, err := BuildLocker(cfg, redisClient, logger)
	if err != nil {
		return fail(err)
	}
	tracker, trackerBackend := BuildProcessedTracker(pool, redisClient, logger)
	replyQueue, inlineQueue, err := BuildReplyQueue(cfg, aws.SQS)
	if err != nil {
		return fail(err)
	}

	engine := conversation.NewEngine(conversation.WithReportScoreIncrement(cfg.ReportScoreIncrement))
	svc := conversation.NewService(sessions, profiles,
		conversation.WithEngine(engine),
		conversation.WithProcessedEvents(tracker),
		conversation.WithLocker(locker),
		conversation.WithStoreTimeout(cfg.StoreTimeout),
		conversation.WithMetrics(conversationMetrics),
		conversation.WithLogger(logger),
	)

	webhook := handlers.NewTelegramWebhookHandler(handlers.TelegramWebhookConfig{
		Conversation: svc,
		Replies:      messaging.NewPublisher(replyQueue, logger),
		Secret:       cfg.TelegramWebhookSecret,
		Logger:       logger,
		Metrics:      messagingMetrics,
	})

	checks := map[string]handlers.HealthCheck{}
	if pool != nil {
		checks["postgres"] = pool.Ping
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	g.Handler = router.New(&router.Config{
		Logger:          logger,
		Health:          handlers.NewHealthHandler(checks),
		TelegramWebhook: webhook,
		AdminProfiles:   handlers.NewAdminProfilesHandler(profiles, sessions, logger),
		AdminAuthSecret: cfg.AdminJWTSecret,
		MetricsHandler:  promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		AdminRateLimit:  5,
		AdminBurst:      10,
	})
	g.Service = svc
	g.Janitor = janitor
	if store, ok := tracker.(*events.ProcessedStore); ok {
		g.ProcessedPurger = store
	}
	g.ReplyQueue = replyQueue
	g.InlineQueue = inlineQueue

	logger.Info("gateway wired",
		"profile_backend", profileBackend,
		"session_backend", sessionBackendName(janitor),
		"lock_backend", lockBackend,
		"dedupe_backend", trackerBackend,
		"memory_queue", inlineQueue != nil,
	)
	return g, nil
}

func sessionBackendName(janitor *session.MemoryTable) string {
	if janitor != nil {
		return BackendMemory
	}
	return BackendRedis
}
