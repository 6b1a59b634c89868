package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/profilebot/internal/config"
	"github.com/wolfman30/profilebot/internal/conversation"
	"github.com/wolfman30/profilebot/internal/events"
	"github.com/wolfman30/profilebot/internal/messaging"
	"github.com/wolfman30/profilebot/internal/observability/metrics"
	"github.com/wolfman30/profilebot/internal/profile"
	"github.com/wolfman30/profilebot/internal/session"
	"github.com/wolfman30/profilebot/pkg/logging"
)

// Backend names accepted by PROFILE_BACKEND and SESSION_BACKEND.
const (
	BackendAuto     = "auto"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamodb"
	BackendRedis    = "redis"
)

// DynamoClient is the subset of the DynamoDB API the profile store uses.
type DynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// SQSClient is the subset of the SQS API the reply queue uses.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// BuildProfileRepository selects the profile store named by cfg.ProfileBackend.
// "auto" picks Postgres when a pool is available and memory otherwise. The
// dynamo client is only consulted for the dynamodb backend.
func BuildProfileRepository(cfg *appconfig.Config, pool *pgxpool.Pool, dynamo func() (DynamoClient, error), logger *logging.Logger) (profile.Repository, string, error) {
	if cfg == nil {
		return nil, "", fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	backend := cfg.ProfileBackend
	if backend == "" || backend == BackendAuto {
		backend = BackendMemory
		if pool != nil {
			backend = BackendPostgres
		}
	}

	switch backend {
	case BackendMemory:
		logger.Warn("profiles stored in memory; data is lost on restart")
		return profile.NewInMemoryRepository(), backend, nil
	case BackendPostgres:
		if pool == nil {
			return nil, backend, fmt.Errorf("bootstrap: profile backend postgres requires DATABASE_URL")
		}
		return profile.NewPostgresRepository(pool), backend, nil
	case BackendDynamo:
		if dynamo == nil {
			return nil, backend, fmt.Errorf("bootstrap: profile backend dynamodb requires an AWS client")
		}
		client, err := dynamo()
		if err != nil {
			return nil, backend, fmt.Errorf("bootstrap: dynamodb client: %w", err)
		}
		return profile.NewDynamoRepository(client, cfg.ProfilesTable, logger), backend, nil
	default:
		return nil, backend, fmt.Errorf("bootstrap: unknown profile backend %q", backend)
	}
}

// BuildSessionTable selects the session table named by cfg.SessionBackend.
// The returned MemoryTable is non-nil only for the memory backend; its Run
// method drives idle eviction and must be started by the caller.
func BuildSessionTable(cfg *appconfig.Config, redisClient *redis.Client, m *metrics.ConversationMetrics, logger *logging.Logger) (conversation.SessionTable, *session.MemoryTable, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	switch cfg.SessionBackend {
	case "", BackendMemory:
		table := session.NewMemoryTable(
			session.WithIdleTTL(cfg.SessionIdleTTL),
			session.WithSweepInterval(cfg.SessionSweepInterval),
			session.WithEvictionHook(m.ObserveEvicted),
			session.WithLogger(logger),
		)
		return table, table, nil
	case BackendRedis:
		if redisClient == nil {
			return nil, nil, fmt.Errorf("bootstrap: session backend redis requires REDIS_ADDR")
		}
		return session.NewRedisTable(redisClient, cfg.SessionIdleTTL), nil, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown session backend %q", cfg.SessionBackend)
	}
}

// BuildLocker returns the per-user lock matching the session backend. A
// shared Redis session table needs a lock every instance can see.
func BuildLocker(cfg *appconfig.Config, redisClient *redis.Client, logger *logging.Logger) (conversation.Locker, string, error) {
	if cfg == nil {
		return nil, "", fmt.Errorf("bootstrap: config is required")
	}
	if cfg.SessionBackend != BackendRedis {
		return session.NewKeyedMutex(), BackendMemory, nil
	}
	if redisClient == nil {
		return nil, BackendRedis, fmt.Errorf("bootstrap: session backend redis requires REDIS_ADDR")
	}
	return session.NewRedisLocker(redisClient,
		session.WithLockTTL(lockTTL(cfg)),
		session.WithLockLogger(logger),
	), BackendRedis, nil
}

// lockTTL outlives one Handle call, which makes at most five store calls.
func lockTTL(cfg *appconfig.Config) time.Duration {
	return 6 * cfg.StoreTimeout
}

// BuildProcessedTracker prefers Postgres, then Redis, then an in-process map.
func BuildProcessedTracker(pool *pgxpool.Pool, redisClient *redis.Client, logger *logging.Logger) (events.Tracker, string) {
	switch {
	case pool != nil:
		return events.NewProcessedStore(pool, events.WithProcessedLogger(logger)), BackendPostgres
	case redisClient != nil:
		return events.NewRedisProcessedStore(redisClient, 0), BackendRedis
	default:
		return events.NewMemoryProcessedStore(0), BackendMemory
	}
}

// BuildReplyQueue returns the outbound reply queue. The MemoryQueue is
// returned separately so the caller can run an inline ReplySender over it.
func BuildReplyQueue(cfg *appconfig.Config, sqsClient func() (SQSClient, error)) (messaging.Queue, *messaging.MemoryQueue, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	if cfg.UseMemoryQueue {
		q := messaging.NewMemoryQueue(256)
		return q, q, nil
	}
	if cfg.ReplyQueueURL == "" {
		return nil, nil, fmt.Errorf("bootstrap: REPLY_QUEUE_URL is required when USE_MEMORY_QUEUE=false")
	}
	if sqsClient == nil {
		return nil, nil, fmt.Errorf("bootstrap: SQS reply queue requires an AWS client")
	}
	client, err := sqsClient()
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: sqs client: %w", err)
	}
	return messaging.NewSQSQueue(client, cfg.ReplyQueueURL), nil, nil
}
