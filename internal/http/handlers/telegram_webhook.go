package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/profilebot/internal/conversation"
	"github.com/wolfman30/profilebot/internal/events"
	"github.com/wolfman30/profilebot/internal/messaging"
	"github.com/wolfman30/profilebot/internal/messaging/telegramclient"
	observemetrics "github.com/wolfman30/profilebot/internal/observability/metrics"
	"github.com/wolfman30/profilebot/pkg/logging"
)

const maxUpdateBytes = 1 << 20

type conversationHandler interface {
	Handle(ctx context.Context, evt events.InboundEvent) ([]conversation.Reply, error)
}

type replyPublisher interface {
	EnqueueReply(ctx context.Context, updateID string, reply conversation.Reply) error
}

// TelegramWebhookHandler turns Telegram update deliveries into conversation
// events and queues the resulting replies.
type TelegramWebhookHandler struct {
	conversation conversationHandler
	replies      replyPublisher
	secret       string
	logger       *logging.Logger
	metrics      *observemetrics.MessagingMetrics
	tracer       trace.Tracer
}

type TelegramWebhookConfig struct {
	Conversation conversationHandler
	Replies      replyPublisher
	// Secret is compared against the X-Telegram-Bot-Api-Secret-Token header.
	// Empty disables the check.
	Secret  string
	Logger  *logging.Logger
	Metrics *observemetrics.MessagingMetrics
}

func NewTelegramWebhookHandler(cfg TelegramWebhookConfig) *TelegramWebhookHandler {
	if cfg.Conversation == nil {
		panic("handlers: conversation handler cannot be nil")
	}
	if cfg.Replies == nil {
		panic("handlers: reply publisher cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &TelegramWebhookHandler{
		conversation: cfg.Conversation,
		replies:      cfg.Replies,
		secret:       cfg.Secret,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		tracer:       otel.Tracer("profilebot.webhook"),
	}
}

// HandleUpdate processes one Telegram webhook delivery. Non-2xx responses
// make Telegram redeliver the update, so only retryable failures return 5xx.
func (h *TelegramWebhookHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "telegram.webhook")
	defer span.End()

	if err := telegramclient.VerifySecretToken(h.secret, r.Header.Get(telegramclient.SecretTokenHeader)); err != nil {
		h.logger.Warn("invalid telegram webhook secret", "remote_ip", r.RemoteAddr)
		h.metrics.ObserveInbound("unknown", "unauthorized")
		http.Error(w, "invalid secret token", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	evt, ok, err := messaging.ParseUpdate(body)
	if err != nil {
		h.logger.Warn("undecodable telegram update", "error", err)
		h.metrics.ObserveInbound("unknown", "invalid")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !ok {
		h.metrics.ObserveInbound("ignored", "ok")
		w.WriteHeader(http.StatusOK)
		return
	}

	kind := string(evt.Kind)
	span.SetAttributes(
		attribute.String("telegram.update_id", evt.ID),
		attribute.String("event.kind", kind),
	)
	logger := h.logger.With("update_id", evt.ID, "external_id", evt.ExternalID, "event_kind", kind)

	replies, err := h.conversation.Handle(ctx, evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversation failed")
		if errors.Is(err, conversation.ErrStoreUnavailable) {
			logger.Warn("store unavailable, asking telegram to redeliver", "error", err)
			h.metrics.ObserveInbound(kind, "unavailable")
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		logger.Error("telegram update handling failed", "error", err)
		h.metrics.ObserveInbound(kind, "error")
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}

	for _, reply := range replies {
		if err := h.replies.EnqueueReply(ctx, evt.ID, reply); err != nil {
			logger.Error("failed to enqueue reply", "error", err)
		}
	}

	h.metrics.ObserveInbound(kind, "ok")
	h.metrics.ObserveWebhookLatency(kind, time.Since(start).Seconds())
	w.WriteHeader(http.StatusOK)
}
