package metrics

import "github.com/prometheus/client_golang/prometheus"

// MessagingMetrics exposes counters/histograms for the webhook and reply paths.
type MessagingMetrics struct {
	inboundTotal   *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewMessagingMetrics(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "profilebot",
			Subsystem: "messaging",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound Telegram updates",
		}, []string{"event_kind", "status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "profilebot",
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Total outbound Telegram sends",
		}, []string{"status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "profilebot",
			Subsystem: "messaging",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of Telegram webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.webhookLatency)
	return m
}

func (m *MessagingMetrics) ObserveInbound(eventKind, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(eventKind, status).Inc()
}

func (m *MessagingMetrics) ObserveOutbound(status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(status).Inc()
}

func (m *MessagingMetrics) ObserveWebhookLatency(eventKind string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventKind).Observe(seconds)
}

// ConversationMetrics tracks state machine activity.
type ConversationMetrics struct {
	transitions     *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	duplicates      prometheus.Counter
	sessionsEvicted prometheus.Counter
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "profilebot",
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "State transitions by flow and target state",
		}, []string{"flow", "from", "to"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "profilebot",
			Subsystem: "conversation",
			Name:      "store_errors_total",
			Help:      "Failed calls to the profile store, session table or dedupe store",
		}, []string{"store"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "profilebot",
			Subsystem: "conversation",
			Name:      "duplicate_updates_total",
			Help:      "Redelivered updates skipped by the dedupe store",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "profilebot",
			Subsystem: "conversation",
			Name:      "sessions_evicted_total",
			Help:      "Sessions dropped after going idle",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitions, m.storeErrors, m.duplicates, m.sessionsEvicted)
	return m
}

func (m *ConversationMetrics) ObserveTransition(flow, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(flow, from, to).Inc()
}

func (m *ConversationMetrics) ObserveStoreError(store string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(store).Inc()
}

func (m *ConversationMetrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *ConversationMetrics) ObserveEvicted(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sessionsEvicted.Add(float64(count))
}
