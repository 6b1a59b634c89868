package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/profilebot/internal/events"
	"github.com/wolfman30/profilebot/internal/observability/metrics"
	"github.com/wolfman30/profilebot/internal/profile"
	"github.com/wolfman30/profilebot/internal/session"
	"github.com/wolfman30/profilebot/pkg/logging"
)

const (
	defaultStoreTimeout = 3 * time.Second
	defaultLockTimeout  = 10 * time.Second
)

var (
	// ErrStoreUnavailable means a store call failed or timed out. The session
	// is left as it was so a redelivery of the same event can be retried.
	ErrStoreUnavailable = errors.New("conversation: store unavailable")
	// ErrInvalidEvent is returned for events without a sender.
	ErrInvalidEvent = errors.New("conversation: event has no external id")
)

// Service applies inbound events to sessions and profiles.
type Service struct {
	router    *Router
	engine    *Engine
	sessions  SessionTable
	profiles  profile.Repository
	processed events.Tracker
	locks     Locker
	metrics   *metrics.ConversationMetrics
	logger    *logging.Logger
	tracer    trace.Tracer

	storeTimeout time.Duration
	lockTimeout  time.Duration
}

// onceUpserter applies a profile update and records the event as processed
// in one transaction, reporting applied=false if the event was already marked.
type onceUpserter interface {
	UpsertOnce(ctx context.Context, provider, eventID, externalID string, update profile.Update) (*profile.Profile, bool, error)
}

// Option customizes a Service.
type Option func(*Service)

// WithEngine replaces the default engine.
func WithEngine(engine *Engine) Option {
	return func(s *Service) {
		if engine != nil {
			s.engine = engine
		}
	}
}

// WithProcessedEvents enables update-id deduplication.
func WithProcessedEvents(tracker events.Tracker) Option {
	return func(s *Service) {
		s.processed = tracker
	}
}

// WithLocker replaces the in-process per-user lock. Instances that share a
// session table must share a Locker too.
func WithLocker(locker Locker) Option {
	return func(s *Service) {
		if locker != nil {
			s.locks = locker
		}
	}
}

// WithLockTimeout bounds the wait for another handler of the same user.
func WithLockTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.lockTimeout = timeout
		}
	}
}

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.storeTimeout = timeout
		}
	}
}

// WithMetrics records transitions and store failures.
func WithMetrics(m *metrics.ConversationMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService wires the router and engine to the given stores.
func NewService(sessions SessionTable, profiles profile.Repository, opts ...Option) *Service {
	if sessions == nil {
		panic("conversation: session table cannot be nil")
	}
	if profiles == nil {
		panic("conversation: profile repository cannot be nil")
	}
	s := &Service{
		router:       NewRouter(),
		engine:       NewEngine(),
		sessions:     sessions,
		profiles:     profiles,
		locks:        session.NewKeyedMutex(),
		logger:       logging.Default(),
		tracer:       otel.Tracer("profilebot.internal.conversation"),
		storeTimeout: defaultStoreTimeout,
		lockTimeout:  defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle processes one inbound event and returns the replies to send. Events
// from the same user are handled one at a time. On error nothing has been
// committed to the session table.
func (s *Service) Handle(ctx context.Context, evt events.InboundEvent) ([]Reply, error) {
	if evt.ExternalID == "" {
		return nil, ErrInvalidEvent
	}

	ctx, span := s.tracer.Start(ctx, "conversation.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("profilebot.external_id", evt.ExternalID),
		attribute.String("profilebot.update_id", evt.ID),
		attribute.String("profilebot.event_kind", string(evt.Kind)),
	)

	logger := s.logger.With("external_id", evt.ExternalID, "update_id", evt.ID, "event_kind", string(evt.Kind))

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	unlock, err := s.locks.Acquire(lockCtx, evt.ExternalID)
	cancel()
	if err != nil {
		return nil, s.storeFailure(span, logger, "lock", "", err)
	}
	defer unlock()

	if s.processed != nil && evt.ID != "" {
		var seen bool
		err := s.withStore(ctx, func(ctx context.Context) (err error) {
			seen, err = s.processed.AlreadyProcessed(ctx, events.ProviderTelegram, evt.ID)
			return err
		})
		if err != nil {
			return nil, s.storeFailure(span, logger, "processed_events", "", err)
		}
		if seen {
			s.metrics.ObserveDuplicate()
			logger.Info("duplicate update skipped")
			return nil, nil
		}
	}

	var current *Session
	if err := s.withStore(ctx, func(ctx context.Context) (err error) {
		current, err = s.sessions.Get(ctx, evt.ExternalID)
		return err
	}); err != nil {
		return nil, s.storeFailure(span, logger, "session", "", err)
	}
	state := ""
	if current != nil {
		state = current.State
		logger = logger.With("flow", current.Flow, "state", current.State)
	}

	decision := s.router.Route(evt, current != nil)
	if evt.Kind == events.KindCommand && !s.router.Recognizes(evt.Command) {
		logger.Info("unrecognized command", "command", evt.Command, "has_session", current != nil)
	}
	span.SetAttributes(attribute.String("profilebot.action", decision.Action.String()))

	out, err := s.decide(ctx, decision, current, evt)
	if err != nil {
		return nil, s.storeFailure(span, logger, "profile", state, err)
	}
	if decision.Action == ActionSingleShot && current != nil {
		out.Clear = true
	}

	if out.Upsert != nil {
		applied, err := s.upsert(ctx, evt, *out.Upsert)
		if err != nil {
			return nil, s.storeFailure(span, logger, "profile", state, err)
		}
		if !applied {
			logger.Info("profile update from this event already committed; finishing session change only")
		}
	}

	if err := s.commit(ctx, evt.ExternalID, out); err != nil {
		return nil, s.storeFailure(span, logger, "session", state, err)
	}

	if out.Transitioned() {
		s.metrics.ObserveTransition(out.Flow, out.From, out.To)
		logger.Debug("conversation transition", "from", out.From, "to", out.To)
	}

	if s.processed != nil && evt.ID != "" {
		// The event is already applied, so a failed mark is logged rather than redelivered.
		if err := s.withStore(ctx, func(ctx context.Context) error {
			_, err := s.processed.MarkProcessed(ctx, events.ProviderTelegram, evt.ID)
			return err
		}); err != nil {
			s.metrics.ObserveStoreError("processed_events")
			logger.Warn("failed to mark update processed", "error", err)
		}
	}

	if out.Reply.Text == "" {
		return nil, nil
	}
	return []Reply{out.Reply}, nil
}

func (s *Service) decide(ctx context.Context, d Decision, current *Session, evt events.InboundEvent) (Outcome, error) {
	switch d.Action {
	case ActionBegin:
		return s.engine.Begin(d.Flow, evt), nil
	case ActionCancel:
		return s.engine.Cancel(current, evt), nil
	case ActionContinue:
		return s.engine.Step(current, evt), nil
	case ActionSingleShot:
		switch d.Command {
		case CommandStart:
			return s.engine.Welcome(evt), nil
		case CommandEcho:
			return s.engine.Echo(evt), nil
		case CommandProfile:
			var p *profile.Profile
			if err := s.withStore(ctx, func(ctx context.Context) (err error) {
				p, err = s.profiles.GetByExternalID(ctx, evt.ExternalID)
				return err
			}); err != nil {
				return Outcome{}, err
			}
			return s.engine.DescribeProfile(evt, p), nil
		}
	}
	return s.engine.Help(evt), nil
}

// upsert writes the profile change. When the repository can mark the event in
// the same transaction, a redelivery after a partial failure is not applied twice.
func (s *Service) upsert(ctx context.Context, evt events.InboundEvent, update profile.Update) (bool, error) {
	applied := true
	err := s.withStore(ctx, func(ctx context.Context) (err error) {
		if once, ok := s.profiles.(onceUpserter); ok && evt.ID != "" {
			_, applied, err = once.UpsertOnce(ctx, events.ProviderTelegramProfile, evt.ID, evt.ExternalID, update)
			return err
		}
		_, err = s.profiles.Upsert(ctx, evt.ExternalID, update)
		return err
	})
	return applied, err
}

func (s *Service) commit(ctx context.Context, externalID string, out Outcome) error {
	switch {
	case out.Session != nil:
		return s.withStore(ctx, func(ctx context.Context) error {
			return s.sessions.Put(ctx, out.Session)
		})
	case out.Clear:
		return s.withStore(ctx, func(ctx context.Context) error {
			return s.sessions.Delete(ctx, externalID)
		})
	}
	return nil
}

func (s *Service) withStore(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Service) storeFailure(span trace.Span, logger *logging.Logger, store, state string, err error) error {
	span.RecordError(err)
	s.metrics.ObserveStoreError(store)
	logger.Error("conversation store failure", "store", store, "state", state, "error", err)
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, store, err)
}
