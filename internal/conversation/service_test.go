package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/profilebot/internal/events"
	"github.com/wolfman30/profilebot/internal/observability/metrics"
	"github.com/wolfman30/profilebot/internal/profile"
	"github.com/wolfman30/profilebot/internal/session"
)

type harness struct {
	svc      *Service
	sessions *session.MemoryTable
	profiles *profile.InMemoryRepository
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		sessions: session.NewMemoryTable(),
		profiles: profile.NewInMemoryRepository(),
	}
	opts = append([]Option{
		WithProcessedEvents(events.NewMemoryProcessedStore(time.Hour)),
		WithMetrics(metrics.NewConversationMetrics(prometheus.NewRegistry())),
	}, opts...)
	h.svc = NewService(h.sessions, h.profiles, opts...)
	return h
}

func (h *harness) send(t *testing.T, evt events.InboundEvent) []Reply {
	t.Helper()
	replies, err := h.svc.Handle(context.Background(), evt)
	require.NoError(t, err)
	return replies
}

func (h *harness) session(t *testing.T, externalID string) *Session {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), externalID)
	require.NoError(t, err)
	return s
}

func TestServiceAliceScenario(t *testing.T) {
	h := newHarness(t)

	h.send(t, command("chat", ""))
	h.send(t, text("Alice"))
	replies := h.send(t, text("29"))
	require.Len(t, replies, 1)
	assert.Equal(t, AffordanceRequestLocation, replies[0].Affordance)

	replies = h.send(t, location(51.5, -0.1))
	require.Len(t, replies, 1)
	assert.Equal(t, "All set, Alice. Your profile is saved.", replies[0].Text)
	assert.Equal(t, int64(4242), replies[0].ChatID)
	assert.Nil(t, h.session(t, testUser), "session is destroyed on completion")

	p, err := h.profiles.GetByExternalID(context.Background(), testUser)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Alice", *p.DisplayName)
	assert.Equal(t, 29, *p.Age)
	assert.Equal(t, 51.5, *p.Latitude)
	assert.Equal(t, -0.1, *p.Longitude)
	assert.Nil(t, p.Score)
	assert.Nil(t, p.LastSubmittedAt)

	replies = h.send(t, command("profile", ""))
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "Name: Alice")
	assert.Contains(t, replies[0].Text, "Location: 51.5, -0.1")
}

func TestServiceProfileLookupCreatesNothing(t *testing.T) {
	h := newHarness(t)

	replies := h.send(t, command("profile", ""))
	require.Len(t, replies, 1)
	assert.Equal(t, textNoProfile, replies[0].Text)
	assert.Equal(t, 0, h.profiles.Len())
}

func TestServiceInvalidAgeKeepsState(t *testing.T) {
	h := newHarness(t)
	h.send(t, command("chat", ""))
	h.send(t, text("Alice"))

	for _, input := range []string{"abc", "-5", "200"} {
		replies := h.send(t, text(input))
		require.Len(t, replies, 1)
		assert.Equal(t, textAgeInvalid, replies[0].Text)

		s := h.session(t, testUser)
		require.NotNil(t, s)
		assert.Equal(t, StateAskAge, s.State)
		assert.Equal(t, map[string]string{fieldName: "Alice"}, s.Collected)
	}
}

func TestServiceCancelLeavesProfileUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	name := "Bob"
	_, err := h.profiles.Upsert(ctx, testUser, profile.Update{DisplayName: &name})
	require.NoError(t, err)

	h.send(t, command("chat", ""))
	h.send(t, text("Alice"))
	h.send(t, text("30"))
	replies := h.send(t, command("cancel", ""))
	require.Len(t, replies, 1)
	assert.Equal(t, textCancelled, replies[0].Text)
	assert.Nil(t, h.session(t, testUser))

	p, err := h.profiles.GetByExternalID(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, "Bob", *p.DisplayName)
	assert.Nil(t, p.Age)

	replies = h.send(t, command("cancel", ""))
	assert.Equal(t, textNothingToCancel, replies[0].Text)
}

func TestServiceRedeliveryIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.send(t, command("report", ""))

	loc := location(10, 20)
	first := h.send(t, loc)
	require.Len(t, first, 1)

	second := h.send(t, loc)
	assert.Empty(t, second, "duplicate update id produces no reply")

	p, err := h.profiles.GetByExternalID(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 1.0, *p.Score)
}

func TestServiceLateLocationWithoutDedupeIsGatedByState(t *testing.T) {
	h := newHarness(t, WithProcessedEvents(nil))
	h.send(t, command("report", ""))
	h.send(t, location(10, 20))

	replies := h.send(t, location(10, 20))
	require.Len(t, replies, 1)
	assert.Equal(t, textHelp, replies[0].Text)

	p, err := h.profiles.GetByExternalID(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 1.0, *p.Score, "location without an active session must not score again")
}

func TestServiceReportsAccumulateScore(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.send(t, command("report", ""))
		h.send(t, location(float64(i), float64(i)))
	}
	p, err := h.profiles.GetByExternalID(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 3.0, *p.Score)
	assert.Equal(t, 2.0, *p.Latitude)
	assert.Nil(t, p.DisplayName)
}

func TestServiceEntryPointOverwritesSession(t *testing.T) {
	h := newHarness(t)
	h.send(t, command("chat", ""))
	h.send(t, text("Alice"))

	h.send(t, command("report", ""))
	s := h.session(t, testUser)
	require.NotNil(t, s)
	assert.Equal(t, FlowReport, s.Flow)
	assert.Empty(t, s.Collected)

	h.send(t, command("echo", "hi"))
	assert.Nil(t, h.session(t, testUser), "single-shot commands discard the active session")
}

func TestServiceHelpWithoutSession(t *testing.T) {
	h := newHarness(t)
	for _, evt := range []events.InboundEvent{text("hello"), command("weather", ""), location(1, 1)} {
		replies := h.send(t, evt)
		require.Len(t, replies, 1)
		assert.Equal(t, textHelp, replies[0].Text)
	}
	assert.Equal(t, 0, h.sessions.Len())
}

func TestServiceRejectsEventWithoutSender(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Handle(context.Background(), events.InboundEvent{ID: "1", Kind: events.KindText})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

type failingRepo struct {
	profile.Repository
	err error
}

func (f failingRepo) Upsert(context.Context, string, profile.Update) (*profile.Profile, error) {
	return nil, f.err
}

func (f failingRepo) GetByExternalID(context.Context, string) (*profile.Profile, error) {
	return nil, f.err
}

func TestServiceStoreFailureLeavesSession(t *testing.T) {
	sessions := session.NewMemoryTable()
	tracker := events.NewMemoryProcessedStore(time.Hour)
	boom := errors.New("connection refused")
	svc := NewService(sessions, failingRepo{err: boom}, WithProcessedEvents(tracker))
	ctx := context.Background()

	_, err := svc.Handle(ctx, command("report", ""))
	require.NoError(t, err)

	loc := location(1, 2)
	_, err = svc.Handle(ctx, loc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, boom)

	s, err := sessions.Get(ctx, testUser)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, StateAwaitLocation, s.State)

	seen, err := tracker.AlreadyProcessed(ctx, events.ProviderTelegram, loc.ID)
	require.NoError(t, err)
	assert.False(t, seen, "failed events stay eligible for redelivery")

	_, err = svc.Handle(ctx, command("profile", ""))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

type blockingRepo struct {
	*profile.InMemoryRepository
	release chan struct{}
	block   string
}

func (b *blockingRepo) Upsert(ctx context.Context, externalID string, u profile.Update) (*profile.Profile, error) {
	if externalID == b.block {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.InMemoryRepository.Upsert(ctx, externalID, u)
}

func TestServiceStoreTimeout(t *testing.T) {
	repo := &blockingRepo{InMemoryRepository: profile.NewInMemoryRepository(), release: make(chan struct{}), block: testUser}
	svc := NewService(session.NewMemoryTable(), repo, WithStoreTimeout(20*time.Millisecond))
	ctx := context.Background()

	_, err := svc.Handle(ctx, command("report", ""))
	require.NoError(t, err)
	_, err = svc.Handle(ctx, location(1, 2))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServiceDifferentUsersDoNotBlock(t *testing.T) {
	repo := &blockingRepo{InMemoryRepository: profile.NewInMemoryRepository(), release: make(chan struct{}), block: "slow"}
	svc := NewService(session.NewMemoryTable(), repo, WithStoreTimeout(5*time.Second))
	ctx := context.Background()

	for _, id := range []string{"slow", "fast"} {
		_, err := svc.Handle(ctx, forUser(command("report", ""), id))
		require.NoError(t, err)
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := svc.Handle(ctx, forUser(location(1, 1), "slow"))
		slowDone <- err
	}()

	fastDone := make(chan error, 1)
	go func() {
		_, err := svc.Handle(ctx, forUser(location(2, 2), "fast"))
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("a slow store call for one user blocked another user")
	}

	close(repo.release)
	require.NoError(t, <-slowDone)
	assert.Equal(t, 2, repo.Len())
}

type countingRepo struct {
	*profile.InMemoryRepository
	inFlight atomic.Int32
	overlap  atomic.Bool
	calls    atomic.Int32
}

func (c *countingRepo) Upsert(ctx context.Context, externalID string, u profile.Update) (*profile.Profile, error) {
	if c.inFlight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.inFlight.Add(-1)
	c.calls.Add(1)
	time.Sleep(time.Millisecond)
	return c.InMemoryRepository.Upsert(ctx, externalID, u)
}

func TestServiceSameUserIsSerialized(t *testing.T) {
	repo := &countingRepo{InMemoryRepository: profile.NewInMemoryRepository()}
	svc := NewService(session.NewMemoryTable(), repo)
	ctx := context.Background()

	_, err := svc.Handle(ctx, command("report", ""))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Handle(ctx, location(float64(i), 0))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.False(t, repo.overlap.Load(), "same-user events must not run concurrently")
	assert.Equal(t, int32(1), repo.calls.Load(), "only the first location completes the flow")

	p, err := repo.GetByExternalID(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 1.0, *p.Score)
}

func TestServiceConcurrentCompletionsForDifferentUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const users = 20
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			steps := []events.InboundEvent{
				forUser(command("chat", ""), id),
				forUser(text("User "+id), id),
				forUser(text("33"), id),
				forUser(location(1, 1), id),
			}
			for _, evt := range steps {
				_, err := h.svc.Handle(ctx, evt)
				assert.NoError(t, err)
			}
		}(fmt.Sprintf("u%d", i))
	}
	wg.Wait()

	assert.Equal(t, users, h.profiles.Len())
	p, err := h.profiles.GetByExternalID(ctx, "u7")
	require.NoError(t, err)
	assert.Equal(t, "User u7", *p.DisplayName)
	assert.Equal(t, 0, h.sessions.Len())
}
