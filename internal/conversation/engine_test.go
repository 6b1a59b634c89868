package conversation

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/profilebot/internal/events"
	"github.com/wolfman30/profilebot/internal/profile"
)

func chatSession(state string, collected map[string]string) *Session {
	return &Session{
		ExternalID: testUser,
		ChatID:     4242,
		Flow:       FlowChat,
		State:      state,
		Collected:  collected,
	}
}

func TestEngineChatFlow(t *testing.T) {
	e := NewEngine()

	out := e.Begin(FlowChat, command("chat", ""))
	require.NotNil(t, out.Session)
	assert.Equal(t, StateAskName, out.Session.State)
	assert.Equal(t, textAskName, out.Reply.Text)
	assert.Nil(t, out.Upsert)

	out = e.Step(out.Session, text("  Alice "))
	require.NotNil(t, out.Session)
	assert.Equal(t, StateAskAge, out.Session.State)
	assert.Equal(t, "Alice", out.Session.Collected[fieldName])
	assert.Contains(t, out.Reply.Text, "Alice")

	out = e.Step(out.Session, text("29"))
	require.NotNil(t, out.Session)
	assert.Equal(t, StateAskLocation, out.Session.State)
	assert.Equal(t, "29", out.Session.Collected[fieldAge])
	assert.Equal(t, AffordanceRequestLocation, out.Reply.Affordance)

	out = e.Step(out.Session, location(51.5, -0.1))
	assert.Nil(t, out.Session)
	assert.True(t, out.Clear)
	assert.Equal(t, StateDone, out.To)
	assert.Equal(t, AffordanceRemoveKeyboard, out.Reply.Affordance)
	require.NotNil(t, out.Upsert)
	assert.Equal(t, "Alice", *out.Upsert.DisplayName)
	assert.Equal(t, 29, *out.Upsert.Age)
	assert.Equal(t, &profile.Location{Latitude: 51.5, Longitude: -0.1}, out.Upsert.Location)
	assert.Nil(t, out.Upsert.ScoreDelta, "chat completion only sets name, age and coordinates")
	assert.Nil(t, out.Upsert.LastSubmittedAt)
}

func TestEngineNameRejectsBlankInput(t *testing.T) {
	e := NewEngine()
	s := chatSession(StateAskName, map[string]string{})

	for _, evt := range []events.InboundEvent{text("   "), text(""), location(1, 1), {Kind: events.KindOther, ExternalID: testUser}} {
		out := e.Step(s, evt)
		require.NotNil(t, out.Session)
		assert.Equal(t, StateAskName, out.Session.State)
		assert.False(t, out.Clear)
		assert.Nil(t, out.Upsert)
		assert.Equal(t, textNameInvalid, out.Reply.Text)
		assert.False(t, out.Transitioned())
	}
}

func TestEngineAgeRejectsInvalidInput(t *testing.T) {
	e := NewEngine()
	for _, input := range []string{"abc", "-5", "200", "0", "151", "29.5", ""} {
		t.Run(input, func(t *testing.T) {
			s := chatSession(StateAskAge, map[string]string{fieldName: "Alice"})
			out := e.Step(s, text(input))
			require.NotNil(t, out.Session)
			assert.Equal(t, StateAskAge, out.Session.State, "state must not advance")
			assert.False(t, out.Clear)
			assert.Equal(t, textAgeInvalid, out.Reply.Text)
			assert.Equal(t, map[string]string{fieldName: "Alice"}, s.Collected, "collected fields are untouched")
		})
	}

	s := chatSession(StateAskAge, map[string]string{fieldName: "Alice"})
	out := e.Step(s, text("150"))
	require.NotNil(t, out.Session)
	assert.Equal(t, StateAskLocation, out.Session.State)
	assert.Equal(t, map[string]string{fieldName: "Alice"}, s.Collected, "input session is not mutated")
}

func TestEngineLocationGate(t *testing.T) {
	e := NewEngine()
	s := chatSession(StateAskLocation, map[string]string{fieldName: "Alice", fieldAge: "29"})

	inputs := []events.InboundEvent{
		text("51.5, -0.1"),
		command("weather", ""),
		{Kind: events.KindLocation, ExternalID: testUser},
		location(91, 0),
		location(math.NaN(), 0),
	}
	for _, evt := range inputs {
		out := e.Step(s, evt)
		assert.Nil(t, out.Upsert)
		require.NotNil(t, out.Session)
		assert.Equal(t, StateAskLocation, out.Session.State)
		assert.Equal(t, s.Collected, out.Session.Collected)
		assert.False(t, out.Clear)
		assert.Equal(t, textLocationInvalid, out.Reply.Text)
		assert.Equal(t, AffordanceRequestLocation, out.Reply.Affordance)
	}
}

func TestEngineChatRestartsWhenCollectedFieldsMissing(t *testing.T) {
	e := NewEngine()
	s := chatSession(StateAskLocation, map[string]string{fieldName: "Alice"})
	out := e.Step(s, location(1, 2))
	assert.Nil(t, out.Upsert)
	require.NotNil(t, out.Session)
	assert.Equal(t, StateAskName, out.Session.State)
}

func TestEngineReportFlow(t *testing.T) {
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	e := NewEngine(WithReportScoreIncrement(2.5))

	out := e.Begin(FlowReport, command("report", ""))
	require.NotNil(t, out.Session)
	assert.Equal(t, StateAwaitLocation, out.Session.State)
	assert.Equal(t, AffordanceRequestLocation, out.Reply.Affordance)

	out = e.Step(out.Session, location(40.7, -74))
	require.NotNil(t, out.Upsert)
	assert.True(t, out.Clear)
	assert.Equal(t, 2.5, *out.Upsert.ScoreDelta)
	assert.True(t, out.Upsert.LastSubmittedAt.Equal(at))
	assert.Nil(t, out.Upsert.DisplayName)
	assert.Nil(t, out.Upsert.Age)
	assert.Equal(t, textReportDone, out.Reply.Text)
}

func TestEngineCancel(t *testing.T) {
	e := NewEngine()

	out := e.Cancel(chatSession(StateAskAge, map[string]string{fieldName: "Alice"}), command("cancel", ""))
	assert.True(t, out.Clear)
	assert.Nil(t, out.Upsert)
	assert.Equal(t, StateCancelled, out.To)
	assert.Equal(t, textCancelled, out.Reply.Text)

	out = e.Cancel(nil, command("cancel", ""))
	assert.False(t, out.Clear)
	assert.Equal(t, textNothingToCancel, out.Reply.Text)
}

func TestEngineSingleShots(t *testing.T) {
	e := NewEngine()

	assert.Equal(t, "hello there", e.Echo(command("echo", "hello there")).Reply.Text)
	assert.Equal(t, textEchoEmpty, e.Echo(command("echo", "  ")).Reply.Text)
	assert.True(t, strings.Contains(e.Welcome(command("start", "")).Reply.Text, "/chat"))
	assert.Equal(t, textNoProfile, e.DescribeProfile(command("profile", ""), nil).Reply.Text)

	name := "Alice"
	age := 29
	out := e.DescribeProfile(command("profile", ""), &profile.Profile{ExternalID: testUser, DisplayName: &name, Age: &age})
	assert.Contains(t, out.Reply.Text, "Name: Alice")
	assert.Contains(t, out.Reply.Text, "Age: 29")
	assert.Contains(t, out.Reply.Text, "Location: unknown")
	assert.Contains(t, out.Reply.Text, "Score: unknown")
	assert.Equal(t, int64(4242), out.Reply.ChatID)
}

func TestEngineUnknownStateClearsSession(t *testing.T) {
	e := NewEngine()
	out := e.Step(&Session{ExternalID: testUser, Flow: FlowChat, State: "bogus"}, text("hi"))
	assert.True(t, out.Clear)
	assert.Equal(t, textHelp, out.Reply.Text)
}

func TestEngineUsesClockWhenEventHasNoTimestamp(t *testing.T) {
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	e := NewEngine(WithClock(func() time.Time { return fixed }))
	evt := command("report", "")
	evt.ReceivedAt = time.Time{}
	out := e.Begin(FlowReport, evt)
	assert.Equal(t, fixed, out.Session.StartedAt)
}

func TestEngineStampsSessionsWithServerTime(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	e := NewEngine(WithClock(func() time.Time { return now }))

	// Telegram redelivered the command 40 minutes after the user sent it.
	late := command("chat", "")
	late.ReceivedAt = now.Add(-40 * time.Minute)
	out := e.Begin(FlowChat, late)
	require.NotNil(t, out.Session)
	assert.Equal(t, now, out.Session.StartedAt)
	assert.Equal(t, now, out.Session.UpdatedAt)

	now = now.Add(5 * time.Minute)
	out = e.Step(out.Session, text("Alice"))
	require.NotNil(t, out.Session)
	assert.Equal(t, now, out.Session.UpdatedAt)
}

func TestEngineRepromptRefreshesActivity(t *testing.T) {
	started := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	now := started.Add(20 * time.Minute)
	e := NewEngine(WithClock(func() time.Time { return now }))

	s := chatSession(StateAskAge, map[string]string{fieldName: "Alice"})
	s.StartedAt, s.UpdatedAt = started, started

	out := e.Step(s, text("not a number"))
	require.NotNil(t, out.Session)
	assert.False(t, out.Transitioned())
	assert.Equal(t, StateAskAge, out.Session.State)
	assert.Equal(t, started, out.Session.StartedAt)
	assert.Equal(t, now, out.Session.UpdatedAt)
	assert.Equal(t, started, s.UpdatedAt, "input session is not mutated")
}
