package conversation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/profilebot/internal/events"
	"github.com/wolfman30/profilebot/internal/profile"
)

const (
	minAge = 1
	maxAge = 150

	defaultScoreIncrement = 1.0
)

const (
	textWelcome = "Hi! I keep a small profile for you.\n" +
		"/chat - tell me your name, age and location\n" +
		"/report - share where you are right now\n" +
		"/profile - show what I know about you\n" +
		"/echo <text> - repeat your text\n" +
		"/cancel - stop the current conversation"
	textHelp            = "Sorry, I didn't understand that. Send /start to see what I can do."
	textAskName         = "What's your name?"
	textNameInvalid     = "Please send your name."
	textAskAge          = "Nice to meet you, %s! How old are you?"
	textAgeInvalid      = "Please send your age as a whole number between 1 and 150."
	textAskLocation     = "Thanks! Now share your location with the button below."
	textLocationInvalid = "Please use the location-sharing button to send your location."
	textChatDone        = "All set, %s. Your profile is saved."
	textAwaitLocation   = "Share your current location with the button below."
	textReportDone      = "Thanks, your location has been recorded."
	textCancelled       = "Cancelled. Nothing was saved."
	textNothingToCancel = "There is nothing to cancel."
	textEchoEmpty       = "Nothing to echo."
	textNoProfile       = "I don't have a profile for you yet. Send /chat to create one."
	textUnknown         = "unknown"
)

// Outcome is what the engine decided for one event. The service applies it
// in order: Upsert, then the session change, then Reply.
type Outcome struct {
	// Session replaces the stored session when non-nil.
	Session *Session
	// Clear deletes the stored session.
	Clear bool
	// Upsert is persisted before any session change.
	Upsert *profile.Update
	Reply  Reply

	Flow string
	From string
	To   string
}

// Transitioned reports whether the outcome moved a flow to a new state.
func (o Outcome) Transitioned() bool {
	return o.To != "" && o.From != o.To
}

// Engine is the conversation state machine. It performs no I/O.
type Engine struct {
	scoreIncrement float64
	now            func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithReportScoreIncrement sets the score added by each completed report.
func WithReportScoreIncrement(inc float64) EngineOption {
	return func(e *Engine) {
		e.scoreIncrement = inc
	}
}

// WithClock overrides the time source for session timestamps and for events
// that carry no timestamp of their own.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine returns an engine with default settings.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		scoreIncrement: defaultScoreIncrement,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Begin opens flow for the sender of evt. Any earlier session is overwritten.
func (e *Engine) Begin(flow string, evt events.InboundEvent) Outcome {
	at := e.stamp()
	s := &Session{
		ExternalID: evt.ExternalID,
		ChatID:     evt.ChatID,
		Flow:       flow,
		Collected:  map[string]string{},
		StartedAt:  at,
		UpdatedAt:  at,
	}

	switch flow {
	case FlowChat:
		s.State = StateAskName
		return Outcome{Session: s, Reply: replyTo(evt, textAskName, AffordanceRemoveKeyboard), Flow: flow, To: s.State}
	case FlowReport:
		s.State = StateAwaitLocation
		return Outcome{Session: s, Reply: replyTo(evt, textAwaitLocation, AffordanceRequestLocation), Flow: flow, To: s.State}
	default:
		return e.Help(evt)
	}
}

// Step feeds evt to the active session s.
func (e *Engine) Step(s *Session, evt events.InboundEvent) Outcome {
	if s == nil {
		return e.Help(evt)
	}
	switch s.State {
	case StateAskName:
		return e.stepName(s, evt)
	case StateAskAge:
		return e.stepAge(s, evt)
	case StateAskLocation, StateAwaitLocation:
		return e.stepLocation(s, evt)
	default:
		// A stored session in an unknown state cannot make progress.
		return Outcome{Clear: true, Reply: replyTo(evt, textHelp, AffordanceRemoveKeyboard), Flow: s.Flow, From: s.State, To: StateCancelled}
	}
}

// Cancel ends s without persisting anything.
func (e *Engine) Cancel(s *Session, evt events.InboundEvent) Outcome {
	if s == nil {
		return Outcome{Reply: replyTo(evt, textNothingToCancel, AffordanceRemoveKeyboard)}
	}
	return Outcome{
		Clear: true,
		Reply: replyTo(evt, textCancelled, AffordanceRemoveKeyboard),
		Flow:  s.Flow,
		From:  s.State,
		To:    StateCancelled,
	}
}

// Welcome answers /start.
func (e *Engine) Welcome(evt events.InboundEvent) Outcome {
	return Outcome{Reply: replyTo(evt, textWelcome, AffordanceNone)}
}

// Echo answers /echo with the argument text.
func (e *Engine) Echo(evt events.InboundEvent) Outcome {
	text := strings.TrimSpace(evt.Args)
	if text == "" {
		text = textEchoEmpty
	}
	return Outcome{Reply: replyTo(evt, text, AffordanceNone)}
}

// Help answers input that no route or session accepts.
func (e *Engine) Help(evt events.InboundEvent) Outcome {
	return Outcome{Reply: replyTo(evt, textHelp, AffordanceNone)}
}

// DescribeProfile answers /profile from the stored record, or p == nil when absent.
func (e *Engine) DescribeProfile(evt events.InboundEvent, p *profile.Profile) Outcome {
	if p == nil {
		return Outcome{Reply: replyTo(evt, textNoProfile, AffordanceNone)}
	}
	return Outcome{Reply: replyTo(evt, FormatProfile(p), AffordanceNone)}
}

func (e *Engine) stepName(s *Session, evt events.InboundEvent) Outcome {
	name := strings.TrimSpace(evt.Text)
	if evt.Kind != events.KindText || name == "" {
		return e.reprompt(s, evt, textNameInvalid, AffordanceNone)
	}
	next := s.Clone()
	setCollected(next, fieldName, name)
	next.State = StateAskAge
	next.UpdatedAt = e.stamp()
	return e.advance(s, next, replyTo(evt, fmt.Sprintf(textAskAge, name), AffordanceNone))
}

func (e *Engine) stepAge(s *Session, evt events.InboundEvent) Outcome {
	if evt.Kind != events.KindText {
		return e.reprompt(s, evt, textAgeInvalid, AffordanceNone)
	}
	age, ok := parseAge(evt.Text)
	if !ok {
		return e.reprompt(s, evt, textAgeInvalid, AffordanceNone)
	}
	next := s.Clone()
	setCollected(next, fieldAge, strconv.Itoa(age))
	next.State = StateAskLocation
	next.UpdatedAt = e.stamp()
	return e.advance(s, next, replyTo(evt, textAskLocation, AffordanceRequestLocation))
}

func (e *Engine) stepLocation(s *Session, evt events.InboundEvent) Outcome {
	if evt.Kind != events.KindLocation || !validCoordinates(evt.Coordinates) {
		return e.reprompt(s, evt, textLocationInvalid, AffordanceRequestLocation)
	}
	loc := &profile.Location{Latitude: evt.Coordinates.Latitude, Longitude: evt.Coordinates.Longitude}

	var (
		update profile.Update
		text   string
	)
	switch s.Flow {
	case FlowChat:
		name := s.Collected[fieldName]
		age, ok := parseAge(s.Collected[fieldAge])
		if name == "" || !ok {
			// Collected fields went missing; restart the flow rather than save a partial profile.
			return e.Begin(FlowChat, evt)
		}
		update = profile.Update{DisplayName: &name, Age: &age, Location: loc}
		text = fmt.Sprintf(textChatDone, name)
	default:
		at := e.eventTime(evt)
		inc := e.scoreIncrement
		update = profile.Update{Location: loc, LastSubmittedAt: &at, ScoreDelta: &inc}
		text = textReportDone
	}

	return Outcome{
		Clear:  true,
		Upsert: &update,
		Reply:  replyTo(evt, text, AffordanceRemoveKeyboard),
		Flow:   s.Flow,
		From:   s.State,
		To:     StateDone,
	}
}

// reprompt keeps the state but counts the message as activity.
func (e *Engine) reprompt(s *Session, evt events.InboundEvent, text string, affordance Affordance) Outcome {
	touched := s.Clone()
	touched.UpdatedAt = e.stamp()
	return Outcome{Session: touched, Reply: replyTo(evt, text, affordance), Flow: s.Flow, From: s.State, To: s.State}
}

func (e *Engine) advance(prev, next *Session, reply Reply) Outcome {
	return Outcome{Session: next, Reply: reply, Flow: next.Flow, From: prev.State, To: next.State}
}

// stamp is the server-side time used for idle tracking. Telegram's message
// date can lag by the whole redelivery window.
func (e *Engine) stamp() time.Time {
	return e.now().UTC()
}

func (e *Engine) eventTime(evt events.InboundEvent) time.Time {
	if !evt.ReceivedAt.IsZero() {
		return evt.ReceivedAt.UTC()
	}
	return e.now().UTC()
}

// FormatProfile renders p for display. Absent fields read "unknown".
func FormatProfile(p *profile.Profile) string {
	name := textUnknown
	if p.DisplayName != nil && *p.DisplayName != "" {
		name = *p.DisplayName
	}
	age := textUnknown
	if p.Age != nil {
		age = strconv.Itoa(*p.Age)
	}
	location := textUnknown
	if p.Latitude != nil && p.Longitude != nil {
		location = formatFloat(*p.Latitude) + ", " + formatFloat(*p.Longitude)
	}
	reported := textUnknown
	if p.LastSubmittedAt != nil {
		reported = p.LastSubmittedAt.UTC().Format(time.RFC3339)
	}
	score := textUnknown
	if p.Score != nil {
		score = formatFloat(*p.Score)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", name)
	fmt.Fprintf(&b, "Age: %s\n", age)
	fmt.Fprintf(&b, "Location: %s\n", location)
	fmt.Fprintf(&b, "Last report: %s\n", reported)
	fmt.Fprintf(&b, "Score: %s", score)
	return b.String()
}

func parseAge(raw string) (int, bool) {
	age, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || age < minAge || age > maxAge {
		return 0, false
	}
	return age, true
}

func validCoordinates(c *events.Coordinates) bool {
	if c == nil {
		return false
	}
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

func setCollected(s *Session, key, value string) {
	if s.Collected == nil {
		s.Collected = map[string]string{}
	}
	s.Collected[key] = value
}

func replyTo(evt events.InboundEvent, text string, affordance Affordance) Reply {
	return Reply{ExternalID: evt.ExternalID, ChatID: evt.ChatID, Text: text, Affordance: affordance}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
