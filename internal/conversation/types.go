// Package conversation runs the per-user flows that collect profile fields.
//
// Inbound events are routed by command first. Anything that is not a known
// command continues the caller's active session in the Engine, which returns
// the next session, the profile update to persist, and the reply to send.
// Service ties the pieces to the session table and profile store.
package conversation

import (
	"context"

	"github.com/wolfman30/profilebot/internal/session"
)

// Session is the in-progress state of one user's flow.
type Session = session.Session

// SessionTable stores at most one session per external id. Get returns
// (nil, nil) when the user has no active flow.
type SessionTable interface {
	Get(ctx context.Context, externalID string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, externalID string) error
}

// Locker serializes event handling per external id. Acquire blocks until the
// key is free or ctx ends; the returned func releases it.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Flows.
const (
	FlowChat   = "chat"
	FlowReport = "report"
)

// States. Done and cancelled are terminal and never stored.
const (
	StateAskName       = "ask_name"
	StateAskAge        = "ask_age"
	StateAskLocation   = "ask_location"
	StateAwaitLocation = "await_location"
	StateDone          = "done"
	StateCancelled     = "cancelled"
)

// Keys used in Session.Collected.
const (
	fieldName = "name"
	fieldAge  = "age"
)

// Affordance is an optional input control attached to a reply.
type Affordance string

const (
	AffordanceNone            Affordance = ""
	AffordanceRequestLocation Affordance = "request_location"
	AffordanceRemoveKeyboard  Affordance = "remove_keyboard"
)

// Reply is an outbound message produced while handling an event.
type Reply struct {
	ExternalID string     `json:"external_id"`
	ChatID     int64      `json:"chat_id"`
	Text       string     `json:"text"`
	Affordance Affordance `json:"affordance,omitempty"`
}
