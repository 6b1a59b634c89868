package conversation

import (
	"strings"

	"github.com/wolfman30/profilebot/internal/events"
)

// Commands understood by the router.
const (
	CommandStart   = "start"
	CommandChat    = "chat"
	CommandEcho    = "echo"
	CommandProfile = "profile"
	CommandReport  = "report"
	CommandCancel  = "cancel"
)

// Action tells the service what to do with an event.
type Action int

const (
	// ActionHelp replies with the generic help text.
	ActionHelp Action = iota
	// ActionContinue feeds the event to the active session.
	ActionContinue
	// ActionBegin starts Decision.Flow, replacing any active session.
	ActionBegin
	// ActionSingleShot runs a stateless command and discards any active session.
	ActionSingleShot
	// ActionCancel ends the active session.
	ActionCancel
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionBegin:
		return "begin"
	case ActionSingleShot:
		return "single_shot"
	case ActionCancel:
		return "cancel"
	default:
		return "help"
	}
}

// Decision is the result of routing one event.
type Decision struct {
	Action  Action
	Command string
	Flow    string
}

type route struct {
	action Action
	flow   string
}

// Router maps command tokens to handlers. The table is fixed at construction.
type Router struct {
	routes map[string]route
}

// NewRouter builds the command table.
func NewRouter() *Router {
	return &Router{routes: map[string]route{
		CommandStart:   {action: ActionSingleShot},
		CommandEcho:    {action: ActionSingleShot},
		CommandProfile: {action: ActionSingleShot},
		CommandChat:    {action: ActionBegin, flow: FlowChat},
		CommandReport:  {action: ActionBegin, flow: FlowReport},
		CommandCancel:  {action: ActionCancel},
	}}
}

// Route decides how evt is handled given whether the user has an active session.
func (r *Router) Route(evt events.InboundEvent, hasSession bool) Decision {
	if evt.Kind == events.KindCommand {
		cmd := strings.ToLower(evt.Command)
		if rt, ok := r.routes[cmd]; ok {
			return Decision{Action: rt.action, Command: cmd, Flow: rt.flow}
		}
	}
	if hasSession {
		return Decision{Action: ActionContinue}
	}
	return Decision{Action: ActionHelp}
}

// Recognizes reports whether cmd is in the table.
func (r *Router) Recognizes(cmd string) bool {
	_, ok := r.routes[strings.ToLower(cmd)]
	return ok
}
