package events

import (
	"strconv"
	"time"
)

// EventKind tags the normalized shape of an inbound delivery.
type EventKind string

const (
	KindCommand  EventKind = "command"
	KindText     EventKind = "text"
	KindLocation EventKind = "location"
	KindOther    EventKind = "other"
)

const (
	// ProviderTelegram is the provider key used when recording processed updates.
	ProviderTelegram = "telegram"
	// ProviderTelegramProfile marks updates whose profile write has committed.
	// It is separate from ProviderTelegram so a redelivery can still finish
	// the session change and reply without repeating the write.
	ProviderTelegramProfile = "telegram.profile"
)

// Coordinates is a shared location payload.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// InboundEvent is one webhook delivery after the gateway has stripped the
// platform envelope. The conversation core only ever sees this type.
type InboundEvent struct {
	ID          string       `json:"id"`
	ExternalID  string       `json:"external_id"`
	ChatID      int64        `json:"chat_id"`
	Kind        EventKind    `json:"kind"`
	Command     string       `json:"command,omitempty"`
	Args        string       `json:"args,omitempty"`
	Text        string       `json:"text,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	ReceivedAt  time.Time    `json:"received_at"`
}

// UpdateID formats a Telegram update id as an event id.
func UpdateID(id int64) string {
	return strconv.FormatInt(id, 10)
}
