package conversation

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/wolfman30/profilebot/internal/events"
)

const testUser = "42"

var updateSeq atomic.Int64

func nextUpdateID() string {
	return strconv.FormatInt(updateSeq.Add(1), 10)
}

func baseEvent(kind events.EventKind) events.InboundEvent {
	return events.InboundEvent{
		ID:         nextUpdateID(),
		ExternalID: testUser,
		ChatID:     4242,
		Kind:       kind,
		ReceivedAt: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
}

func command(name, args string) events.InboundEvent {
	evt := baseEvent(events.KindCommand)
	evt.Command = name
	evt.Args = args
	evt.Text = "/" + name
	if args != "" {
		evt.Text += " " + args
	}
	return evt
}

func text(body string) events.InboundEvent {
	evt := baseEvent(events.KindText)
	evt.Text = body
	return evt
}

func location(lat, lon float64) events.InboundEvent {
	evt := baseEvent(events.KindLocation)
	evt.Coordinates = &events.Coordinates{Latitude: lat, Longitude: lon}
	return evt
}

func forUser(evt events.InboundEvent, externalID string) events.InboundEvent {
	evt.ExternalID = externalID
	return evt
}
