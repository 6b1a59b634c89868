package messaging

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf16"

	"github.com/wolfman30/profilebot/internal/events"
)

// Update is the subset of a Telegram Update the gateway reads.
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message,omitempty"`
}

// TelegramMessage is an inbound message.
type TelegramMessage struct {
	MessageID int64             `json:"message_id"`
	From      *TelegramUser     `json:"from,omitempty"`
	Chat      TelegramChat      `json:"chat"`
	Date      int64             `json:"date"`
	Text      string            `json:"text,omitempty"`
	Entities  []MessageEntity   `json:"entities,omitempty"`
	Location  *TelegramLocation `json:"location,omitempty"`
}

type TelegramUser struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username,omitempty"`
}

type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type TelegramLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// MessageEntity marks a span of the text. Offsets are in UTF-16 code units.
type MessageEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// ParseUpdate normalizes a webhook body into an InboundEvent. ok is false for
// well-formed updates the gateway ignores, such as edits or bot senders.
func ParseUpdate(body []byte) (evt events.InboundEvent, ok bool, err error) {
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return events.InboundEvent{}, false, fmt.Errorf("messaging: decode update: %w", err)
	}
	msg := u.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return events.InboundEvent{}, false, nil
	}

	evt = events.InboundEvent{
		ID:         events.UpdateID(u.UpdateID),
		ExternalID: strconv.FormatInt(msg.From.ID, 10),
		ChatID:     msg.Chat.ID,
		Kind:       events.KindOther,
		Text:       msg.Text,
	}
	if msg.Date > 0 {
		evt.ReceivedAt = time.Unix(msg.Date, 0).UTC()
	}

	if msg.Location != nil {
		evt.Kind = events.KindLocation
		evt.Coordinates = &events.Coordinates{Latitude: msg.Location.Latitude, Longitude: msg.Location.Longitude}
		return evt, true, nil
	}
	if cmd, args, isCmd := parseCommand(msg); isCmd {
		evt.Kind = events.KindCommand
		evt.Command = cmd
		evt.Args = args
		return evt, true, nil
	}
	if strings.TrimSpace(msg.Text) != "" {
		evt.Kind = events.KindText
	}
	return evt, true, nil
}

// parseCommand turns "/Chat@MyBot some args" into ("chat", "some args").
func parseCommand(msg *TelegramMessage) (string, string, bool) {
	for _, e := range msg.Entities {
		if e.Type != "bot_command" || e.Offset != 0 {
			continue
		}
		if token := entityText(msg.Text, e); token != "" {
			return normalizeCommand(token), strings.TrimSpace(strings.TrimPrefix(msg.Text, token)), true
		}
	}
	// Some clients omit entities; a leading slash followed by a letter is still a command.
	text := strings.TrimSpace(msg.Text)
	if len(text) < 2 || text[0] != '/' || !isASCIILetter(text[1]) {
		return "", "", false
	}
	token, args := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		token, args = text[:i], text[i:]
	}
	return normalizeCommand(token), strings.TrimSpace(args), true
}

func normalizeCommand(token string) string {
	token = strings.TrimPrefix(token, "/")
	if name, _, found := strings.Cut(token, "@"); found {
		token = name
	}
	return strings.ToLower(token)
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// entityText returns the text covered by e, honouring UTF-16 offsets.
func entityText(text string, e MessageEntity) string {
	units := utf16.Encode([]rune(text))
	end := e.Offset + e.Length
	if e.Offset < 0 || e.Length <= 0 || end > len(units) {
		return ""
	}
	return string(utf16.Decode(units[e.Offset:end]))
}
