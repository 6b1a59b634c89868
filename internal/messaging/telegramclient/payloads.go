package telegramclient

import (
	"errors"
	"strings"
)

// SendMessageRequest is the body of sendMessage. ReplyMarkup is one of
// *ReplyKeyboardMarkup or *ReplyKeyboardRemove, or nil.
type SendMessageRequest struct {
	ChatID      int64  `json:"chat_id"`
	Text        string `json:"text"`
	ReplyMarkup any    `json:"reply_markup,omitempty"`
}

func (r SendMessageRequest) validate() error {
	if r.ChatID == 0 {
		return errors.New("telegramclient: chat id required")
	}
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("telegramclient: text required")
	}
	return nil
}

// KeyboardButton is one button of a custom reply keyboard.
type KeyboardButton struct {
	Text            string `json:"text"`
	RequestLocation bool   `json:"request_location,omitempty"`
}

// ReplyKeyboardMarkup replaces the user's keyboard with custom buttons.
type ReplyKeyboardMarkup struct {
	Keyboard        [][]KeyboardButton `json:"keyboard"`
	ResizeKeyboard  bool               `json:"resize_keyboard,omitempty"`
	OneTimeKeyboard bool               `json:"one_time_keyboard,omitempty"`
}

// ReplyKeyboardRemove hides a previously shown custom keyboard.
type ReplyKeyboardRemove struct {
	RemoveKeyboard bool `json:"remove_keyboard"`
}

// LocationKeyboard returns a one-button keyboard that shares the user's location.
func LocationKeyboard(label string) *ReplyKeyboardMarkup {
	if label == "" {
		label = "Share location"
	}
	return &ReplyKeyboardMarkup{
		Keyboard:        [][]KeyboardButton{{{Text: label, RequestLocation: true}}},
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
}

// RemoveKeyboard returns markup that clears any custom keyboard.
func RemoveKeyboard() *ReplyKeyboardRemove {
	return &ReplyKeyboardRemove{RemoveKeyboard: true}
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// Message is the subset of the Message object returned by sendMessage.
type Message struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text,omitempty"`
}

// SetWebhookRequest is the body of setWebhook.
type SetWebhookRequest struct {
	URL                string   `json:"url"`
	SecretToken        string   `json:"secret_token,omitempty"`
	AllowedUpdates     []string `json:"allowed_updates,omitempty"`
	DropPendingUpdates bool     `json:"drop_pending_updates,omitempty"`
}

// WebhookInfo is the result of getWebhookInfo.
type WebhookInfo struct {
	URL                string `json:"url"`
	PendingUpdateCount int    `json:"pending_update_count"`
	LastErrorDate      int64  `json:"last_error_date,omitempty"`
	LastErrorMessage   string `json:"last_error_message,omitempty"`
}
