// Package session holds in-progress conversation state keyed by external user id.
package session

import (
	"errors"
	"time"
)

// ErrInvalidSession is returned when a session without an external id is stored.
var ErrInvalidSession = errors.New("session: external id is required")

// Session is the scratch state of one user's active flow. It exists only while
// a flow is in progress.
type Session struct {
	ExternalID string            `json:"external_id"`
	ChatID     int64             `json:"chat_id"`
	Flow       string            `json:"flow"`
	State      string            `json:"state"`
	Collected  map[string]string `json:"collected,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Clone returns a copy whose Collected map is not shared with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Collected != nil {
		out.Collected = make(map[string]string, len(s.Collected))
		for k, v := range s.Collected {
			out.Collected[k] = v
		}
	}
	return &out
}

func (s *Session) idleSince(now time.Time) time.Duration {
	last := s.UpdatedAt
	if last.IsZero() {
		last = s.StartedAt
	}
	return now.Sub(last)
}
