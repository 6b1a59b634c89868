// Package profile persists the user records collected by conversation flows.
package profile

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidExternalID is returned when an upsert or lookup has no key.
var ErrInvalidExternalID = errors.New("profile: external id is required")

// Profile is the durable record for one messaging-platform user. Optional
// fields are nil until a flow supplies them.
type Profile struct {
	ExternalID      string     `json:"external_id" dynamodbav:"externalId"`
	DisplayName     *string    `json:"display_name,omitempty" dynamodbav:"displayName,omitempty"`
	Age             *int       `json:"age,omitempty" dynamodbav:"age,omitempty"`
	Latitude        *float64   `json:"latitude,omitempty" dynamodbav:"latitude,omitempty"`
	Longitude       *float64   `json:"longitude,omitempty" dynamodbav:"longitude,omitempty"`
	LastSubmittedAt *time.Time `json:"last_submitted_at,omitempty" dynamodbav:"lastSubmittedAt,omitempty"`
	Score           *float64   `json:"score,omitempty" dynamodbav:"score,omitempty"`
	CreatedAt       time.Time  `json:"created_at" dynamodbav:"createdAt"`
	UpdatedAt       time.Time  `json:"updated_at" dynamodbav:"updatedAt"`
}

// Location is a coordinate pair. It is a single value so latitude and
// longitude are always written together.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Update carries the fields to merge into a profile. Nil fields are left
// untouched; ScoreDelta is added to the stored score.
type Update struct {
	DisplayName     *string
	Age             *int
	Location        *Location
	LastSubmittedAt *time.Time
	ScoreDelta      *float64
}

// IsEmpty reports whether the update would change nothing.
func (u Update) IsEmpty() bool {
	return u.DisplayName == nil && u.Age == nil && u.Location == nil && u.LastSubmittedAt == nil && u.ScoreDelta == nil
}

// Apply merges the update into p in place.
func (u Update) Apply(p *Profile) {
	if u.DisplayName != nil {
		p.DisplayName = ptr(*u.DisplayName)
	}
	if u.Age != nil {
		p.Age = ptr(*u.Age)
	}
	if u.Location != nil {
		p.Latitude = ptr(u.Location.Latitude)
		p.Longitude = ptr(u.Location.Longitude)
	}
	if u.LastSubmittedAt != nil {
		p.LastSubmittedAt = ptr(u.LastSubmittedAt.UTC())
	}
	if u.ScoreDelta != nil {
		var current float64
		if p.Score != nil {
			current = *p.Score
		}
		p.Score = ptr(current + *u.ScoreDelta)
	}
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	if p.DisplayName != nil {
		out.DisplayName = ptr(*p.DisplayName)
	}
	if p.Age != nil {
		out.Age = ptr(*p.Age)
	}
	if p.Latitude != nil {
		out.Latitude = ptr(*p.Latitude)
	}
	if p.Longitude != nil {
		out.Longitude = ptr(*p.Longitude)
	}
	if p.LastSubmittedAt != nil {
		out.LastSubmittedAt = ptr(*p.LastSubmittedAt)
	}
	if p.Score != nil {
		out.Score = ptr(*p.Score)
	}
	return &out
}

func validateExternalID(externalID string) error {
	if strings.TrimSpace(externalID) == "" {
		return ErrInvalidExternalID
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
