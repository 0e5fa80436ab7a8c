package domain

import (
	"time"
)

// EventType classifies an SSH authentication attempt.
type EventType string

const (
	EventFailed     EventType = "failed"
	EventSuccessful EventType = "successful"
	EventInvalid    EventType = "invalid"
)

// AuthEvent represents one incoming SSH authentication attempt.
type AuthEvent struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Source and target
	IP           string `json:"ip"`
	Username     string `json:"username"`
	TargetServer string `json:"targetServer,omitempty"`

	// Outcome
	EventType EventType `json:"eventType"`

	// Geo context recorded at ingest time (absent if the GeoIP lookup failed)
	Country   string   `json:"country,omitempty"`
	City      string   `json:"city,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata (auth method, client version, port)
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AuthEventRequest is the API request payload for event evaluation.
type AuthEventRequest struct {
	IP           string                 `json:"ip"`
	Username     string                 `json:"username"`
	EventType    EventType              `json:"eventType"`
	TargetServer string                 `json:"targetServer,omitempty"`
	Timestamp    *time.Time             `json:"timestamp,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToEvent converts a request to an AuthEvent domain object.
func (r *AuthEventRequest) ToEvent(tenantID string) *AuthEvent {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &AuthEvent{
		TenantID:     tenantID,
		IP:           r.IP,
		Username:     r.Username,
		EventType:    r.EventType,
		TargetServer: r.TargetServer,
		Timestamp:    ts,
		CreatedAt:    now,
		Metadata:     r.Metadata,
	}
}

// ValidEventType reports whether t is one of the known event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventFailed, EventSuccessful, EventInvalid:
		return true
	}
	return false
}
