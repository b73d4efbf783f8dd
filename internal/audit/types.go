// Package audit provides structured audit events for authentication,
// authorization, and confirmation decisions, with pluggable sinks.
package audit

import (
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// Authentication events
	EventAuthSuccess EventType = "auth.success"
	EventAuthFailed  EventType = "auth.failed"

	// Authorization events
	EventAuthzGranted EventType = "authz.granted"
	EventAuthzDenied  EventType = "authz.denied"

	// Confirmation events
	EventConfirmationRequested EventType = "confirmation.requested"
	EventConfirmationApproved  EventType = "confirmation.approved"
	EventConfirmationDenied    EventType = "confirmation.denied"

	// Rate limit events
	EventRateLimited EventType = "ratelimit.exceeded"
)

// Event is a single audit log entry.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// ClientID identifies the client the decision applies to.
	ClientID string `json:"client_id,omitempty"`

	// Permission is the permission string involved, if any.
	Permission string `json:"permission,omitempty"`

	// Resource is the resource the decision applies to (tool name, URI).
	Resource string `json:"resource,omitempty"`

	// Details carries event-specific fields.
	Details map[string]any `json:"details,omitempty"`
}
