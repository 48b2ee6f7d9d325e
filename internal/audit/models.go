package audit

import "time"

// Event is an immutable, append-only record of what happened to a
// reconciliation job.
//
// Invariants:
// - Events are never updated or deleted.
// - call_sid is required; owner is best-effort and may be the unknown placeholder.
// - Recording is best-effort; do not block reconciliation on journal failures.
//
// Storage (Postgres): table reconcile_events, INSERT only.
type Event struct {
	ID      string `json:"id" db:"id"`
	CallSid string `json:"call_sid" db:"call_sid"`
	OwnerID string `json:"owner_id,omitempty" db:"owner_id"`

	Type EventType `json:"type" db:"type"`

	// Attempts is how many provider polls the job made before this event.
	Attempts int `json:"attempts" db:"attempts"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeRequested EventType = "reconcile_requested"
	EventTypeSucceeded EventType = "reconcile_succeeded"
	EventTypeGaveUp    EventType = "reconcile_gave_up"
)
