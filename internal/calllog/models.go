package calllog

import (
	"encoding/json"
	"time"

	"calltrail/internal/calls"
)

// Row is one physical append to the call log.
//
// A nil field is not written by this append and leaves the collapsed value
// untouched. Partial rows are how update-style writes (notes, recording,
// to-number backfill) supersede only the columns they carry.
type Row struct {
	CallSid string

	FromNumber *string
	ToNumber   *string
	Status     *calls.Status
	Duration   *int
	StartTime  *time.Time
	EndTime    *time.Time
	Direction  *string
	UserID     *string
	Notes      *string

	RecordingSid *string
	RecordingURL *string
}

// Attempt is the collapsed view of every row written for one call.
type Attempt struct {
	CallSid    string       `json:"call_sid"`
	FromNumber string       `json:"from_number"`
	ToNumber   string       `json:"to_number"`
	Status     calls.Status `json:"status"`

	// Duration is in seconds; zero when unknown.
	Duration int `json:"duration"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Direction string     `json:"direction"`
	UserID    string     `json:"user_id"`
	Notes     string     `json:"notes"`

	RecordingSid string `json:"recording_sid,omitempty"`
	RecordingURL string `json:"recording_url,omitempty"`

	// WrittenAt is the write time of the most recent row.
	WrittenAt time.Time `json:"written_at"`
}

// DebugInfo is the billing and trace data backfilled after a call ends.
//
// Price is nil while the provider has not billed the call. A pointer to zero
// is a valid zero-cost call and must not be conflated with nil.
type DebugInfo struct {
	CallSid     string          `json:"call_sid"`
	Price       *float64        `json:"price"`
	PriceUnit   string          `json:"price_unit"`
	Direction   string          `json:"direction"`
	DateCreated *time.Time      `json:"date_created,omitempty"`
	Recordings  json.RawMessage `json:"recordings"`
	Events      json.RawMessage `json:"events"`
	ChildCalls  json.RawMessage `json:"child_calls"`
	CreatedAt   time.Time       `json:"created_at"`
}

// apply folds r into a so that only written columns change.
func (a *Attempt) apply(r Row) {
	a.CallSid = r.CallSid
	if r.FromNumber != nil {
		a.FromNumber = *r.FromNumber
	}
	if r.ToNumber != nil {
		a.ToNumber = *r.ToNumber
	}
	if r.Status != nil {
		a.Status = *r.Status
	}
	if r.Duration != nil {
		a.Duration = *r.Duration
	}
	if r.StartTime != nil {
		t := *r.StartTime
		a.StartTime = &t
	}
	if r.EndTime != nil {
		t := *r.EndTime
		a.EndTime = &t
	}
	if r.Direction != nil {
		a.Direction = *r.Direction
	}
	if r.UserID != nil {
		a.UserID = *r.UserID
	}
	if r.Notes != nil {
		a.Notes = *r.Notes
	}
	if r.RecordingSid != nil {
		a.RecordingSid = *r.RecordingSid
	}
	if r.RecordingURL != nil {
		a.RecordingURL = *r.RecordingURL
	}
}
