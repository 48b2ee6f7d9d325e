package calls

import (
	"fmt"
	"strings"
	"time"
)

// Status is the provider-reported lifecycle state of a single call leg.
//
// The set is closed: webhook payloads carrying anything else are rejected at
// the boundary.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusAnswered   Status = "answered"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBusy       Status = "busy"
	StatusNoAnswer   Status = "no-answer"
	StatusCanceled   Status = "canceled"
)

var allStatuses = []Status{
	StatusQueued,
	StatusInitiated,
	StatusRinging,
	StatusAnswered,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
	StatusBusy,
	StatusNoAnswer,
	StatusCanceled,
}

// IsTerminal reports whether the provider will send no further transitions
// for a leg in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatus normalizes a provider status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("calls: unknown status %q", raw)
	}
	return s, nil
}

// UnknownOwner is used when no ownership entry can be found for a call.
const UnknownOwner = "unknown"

// DirectionOutbound is the provider's direction for calls placed through the REST API.
const DirectionOutbound = "outbound-api"

// WallClockLayout is the UTC wall-clock form used for call timestamps.
const WallClockLayout = "2006-01-02 15:04:05"

func FormatWallClock(t time.Time) string {
	return t.UTC().Format(WallClockLayout)
}

// ParseTime accepts RFC3339 or the wall-clock layout (interpreted as UTC).
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(WallClockLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("calls: invalid time %q", raw)
	}
	return t, nil
}
