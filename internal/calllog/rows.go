package calllog

import (
	"time"

	"calltrail/internal/calls"
)

// Text returns a pointer to s for Row fields.
func Text(s string) *string { return &s }

// Seconds returns a pointer to a non-negative duration.
func Seconds(n int) *int {
	if n < 0 {
		n = 0
	}
	return &n
}

// StatusOf returns a pointer to s for Row fields.
func StatusOf(s calls.Status) *calls.Status { return &s }

// TimeOf returns nil for the zero time so it is not written.
func TimeOf(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func NotesRow(callSid, notes string) Row {
	return Row{CallSid: callSid, Notes: Text(notes)}
}

func RecordingRow(callSid, recordingSid, recordingURL string) Row {
	return Row{CallSid: callSid, RecordingSid: Text(recordingSid), RecordingURL: Text(recordingURL)}
}

func ToNumberRow(callSid, to string) Row {
	return Row{CallSid: callSid, ToNumber: Text(to)}
}
