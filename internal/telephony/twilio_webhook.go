package telephony

import (
	"fmt"
	"strings"

	"calltrail/internal/calls"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

// Twilio sends application/x-www-form-urlencoded webhooks. Each endpoint has
// its own variant with required fields enforced at the boundary.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback

// CallStatusEvent is a status callback for one call leg.
type CallStatusEvent struct {
	CallSid       string       `json:"call_sid"`
	ParentCallSid string       `json:"parent_call_sid,omitempty"`
	Status        calls.Status `json:"status"`
	From          string       `json:"from"`
	To            string       `json:"to"`
	Direction     string       `json:"direction,omitempty"`
	Duration      string       `json:"duration,omitempty"`
}

// RecordingEvent is a recording status callback.
type RecordingEvent struct {
	CallSid      string `json:"call_sid"`
	RecordingSid string `json:"recording_sid"`
	RecordingURL string `json:"recording_url"`
	Status       string `json:"status"`
}

// ChildCallEvent is the <Dial> action callback describing the dialed leg.
type ChildCallEvent struct {
	ParentCallSid string       `json:"parent_call_sid"`
	ChildCallSid  string       `json:"child_call_sid"`
	Status        calls.Status `json:"status"`
	From          string       `json:"from"`
	To            string       `json:"to"`
	Duration      string       `json:"duration,omitempty"`
}

// AsStatusEvent treats the dialed leg like any other status callback.
func (e ChildCallEvent) AsStatusEvent() CallStatusEvent {
	return CallStatusEvent{
		CallSid:       e.ChildCallSid,
		ParentCallSid: e.ParentCallSid,
		Status:        e.Status,
		From:          e.From,
		To:            e.To,
		Duration:      e.Duration,
	}
}

type callStatusForm struct {
	CallSid       string `form:"CallSid" binding:"required"`
	CallStatus    string `form:"CallStatus" binding:"required"`
	ParentCallSid string `form:"ParentCallSid"`
	From          string `form:"From"`
	To            string `form:"To"`
	Direction     string `form:"Direction"`
	CallDuration  string `form:"CallDuration"`
}

type recordingForm struct {
	CallSid         string `form:"CallSid" binding:"required"`
	RecordingSid    string `form:"RecordingSid" binding:"required"`
	RecordingURL    string `form:"RecordingUrl"`
	RecordingStatus string `form:"RecordingStatus" binding:"required"`
}

type childCallForm struct {
	CallSid          string `form:"CallSid" binding:"required"`
	DialCallSid      string `form:"DialCallSid" binding:"required"`
	DialCallStatus   string `form:"DialCallStatus" binding:"required"`
	DialCallDuration string `form:"DialCallDuration"`
	From             string `form:"From"`
	To               string `form:"To"`
}

func ParseCallStatusEvent(c *gin.Context) (CallStatusEvent, error) {
	var f callStatusForm
	if err := c.ShouldBindWith(&f, binding.Form); err != nil {
		return CallStatusEvent{}, err
	}
	status, err := calls.ParseStatus(f.CallStatus)
	if err != nil {
		return CallStatusEvent{}, err
	}
	return CallStatusEvent{
		CallSid:       strings.TrimSpace(f.CallSid),
		ParentCallSid: strings.TrimSpace(f.ParentCallSid),
		Status:        status,
		From:          normalizePhone(f.From),
		To:            normalizePhone(f.To),
		Direction:     strings.TrimSpace(f.Direction),
		Duration:      strings.TrimSpace(f.CallDuration),
	}, nil
}

func ParseRecordingEvent(c *gin.Context) (RecordingEvent, error) {
	var f recordingForm
	if err := c.ShouldBindWith(&f, binding.Form); err != nil {
		return RecordingEvent{}, err
	}
	return RecordingEvent{
		CallSid:      strings.TrimSpace(f.CallSid),
		RecordingSid: strings.TrimSpace(f.RecordingSid),
		RecordingURL: strings.TrimSpace(f.RecordingURL),
		Status:       strings.ToLower(strings.TrimSpace(f.RecordingStatus)),
	}, nil
}

func ParseChildCallEvent(c *gin.Context) (ChildCallEvent, error) {
	var f childCallForm
	if err := c.ShouldBindWith(&f, binding.Form); err != nil {
		return ChildCallEvent{}, err
	}
	status, err := calls.ParseStatus(f.DialCallStatus)
	if err != nil {
		return ChildCallEvent{}, fmt.Errorf("dial status: %w", err)
	}
	return ChildCallEvent{
		ParentCallSid: strings.TrimSpace(f.CallSid),
		ChildCallSid:  strings.TrimSpace(f.DialCallSid),
		Status:        status,
		From:          normalizePhone(f.From),
		To:            normalizePhone(f.To),
		Duration:      strings.TrimSpace(f.DialCallDuration),
	}, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}
