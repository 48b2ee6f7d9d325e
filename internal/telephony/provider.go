package telephony

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Provider is the provider-agnostic surface the pipeline consumes.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Fields the provider may omit stay nil or empty rather than guessed.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	FetchCall(ctx context.Context, callSid string) (Call, error)
	ListEvents(ctx context.Context, callSid string) ([]Event, error)
	ListRecordings(ctx context.Context, callSid string) ([]Recording, error)
	ListChildCalls(ctx context.Context, parentCallSid string) ([]Call, error)

	CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResult, error)
}

var ErrCallNotFound = errors.New("telephony: call not found")

// Call is the provider's full record for one call leg.
type Call struct {
	Sid           string `json:"sid"`
	ParentCallSid string `json:"parent_call_sid,omitempty"`

	From   string `json:"from"`
	To     string `json:"to"`
	Status string `json:"status"`

	// Duration is kept as reported; use DurationSeconds to read it.
	Duration string `json:"duration"`

	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	DateCreated *time.Time `json:"date_created,omitempty"`
	Direction   string     `json:"direction"`

	// Price is nil until the provider has billed the call.
	Price     *float64 `json:"price"`
	PriceUnit string   `json:"price_unit"`
}

// DurationSeconds coerces the reported duration, returning 0 when it is
// absent or not a non-negative integer.
func (c Call) DurationSeconds() int {
	n, err := strconv.Atoi(strings.TrimSpace(c.Duration))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Event is one request/response pair from the provider's call event trace.
type Event struct {
	Request  EventRequest   `json:"request"`
	Response map[string]any `json:"response,omitempty"`
}

type EventRequest struct {
	URL        string         `json:"url"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters"`
}

// Param returns a request parameter as a string, or "" when absent.
func (e Event) Param(name string) string {
	v, ok := e.Request.Parameters[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

type Recording struct {
	Sid         string     `json:"sid"`
	URI         string     `json:"uri"`
	Duration    string     `json:"duration"`
	Status      string     `json:"status,omitempty"`
	DateCreated *time.Time `json:"date_created,omitempty"`
}

// CreateCallRequest places an outbound call. Callback URLs must be absolute.
type CreateCallRequest struct {
	From string `json:"from"`
	To   string `json:"to"`

	// ApplicationSid, when set, takes precedence over TwiMLURL.
	ApplicationSid string `json:"application_sid,omitempty"`
	TwiMLURL       string `json:"twiml_url,omitempty"`

	StatusCallbackURL    string   `json:"status_callback_url"`
	StatusCallbackEvents []string `json:"status_callback_events"`

	Record                  bool     `json:"record"`
	RecordingCallbackURL    string   `json:"recording_callback_url,omitempty"`
	RecordingCallbackEvents []string `json:"recording_callback_events,omitempty"`
}

type CreateCallResult struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
}
