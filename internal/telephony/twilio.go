package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	twilio "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// callsAPI is the subset of the Twilio REST API used by TwilioProvider.
type callsAPI interface {
	FetchCall(Sid string, params *openapi.FetchCallParams) (*openapi.ApiV2010Call, error)
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	ListCall(params *openapi.ListCallParams) ([]openapi.ApiV2010Call, error)
	ListCallEvent(CallSid string, params *openapi.ListCallEventParams) ([]openapi.ApiV2010CallEvent, error)
	ListCallRecording(CallSid string, params *openapi.ListCallRecordingParams) ([]openapi.ApiV2010CallRecording, error)
}

// TwilioProvider adapts the Twilio REST API to Provider.
//
// SDK structs are decoded through their JSON form so the rest of the
// pipeline never sees SDK types.
type TwilioProvider struct {
	api callsAPI
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
}

func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("telephony: twilio account sid and auth token are required")
	}
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioProvider{api: c.Api}, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.ListCallParams{}
	params.SetPageSize(1)
	params.SetLimit(1)
	if _, err := p.api.ListCall(params); err != nil {
		return twilioErr("health check", err)
	}
	return nil
}

func (p *TwilioProvider) FetchCall(ctx context.Context, callSid string) (Call, error) {
	if err := ctx.Err(); err != nil {
		return Call{}, err
	}
	res, err := p.api.FetchCall(callSid, &openapi.FetchCallParams{})
	if err != nil {
		return Call{}, twilioErr("fetch call", err)
	}
	return decodeCall(res)
}

func (p *TwilioProvider) ListEvents(ctx context.Context, callSid string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := p.api.ListCallEvent(callSid, &openapi.ListCallEventParams{})
	if err != nil {
		return nil, twilioErr("list events", err)
	}
	out := []Event{}
	if err := roundTrip(res, &out); err != nil {
		return nil, fmt.Errorf("telephony: decode events: %w", err)
	}
	return out, nil
}

func (p *TwilioProvider) ListRecordings(ctx context.Context, callSid string) ([]Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := p.api.ListCallRecording(callSid, &openapi.ListCallRecordingParams{})
	if err != nil {
		return nil, twilioErr("list recordings", err)
	}
	var raw []twilioRecording
	if err := roundTrip(res, &raw); err != nil {
		return nil, fmt.Errorf("telephony: decode recordings: %w", err)
	}
	out := make([]Recording, 0, len(raw))
	for _, r := range raw {
		out = append(out, Recording{
			Sid:         string(r.Sid),
			URI:         string(r.URI),
			Duration:    string(r.Duration),
			Status:      string(r.Status),
			DateCreated: parseProviderTime(string(r.DateCreated)),
		})
	}
	return out, nil
}

func (p *TwilioProvider) ListChildCalls(ctx context.Context, parentCallSid string) ([]Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := &openapi.ListCallParams{}
	params.SetParentCallSid(parentCallSid)
	res, err := p.api.ListCall(params)
	if err != nil {
		return nil, twilioErr("list child calls", err)
	}
	out := make([]Call, 0, len(res))
	for i := range res {
		c, err := decodeCall(&res[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *TwilioProvider) CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResult, error) {
	if err := ctx.Err(); err != nil {
		return CreateCallResult{}, err
	}
	if req.To == "" || req.From == "" {
		return CreateCallResult{}, errors.New("telephony: from and to are required")
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	if req.ApplicationSid != "" {
		params.SetApplicationSid(req.ApplicationSid)
	} else {
		params.SetUrl(req.TwiMLURL)
	}
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent(req.StatusCallbackEvents)
	}
	if req.Record {
		params.SetRecord(true)
		if req.RecordingCallbackURL != "" {
			params.SetRecordingStatusCallback(req.RecordingCallbackURL)
			params.SetRecordingStatusCallbackMethod(http.MethodPost)
			params.SetRecordingStatusCallbackEvent(req.RecordingCallbackEvents)
		}
	}

	res, err := p.api.CreateCall(params)
	if err != nil {
		return CreateCallResult{}, twilioErr("create call", err)
	}
	c, err := decodeCall(res)
	if err != nil {
		return CreateCallResult{}, err
	}
	return CreateCallResult{Sid: c.Sid, Status: c.Status}, nil
}

func twilioErr(op string, err error) error {
	var re *twclient.TwilioRestError
	if errors.As(err, &re) && re.Status == http.StatusNotFound {
		return fmt.Errorf("telephony: %s: %w", op, ErrCallNotFound)
	}
	return fmt.Errorf("telephony: %s: %w", op, err)
}

// flexString decodes a JSON string, number or null into a string.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, string(b) == "null":
		*s = ""
	case b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
	case b[0] == '{', b[0] == '[':
		*s = ""
	default:
		*s = flexString(b)
	}
	return nil
}

type twilioCall struct {
	Sid           flexString `json:"sid"`
	ParentCallSid flexString `json:"parent_call_sid"`
	From          flexString `json:"from"`
	To            flexString `json:"to"`
	Status        flexString `json:"status"`
	Duration      flexString `json:"duration"`
	StartTime     flexString `json:"start_time"`
	EndTime       flexString `json:"end_time"`
	DateCreated   flexString `json:"date_created"`
	Direction     flexString `json:"direction"`
	Price         flexString `json:"price"`
	PriceUnit     flexString `json:"price_unit"`
}

type twilioRecording struct {
	Sid         flexString `json:"sid"`
	URI         flexString `json:"uri"`
	Duration    flexString `json:"duration"`
	Status      flexString `json:"status"`
	DateCreated flexString `json:"date_created"`
}

func decodeCall(v any) (Call, error) {
	var raw twilioCall
	if err := roundTrip(v, &raw); err != nil {
		return Call{}, fmt.Errorf("telephony: decode call: %w", err)
	}
	return Call{
		Sid:           string(raw.Sid),
		ParentCallSid: string(raw.ParentCallSid),
		From:          normalizePhone(string(raw.From)),
		To:            normalizePhone(string(raw.To)),
		Status:        string(raw.Status),
		Duration:      string(raw.Duration),
		StartTime:     parseProviderTime(string(raw.StartTime)),
		EndTime:       parseProviderTime(string(raw.EndTime)),
		DateCreated:   parseProviderTime(string(raw.DateCreated)),
		Direction:     string(raw.Direction),
		Price:         parsePrice(string(raw.Price)),
		PriceUnit:     string(raw.PriceUnit),
	}, nil
}

func roundTrip(in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// parsePrice keeps "not billed" (absent) distinct from a billed zero.
func parsePrice(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

var providerTimeLayouts = []string{time.RFC1123Z, time.RFC1123, time.RFC3339}

func parseProviderTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range providerTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
