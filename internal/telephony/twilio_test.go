package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCallsAPI struct {
	call     string
	events   string
	created  *openapi.CreateCallParams
	fetchErr error
}

func (f *fakeCallsAPI) FetchCall(sid string, _ *openapi.FetchCallParams) (*openapi.ApiV2010Call, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var c openapi.ApiV2010Call
	if err := json.Unmarshal([]byte(f.call), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (f *fakeCallsAPI) CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error) {
	f.created = params
	var c openapi.ApiV2010Call
	err := json.Unmarshal([]byte(`{"sid":"CA9","status":"queued"}`), &c)
	return &c, err
}

func (f *fakeCallsAPI) ListCall(_ *openapi.ListCallParams) ([]openapi.ApiV2010Call, error) {
	return nil, nil
}

func (f *fakeCallsAPI) ListCallEvent(_ string, _ *openapi.ListCallEventParams) ([]openapi.ApiV2010CallEvent, error) {
	var evs []openapi.ApiV2010CallEvent
	err := json.Unmarshal([]byte(f.events), &evs)
	return evs, err
}

func (f *fakeCallsAPI) ListCallRecording(_ string, _ *openapi.ListCallRecordingParams) ([]openapi.ApiV2010CallRecording, error) {
	return nil, nil
}

func TestDecodeCall_PriceAndDuration(t *testing.T) {
	c, err := decodeCall(map[string]any{
		"sid":        "CA1",
		"to":         " +15550001 ",
		"status":     "completed",
		"duration":   "n/a",
		"price":      nil,
		"start_time": "Tue, 31 Aug 2010 20:36:28 +0000",
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Price != nil {
		t.Fatalf("absent price must stay nil")
	}
	if c.DurationSeconds() != 0 {
		t.Fatalf("non-numeric duration must coerce to 0")
	}
	if c.To != "+15550001" {
		t.Fatalf("unexpected to %q", c.To)
	}
	want := time.Date(2010, 8, 31, 20, 36, 28, 0, time.UTC)
	if c.StartTime == nil || !c.StartTime.Equal(want) {
		t.Fatalf("unexpected start time %v", c.StartTime)
	}

	billed, _ := decodeCall(map[string]any{"sid": "CA2", "price": "0.00000", "duration": 17})
	if billed.Price == nil || *billed.Price != 0 {
		t.Fatalf("zero price must be kept, got %v", billed.Price)
	}
	if billed.DurationSeconds() != 17 {
		t.Fatalf("numeric duration must decode, got %d", billed.DurationSeconds())
	}
}

func TestTwilioProvider_FetchAndEvents(t *testing.T) {
	api := &fakeCallsAPI{
		call:   `{"sid":"CA1","from":"+15550000","to":"","status":"completed","duration":"31","price":"-0.0085","price_unit":"USD"}`,
		events: `[{"request":{"url":"https://example.test/twilio/events","method":"POST","parameters":{"to":"+15550002","call_status":"initiated"}},"response":{"response_code":200}}]`,
	}
	p := &TwilioProvider{api: api}
	ctx := context.Background()

	c, err := p.FetchCall(ctx, "CA1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if c.Price == nil || *c.Price != -0.0085 || c.PriceUnit != "USD" || c.DurationSeconds() != 31 {
		t.Fatalf("unexpected call %+v", c)
	}

	evs, err := p.ListEvents(ctx, "CA1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 1 || evs[0].Param("to") != "+15550002" || evs[0].Request.Method != "POST" {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestTwilioProvider_NotFound(t *testing.T) {
	p := &TwilioProvider{api: &fakeCallsAPI{fetchErr: &twclient.TwilioRestError{Status: 404, Message: "not found"}}}
	if _, err := p.FetchCall(context.Background(), "CA404"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestTwilioProvider_CreateCall(t *testing.T) {
	api := &fakeCallsAPI{}
	p := &TwilioProvider{api: api}

	res, err := p.CreateCall(context.Background(), CreateCallRequest{
		From:                 "+15550000",
		To:                   "+15550001",
		TwiMLURL:             "https://example.test/twilio/voice",
		StatusCallbackURL:    "https://example.test/twilio/events",
		StatusCallbackEvents: []string{"initiated", "ringing", "answered", "completed"},
		Record:               true,
		RecordingCallbackURL: "https://example.test/twilio/recording-events",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Sid != "CA9" || res.Status != "queued" {
		t.Fatalf("unexpected result %+v", res)
	}
	if api.created == nil || api.created.To == nil || *api.created.To != "+15550001" {
		t.Fatalf("expected To to be set")
	}
	if api.created.Record == nil || !*api.created.Record {
		t.Fatalf("expected recording enabled")
	}

	if _, err := p.CreateCall(context.Background(), CreateCallRequest{To: "+1"}); err == nil {
		t.Fatalf("expected error without from")
	}
}
