package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"calltrail/internal/calllog"
	"calltrail/internal/telephony"
)

// Summary is everything the provider knows about a finished call.
type Summary struct {
	Call       telephony.Call
	Events     []telephony.Event
	Recordings []telephony.Recording
	ChildCalls []telephony.Call
}

// FetchSummary gathers the call record, event trace, recordings and child legs.
func FetchSummary(ctx context.Context, p telephony.Provider, callSid string) (Summary, error) {
	call, err := p.FetchCall(ctx, callSid)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch call: %w", err)
	}
	events, err := p.ListEvents(ctx, callSid)
	if err != nil {
		return Summary{}, fmt.Errorf("list events: %w", err)
	}
	recordings, err := p.ListRecordings(ctx, callSid)
	if err != nil {
		return Summary{}, fmt.Errorf("list recordings: %w", err)
	}
	children, err := p.ListChildCalls(ctx, callSid)
	if err != nil {
		return Summary{}, fmt.Errorf("list child calls: %w", err)
	}
	return Summary{Call: call, Events: events, Recordings: recordings, ChildCalls: children}, nil
}

// BackfillTo returns the dialed number from the first traced request.
func (s Summary) BackfillTo() string {
	if len(s.Events) == 0 {
		return ""
	}
	return s.Events[0].Param("to")
}

// DebugInfo normalizes the summary into the stored debug shape.
func (s Summary) DebugInfo(callSid string) (calllog.DebugInfo, error) {
	recordings, err := marshalList(s.Recordings)
	if err != nil {
		return calllog.DebugInfo{}, err
	}
	events, err := marshalList(s.Events)
	if err != nil {
		return calllog.DebugInfo{}, err
	}
	children, err := marshalList(s.ChildCalls)
	if err != nil {
		return calllog.DebugInfo{}, err
	}

	d := calllog.DebugInfo{
		CallSid:     callSid,
		PriceUnit:   s.Call.PriceUnit,
		Direction:   s.Call.Direction,
		DateCreated: calllog.TimeOf(s.Call.DateCreated),
		Recordings:  recordings,
		Events:      events,
		ChildCalls:  children,
	}
	if s.Call.Price != nil {
		p := *s.Call.Price
		d.Price = &p
	}
	return d, nil
}

// marshalList encodes nil slices as [] so stored columns are never JSON null.
func marshalList[T any](v []T) (json.RawMessage, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("reconcile: encode debug info: %w", err)
	}
	return b, nil
}
