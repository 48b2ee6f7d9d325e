package telephony

import (
	"context"
	"fmt"
	"sync"
)

// MemoryProvider is a scripted in-memory Provider useful for tests.
// It is not intended for production use.
type MemoryProvider struct {
	mu sync.Mutex

	calls      map[string]Call
	events     map[string][]Event
	recordings map[string][]Recording
	fetches    map[string]int
	created    []CreateCallRequest
	nextSid    int

	// FetchCallFunc, when set, replaces the stored record lookup. n is the
	// 1-based number of FetchCall invocations for callSid.
	FetchCallFunc func(callSid string, n int) (Call, error)

	// FailWith, when set, is returned by every call.
	FailWith error
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		calls:      map[string]Call{},
		events:     map[string][]Event{},
		recordings: map[string][]Recording{},
		fetches:    map[string]int{},
	}
}

func (p *MemoryProvider) Name() string { return "memory" }

func (p *MemoryProvider) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.FailWith
}

// PutCall stores or replaces a call record.
func (p *MemoryProvider) PutCall(c Call) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[c.Sid] = c
}

func (p *MemoryProvider) PutEvents(callSid string, evs []Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[callSid] = evs
}

func (p *MemoryProvider) PutRecordings(callSid string, recs []Recording) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordings[callSid] = recs
}

func (p *MemoryProvider) FetchCall(ctx context.Context, callSid string) (Call, error) {
	p.mu.Lock()
	if p.FailWith != nil {
		p.mu.Unlock()
		return Call{}, p.FailWith
	}
	p.fetches[callSid]++
	n := p.fetches[callSid]
	fn := p.FetchCallFunc
	c, ok := p.calls[callSid]
	p.mu.Unlock()

	if fn != nil {
		return fn(callSid, n)
	}
	if !ok {
		return Call{}, fmt.Errorf("telephony: fetch call: %w", ErrCallNotFound)
	}
	return c, nil
}

func (p *MemoryProvider) ListEvents(ctx context.Context, callSid string) ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailWith != nil {
		return nil, p.FailWith
	}
	return append([]Event{}, p.events[callSid]...), nil
}

func (p *MemoryProvider) ListRecordings(ctx context.Context, callSid string) ([]Recording, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailWith != nil {
		return nil, p.FailWith
	}
	return append([]Recording{}, p.recordings[callSid]...), nil
}

func (p *MemoryProvider) ListChildCalls(ctx context.Context, parentCallSid string) ([]Call, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailWith != nil {
		return nil, p.FailWith
	}
	out := []Call{}
	for _, c := range p.calls {
		if c.ParentCallSid == parentCallSid {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *MemoryProvider) CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailWith != nil {
		return CreateCallResult{}, p.FailWith
	}
	p.nextSid++
	sid := fmt.Sprintf("CA%d", p.nextSid)
	p.created = append(p.created, req)
	p.calls[sid] = Call{Sid: sid, From: req.From, To: req.To, Status: "queued", Direction: "outbound-api"}
	return CreateCallResult{Sid: sid, Status: "queued"}, nil
}

// FetchCount reports how many times FetchCall ran for callSid.
func (p *MemoryProvider) FetchCount(callSid string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches[callSid]
}

// Created returns every CreateCall request received.
func (p *MemoryProvider) Created() []CreateCallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CreateCallRequest{}, p.created...)
}
