package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store useful for tests and single-node runs.
type MemoryStore struct {
	mu     sync.Mutex
	owners map[string]string
	live   map[string]map[string]LiveCall
	subs   map[string]map[int]func(Change)
	nextID int

	// FailWith, when set, is returned by every call.
	FailWith error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners: map[string]string{},
		live:   map[string]map[string]LiveCall{},
		subs:   map[string]map[int]func(Change){},
	}
}

func (s *MemoryStore) SetOwner(ctx context.Context, callSid, userID string) error {
	if callSid == "" || userID == "" {
		return errors.New("presence: call_sid and user_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.owners[callSid] = userID
	return nil
}

func (s *MemoryStore) Owner(ctx context.Context, callSid string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return "", false, s.FailWith
	}
	u, ok := s.owners[callSid]
	return u, ok, nil
}

func (s *MemoryStore) ClearOwner(ctx context.Context, callSid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	delete(s.owners, callSid)
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, ownerID, callSid string, v LiveCall) error {
	s.mu.Lock()
	if s.FailWith != nil {
		s.mu.Unlock()
		return s.FailWith
	}
	entries := s.live[ownerID]
	if entries == nil {
		entries = map[string]LiveCall{}
		s.live[ownerID] = entries
	}
	kind := ChangeChanged
	if _, exists := entries[callSid]; !exists {
		kind = ChangeAdded
	}
	entries[callSid] = v
	fns := s.subscribersLocked(ownerID)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(Change{Kind: kind, CallSid: callSid, Call: &v})
	}
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, ownerID, callSid string) error {
	s.mu.Lock()
	if s.FailWith != nil {
		s.mu.Unlock()
		return s.FailWith
	}
	entries := s.live[ownerID]
	if _, exists := entries[callSid]; !exists {
		s.mu.Unlock()
		return nil
	}
	delete(entries, callSid)
	fns := s.subscribersLocked(ownerID)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(Change{Kind: ChangeRemoved, CallSid: callSid})
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, ownerID string, fn func(Change)) (func(), error) {
	s.mu.Lock()
	if s.FailWith != nil {
		s.mu.Unlock()
		return nil, s.FailWith
	}
	id := s.nextID
	s.nextID++
	if s.subs[ownerID] == nil {
		s.subs[ownerID] = map[int]func(Change){}
	}
	s.subs[ownerID][id] = fn

	sids := make([]string, 0, len(s.live[ownerID]))
	for sid := range s.live[ownerID] {
		sids = append(sids, sid)
	}
	sort.Strings(sids)
	snapshot := make([]Change, 0, len(sids))
	for _, sid := range sids {
		v := s.live[ownerID][sid]
		snapshot = append(snapshot, Change{Kind: ChangeAdded, CallSid: sid, Call: &v})
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		fn(c)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[ownerID], id)
			s.mu.Unlock()
		})
	}, nil
}

// Live returns the live view entry for an owner, if any.
func (s *MemoryStore) Live(ownerID, callSid string) (LiveCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.live[ownerID][callSid]
	return v, ok
}

func (s *MemoryStore) subscribersLocked(ownerID string) []func(Change) {
	ids := make([]int, 0, len(s.subs[ownerID]))
	for id := range s.subs[ownerID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subs[ownerID][id])
	}
	return out
}
