package calllog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

// MemoryRepo is an in-memory append-only call log useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu    sync.Mutex
	clock clock.Clock
	seq   int64
	rows  []storedRow
	debug map[string]DebugInfo

	// FailWith, when set, is returned (wrapped as a StoreError) by every call.
	FailWith error
}

type storedRow struct {
	Row
	seq       int64
	writtenAt time.Time
}

func NewMemoryRepo(clk clock.Clock) *MemoryRepo {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryRepo{clock: clk, debug: map[string]DebugInfo{}}
}

func (r *MemoryRepo) Insert(ctx context.Context, row Row) error {
	if err := validateRow(row); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return storeErr("insert", r.FailWith)
	}
	r.seq++
	r.rows = append(r.rows, storedRow{Row: row, seq: r.seq, writtenAt: r.clock.Now().UTC()})
	return nil
}

func (r *MemoryRepo) Latest(ctx context.Context, callSid string) (Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return Attempt{}, storeErr("latest", r.FailWith)
	}
	a, ok := r.collapse()[callSid]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) Query(ctx context.Context, ownerID string, f Filter) ([]Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return nil, storeErr("query", r.FailWith)
	}
	var matched []Attempt
	for _, a := range r.collapse() {
		if f.matches(ownerID, a) {
			matched = append(matched, a)
		}
	}
	f.sortAttempts(matched)

	start := f.Offset()
	if start >= len(matched) {
		return []Attempt{}, nil
	}
	end := start + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func (r *MemoryRepo) CountRows(ctx context.Context, callSid string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return 0, storeErr("count", r.FailWith)
	}
	n := 0
	for _, row := range r.rows {
		if row.CallSid == callSid {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) InsertDebugInfo(ctx context.Context, d DebugInfo) error {
	if err := validateDebugInfo(d); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return storeErr("insert debug info", r.FailWith)
	}
	if _, exists := r.debug[d.CallSid]; exists {
		return nil
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.clock.Now().UTC()
	}
	r.debug[d.CallSid] = d
	return nil
}

func (r *MemoryRepo) DebugInfo(ctx context.Context, callSid string) (DebugInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return DebugInfo{}, storeErr("debug info", r.FailWith)
	}
	d, ok := r.debug[callSid]
	if !ok {
		return DebugInfo{}, ErrNotFound
	}
	return d, nil
}

// DebugRows returns the number of persisted debug rows.
func (r *MemoryRepo) DebugRows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.debug)
}

// collapse folds rows in write order. Caller holds r.mu.
func (r *MemoryRepo) collapse() map[string]Attempt {
	ordered := make([]storedRow, len(r.rows))
	copy(ordered, r.rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].writtenAt.Equal(ordered[j].writtenAt) {
			return ordered[i].writtenAt.Before(ordered[j].writtenAt)
		}
		return ordered[i].seq < ordered[j].seq
	})

	out := map[string]Attempt{}
	for _, row := range ordered {
		a := out[row.CallSid]
		a.apply(row.Row)
		a.WrittenAt = row.writtenAt
		out[row.CallSid] = a
	}
	return out
}
