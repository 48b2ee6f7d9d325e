package reconcile

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"calltrail/internal/audit"
	"calltrail/internal/calllog"
	"calltrail/internal/calls"
	"calltrail/internal/telephony"

	"github.com/juju/clock/testclock"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

const waitTimeout = 5 * time.Second

// syncBuffer guards log output written from the worker goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	clk      *testclock.Clock
	provider *telephony.MemoryProvider
	repo     *calllog.MemoryRepo
	journal  *audit.MemoryRepo
	logs     *syncBuffer
	worker   *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testclock.NewClock(t0)
	f := &fixture{
		clk:      clk,
		provider: telephony.NewMemoryProvider(),
		repo:     calllog.NewMemoryRepo(clk),
		journal:  audit.NewMemoryRepo(),
		logs:     &syncBuffer{},
	}
	f.worker = &Worker{
		Provider: f.provider,
		Log:      f.repo,
		Debug:    f.repo,
		Journal:  audit.NewService(f.journal, clk),
		Clock:    clk,
		Grace:    10 * time.Second,
		Delay:    5 * time.Second,
		Attempts: 5,
		Logger:   slog.New(slog.NewTextHandler(f.logs, nil)),
	}
	return f
}

func (f *fixture) seedRow(t *testing.T, sid, to string) {
	t.Helper()
	err := f.repo.Insert(context.Background(), calllog.Row{
		CallSid:    sid,
		FromNumber: calllog.Text("+15550000"),
		ToNumber:   calllog.Text(to),
		Status:     calllog.StatusOf(calls.StatusCompleted),
		Duration:   calllog.Seconds(30),
		UserID:     calllog.Text("u1"),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *fixture) start(ctx context.Context, req Request) <-chan Outcome {
	done := make(chan Outcome, 1)
	go func() { done <- f.worker.Reconcile(ctx, req) }()
	return done
}

func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	if err := f.clk.WaitAdvance(d, waitTimeout, 1); err != nil {
		t.Fatalf("advance %s: %v", d, err)
	}
}

func waitOutcome(t *testing.T, done <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(waitTimeout):
		t.Fatalf("reconcile did not finish")
		return Outcome{}
	}
}

func priced(v float64) *float64 { return &v }

func TestReconcile_StoresDebugInfoOnceBilled(t *testing.T) {
	f := newFixture(t)
	f.seedRow(t, "CA1", "+15550001")
	f.provider.FetchCallFunc = func(sid string, n int) (telephony.Call, error) {
		c := telephony.Call{Sid: sid, To: "+15550001", Status: "completed", Direction: "outbound-api"}
		if n >= 4 {
			c.Price = priced(-0.0125)
			c.PriceUnit = "USD"
		}
		return c, nil
	}

	done := f.start(context.Background(), Request{CallSid: "CA1", OwnerID: "u1"})
	f.advance(t, 10*time.Second)
	for i := 0; i < 3; i++ {
		f.advance(t, 5*time.Second)
	}
	out := waitOutcome(t, done)

	if out.State != StateSucceeded || out.Attempts != 4 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.provider.FetchCount("CA1") != 4 {
		t.Fatalf("expected 4 fetches, got %d", f.provider.FetchCount("CA1"))
	}
	if f.repo.DebugRows() != 1 {
		t.Fatalf("expected exactly one debug row, got %d", f.repo.DebugRows())
	}
	d, err := f.repo.DebugInfo(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("debug info: %v", err)
	}
	if d.Price == nil || *d.Price != -0.0125 || d.PriceUnit != "USD" {
		t.Fatalf("unexpected debug info %+v", d)
	}
	if string(d.Events) != "[]" || string(d.ChildCalls) != "[]" {
		t.Fatalf("expected empty lists, got events=%s children=%s", d.Events, d.ChildCalls)
	}
	if n := strings.Count(f.logs.String(), "price not yet available"); n != 3 {
		t.Fatalf("expected 3 retry warnings, got %d", n)
	}

	events := f.journal.Events()
	if len(events) != 1 || events[0].Type != audit.EventTypeSucceeded || events[0].Attempts != 4 {
		t.Fatalf("unexpected journal %+v", events)
	}
}

func TestReconcile_ZeroPriceIsBilled(t *testing.T) {
	f := newFixture(t)
	f.seedRow(t, "CA1", "+15550001")
	f.provider.PutCall(telephony.Call{Sid: "CA1", To: "+15550001", Status: "completed", Price: priced(0), PriceUnit: "USD"})

	done := f.start(context.Background(), Request{CallSid: "CA1", OwnerID: "u1"})
	f.advance(t, 10*time.Second)
	out := waitOutcome(t, done)

	if out.State != StateSucceeded || out.Attempts != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	d, err := f.repo.DebugInfo(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("debug info: %v", err)
	}
	if d.Price == nil || *d.Price != 0 {
		t.Fatalf("expected stored zero price, got %v", d.Price)
	}
}

func TestReconcile_GivesUpWithoutPrice(t *testing.T) {
	f := newFixture(t)
	f.seedRow(t, "CA1", "+15550001")
	f.provider.PutCall(telephony.Call{Sid: "CA1", To: "+15550001", Status: "completed"})

	done := f.start(context.Background(), Request{CallSid: "CA1", OwnerID: "u1"})
	f.advance(t, 10*time.Second)
	for i := 0; i < 4; i++ {
		f.advance(t, 5*time.Second)
	}
	out := waitOutcome(t, done)

	if out.State != StateGaveUp || out.Attempts != 5 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !errors.Is(out.Err, errNotBilled) {
		t.Fatalf("expected not billed as last error, got %v", out.Err)
	}
	if f.repo.DebugRows() != 0 {
		t.Fatalf("expected no debug row")
	}
	if !strings.Contains(f.logs.String(), "reconciliation gave up") {
		t.Fatalf("expected gave up log, got %s", f.logs.String())
	}
	events := f.journal.Events()
	if len(events) != 1 || events[0].Type != audit.EventTypeGaveUp {
		t.Fatalf("unexpected journal %+v", events)
	}
}

func TestReconcile_ProviderErrorConsumesAttempt(t *testing.T) {
	f := newFixture(t)
	f.seedRow(t, "CA1", "+15550001")
	f.provider.FetchCallFunc = func(sid string, n int) (telephony.Call, error) {
		if n == 1 {
			return telephony.Call{}, errors.New("503 from provider")
		}
		return telephony.Call{Sid: sid, Price: priced(0.02), PriceUnit: "USD"}, nil
	}

	done := f.start(context.Background(), Request{CallSid: "CA1", OwnerID: "u1"})
	f.advance(t, 10*time.Second)
	f.advance(t, 5*time.Second)
	out := waitOutcome(t, done)

	if out.State != StateSucceeded || out.Attempts != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !strings.Contains(f.logs.String(), "reconcile attempt failed") {
		t.Fatalf("expected attempt failure log")
	}
}

func TestReconcile_StoreErrorConsumesAttempt(t *testing.T) {
	f := newFixture(t)
	f.seedRow(t, "CA1", "+15550001")
	f.provider.PutCall(telephony.Call{Sid: "CA1", Price: priced(0.02)})
	f.worker.Attempts = 2
	f.repo.FailWith = errors.New("connection reset")

	done := f.start(context.Background(), Request{CallSid: "CA1", OwnerID: "u1"})
	f.advance(t, 10*time.Second)
	f.advance(t, 5*time.Second)
	out := waitOutcome(t, done)

	if out.State != StateGaveUp || !calllog.IsStoreError(out.Err) {
		t.Fatalf("expected gave up on store error, got %+v", out)
	}
}

func TestReconcile_BackfillsMissingToNumber(t *testing.T) {
	f := newFixture(t)
	f.seedRow(t, "CA1", "")
	f.provider.PutCall(telephony.Call{Sid: "CA1", Status: "completed", Price: priced(0.01)})
	f.provider.PutEvents("CA1", []telephony.Event{{
		Request: telephony.EventRequest{
			URL:        "https://calls.example.com/twilio/events",
			Method:     "POST",
			Parameters: map[string]any{"to": "+15550002", "call_status": "ringing"},
		},
	}})

	done := f.start(context.Background(), Request{CallSid: "CA1", OwnerID: "u1"})
	f.advance(t, 10*time.Second)
	if out := waitOutcome(t, done); out.State != StateSucceeded {
		t.Fatalf("unexpected outcome %+v", out)
	}

	a, err := f.repo.Latest(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if a.ToNumber != "+15550002" {
		t.Fatalf("expected backfilled to number, got %q", a.ToNumber)
	}
	if a.FromNumber != "+15550000" || a.Duration != 30 {
		t.Fatalf("backfill must not touch other columns: %+v", a)
	}
	if n, _ := f.repo.CountRows(context.Background(), "CA1"); n != 2 {
		t.Fatalf("expected one backfill append, got %d rows", n)
	}
}

func TestReconcile_BackfillsOnlyOnce(t *testing.T) {
	f := newFixture(t)
	f.seedRow(t, "CA1", "")
	f.provider.FetchCallFunc = func(sid string, n int) (telephony.Call, error) {
		c := telephony.Call{Sid: sid}
		if n == 3 {
			c.Price = priced(0.01)
		}
		return c, nil
	}
	f.provider.PutEvents("CA1", []telephony.Event{{
		Request: telephony.EventRequest{Parameters: map[string]any{"to": "+15550002"}},
	}})

	done := f.start(context.Background(), Request{CallSid: "CA1", OwnerID: "u1"})
	f.advance(t, 10*time.Second)
	f.advance(t, 5*time.Second)
	f.advance(t, 5*time.Second)
	waitOutcome(t, done)

	if n, _ := f.repo.CountRows(context.Background(), "CA1"); n != 2 {
		t.Fatalf("expected a single backfill row, got %d rows", n)
	}
}

func TestReconcile_BackfillFallsBackToProviderRecordWithoutLoggedRow(t *testing.T) {
	f := newFixture(t)
	f.provider.PutCall(telephony.Call{Sid: "CA1", Status: "completed", Price: priced(0.01)})
	f.provider.PutEvents("CA1", []telephony.Event{{
		Request: telephony.EventRequest{Parameters: map[string]any{"to": "+15550002"}},
	}})

	done := f.start(context.Background(), Request{CallSid: "CA1", OwnerID: "u1"})
	f.advance(t, 10*time.Second)
	if out := waitOutcome(t, done); out.State != StateSucceeded {
		t.Fatalf("unexpected outcome %+v", out)
	}

	a, err := f.repo.Latest(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("expected a backfill row, got %v", err)
	}
	if a.ToNumber != "+15550002" {
		t.Fatalf("expected backfilled to number, got %q", a.ToNumber)
	}
}

func TestReconcile_NoBackfillWhenProviderRecordHasTo(t *testing.T) {
	f := newFixture(t)
	f.provider.PutCall(telephony.Call{Sid: "CA1", To: "+15550001", Status: "completed", Price: priced(0.01)})
	f.provider.PutEvents("CA1", []telephony.Event{{
		Request: telephony.EventRequest{Parameters: map[string]any{"to": "+15550009"}},
	}})

	done := f.start(context.Background(), Request{CallSid: "CA1", OwnerID: "u1"})
	f.advance(t, 10*time.Second)
	waitOutcome(t, done)

	if n, _ := f.repo.CountRows(context.Background(), "CA1"); n != 0 {
		t.Fatalf("expected no backfill row, got %d rows", n)
	}
}

func TestReconcile_SkipsBackfillWhenToPresent(t *testing.T) {
	f := newFixture(t)
	f.seedRow(t, "CA1", "+15550001")
	f.provider.PutCall(telephony.Call{Sid: "CA1", Price: priced(0.01)})
	f.provider.PutEvents("CA1", []telephony.Event{{
		Request: telephony.EventRequest{Parameters: map[string]any{"to": "+15550009"}},
	}})

	done := f.start(context.Background(), Request{CallSid: "CA1", OwnerID: "u1"})
	f.advance(t, 10*time.Second)
	waitOutcome(t, done)

	a, _ := f.repo.Latest(context.Background(), "CA1")
	if a.ToNumber != "+15550001" {
		t.Fatalf("expected original to number, got %q", a.ToNumber)
	}
}

func TestReconcile_StopsOnShutdownDuringGrace(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := f.start(ctx, Request{CallSid: "CA1", OwnerID: "u1"})

	if err := f.clk.WaitAdvance(0, waitTimeout, 1); err != nil {
		t.Fatalf("wait for grace timer: %v", err)
	}
	cancel()
	out := waitOutcome(t, done)

	if out.State != StateInterrupted || out.Attempts != 0 || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.provider.FetchCount("CA1") != 0 {
		t.Fatalf("expected no provider calls")
	}
	if events := f.journal.Events(); len(events) != 0 {
		t.Fatalf("interrupted jobs must not be journaled, got %+v", events)
	}
}

func TestReconcile_ShutdownBetweenAttemptsIsNotGivingUp(t *testing.T) {
	f := newFixture(t)
	f.seedRow(t, "CA1", "+15550001")
	f.provider.PutCall(telephony.Call{Sid: "CA1", To: "+15550001", Status: "completed"})

	ctx, cancel := context.WithCancel(context.Background())
	done := f.start(ctx, Request{CallSid: "CA1", OwnerID: "u1"})
	f.advance(t, 10*time.Second)
	if err := f.clk.WaitAdvance(0, waitTimeout, 1); err != nil {
		t.Fatalf("wait for retry timer: %v", err)
	}
	cancel()
	out := waitOutcome(t, done)

	if out.State != StateInterrupted || out.Attempts != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if strings.Contains(f.logs.String(), "reconciliation gave up") {
		t.Fatalf("shutdown must not be logged as giving up")
	}
}
