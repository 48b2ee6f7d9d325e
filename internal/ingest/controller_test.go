package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"calltrail/internal/calllog"
	"calltrail/internal/calls"
	"calltrail/internal/presence"
	"calltrail/internal/reconcile"
	"calltrail/internal/telephony"

	"github.com/juju/clock/testclock"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	presence *presence.MemoryStore
	repo     *calllog.MemoryRepo
	provider *telephony.MemoryProvider
	queue    *reconcile.MemoryQueue
	logs     *bytes.Buffer
	ctrl     *Controller
}

func newFixture() *fixture {
	clk := testclock.NewClock(t0)
	f := &fixture{
		presence: presence.NewMemoryStore(),
		repo:     calllog.NewMemoryRepo(clk),
		provider: telephony.NewMemoryProvider(),
		queue:    reconcile.NewMemoryQueue(8),
		logs:     &bytes.Buffer{},
	}
	f.ctrl = &Controller{
		Presence: f.presence,
		Log:      f.repo,
		Provider: f.provider,
		Queue:    f.queue,
		Clock:    clk,
		Logger:   slog.New(slog.NewTextHandler(f.logs, nil)),
	}
	return f
}

func (f *fixture) rows(t *testing.T, sid string) int {
	t.Helper()
	n, err := f.repo.CountRows(context.Background(), sid)
	if err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func (f *fixture) nextJob(t *testing.T) reconcile.Request {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected queued job: %v", err)
	}
	return r
}

func statusEvent(sid string, st calls.Status) telephony.CallStatusEvent {
	return telephony.CallStatusEvent{CallSid: sid, Status: st, From: "+15550000", To: "+15550001"}
}

func TestHandleCallStatus_PlacedCallLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	start := t0.Add(-time.Minute)
	end := t0
	f.provider.PutCall(telephony.Call{
		Sid: "CA1", From: "+15550000", To: "+15550001", Status: "completed",
		Duration: "42", StartTime: &start, EndTime: &end, Direction: "outbound-api",
	})
	if err := f.presence.SetOwner(ctx, "CA1", "u1"); err != nil {
		t.Fatalf("set owner: %v", err)
	}

	f.ctrl.HandleCallStatus(ctx, statusEvent("CA1", calls.StatusRinging))

	live, ok := f.presence.Live("u1", "CA1")
	if !ok || live.Status != calls.StatusRinging || live.ToNumber != "+15550001" {
		t.Fatalf("unexpected live view %+v ok=%v", live, ok)
	}
	if f.rows(t, "CA1") != 0 {
		t.Fatalf("ringing must not write the call log")
	}

	f.ctrl.HandleCallStatus(ctx, statusEvent("CA1", calls.StatusCompleted))

	if f.rows(t, "CA1") != 1 {
		t.Fatalf("expected one terminal row")
	}
	a, err := f.repo.Latest(ctx, "CA1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if a.Status != calls.StatusCompleted || a.Duration != 42 || a.UserID != "u1" || a.Direction != "outbound-api" {
		t.Fatalf("unexpected row %+v", a)
	}
	if a.StartTime == nil || !a.StartTime.Equal(start) {
		t.Fatalf("expected provider start time, got %v", a.StartTime)
	}
	if _, ok := f.presence.Live("u1", "CA1"); ok {
		t.Fatalf("expected live view removed")
	}
	if _, ok, _ := f.presence.Owner(ctx, "CA1"); ok {
		t.Fatalf("expected ownership removed")
	}
	if job := f.nextJob(t); job.CallSid != "CA1" || job.OwnerID != "u1" || !job.EnqueuedAt.Equal(t0) {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestHandleCallStatus_TransientStatusesOnlyTouchPresence(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_ = f.presence.SetOwner(ctx, "CA1", "u1")

	var changes []presence.Change
	unsub, err := f.presence.Subscribe(ctx, "u1", func(c presence.Change) { changes = append(changes, c) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	for _, st := range []calls.Status{calls.StatusInitiated, calls.StatusRinging, calls.StatusInProgress} {
		f.ctrl.HandleCallStatus(ctx, statusEvent("CA1", st))
	}

	if f.rows(t, "CA1") != 0 {
		t.Fatalf("expected zero inserts")
	}
	if f.queue.Len() != 0 {
		t.Fatalf("expected no reconciliation jobs")
	}
	if f.provider.FetchCount("CA1") != 0 {
		t.Fatalf("expected no provider fetches")
	}
	if len(changes) != 3 || changes[0].Kind != presence.ChangeAdded || changes[2].Kind != presence.ChangeChanged {
		t.Fatalf("unexpected changes %+v", changes)
	}
}

func TestHandleCallStatus_UnknownOwnerDegrades(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.provider.PutCall(telephony.Call{Sid: "CA9", Duration: "7", Status: "completed"})

	f.ctrl.HandleCallStatus(ctx, statusEvent("CA9", calls.StatusRinging))
	if _, ok := f.presence.Live(calls.UnknownOwner, "CA9"); !ok {
		t.Fatalf("expected live view under the unknown owner")
	}

	f.ctrl.HandleCallStatus(ctx, statusEvent("CA9", calls.StatusCompleted))

	a, err := f.repo.Latest(ctx, "CA9")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if a.UserID != "" || a.Duration != 7 {
		t.Fatalf("unexpected row %+v", a)
	}
	if _, ok := f.presence.Live(calls.UnknownOwner, "CA9"); ok {
		t.Fatalf("expected unknown live view removed")
	}
	if job := f.nextJob(t); job.OwnerID != calls.UnknownOwner {
		t.Fatalf("expected unknown owner job, got %+v", job)
	}
}

func TestHandleCallStatus_ResolvesOwnerThroughParent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_ = f.presence.SetOwner(ctx, "CAparent", "u2")

	ev := statusEvent("CAchild", calls.StatusRinging)
	ev.ParentCallSid = "CAparent"
	f.ctrl.HandleCallStatus(ctx, ev)

	if _, ok := f.presence.Live("u2", "CAchild"); !ok {
		t.Fatalf("expected child leg attributed to the parent's owner")
	}
}

func TestHandleCallStatus_ResolvesOwnerThroughFetchedParent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_ = f.presence.SetOwner(ctx, "CAparent", "u3")
	f.provider.PutCall(telephony.Call{Sid: "CAchild", ParentCallSid: "CAparent", Status: "completed", Duration: "3"})

	f.ctrl.HandleCallStatus(ctx, statusEvent("CAchild", calls.StatusCompleted))

	a, err := f.repo.Latest(ctx, "CAchild")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if a.UserID != "u3" {
		t.Fatalf("expected owner from fetched parent, got %q", a.UserID)
	}
	if _, ok := f.presence.Live(calls.UnknownOwner, "CAchild"); ok {
		t.Fatalf("expected the unknown live view removed")
	}
	if job := f.nextJob(t); job.OwnerID != "u3" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestHandleCallStatus_ProviderFailureUsesWebhookFields(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.provider.FailWith = errors.New("provider down")

	ev := statusEvent("CA1", calls.StatusBusy)
	ev.Duration = "not-a-number"
	f.ctrl.HandleCallStatus(ctx, ev)

	a, err := f.repo.Latest(ctx, "CA1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if a.Status != calls.StatusBusy || a.Duration != 0 || a.FromNumber != "+15550000" {
		t.Fatalf("unexpected row %+v", a)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("expected reconciliation still scheduled")
	}
}

func TestHandleCallStatus_StoreFailureIsSwallowed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_ = f.presence.SetOwner(ctx, "CA1", "u1")
	f.provider.PutCall(telephony.Call{Sid: "CA1", Status: "completed"})
	f.repo.FailWith = errors.New("connection refused")

	f.ctrl.HandleCallStatus(ctx, statusEvent("CA1", calls.StatusCompleted))

	if !strings.Contains(f.logs.String(), "call log insert failed") {
		t.Fatalf("expected store failure logged, got %s", f.logs.String())
	}
	if _, ok, _ := f.presence.Owner(ctx, "CA1"); ok {
		t.Fatalf("expected ownership removed despite store failure")
	}
	if f.queue.Len() != 1 {
		t.Fatalf("expected reconciliation scheduled despite store failure")
	}
}

func TestHandleCallStatus_PresenceFailureStillLogsCall(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.provider.PutCall(telephony.Call{Sid: "CA1", Status: "completed", Duration: "5"})
	f.presence.FailWith = errors.New("redis down")

	f.ctrl.HandleCallStatus(ctx, statusEvent("CA1", calls.StatusCompleted))

	if f.rows(t, "CA1") != 1 {
		t.Fatalf("expected call logged without presence")
	}
	if job := f.nextJob(t); job.OwnerID != calls.UnknownOwner {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestHandleCallStatus_DuplicateTerminalAppends(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.provider.PutCall(telephony.Call{Sid: "CA1", Status: "completed", Duration: "10"})

	f.ctrl.HandleCallStatus(ctx, statusEvent("CA1", calls.StatusCompleted))
	f.ctrl.HandleCallStatus(ctx, statusEvent("CA1", calls.StatusCompleted))

	if f.rows(t, "CA1") != 2 {
		t.Fatalf("expected one row per terminal webhook")
	}
	if f.queue.Len() != 2 {
		t.Fatalf("expected one job per terminal webhook")
	}
	got, err := f.repo.Query(ctx, "", calllog.Filter{Limit: 10, Page: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected duplicates to collapse, got %d", len(got))
	}
}

func TestHandleCallStatus_QueueFullIsLogged(t *testing.T) {
	f := newFixture()
	f.queue = reconcile.NewMemoryQueue(1)
	f.ctrl.Queue = f.queue
	ctx := context.Background()
	_ = f.queue.Enqueue(ctx, reconcile.Request{CallSid: "CAx"})
	f.provider.PutCall(telephony.Call{Sid: "CA1", Status: "completed"})

	f.ctrl.HandleCallStatus(ctx, statusEvent("CA1", calls.StatusCompleted))

	if f.rows(t, "CA1") != 1 {
		t.Fatalf("expected call logged")
	}
	if !strings.Contains(f.logs.String(), "reconciliation enqueue failed") {
		t.Fatalf("expected enqueue failure logged")
	}
}

func TestHandleRecording(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.ctrl.HandleRecording(ctx, telephony.RecordingEvent{CallSid: "CA1", RecordingSid: "RE1", Status: "in-progress"})
	if f.rows(t, "CA1") != 0 {
		t.Fatalf("expected in-progress recording ignored")
	}

	f.ctrl.HandleRecording(ctx, telephony.RecordingEvent{
		CallSid: "CA1", RecordingSid: "RE1", RecordingURL: "https://api.twilio.com/rec/RE1", Status: "completed",
	})
	a, err := f.repo.Latest(ctx, "CA1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if a.RecordingSid != "RE1" || a.RecordingURL != "https://api.twilio.com/rec/RE1" {
		t.Fatalf("unexpected recording columns %+v", a)
	}
}
