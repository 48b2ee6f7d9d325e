package audit

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func TestService_AppendRequiresCallAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)

	if err := svc.Append(context.Background(), Event{Type: EventTypeSucceeded}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{CallSid: "CA1"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := NewMemoryRepo()
	svc := NewService(repo, testclock.NewClock(now))
	ctx := context.Background()

	if err := svc.LogRequested(ctx, "CA1", "u1", "terminal webhook"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogOutcome(ctx, "CA1", "u1", false, 5, "price never billed", ""); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogOutcome(ctx, "CA2", "u1", true, 1, "billed", `{"price":0}`); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs, err := svc.History(ctx, "CA1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Type != EventTypeRequested || evs[1].Type != EventTypeGaveUp {
		t.Fatalf("unexpected types %q %q", evs[0].Type, evs[1].Type)
	}
	if evs[1].Attempts != 5 || evs[1].ID == "" || !evs[1].CreatedAt.Equal(now) {
		t.Fatalf("unexpected event %+v", evs[1])
	}
	if len(repo.Events()) != 3 {
		t.Fatalf("expected 3 events total")
	}
}
