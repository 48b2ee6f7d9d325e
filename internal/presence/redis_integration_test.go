//go:build integration

package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"calltrail/internal/calls"
	"calltrail/pkg/utils"

	"github.com/google/uuid"
)

// Run with: CALLTRAIL_TEST_REDIS_ADDR=localhost:6379 go test -tags integration ./internal/presence/
func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("CALLTRAIL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CALLTRAIL_TEST_REDIS_ADDR not set")
	}
	rdb, err := utils.OpenRedis(context.Background(), utils.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, RedisConfig{OwnershipTTL: time.Minute, LiveTTL: time.Minute}, nil)
}

func nextChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for live view change")
		return Change{}
	}
}

func TestRedisStore_Ownership(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	sid := "CA" + uuid.NewString()

	if _, ok, err := s.Owner(ctx, sid); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := s.SetOwner(ctx, sid, "u1"); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	if u, ok, err := s.Owner(ctx, sid); err != nil || !ok || u != "u1" {
		t.Fatalf("unexpected owner %q ok=%v err=%v", u, ok, err)
	}
	if ttl := s.rdb.PTTL(ctx, ownerKey(sid)).Val(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected ownership ttl, got %s", ttl)
	}
	if err := s.ClearOwner(ctx, sid); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.Owner(ctx, sid); ok {
		t.Fatalf("expected owner cleared")
	}
}

func TestRedisStore_LiveViewScriptsPublishChanges(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	owner := "it-" + uuid.NewString()

	if err := s.Put(ctx, owner, "CA1", LiveCall{Status: calls.StatusRinging, ToNumber: "+15550001"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	changes := make(chan Change, 16)
	unsubscribe, err := s.Subscribe(ctx, owner, func(c Change) { changes <- c })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	c := nextChange(t, changes)
	if c.Kind != ChangeAdded || c.CallSid != "CA1" || c.Call == nil || c.Call.ToNumber != "+15550001" {
		t.Fatalf("expected replayed entry, got %+v", c)
	}

	if err := s.Put(ctx, owner, "CA1", LiveCall{Status: calls.StatusInProgress, ToNumber: "+15550001"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	c = nextChange(t, changes)
	if c.Kind != ChangeChanged || c.Call == nil || c.Call.Status != calls.StatusInProgress {
		t.Fatalf("expected changed entry, got %+v", c)
	}

	if err := s.Put(ctx, owner, "CA2", LiveCall{Status: calls.StatusRinging}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if c = nextChange(t, changes); c.Kind != ChangeAdded || c.CallSid != "CA2" {
		t.Fatalf("expected added entry, got %+v", c)
	}

	if err := s.Remove(ctx, owner, "CA1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	c = nextChange(t, changes)
	if c.Kind != ChangeRemoved || c.CallSid != "CA1" || c.Call != nil {
		t.Fatalf("expected removed entry, got %+v", c)
	}

	// Removing a missing entry publishes nothing.
	if err := s.Remove(ctx, owner, "CA1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ctx, owner, "CA2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if c = nextChange(t, changes); c.Kind != ChangeRemoved || c.CallSid != "CA2" {
		t.Fatalf("expected only the CA2 removal, got %+v", c)
	}

	if ttl := s.rdb.PTTL(ctx, liveKey(owner)).Val(); ttl > 0 {
		t.Fatalf("hash should be gone once empty, ttl %s", ttl)
	}
}
