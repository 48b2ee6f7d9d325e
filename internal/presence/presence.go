package presence

import (
	"context"

	"calltrail/internal/calls"
)

// Presence is advisory and lossy. Nothing durable may depend on an entry
// existing.
//
// Two capabilities live here:
// - Ownership: call_sid -> owning user, read by webhook ingestion.
// - Feed: per-owner live view of in-flight calls, with change notifications.

// LiveCall is the live-view projection of an in-flight call.
type LiveCall struct {
	Status     calls.Status `json:"status"`
	FromNumber string       `json:"from_number"`
	ToNumber   string       `json:"to_number"`
}

type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeChanged ChangeKind = "changed"
	ChangeRemoved ChangeKind = "removed"
)

// Change is one live-view notification. Call is nil for removals.
type Change struct {
	Kind    ChangeKind `json:"event"`
	CallSid string     `json:"callSid"`
	Call    *LiveCall  `json:"call,omitempty"`
}

type Ownership interface {
	SetOwner(ctx context.Context, callSid, userID string) error
	// Owner reports ok=false when no entry exists.
	Owner(ctx context.Context, callSid string) (userID string, ok bool, err error)
	ClearOwner(ctx context.Context, callSid string) error
}

type Feed interface {
	Put(ctx context.Context, ownerID, callSid string, v LiveCall) error
	Remove(ctx context.Context, ownerID, callSid string) error
	// Subscribe replays current entries as ChangeAdded, then streams changes
	// until the returned function is called.
	Subscribe(ctx context.Context, ownerID string, fn func(Change)) (unsubscribe func(), err error)
}

type Store interface {
	Ownership
	Feed
}

func ownerKey(callSid string) string { return "calls:owner:" + callSid }

func liveKey(ownerID string) string { return "calls:live:" + ownerID }

func liveChannel(ownerID string) string { return "calls:live:" + ownerID }
