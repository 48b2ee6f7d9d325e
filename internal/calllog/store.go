package calllog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store is the append-only call log.
//
// Insert never fails on a duplicate call identifier. Reads collapse every row
// for a call so that each column holds the value of its most recent writer.
type Store interface {
	Insert(ctx context.Context, r Row) error
	Latest(ctx context.Context, callSid string) (Attempt, error)
	Query(ctx context.Context, ownerID string, f Filter) ([]Attempt, error)
	CountRows(ctx context.Context, callSid string) (int, error)
}

// DebugStore holds one billing/debug row per call.
type DebugStore interface {
	InsertDebugInfo(ctx context.Context, d DebugInfo) error
	DebugInfo(ctx context.Context, callSid string) (DebugInfo, error)
}

var (
	ErrNotFound        = errors.New("calllog: not found")
	ErrInvalidArgument = errors.New("calllog: invalid argument")
)

// StoreError wraps a failure of the backing store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("calllog: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func validateRow(r Row) error {
	if strings.TrimSpace(r.CallSid) == "" {
		return fmt.Errorf("%w: call_sid required", ErrInvalidArgument)
	}
	if r.Duration != nil && *r.Duration < 0 {
		return fmt.Errorf("%w: duration must be >= 0", ErrInvalidArgument)
	}
	if r.Status != nil && !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, *r.Status)
	}
	return nil
}

func validateDebugInfo(d DebugInfo) error {
	if strings.TrimSpace(d.CallSid) == "" {
		return fmt.Errorf("%w: call_sid required", ErrInvalidArgument)
	}
	if d.Price == nil {
		return fmt.Errorf("%w: price not billed", ErrInvalidArgument)
	}
	return nil
}

// Amend appends an update-style row after checking the call exists and
// belongs to ownerID.
func Amend(ctx context.Context, s Store, ownerID string, r Row) (Attempt, error) {
	cur, err := s.Latest(ctx, r.CallSid)
	if err != nil {
		return Attempt{}, err
	}
	if ownerID != "" && cur.UserID != ownerID {
		return Attempt{}, ErrNotFound
	}
	if err := s.Insert(ctx, r); err != nil {
		return Attempt{}, err
	}
	cur.apply(r)
	return cur, nil
}
