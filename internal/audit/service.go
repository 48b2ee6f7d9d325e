package audit

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// Repository is the persistence contract for journal events.
//
// It MUST be append-only.
// No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCall(ctx context.Context, callSid string) ([]Event, error)
}

// Service records reconciliation lifecycle events.
//
// Callers should treat journaling as best-effort.
type Service struct {
	repo  Repository
	clock clock.Clock
}

func NewService(repo Repository, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{repo: repo, clock: clk}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallSid == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogRequested records that a job was handed to the queue.
func (s *Service) LogRequested(ctx context.Context, callSid, ownerID, message string) error {
	return s.Append(ctx, Event{
		CallSid: callSid,
		OwnerID: ownerID,
		Type:    EventTypeRequested,
		Message: message,
	})
}

// LogOutcome records a terminal job state.
func (s *Service) LogOutcome(ctx context.Context, callSid, ownerID string, succeeded bool, attempts int, message, metadata string) error {
	t := EventTypeGaveUp
	if succeeded {
		t = EventTypeSucceeded
	}
	return s.Append(ctx, Event{
		CallSid:  callSid,
		OwnerID:  ownerID,
		Type:     t,
		Attempts: attempts,
		Message:  message,
		Metadata: metadata,
	})
}

// History returns every event for a call, oldest first.
func (s *Service) History(ctx context.Context, callSid string) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.ListByCall(ctx, callSid)
}
