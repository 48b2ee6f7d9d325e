package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"calltrail/internal/audit"
	"calltrail/internal/calllog"
	"calltrail/internal/metrics"
	"calltrail/internal/telephony"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

const (
	DefaultGrace    = 10 * time.Second
	DefaultDelay    = 5 * time.Second
	DefaultAttempts = 5
)

// State is how one job ended. Succeeded and GaveUp are terminal. Interrupted
// means shutdown stopped the job before it reached either, and it should be
// delivered again.
type State string

const (
	StateSucceeded   State = "succeeded"
	StateGaveUp      State = "gave_up"
	StateInterrupted State = "interrupted"
)

// Outcome reports how a job finished. Err is the last attempt's error for
// jobs that gave up.
type Outcome struct {
	Request  Request
	State    State
	Attempts int
	Err      error
}

var errNotBilled = errors.New("reconcile: price not yet available")

// Worker polls the provider until a call is billed, then stores its debug
// info. The call log row must already exist; the worker only appends to it.
type Worker struct {
	Provider telephony.Provider
	Log      calllog.Store
	Debug    calllog.DebugStore

	// Journal is optional.
	Journal *audit.Service

	Clock    clock.Clock
	Grace    time.Duration
	Delay    time.Duration
	Attempts int

	Logger *slog.Logger
}

// Reconcile runs one job to a terminal state. It returns early, Interrupted,
// only when ctx ends.
func (w *Worker) Reconcile(ctx context.Context, req Request) Outcome {
	clk := w.clock()
	log := w.logger().With("call_sid", req.CallSid, "owner_id", req.OwnerID)
	start := clk.Now()
	out := Outcome{Request: req}

	if w.Grace > 0 {
		select {
		case <-clk.After(w.Grace):
		case <-ctx.Done():
			out.State = StateInterrupted
			out.Err = ctx.Err()
			log.Warn("reconciliation stopped", "reason", "shutdown", "attempt", 0)
			w.finish(ctx, log, out, start)
			return out
		}
	}

	backfill := w.backfillCheck(ctx, req.CallSid, log)
	maxAttempts := w.maxAttempts()

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			out.Attempts++
			return w.attempt(ctx, req.CallSid, &backfill, log)
		},
		NotifyFunc: func(err error, attempt int) {
			if errors.Is(err, errNotBilled) {
				metrics.ReconcileAttempts.WithLabelValues("not_billed").Inc()
				log.Warn("price not yet available", "attempt", attempt, "max_attempts", maxAttempts)
				return
			}
			metrics.ReconcileAttempts.WithLabelValues("error").Inc()
			log.Warn("reconcile attempt failed", "attempt", attempt, "max_attempts", maxAttempts, "err", err)
		},
		Attempts: maxAttempts,
		Delay:    w.delay(),
		Clock:    clk,
		Stop:     ctx.Done(),
	})

	switch {
	case err == nil:
		metrics.ReconcileAttempts.WithLabelValues("success").Inc()
		out.State = StateSucceeded
		log.Info("reconciliation succeeded", "attempts", out.Attempts)
	case retry.IsAttemptsExceeded(err) && ctx.Err() == nil:
		out.State = StateGaveUp
		out.Err = retry.LastError(err)
		log.Warn("reconciliation gave up", "attempts", out.Attempts, "err", out.Err)
	default:
		// Stopped between attempts, or the last attempt failed on shutdown.
		out.State = StateInterrupted
		out.Err = retry.LastError(err)
		log.Warn("reconciliation stopped", "reason", "shutdown", "attempts", out.Attempts, "err", out.Err)
	}

	w.finish(ctx, log, out, start)
	return out
}

type backfillState int

const (
	// backfillUndecided defers the check to the first fetched call record.
	backfillUndecided backfillState = iota
	backfillNeeded
	backfillDone
)

// backfillCheck is made once per job: only a call logged without a dialed
// number gets the number from the provider's event trace. When no logged row
// can be read, the first fetched provider record decides instead.
func (w *Worker) backfillCheck(ctx context.Context, callSid string, log *slog.Logger) backfillState {
	if w.Log == nil {
		return backfillDone
	}
	a, err := w.Log.Latest(ctx, callSid)
	if err != nil {
		if !errors.Is(err, calllog.ErrNotFound) {
			log.Warn("to-number check failed", "err", err)
		}
		return backfillUndecided
	}
	if a.ToNumber == "" {
		return backfillNeeded
	}
	return backfillDone
}

func (w *Worker) attempt(ctx context.Context, callSid string, backfill *backfillState, log *slog.Logger) error {
	sum, err := FetchSummary(ctx, w.Provider, callSid)
	if err != nil {
		return err
	}

	if *backfill == backfillUndecided {
		*backfill = backfillDone
		if sum.Call.To == "" {
			*backfill = backfillNeeded
		}
	}
	if *backfill == backfillNeeded {
		if to := sum.BackfillTo(); to != "" {
			if err := w.Log.Insert(ctx, calllog.ToNumberRow(callSid, to)); err != nil {
				metrics.CallLogWrites.WithLabelValues("to_backfill", "error").Inc()
				log.Error("to-number backfill failed", "err", err)
			} else {
				metrics.CallLogWrites.WithLabelValues("to_backfill", "ok").Inc()
				log.Info("to-number backfilled", "to_number", to)
				*backfill = backfillDone
			}
		}
	}

	if sum.Call.Price == nil {
		return errNotBilled
	}
	d, err := sum.DebugInfo(callSid)
	if err != nil {
		return err
	}
	return w.Debug.InsertDebugInfo(ctx, d)
}

func (w *Worker) finish(ctx context.Context, log *slog.Logger, out Outcome, start time.Time) {
	metrics.ReconcileOutcomes.WithLabelValues(string(out.State)).Inc()
	metrics.ReconcileDuration.Observe(w.clock().Now().Sub(start).Seconds())

	if w.Journal == nil || out.State == StateInterrupted {
		return
	}
	msg := "debug info stored"
	meta := ""
	if out.State != StateSucceeded {
		msg = "price never became available"
		if out.Err != nil && !errors.Is(out.Err, errNotBilled) {
			msg = "provider error on last attempt"
		}
		if out.Err != nil {
			b, _ := json.Marshal(map[string]string{"last_error": out.Err.Error()})
			meta = string(b)
		}
	}
	jctx := context.WithoutCancel(ctx)
	if err := w.Journal.LogOutcome(jctx, out.Request.CallSid, out.Request.OwnerID, out.State == StateSucceeded, out.Attempts, msg, meta); err != nil {
		log.Error("journal write failed", "err", err)
	}
}

func (w *Worker) clock() clock.Clock {
	if w.Clock == nil {
		return clock.WallClock
	}
	return w.Clock
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

func (w *Worker) delay() time.Duration {
	if w.Delay <= 0 {
		return DefaultDelay
	}
	return w.Delay
}

func (w *Worker) maxAttempts() int {
	if w.Attempts <= 0 {
		return DefaultAttempts
	}
	return w.Attempts
}
