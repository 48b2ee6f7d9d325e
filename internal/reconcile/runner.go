package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Runner drains a Queue with a bounded number of concurrent workers.
type Runner struct {
	Queue       Queue
	Worker      *Worker
	Concurrency int

	// Results, when set, receives every Outcome. Sends are dropped once the
	// runner's context ends.
	Results chan<- Outcome

	Logger *slog.Logger
	Clock  clock.Clock
}

// Run blocks until ctx ends or the queue closes, then waits for in-flight jobs.
func (r *Runner) Run(ctx context.Context) error {
	if r.Queue == nil || r.Worker == nil {
		return errors.New("reconcile: runner requires queue and worker")
	}
	n := r.Concurrency
	if n <= 0 {
		n = 1
	}
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := r.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	defer wg.Wait()

	log.Info("reconcile runner started", "concurrency", n)
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		req, err := r.Queue.Dequeue(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				log.Info("reconcile runner stopped")
				return nil
			}
			log.Warn("dequeue failed", "err", err)
			select {
			case <-clk.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			defer func() { <-sem }()

			out := r.Worker.Reconcile(ctx, req)
			if out.State != StateInterrupted {
				if err := r.Queue.Ack(ctx, req); err != nil {
					log.Warn("ack failed", "call_sid", req.CallSid, "err", err)
				}
			}
			if r.Results == nil {
				return
			}
			select {
			case r.Results <- out:
			case <-ctx.Done():
			}
		}(req)
	}
}
