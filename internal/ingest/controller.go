package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"calltrail/internal/calllog"
	"calltrail/internal/calls"
	"calltrail/internal/metrics"
	"calltrail/internal/presence"
	"calltrail/internal/reconcile"
	"calltrail/internal/telephony"
	"calltrail/pkg/logger"

	"github.com/juju/clock"
)

// Controller turns provider webhooks into presence updates and, on terminal
// status, a durable call log row plus a reconciliation job.
//
// Presence is advisory: a failed or missing ownership lookup degrades to the
// unknown owner. Store and provider failures are logged and swallowed so the
// webhook is still acknowledged.
type Controller struct {
	Presence presence.Store
	Log      calllog.Store
	Provider telephony.Provider
	Queue    reconcile.Enqueuer

	// Clock stamps reconciliation requests. Defaults to the wall clock.
	Clock  clock.Clock
	Logger *slog.Logger
}

var _ telephony.EventSink = (*Controller)(nil)

func (c *Controller) HandleCallStatus(ctx context.Context, ev telephony.CallStatusEvent) {
	log := c.logger(ctx).With("call_sid", ev.CallSid, "status", string(ev.Status))

	owner, known := c.resolveOwner(ctx, log, ev.CallSid, ev.ParentCallSid)
	liveOwner := owner

	live := presence.LiveCall{Status: ev.Status, FromNumber: ev.From, ToNumber: ev.To}
	if err := c.Presence.Put(ctx, liveOwner, ev.CallSid, live); err != nil {
		metrics.PresenceErrors.WithLabelValues("put").Inc()
		log.Warn("live view write failed", "owner_id", owner, "err", err)
	}

	if !ev.Status.IsTerminal() {
		return
	}

	call, err := c.Provider.FetchCall(ctx, ev.CallSid)
	if err != nil {
		log.Warn("provider fetch failed, logging webhook fields", "err", err)
		call = callFromEvent(ev)
	}
	if !known && call.ParentCallSid != "" && call.ParentCallSid != ev.ParentCallSid {
		if o, ok := c.lookupOwner(ctx, log, call.ParentCallSid); ok {
			owner, known = o, true
		}
	}
	log = log.With("owner_id", owner)

	row := terminalRow(ev, call)
	if known {
		row.UserID = calllog.Text(owner)
	}
	if err := c.Log.Insert(ctx, row); err != nil {
		metrics.CallLogWrites.WithLabelValues("terminal", "error").Inc()
		log.Error("call log insert failed", "err", err)
	} else {
		metrics.CallLogWrites.WithLabelValues("terminal", "ok").Inc()
		log.Info("call logged", "duration", call.DurationSeconds())
	}

	if err := c.Presence.Remove(ctx, liveOwner, ev.CallSid); err != nil {
		metrics.PresenceErrors.WithLabelValues("remove").Inc()
		log.Warn("live view delete failed", "err", err)
	}
	if err := c.Presence.ClearOwner(ctx, ev.CallSid); err != nil {
		metrics.PresenceErrors.WithLabelValues("clear_owner").Inc()
		log.Warn("ownership delete failed", "err", err)
	}

	c.enqueue(ctx, log, reconcile.Request{CallSid: ev.CallSid, OwnerID: owner})
}

// HandleRecording attaches a completed recording to the call log.
func (c *Controller) HandleRecording(ctx context.Context, ev telephony.RecordingEvent) {
	log := c.logger(ctx).With("call_sid", ev.CallSid, "recording_sid", ev.RecordingSid)
	if ev.Status != "completed" {
		log.Debug("recording event ignored", "recording_status", ev.Status)
		return
	}
	if err := c.Log.Insert(ctx, calllog.RecordingRow(ev.CallSid, ev.RecordingSid, ev.RecordingURL)); err != nil {
		metrics.CallLogWrites.WithLabelValues("recording", "error").Inc()
		log.Error("recording insert failed", "err", err)
		return
	}
	metrics.CallLogWrites.WithLabelValues("recording", "ok").Inc()
}

// resolveOwner reads the direct ownership entry, then the parent leg's.
func (c *Controller) resolveOwner(ctx context.Context, log *slog.Logger, callSid, parentSid string) (string, bool) {
	if owner, ok := c.lookupOwner(ctx, log, callSid); ok {
		return owner, true
	}
	if parentSid != "" {
		if owner, ok := c.lookupOwner(ctx, log, parentSid); ok {
			return owner, true
		}
	}
	return calls.UnknownOwner, false
}

func (c *Controller) lookupOwner(ctx context.Context, log *slog.Logger, sid string) (string, bool) {
	owner, ok, err := c.Presence.Owner(ctx, sid)
	if err != nil {
		metrics.PresenceErrors.WithLabelValues("owner").Inc()
		log.Warn("ownership lookup failed", "lookup_sid", sid, "err", err)
		return "", false
	}
	if !ok || strings.TrimSpace(owner) == "" {
		return "", false
	}
	return owner, true
}

func (c *Controller) enqueue(ctx context.Context, log *slog.Logger, req reconcile.Request) {
	if c.Queue == nil {
		return
	}
	if c.Clock != nil {
		req.EnqueuedAt = c.Clock.Now().UTC()
	} else {
		req.EnqueuedAt = clock.WallClock.Now().UTC()
	}
	if err := c.Queue.Enqueue(ctx, req); err != nil {
		outcome := "error"
		if errors.Is(err, reconcile.ErrQueueFull) {
			outcome = "full"
		}
		metrics.QueueEnqueues.WithLabelValues(outcome).Inc()
		log.Error("reconciliation enqueue failed", "err", err)
		return
	}
	metrics.QueueEnqueues.WithLabelValues("ok").Inc()
}

func (c *Controller) logger(ctx context.Context) *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.From(ctx)
}

// terminalRow builds the terminal append from the provider record, falling
// back to webhook fields the record leaves empty. The record's status is used
// only when it is itself terminal.
func terminalRow(ev telephony.CallStatusEvent, call telephony.Call) calllog.Row {
	status := ev.Status
	if s, err := calls.ParseStatus(call.Status); err == nil && s.IsTerminal() {
		status = s
	}
	row := calllog.Row{
		CallSid:    ev.CallSid,
		FromNumber: calllog.Text(firstNonEmpty(call.From, ev.From)),
		ToNumber:   calllog.Text(firstNonEmpty(call.To, ev.To)),
		Status:     calllog.StatusOf(status),
		Duration:   calllog.Seconds(call.DurationSeconds()),
		StartTime:  calllog.TimeOf(call.StartTime),
		EndTime:    calllog.TimeOf(call.EndTime),
	}
	if d := firstNonEmpty(call.Direction, ev.Direction); d != "" {
		row.Direction = calllog.Text(d)
	}
	return row
}

func callFromEvent(ev telephony.CallStatusEvent) telephony.Call {
	return telephony.Call{
		Sid:           ev.CallSid,
		ParentCallSid: ev.ParentCallSid,
		From:          ev.From,
		To:            ev.To,
		Status:        string(ev.Status),
		Duration:      ev.Duration,
		Direction:     ev.Direction,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
