package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"calltrail/internal/calllog"
	"calltrail/internal/calls"
	"calltrail/internal/metrics"
	"calltrail/internal/presence"
	"calltrail/internal/telephony"
)

var ErrInvalidArgument = errors.New("outbound: invalid argument")

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Callback paths, relative to PublicURL.
const (
	PathStatusEvents    = "/twilio/events"
	PathRecordingEvents = "/twilio/recording-events"
	PathVoice           = "/twilio/voice"
)

// Dialer places outbound calls and records who owns them.
//
// Ownership is written before PlaceCall returns: the provider can deliver the
// first status webhook before the API response reaches the client.
type Dialer struct {
	Provider telephony.Provider
	Presence presence.Ownership
	Log      calllog.Store

	From           string
	PublicURL      string
	ApplicationSid string

	Logger *slog.Logger
}

type PlaceCallResult struct {
	CallSid string       `json:"callSid"`
	Status  calls.Status `json:"status"`
}

func (d *Dialer) PlaceCall(ctx context.Context, to, ownerID string) (PlaceCallResult, error) {
	to = strings.TrimSpace(to)
	ownerID = strings.TrimSpace(ownerID)
	if !e164.MatchString(to) {
		return PlaceCallResult{}, fmt.Errorf("%w: to must be an E.164 number", ErrInvalidArgument)
	}
	if ownerID == "" || ownerID == calls.UnknownOwner {
		return PlaceCallResult{}, fmt.Errorf("%w: owner required", ErrInvalidArgument)
	}
	if d.From == "" || d.PublicURL == "" {
		return PlaceCallResult{}, errors.New("outbound: dialer not configured")
	}
	log := d.logger().With("owner_id", ownerID)

	base := strings.TrimRight(d.PublicURL, "/")
	res, err := d.Provider.CreateCall(ctx, telephony.CreateCallRequest{
		From:           d.From,
		To:             to,
		ApplicationSid: d.ApplicationSid,
		TwiMLURL:       base + PathVoice,

		StatusCallbackURL: base + PathStatusEvents,
		StatusCallbackEvents: []string{
			string(calls.StatusInitiated),
			string(calls.StatusRinging),
			string(calls.StatusAnswered),
			string(calls.StatusCompleted),
		},

		Record:                  true,
		RecordingCallbackURL:    base + PathRecordingEvents,
		RecordingCallbackEvents: []string{"completed"},
	})
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("outbound: create call: %w", err)
	}
	log = log.With("call_sid", res.Sid)

	if err := d.Presence.SetOwner(ctx, res.Sid, ownerID); err != nil {
		metrics.PresenceErrors.WithLabelValues("set_owner").Inc()
		log.Error("ownership write failed; webhooks will log an unknown owner", "err", err)
	}

	status, err := calls.ParseStatus(res.Status)
	if err != nil {
		status = calls.StatusQueued
	}

	if d.Log != nil {
		d.seed(ctx, log, res.Sid, to, ownerID)
	}

	log.Info("call placed", "status", string(status))
	return PlaceCallResult{CallSid: res.Sid, Status: status}, nil
}

// seed appends the first row for a placed call. A terminal webhook can be
// logged before this runs; the seed then leaves status alone so it cannot
// supersede the final one. Duration is never seeded.
func (d *Dialer) seed(ctx context.Context, log *slog.Logger, callSid, to, ownerID string) {
	row := calllog.Row{
		CallSid:    callSid,
		FromNumber: calllog.Text(d.From),
		ToNumber:   calllog.Text(to),
		Direction:  calllog.Text(calls.DirectionOutbound),
		UserID:     calllog.Text(ownerID),
	}
	a, err := d.Log.Latest(ctx, callSid)
	switch {
	case err == nil && a.Status.IsTerminal():
		log.Info("call already ended before seeding", "status", string(a.Status))
	case err == nil, errors.Is(err, calllog.ErrNotFound):
		row.Status = calllog.StatusOf(calls.StatusInitiated)
	default:
		log.Warn("seed status check failed", "err", err)
		row.Status = calllog.StatusOf(calls.StatusInitiated)
	}

	if err := d.Log.Insert(ctx, row); err != nil {
		metrics.CallLogWrites.WithLabelValues("initiated", "error").Inc()
		log.Error("initial call log insert failed", "err", err)
		return
	}
	metrics.CallLogWrites.WithLabelValues("initiated", "ok").Inc()
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
