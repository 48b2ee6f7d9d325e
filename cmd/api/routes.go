package main

import (
	"calltrail/internal/audit"
	"calltrail/internal/auth"
	"calltrail/internal/calllog"
	"calltrail/internal/config"
	"calltrail/internal/httpapi"
	"calltrail/internal/ingest"
	"calltrail/internal/metrics"
	"calltrail/internal/outbound"
	"calltrail/internal/presence"
	"calltrail/internal/reconcile"
	"calltrail/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
)

type healthCheck = httpapi.HealthCheck

type callLogStore interface {
	calllog.Store
	calllog.DebugStore
}

type routeDeps struct {
	cfg  config.Config
	auth *auth.Manager
	reg  *prometheus.Registry

	ingest   *ingest.Controller
	dialer   *outbound.Dialer
	checks   map[string]healthCheck
	callLog  callLogStore
	journal  *audit.Service
	presence presence.Feed
	queue    reconcile.Enqueuer
	clock    clock.Clock
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := httpapi.Handlers{
		Dialer:   d.dialer,
		Log:      d.callLog,
		Debug:    d.callLog,
		Journal:  d.journal,
		Presence: d.presence,
		Queue:    d.queue,
		Checks:   d.checks,
		Clock:    d.clock,
	}

	// public
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler(d.reg)))

	// Provider webhooks.
	{
		wh := telephony.TwilioWebhookHandler{Sink: d.ingest}
		tw := r.Group("/twilio")
		if d.cfg.Twilio.ValidateSignature {
			tw.Use(telephony.RequireTwilioSignature(d.cfg.Twilio.AuthToken, d.cfg.Twilio.PublicURL))
		}
		tw.POST("/events", wh.HandleStatusEvent)
		tw.POST("/recording-events", wh.HandleRecordingEvent)
		tw.POST("/dial-events", wh.HandleChildCallEvent)
		tw.POST("/voice", wh.HandleVoice)
	}

	authMW := auth.RequireAccessToken(d.auth)

	r.POST("/twilio/make", authMW, h.PlaceCall)

	// EventSource cannot set headers; the stream takes the token as a query param.
	r.GET("/calls/stream", auth.RequireQueryToken(d.auth, "token"), h.StreamCalls)

	callsGroup := r.Group("/calls")
	callsGroup.Use(authMW)
	{
		callsGroup.GET("", h.ListCalls)
		callsGroup.GET("/summary", h.CallSummary)
		callsGroup.GET("/:callSid/notes", h.GetNotes)
		callsGroup.PATCH("/:callSid/notes", h.UpdateNotes)
		callsGroup.DELETE("/:callSid/notes", h.DeleteNotes)
	}

	debug := r.Group("/call-debug")
	debug.Use(authMW)
	{
		debug.POST("/process-call-logs", h.ProcessCallLogs)
	}
}
