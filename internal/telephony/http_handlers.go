package telephony

import (
	"context"
	"net/http"
	"time"

	"calltrail/internal/metrics"
	"calltrail/pkg/logger"

	"github.com/gin-gonic/gin"
)

// EventSink receives validated webhook events. Implementations must not
// block on reconciliation.
type EventSink interface {
	HandleCallStatus(ctx context.Context, ev CallStatusEvent)
	HandleRecording(ctx context.Context, ev RecordingEvent)
}

// TwilioWebhookHandler converts Twilio webhooks to internal types and hands
// them to the sink.
//
// No business logic here. Once a payload validates, the response is 200 "OK"
// regardless of what the sink does with it.
type TwilioWebhookHandler struct {
	Sink EventSink

	// Timeout bounds sink processing; it is detached from the provider's
	// connection so a hang-up does not abort half-written state.
	Timeout time.Duration

	Greeting string
	Voice    string
}

func (h TwilioWebhookHandler) sinkContext(c *gin.Context) (context.Context, context.CancelFunc) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx := logger.With(context.WithoutCancel(c.Request.Context()), logger.FromGin(c))
	return context.WithTimeout(ctx, timeout)
}

func (h TwilioWebhookHandler) HandleStatusEvent(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event sink not configured"})
		return
	}

	ev, err := ParseCallStatusEvent(c)
	if err != nil {
		log.Warn("twilio status webhook parse failed", "err", err)
		metrics.WebhookEvents.WithLabelValues("status", "invalid").Inc()
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	ctx, cancel := h.sinkContext(c)
	defer cancel()
	h.Sink.HandleCallStatus(ctx, ev)

	metrics.WebhookEvents.WithLabelValues("status", "accepted").Inc()
	c.String(http.StatusOK, "OK")
}

func (h TwilioWebhookHandler) HandleRecordingEvent(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event sink not configured"})
		return
	}

	ev, err := ParseRecordingEvent(c)
	if err != nil {
		log.Warn("twilio recording webhook parse failed", "err", err)
		metrics.WebhookEvents.WithLabelValues("recording", "invalid").Inc()
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	ctx, cancel := h.sinkContext(c)
	defer cancel()
	h.Sink.HandleRecording(ctx, ev)

	metrics.WebhookEvents.WithLabelValues("recording", "accepted").Inc()
	c.String(http.StatusOK, "OK")
}

// HandleChildCallEvent serves the <Dial> action callback. Twilio continues
// executing whatever TwiML is returned, so the reply is an empty document.
func (h TwilioWebhookHandler) HandleChildCallEvent(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event sink not configured"})
		return
	}

	ev, err := ParseChildCallEvent(c)
	if err != nil {
		log.Warn("twilio dial webhook parse failed", "err", err)
		metrics.WebhookEvents.WithLabelValues("dial", "invalid").Inc()
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	ctx, cancel := h.sinkContext(c)
	defer cancel()
	h.Sink.HandleCallStatus(ctx, ev.AsStatusEvent())

	metrics.WebhookEvents.WithLabelValues("dial", "accepted").Inc()
	twiml, err := RenderEmpty()
	if err != nil {
		log.Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

// HandleVoice answers the outbound call's TwiML request with a greeting.
func (h TwilioWebhookHandler) HandleVoice(c *gin.Context) {
	greeting := h.Greeting
	if greeting == "" {
		greeting = DefaultGreeting
	}
	twiml, err := RenderSay(greeting, h.Voice)
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
