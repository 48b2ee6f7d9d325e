package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"calltrail/internal/audit"
	"calltrail/internal/auth"
	"calltrail/internal/calllog"
	"calltrail/internal/calls"
	"calltrail/internal/outbound"
	"calltrail/internal/presence"
	"calltrail/internal/reconcile"
	"calltrail/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/juju/clock"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Dialer   *outbound.Dialer
	Log      calllog.Store
	Debug    calllog.DebugStore
	Journal  *audit.Service
	Presence presence.Feed
	Queue    reconcile.Enqueuer

	// Checks are run by Health; any failure reports the service as degraded.
	Checks map[string]HealthCheck

	Clock clock.Clock

	// KeepAlive is the idle interval between stream pings.
	KeepAlive time.Duration
}

type HealthCheck func(ctx context.Context) error

const maxNotesLen = 4000

func (h Handlers) now() time.Time {
	if h.Clock == nil {
		return time.Now().UTC()
	}
	return h.Clock.Now().UTC()
}

func currentUser(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil || uid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return uid, true
}

// --- Calls ---

type placeCallRequest struct {
	To string `json:"to" binding:"required"`
}

func (h Handlers) PlaceCall(c *gin.Context) {
	if h.Dialer == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dialer not configured"})
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to required"})
		return
	}

	res, err := h.Dialer.PlaceCall(c.Request.Context(), req.To, uid)
	if err != nil {
		if errors.Is(err, outbound.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("place call failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "call placement failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) ListCalls(c *gin.Context) {
	if h.Log == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log not configured"})
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	f, err := parseFilter(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f, err = f.Normalize(h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rows, err := h.Log.Query(c.Request.Context(), uid, f)
	if err != nil {
		logger.FromGin(c).Error("call log query failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": f.Page, "limit": f.Limit, "calls": rows})
}

func parseFilter(c *gin.Context) (calllog.Filter, error) {
	f := calllog.Filter{
		Phone:         c.Query("phone"),
		Direction:     c.Query("direction"),
		Notes:         c.Query("notes"),
		Sort:          c.Query("sort"),
		SortDirection: c.Query("sort_direction"),
	}
	var err error
	if f.Page, err = queryInt(c, "page"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return f, err
	}
	if v := c.Query("status"); v != "" {
		if f.Status, err = calls.ParseStatus(v); err != nil {
			return f, err
		}
	}
	if v := c.Query("from"); v != "" {
		if f.From, err = calls.ParseTime(v); err != nil {
			return f, err
		}
	}
	if v := c.Query("to"); v != "" {
		if f.To, err = calls.ParseTime(v); err != nil {
			return f, err
		}
	}
	return f, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

// ownedCall loads the collapsed row and hides calls owned by someone else.
func (h Handlers) ownedCall(c *gin.Context, uid, callSid string) (calllog.Attempt, bool) {
	a, err := h.Log.Latest(c.Request.Context(), callSid)
	if err == nil && a.UserID != uid {
		err = calllog.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, calllog.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return calllog.Attempt{}, false
		}
		logger.FromGin(c).Error("call log read failed", "call_sid", callSid, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log read failed"})
		return calllog.Attempt{}, false
	}
	return a, true
}

// CallSummary returns the call, its stored debug info (null until billed) and
// the reconciliation journal.
func (h Handlers) CallSummary(c *gin.Context) {
	if h.Log == nil || h.Debug == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log not configured"})
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	callSid := strings.TrimSpace(c.Query("callSid"))
	if callSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callSid required"})
		return
	}
	call, ok := h.ownedCall(c, uid, callSid)
	if !ok {
		return
	}
	log := logger.FromGin(c).With("call_sid", callSid)

	var debug *calllog.DebugInfo
	d, err := h.Debug.DebugInfo(c.Request.Context(), callSid)
	switch {
	case err == nil:
		debug = &d
	case errors.Is(err, calllog.ErrNotFound):
	default:
		log.Error("debug info read failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "debug info read failed"})
		return
	}

	history := []audit.Event{}
	if h.Journal != nil {
		events, err := h.Journal.History(c.Request.Context(), callSid)
		if err != nil {
			log.Warn("journal read failed", "err", err)
		} else if events != nil {
			history = events
		}
	}

	c.JSON(http.StatusOK, gin.H{"call": call, "debug": debug, "reconciliation": history})
}

// StreamCalls streams the caller's live view as server-sent events. Existing
// entries are replayed as "added" first.
func (h Handlers) StreamCalls(c *gin.Context) {
	if h.Presence == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence not configured"})
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	log := logger.FromGin(c).With("user_id", uid)
	ctx := c.Request.Context()

	changes := newChangeBuffer()
	unsubscribe, err := h.Presence.Subscribe(ctx, uid, changes.push)
	if err != nil {
		log.Error("live subscribe failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "live view unavailable"})
		return
	}
	defer unsubscribe()

	clk := h.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		// Pending changes go out before a disconnect is noticed.
		if pending := changes.drain(); len(pending) > 0 {
			for _, ch := range pending {
				c.SSEvent("call", ch)
			}
			return true
		}
		select {
		case <-changes.ready:
			return true
		case <-clk.After(keepAlive):
			c.SSEvent("ping", "")
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// changeBuffer queues live-view changes for one stream without dropping any.
// Subscribe replays the whole snapshot before the stream starts reading.
type changeBuffer struct {
	mu    sync.Mutex
	items []presence.Change
	ready chan struct{}
}

func newChangeBuffer() *changeBuffer {
	return &changeBuffer{ready: make(chan struct{}, 1)}
}

func (b *changeBuffer) push(ch presence.Change) {
	b.mu.Lock()
	b.items = append(b.items, ch)
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *changeBuffer) drain() []presence.Change {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

// --- Notes ---

type notesRequest struct {
	Notes *string `json:"notes" binding:"required"`
}

func (h Handlers) GetNotes(c *gin.Context) {
	if h.Log == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log not configured"})
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	call, ok := h.ownedCall(c, uid, c.Param("callSid"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"callSid": call.CallSid, "notes": call.Notes})
}

func (h Handlers) UpdateNotes(c *gin.Context) {
	var req notesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "notes required"})
		return
	}
	if len(*req.Notes) > maxNotesLen {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "notes too long"})
		return
	}
	h.amendNotes(c, *req.Notes, http.StatusOK)
}

// DeleteNotes appends an empty-notes row; earlier notes stay in history.
func (h Handlers) DeleteNotes(c *gin.Context) {
	h.amendNotes(c, "", http.StatusNoContent)
}

func (h Handlers) amendNotes(c *gin.Context, notes string, status int) {
	if h.Log == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log not configured"})
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	callSid := c.Param("callSid")

	call, err := calllog.Amend(c.Request.Context(), h.Log, uid, calllog.NotesRow(callSid, notes))
	if err != nil {
		if errors.Is(err, calllog.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		logger.FromGin(c).Error("notes update failed", "call_sid", callSid, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "notes update failed"})
		return
	}
	if status == http.StatusNoContent {
		c.Status(status)
		return
	}
	c.JSON(status, gin.H{"callSid": call.CallSid, "notes": call.Notes})
}

// --- Reconciliation ---

type processCallLogsRequest struct {
	CallSid string `json:"callSid" binding:"required"`
}

// ProcessCallLogs queues a reconciliation for one of the caller's calls.
func (h Handlers) ProcessCallLogs(c *gin.Context) {
	if h.Queue == nil || h.Log == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reconciliation not configured"})
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req processCallLogsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callSid required"})
		return
	}
	if _, ok := h.ownedCall(c, uid, req.CallSid); !ok {
		return
	}
	log := logger.FromGin(c).With("call_sid", req.CallSid)

	err := h.Queue.Enqueue(c.Request.Context(), reconcile.Request{CallSid: req.CallSid, OwnerID: uid, EnqueuedAt: h.now()})
	if err != nil {
		log.Error("reconciliation enqueue failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation queue unavailable"})
		return
	}
	if h.Journal != nil {
		if err := h.Journal.LogRequested(c.Request.Context(), req.CallSid, uid, "manual request"); err != nil {
			log.Warn("journal write failed", "err", err)
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "callSid": req.CallSid})
}

// --- Health ---

func (h Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := gin.H{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			logger.FromGin(c).Warn("health check failed", "check", name, "err", err)
			continue
		}
		results[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}
