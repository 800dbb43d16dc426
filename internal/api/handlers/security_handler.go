package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/perimeter/internal/api/middleware"
	"github.com/Wikid82/perimeter/internal/cerberus"
	"github.com/Wikid82/perimeter/internal/models"
	"github.com/Wikid82/perimeter/internal/services"
	"github.com/Wikid82/perimeter/internal/session"
	"github.com/Wikid82/perimeter/internal/util"
)

// SecurityHandler serves the perimeter admin API.
type SecurityHandler struct {
	engine   *cerberus.Engine
	security *services.SecurityService
}

func NewSecurityHandler(engine *cerberus.Engine, security *services.SecurityService) *SecurityHandler {
	return &SecurityHandler{engine: engine, security: security}
}

// parseTimeParam accepts RFC3339 or unix seconds. Empty means unbounded.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseRange(c *gin.Context) (time.Time, time.Time, bool) {
	from, err := parseTimeParam(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return time.Time{}, time.Time{}, false
	}
	to, err := parseTimeParam(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
		return time.Time{}, time.Time{}, false
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func (h *SecurityHandler) audit(c *gin.Context, action, target, details string) {
	entry := &models.SecurityAudit{
		Actor:   c.GetString(middleware.ActorKey),
		Action:  action,
		Target:  util.SanitizeAndTruncate(target, 256),
		Details: details,
	}
	if err := h.security.LogAudit(entry); err != nil {
		middleware.GetRequestLogger(c).WithError(err).Warn("failed to write audit entry")
	}
}

// GetAnalytics returns decision counts for the requested window.
func (h *SecurityHandler) GetAnalytics(c *gin.Context) {
	from, to, ok := parseRange(c)
	if !ok {
		return
	}
	a, err := h.engine.Analytics(from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute analytics"})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *SecurityHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.engine.Sessions()})
}

func (h *SecurityHandler) TerminateSession(c *gin.Context) {
	id := c.Param("id")
	err := h.engine.TerminateSession(id)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	case errors.Is(err, session.ErrSessionInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "Session is no longer active"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to terminate session"})
		return
	}
	h.audit(c, "session_terminate", id, "")
	c.JSON(http.StatusOK, gin.H{"message": "Session terminated"})
}

type sessionStartRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Tier   string `json:"tier"`
}

// StartSession is called by the auth collaborator once it has verified a user.
func (h *SecurityHandler) StartSession(c *gin.Context) {
	var req sessionStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tier := models.ParseTier(req.Tier)
	if tier == models.TierGuest {
		tier = models.TierAuthenticated
	}

	s, err := h.engine.StartSession(models.Identity{UserID: req.UserID, Tier: tier})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.audit(c, "session_start", s.ID, "user="+util.SanitizeAndTruncate(req.UserID, 128))
	c.JSON(http.StatusCreated, gin.H{"session": s, "credential": s.Credential})
}

func (h *SecurityHandler) ListBlocks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blocks": h.engine.Blocks()})
}

type blockRequest struct {
	Key        string `json:"key" binding:"required"`
	DurationMS int64  `json:"duration_ms"`
}

func validBlockKey(key string) bool {
	for _, prefix := range []string{"ip:", "sess:"} {
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return true
		}
	}
	return false
}

// CreateBlock places a key on the block list. A zero duration uses the policy default.
func (h *SecurityHandler) CreateBlock(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validBlockKey(req.Key) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key must start with ip: or sess:"})
		return
	}
	if req.DurationMS < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_ms must not be negative"})
		return
	}

	b := h.engine.Block(req.Key, time.Duration(req.DurationMS)*time.Millisecond)
	h.audit(c, "block", b.Key, fmt.Sprintf("until=%s", b.Until.UTC().Format(time.RFC3339)))
	c.JSON(http.StatusCreated, b)
}

func (h *SecurityHandler) DeleteBlock(c *gin.Context) {
	key := c.Param("key")
	if !h.engine.Unblock(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Block not found"})
		return
	}
	h.audit(c, "unblock", key, "")
	c.JSON(http.StatusOK, gin.H{"message": "Block removed"})
}

// ListEvents returns recorded decisions, newest first.
func (h *SecurityHandler) ListEvents(c *gin.Context) {
	from, to, ok := parseRange(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.engine.Events().ListEvents(services.EventFilter{
		IdentityKey: c.Query("key"),
		EventType:   models.EventType(c.Query("type")),
		From:        from,
		To:          to,
		Limit:       limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *SecurityHandler) ListAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	alerts, err := h.engine.Alerts().ListAlerts(models.AlertStatus(c.Query("status")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (h *SecurityHandler) GetAlertEvents(c *gin.Context) {
	uuids, err := h.engine.Alerts().AlertEvents(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alert events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_uuids": uuids})
}

func (h *SecurityHandler) AcknowledgeAlert(c *gin.Context) {
	h.transitionAlert(c, "alert_ack", h.engine.Alerts().Acknowledge)
}

func (h *SecurityHandler) ResolveAlert(c *gin.Context) {
	h.transitionAlert(c, "alert_resolve", h.engine.Alerts().Resolve)
}

func (h *SecurityHandler) transitionAlert(c *gin.Context, action string, fn func(string) (*models.SecurityAlert, error)) {
	id := c.Param("uuid")
	alert, err := fn(id)
	switch {
	case errors.Is(err, services.ErrAlertNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
		return
	case errors.Is(err, services.ErrInvalidAlertTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update alert"})
		return
	}
	h.audit(c, action, id, "")
	c.JSON(http.StatusOK, alert)
}

func (h *SecurityHandler) ListAudits(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	audits, err := h.security.ListAudits(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list audit logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audits": audits})
}

// Policy returns the active perimeter policy.
func (h *SecurityHandler) Policy(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Policy())
}
