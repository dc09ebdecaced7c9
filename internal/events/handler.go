package events

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sermon-relay/backend/internal/automation"
	"github.com/sermon-relay/backend/internal/models"
	"github.com/sermon-relay/backend/internal/session"
	"github.com/sermon-relay/backend/pkg/response"
)

// CreateEventRequest is the body for POST /events.
type CreateEventRequest struct {
	Title       string   `json:"title" binding:"required"`
	Date        string   `json:"date" binding:"required"` // YYYY-MM-DD
	StartTime   string   `json:"start_time"`
	Speaker     string   `json:"speaker"`
	Description string   `json:"description"`
	Scriptures  []string `json:"scriptures"`
	AutoUpload  *bool    `json:"auto_upload"`
	Visibility  string   `json:"visibility"`
}

// UpdateEventRequest is the body for PATCH /events/:id. Absent fields are
// left untouched.
type UpdateEventRequest struct {
	Title       *string  `json:"title"`
	Date        *string  `json:"date"`
	StartTime   *string  `json:"start_time"`
	Speaker     *string  `json:"speaker"`
	Description *string  `json:"description"`
	Scriptures  []string `json:"scriptures"`
	AutoUpload  *bool    `json:"auto_upload"`
	Visibility  *string  `json:"visibility"`
}

// Canceller aborts an (event, platform) upload. The upload manager
// satisfies it.
type Canceller interface {
	Cancel(ctx context.Context, eventID uuid.UUID, platform string) error
}

// Waker nudges the background uploader to rescan.
type Waker interface {
	Wake()
}

// Handler handles event HTTP endpoints.
type Handler struct {
	repo    *Repository
	machine *session.Machine
	auto    *automation.Automation
	cancel  Canceller
	waker   Waker
	logger  *zap.Logger
}

// NewHandler creates the events handler. machine, auto, cancel, and waker
// may be nil when the hosting binary lacks that subsystem.
func NewHandler(repo *Repository, machine *session.Machine, auto *automation.Automation, cancel Canceller, waker Waker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, machine: machine, auto: auto, cancel: cancel, waker: waker, logger: logger}
}

// Create handles POST /events.
func (h *Handler) Create(c *gin.Context) {
	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		response.BadRequest(c, "date must be YYYY-MM-DD")
		return
	}
	autoUpload := true
	if req.AutoUpload != nil {
		autoUpload = *req.AutoUpload
	}
	visibility := req.Visibility
	if visibility == "" {
		visibility = "unlisted"
	}

	e := &models.ServiceEvent{
		ID:            uuid.New(),
		Title:         req.Title,
		Date:          req.Date,
		StartTime:     req.StartTime,
		Speaker:       req.Speaker,
		Description:   req.Description,
		Scriptures:    req.Scriptures,
		AutoUpload:    autoUpload,
		Visibility:    visibility,
		SessionState:  models.SessionIdle,
		SchemaVersion: models.SchemaVersion,
	}
	if err := h.repo.Create(c.Request.Context(), e); err != nil {
		h.logger.Error("create event", zap.Error(err))
		response.Internal(c, "failed to create event")
		return
	}
	response.Created(c, e)
}

// List handles GET /events.
func (h *Handler) List(c *gin.Context) {
	list, err := h.repo.List(c.Request.Context())
	if err != nil {
		response.Internal(c, "failed to list events")
		return
	}
	response.OK(c, list)
}

// Today handles GET /events/today.
func (h *Handler) Today(c *gin.Context) {
	e, err := h.repo.TodayEvent(c.Request.Context(), time.Now())
	if err != nil {
		response.Internal(c, "failed to load today's event")
		return
	}
	if e == nil {
		response.NotFound(c, "no event scheduled today")
		return
	}
	response.OK(c, e)
}

// Upcoming handles GET /events/upcoming.
func (h *Handler) Upcoming(c *gin.Context) {
	list, err := h.repo.Upcoming(c.Request.Context(), time.Now())
	if err != nil {
		response.Internal(c, "failed to list upcoming events")
		return
	}
	response.OK(c, list)
}

// Past handles GET /events/past.
func (h *Handler) Past(c *gin.Context) {
	list, err := h.repo.Past(c.Request.Context(), time.Now())
	if err != nil {
		response.Internal(c, "failed to list past events")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /events/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	e, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load event")
		return
	}
	if e == nil {
		response.NotFound(c, "event not found")
		return
	}
	response.OK(c, e)
}

// Update handles PATCH /events/:id. Descriptive metadata of an event whose
// date has passed is frozen; only the upload policy fields stay writable.
func (h *Handler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	var req UpdateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.Date != nil {
		if _, err := time.Parse("2006-01-02", *req.Date); err != nil {
			response.BadRequest(c, "date must be YYYY-MM-DD")
			return
		}
	}
	e, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load event")
		return
	}
	if e == nil {
		response.NotFound(c, "event not found")
		return
	}

	p := UpdateEventParams{
		AutoUpload: req.AutoUpload,
		Visibility: req.Visibility,
	}
	if e.Date >= time.Now().Format("2006-01-02") {
		p.Title = req.Title
		p.Date = req.Date
		p.StartTime = req.StartTime
		p.Speaker = req.Speaker
		p.Description = req.Description
		p.Scriptures = req.Scriptures
	} else if req.Title != nil || req.Date != nil || req.Speaker != nil || req.Description != nil {
		response.Conflict(c, "past events are read-only except upload policy")
		return
	}

	if err := h.repo.Update(c.Request.Context(), id, p); err != nil {
		h.logger.Error("update event", zap.Error(err))
		response.Internal(c, "failed to update event")
		return
	}
	updated, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil || updated == nil {
		response.Internal(c, "failed to reload event")
		return
	}
	response.OK(c, updated)
}

// Delete handles DELETE /events/:id (admin only, enforced by middleware).
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		response.Internal(c, "failed to delete event")
		return
	}
	response.NoContent(c)
}

// SessionStatus handles GET /session. Returns the live session snapshot.
func (h *Handler) SessionStatus(c *gin.Context) {
	if h.machine == nil {
		response.ServiceUnavailable(c, "session machine not running")
		return
	}
	response.OK(c, h.machine.Snapshot())
}

// AcknowledgeError handles POST /session/acknowledge. Clears an ERROR state.
func (h *Handler) AcknowledgeError(c *gin.Context) {
	if h.machine == nil {
		response.ServiceUnavailable(c, "session machine not running")
		return
	}
	if !h.machine.Acknowledge(c.Request.Context()) {
		response.Conflict(c, "session is not in an error state")
		return
	}
	response.OK(c, h.machine.Snapshot())
}

// AutomationStatus handles GET /automation.
func (h *Handler) AutomationStatus(c *gin.Context) {
	if h.auto == nil {
		response.ServiceUnavailable(c, "automation not running")
		return
	}
	response.OK(c, h.auto.Status())
}

// TriggerAutomation handles POST /events/:id/finalize. Manual re-trigger for
// a session the automatic run failed or missed.
func (h *Handler) TriggerAutomation(c *gin.Context) {
	if h.auto == nil {
		response.ServiceUnavailable(c, "automation not running")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	e, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load event")
		return
	}
	if e == nil {
		response.NotFound(c, "event not found")
		return
	}
	h.auto.Trigger(id)
	response.OK(c, gin.H{"triggered": true})
}

// ListUploads handles GET /events/:id/uploads.
func (h *Handler) ListUploads(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	list, err := h.repo.ListUploadSessions(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to list uploads")
		return
	}
	response.OK(c, list)
}

// CancelUpload handles DELETE /events/:id/uploads/:platform.
func (h *Handler) CancelUpload(c *gin.Context) {
	if h.cancel == nil {
		response.ServiceUnavailable(c, "upload manager not running")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return
	}
	platform := c.Param("platform")
	if err := h.cancel.Cancel(c.Request.Context(), id, platform); err != nil {
		h.logger.Error("cancel upload", zap.Error(err))
		response.Internal(c, "failed to cancel upload")
		return
	}
	response.NoContent(c)
}

// WakeUploader handles POST /uploads/wake. Dashboards call it after a
// platform credential change so queued failures retry immediately.
func (h *Handler) WakeUploader(c *gin.Context) {
	if h.waker == nil {
		response.ServiceUnavailable(c, "uploader not running")
		return
	}
	h.waker.Wake()
	response.OK(c, gin.H{"woken": true})
}
