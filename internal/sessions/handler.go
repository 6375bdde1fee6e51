package sessions

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opentutor/backend/internal/middleware"
	"github.com/opentutor/backend/internal/models"
	"github.com/opentutor/backend/pkg/response"
)

// Handler exposes the session lifecycle HTTP API.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a session handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts session endpoints under the given authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/rooms/:id/session", h.Ensure)
	rg.POST("/rooms/:id/join", h.Join)
	rg.POST("/rooms/:id/complete", h.Complete)
	rg.POST("/rooms/:id/cancel", h.Cancel)
	rg.GET("/rooms/:id/session", h.Active)
	rg.GET("/rooms/:id/sessions", h.History)
}

func requestUser(c *gin.Context) (uuid.UUID, string) {
	idVal, _ := c.Get(middleware.ContextUserID)
	roleVal, _ := c.Get(middleware.ContextUserRole)
	id, _ := idVal.(uuid.UUID)
	role, _ := roleVal.(string)
	return id, role
}

// Ensure returns the room's live session, creating a waiting one if needed.
func (h *Handler) Ensure(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}
	sess, err := h.svc.Ensure(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err, "ensure")
		return
	}
	response.OK(c, sess)
}

// Join puts the caller into the room's live session.
func (h *Handler) Join(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}
	userID, role := requestUser(c)
	sess, err := h.svc.Join(c.Request.Context(), roomID, userID, role)
	if err != nil {
		h.writeError(c, err, "join")
		return
	}
	response.OK(c, sess)
}

type completeRequest struct {
	Snapshot json.RawMessage `json:"snapshot"`
	Notes    *string         `json:"notes"`
}

// Complete ends the room's live session as completed.
func (h *Handler) Complete(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}
	var req completeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	userID, role := requestUser(c)
	sess, err := h.svc.Complete(c.Request.Context(), roomID, userID, role, req.Snapshot, req.Notes)
	if err != nil {
		h.writeError(c, err, "complete")
		return
	}
	response.OK(c, sess)
}

// Cancel ends the room's live session as cancelled.
func (h *Handler) Cancel(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}
	userID, role := requestUser(c)
	sess, err := h.svc.Cancel(c.Request.Context(), roomID, userID, role)
	if err != nil {
		h.writeError(c, err, "cancel")
		return
	}
	response.OK(c, sess)
}

// Active returns the room's live session.
func (h *Handler) Active(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}
	sess, err := h.svc.Active(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err, "active session")
		return
	}
	if sess == nil {
		response.NotFound(c, "no live session for room")
		return
	}
	response.OK(c, sess)
}

// History returns the room's sessions, newest first. ?limit=N caps the count.
func (h *Handler) History(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
	}
	list, err := h.svc.History(c.Request.Context(), roomID, limit)
	if err != nil {
		h.writeError(c, err, "session history")
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	response.OK(c, list)
}

func (h *Handler) writeError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrConflict):
		response.Conflict(c, err.Error())
	default:
		h.logger.Error("session "+action+" failed", zap.Error(err))
		response.Internal(c, "internal server error")
	}
}
