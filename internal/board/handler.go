package board

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
	"github.com/opentutor/backend/pkg/storage"
)

// Handler exposes the board HTTP API.
type Handler struct {
	svc    *Service
	s3     *storage.S3
	logger *zap.Logger
}

// NewHandler creates a board handler. s3 may be nil when archives are
// disabled.
func NewHandler(svc *Service, s3 *storage.S3, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, s3: s3, logger: logger}
}

// RegisterRoutes mounts board endpoints under the given authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/rooms/:id/operations", h.Append)
	rg.GET("/rooms/:id/operations", h.List)
	rg.DELETE("/rooms/:id/operations", middleware.RequireRole("teacher", "admin"), h.Clear)
	rg.GET("/rooms/:id/stats", h.Stats)
	rg.POST("/rooms/:id/snapshot", middleware.RequireRole("teacher", "admin"), h.SaveSnapshot)
	rg.GET("/rooms/:id/snapshot", h.GetSnapshot)
	rg.GET("/rooms/:id/snapshot/archive", h.GetSnapshotArchive)
}

type appendRequest struct {
	Kind  string   `json:"kind" binding:"required"`
	X     *float64 `json:"x"`
	Y     *float64 `json:"y"`
	Color *string  `json:"color"`
	Width *int     `json:"width"`
}

// Append validates and persists one whiteboard operation for the room.
func (h *Handler) Append(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	actorID, _ := c.Get(middleware.ContextUserID)
	actorName, _ := c.Get(middleware.ContextUserName)

	op := &models.Operation{
		RoomID:    roomID,
		Kind:      models.OperationKind(req.Kind),
		X:         req.X,
		Y:         req.Y,
		Color:     req.Color,
		Width:     req.Width,
		ActorID:   actorID.(uuid.UUID),
		ActorName: actorName.(string),
	}
	stored, err := h.svc.Append(c.Request.Context(), op)
	if err != nil {
		h.writeError(c, err, "append operation")
		return
	}
	response.Created(c, stored)
}

// List returns room operations. ?after=N replays from a sequence cursor,
// ?recent=K returns the tail, no parameter returns the full log.
func (h *Handler) List(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}

	var ops []models.Operation
	switch {
	case c.Query("after") != "":
		after, err := strconv.ParseInt(c.Query("after"), 10, 64)
		if err != nil || after < 0 {
			response.BadRequest(c, "invalid after cursor")
			return
		}
		ops, err = h.svc.ListAfter(c.Request.Context(), roomID, after)
		if err != nil {
			h.writeError(c, err, "list operations")
			return
		}
	case c.Query("recent") != "":
		recent, err := strconv.Atoi(c.Query("recent"))
		if err != nil {
			response.BadRequest(c, "invalid recent limit")
			return
		}
		ops, err = h.svc.ListRecent(c.Request.Context(), roomID, recent)
		if err != nil {
			h.writeError(c, err, "list operations")
			return
		}
	default:
		ops, err = h.svc.ListAll(c.Request.Context(), roomID)
		if err != nil {
			h.writeError(c, err, "list operations")
			return
		}
	}
	if ops == nil {
		ops = []models.Operation{}
	}
	response.OK(c, ops)
}

// Clear wipes the room's operation log.
func (h *Handler) Clear(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}
	if err := h.svc.Clear(c.Request.Context(), roomID); err != nil {
		h.writeError(c, err, "clear board")
		return
	}
	response.OK(c, gin.H{"room_id": roomID, "cleared": true})
}

// Stats returns aggregate counts for the room's log.
func (h *Handler) Stats(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}
	stats, err := h.svc.Stats(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err, "board stats")
		return
	}
	response.OK(c, stats)
}

type snapshotRequest struct {
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// SaveSnapshot stores a new active snapshot of the room's board state.
func (h *Handler) SaveSnapshot(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}
	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	snap, err := h.svc.SaveSnapshot(c.Request.Context(), roomID, req.Payload)
	if err != nil {
		h.writeError(c, err, "save snapshot")
		return
	}
	response.Created(c, snap)
}

// GetSnapshot returns the room's active snapshot.
func (h *Handler) GetSnapshot(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}
	snap, err := h.svc.ActiveSnapshot(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err, "get snapshot")
		return
	}
	if snap == nil {
		response.NotFound(c, "no snapshot for room")
		return
	}
	response.OK(c, snap)
}

// GetSnapshotArchive returns a presigned download URL for the room's archived
// snapshot in object storage.
func (h *Handler) GetSnapshotArchive(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room ID")
		return
	}
	if h.s3 == nil {
		response.NotFound(c, "archives not configured")
		return
	}
	snap, err := h.svc.ActiveSnapshot(c.Request.Context(), roomID)
	if err != nil {
		h.writeError(c, err, "get snapshot archive")
		return
	}
	if snap == nil || snap.ArchiveURL == nil {
		response.NotFound(c, "no archived snapshot for room")
		return
	}
	key := storage.SnapshotKey(snap.RoomID.String(), snap.ID.String())
	expires := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.SnapshotsBucket(), key, expires)
	if err != nil {
		h.writeError(c, err, "presign snapshot archive")
		return
	}
	response.OK(c, gin.H{"url": url, "expires_in": int(expires.Seconds())})
}

func (h *Handler) writeError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, ErrValidation):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, err.Error())
	default:
		h.logger.Error("board "+action+" failed", zap.Error(err))
		response.Internal(c, "internal server error")
	}
}
