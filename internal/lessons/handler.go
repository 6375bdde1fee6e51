package lessons

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opentutor/backend/internal/middleware"
	"github.com/opentutor/backend/internal/models"
	"github.com/opentutor/backend/pkg/response"
)

// Handler exposes lesson scheduling endpoints.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a lesson handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// RegisterRoutes mounts lesson endpoints under the given authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/lessons", middleware.RequireRole("admin", "teacher"), h.Create)
	rg.GET("/lessons", h.List)
	rg.GET("/lessons/:id", h.Get)
	rg.POST("/lessons/:id/cancel", middleware.RequireRole("admin", "teacher"), h.Cancel)
}

type createRequest struct {
	TeacherID       uuid.UUID `json:"teacher_id" binding:"required"`
	StudentID       uuid.UUID `json:"student_id" binding:"required"`
	Subject         string    `json:"subject" binding:"required"`
	ScheduledStart  time.Time `json:"scheduled_start" binding:"required"`
	DurationMinutes int       `json:"duration_minutes" binding:"required,min=1"`
}

// Create schedules a lesson. Teachers can only schedule themselves.
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	userID, _ := c.Get(middleware.ContextUserID)
	roleVal, _ := c.Get(middleware.ContextUserRole)
	if role, _ := roleVal.(string); role == string(models.RoleTeacher) && req.TeacherID != userID.(uuid.UUID) {
		response.Forbidden(c, "teachers can only schedule their own lessons")
		return
	}
	lesson, err := h.repo.Create(c.Request.Context(), req.TeacherID, req.StudentID,
		req.Subject, req.ScheduledStart, req.DurationMinutes)
	if err != nil {
		h.logger.Error("create lesson failed", zap.Error(err))
		response.Internal(c, "internal server error")
		return
	}
	response.Created(c, lesson)
}

// List returns the caller's lessons, or every lesson for admins.
func (h *Handler) List(c *gin.Context) {
	roleVal, _ := c.Get(middleware.ContextUserRole)
	userVal, _ := c.Get(middleware.ContextUserID)

	var (
		list []models.Lesson
		err  error
	)
	if role, _ := roleVal.(string); role == string(models.RoleAdmin) {
		list, err = h.repo.ListAll(c.Request.Context())
	} else {
		list, err = h.repo.ListForUser(c.Request.Context(), userVal.(uuid.UUID))
	}
	if err != nil {
		h.logger.Error("list lessons failed", zap.Error(err))
		response.Internal(c, "internal server error")
		return
	}
	if list == nil {
		list = []models.Lesson{}
	}
	response.OK(c, list)
}

// Get returns one lesson.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lesson ID")
		return
	}
	lesson, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get lesson failed", zap.Error(err))
		response.Internal(c, "internal server error")
		return
	}
	if lesson == nil {
		response.NotFound(c, "lesson not found")
		return
	}
	response.OK(c, lesson)
}

// Cancel cancels a scheduled lesson.
func (h *Handler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid lesson ID")
		return
	}
	ok, err := h.repo.Cancel(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("cancel lesson failed", zap.Error(err))
		response.Internal(c, "internal server error")
		return
	}
	if !ok {
		response.Conflict(c, "lesson is not scheduled")
		return
	}
	response.OK(c, gin.H{"id": id, "status": models.LessonCancelled})
}
