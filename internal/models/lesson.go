package models

import (
	"time"

	"github.com/google/uuid"
)

// LessonStatus is the scheduling state of a lesson.
type LessonStatus string

const (
	LessonScheduled LessonStatus = "scheduled"
	LessonCompleted LessonStatus = "completed"
	LessonCancelled LessonStatus = "cancelled"
)

// Lesson is one scheduled teacher/student lesson. Its ID doubles as the
// room ID for the live whiteboard session.
type Lesson struct {
	ID              uuid.UUID    `json:"id"`
	TeacherID       uuid.UUID    `json:"teacher_id"`
	StudentID       uuid.UUID    `json:"student_id"`
	Subject         string       `json:"subject"`
	ScheduledStart  time.Time    `json:"scheduled_start"`
	DurationMinutes int          `json:"duration_minutes"`
	Status          LessonStatus `json:"status"`
	AutoCompleted   bool         `json:"auto_completed"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}
