package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a live lesson session.
type SessionStatus string

const (
	SessionWaiting   SessionStatus = "waiting"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status allows no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// Session is the lifecycle record of one live occupancy of a lesson room.
// At most one session per room is waiting or active at a time.
type Session struct {
	ID              uuid.UUID     `json:"id"`
	RoomID          uuid.UUID     `json:"room_id"`
	Status          SessionStatus `json:"status"`
	TeacherJoinedAt *time.Time    `json:"teacher_joined_at,omitempty"`
	StudentJoinedAt *time.Time    `json:"student_joined_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	AutoCompleted   bool          `json:"auto_completed"`
	Notes           *string       `json:"notes,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// StartedAt returns the earliest participant join time, or zero if nobody joined.
func (s *Session) StartedAt() time.Time {
	switch {
	case s.TeacherJoinedAt != nil && s.StudentJoinedAt != nil:
		if s.TeacherJoinedAt.Before(*s.StudentJoinedAt) {
			return *s.TeacherJoinedAt
		}
		return *s.StudentJoinedAt
	case s.TeacherJoinedAt != nil:
		return *s.TeacherJoinedAt
	case s.StudentJoinedAt != nil:
		return *s.StudentJoinedAt
	}
	return time.Time{}
}
