package models

import (
	"time"

	"github.com/google/uuid"
)

// OperationKind identifies a whiteboard event type. The set is closed:
// unknown kinds are rejected before persistence.
type OperationKind string

const (
	OpStart OperationKind = "start" // pen down
	OpDraw  OperationKind = "draw"  // stroke segment, requires x/y
	OpEnd   OperationKind = "end"   // pen up
	OpClear OperationKind = "clear" // board wipe marker
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpStart, OpDraw, OpEnd, OpClear:
		return true
	}
	return false
}

// Operation is one immutable, sequenced whiteboard event in a room's log.
// Seq is assigned at append time, strictly increasing and gapless per room.
type Operation struct {
	ID        uuid.UUID     `json:"id"`
	RoomID    uuid.UUID     `json:"room_id"`
	Seq       int64         `json:"seq"`
	Kind      OperationKind `json:"kind"`
	X         *float64      `json:"x,omitempty"`
	Y         *float64      `json:"y,omitempty"`
	Color     *string       `json:"color,omitempty"`
	Width     *int          `json:"width,omitempty"`
	ActorID   uuid.UUID     `json:"actor_id"`
	ActorName string        `json:"actor_name"`
	CreatedAt time.Time     `json:"created_at"`
}

// BoardStats summarizes a room's operation log for observability.
type BoardStats struct {
	RoomID           uuid.UUID  `json:"room_id"`
	TotalOperations  int64      `json:"total_operations"`
	LastSeq          int64      `json:"last_seq"`
	DistinctActors   int        `json:"distinct_actors"`
	FirstOperationAt *time.Time `json:"first_operation_at,omitempty"`
	LastOperationAt  *time.Time `json:"last_operation_at,omitempty"`
}
