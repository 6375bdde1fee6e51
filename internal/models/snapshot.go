package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a compacted full-board payload. The payload is opaque to the
// backend; late joiners load the active snapshot instead of replaying the
// log from sequence 1. At most one snapshot per room is active.
type Snapshot struct {
	ID         uuid.UUID       `json:"id"`
	RoomID     uuid.UUID       `json:"room_id"`
	Payload    json.RawMessage `json:"payload"`
	Version    int64           `json:"version"`
	Active     bool            `json:"active"`
	ArchiveURL *string         `json:"archive_url,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
