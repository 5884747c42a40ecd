package models

import (
	"time"

	"github.com/google/uuid"
)

// DeletionTombstone records a soft-deleted entity so clients that were
// offline when the delete happened still learn about it on their next pull.
// Tombstones are retained for at least the configured staleness window.
type DeletionTombstone struct {
	Entity    string     `json:"entity"`
	EntityID  uuid.UUID  `json:"entity_id"`
	SchoolID  uuid.UUID  `json:"school_id"`
	OwnerID   uuid.UUID  `json:"owner_id"`
	StudentID *uuid.UUID `json:"student_id,omitempty"`
	DeletedAt time.Time  `json:"deleted_at"`
}
