package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role of the authenticated caller, resolved by the identity provider.
type Role string

const (
	RoleTeacher   Role = "teacher"
	RolePrincipal Role = "principal"
	RoleDirector  Role = "director"
	RoleParent    Role = "parent"
)

// AccessScope identifies the caller for visibility filtering. Every query
// against synced entities is constrained by it.
type AccessScope struct {
	UserID   uuid.UUID
	SchoolID uuid.UUID
	Role     Role
}

// EntityRecord is the uniform shape of a synced business row. The
// entity-specific fields live in Payload; the sync engine only reads the
// columns it needs for scoping and optimistic concurrency.
type EntityRecord struct {
	ID        uuid.UUID       `json:"id"`
	SchoolID  uuid.UUID       `json:"school_id"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	StudentID *uuid.UUID      `json:"student_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}
