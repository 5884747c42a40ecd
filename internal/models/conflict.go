package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ConflictType string

const (
	// ConflictUpdateStale is an update whose declared base is older than the
	// current server state.
	ConflictUpdateStale ConflictType = "update_stale"
	// ConflictDeleteStale is a delete racing a newer server-side update. A
	// stale delete always surfaces as a conflict, it never silently wins.
	ConflictDeleteStale ConflictType = "delete_stale"
)

type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

type Resolution string

const (
	ResolutionServerWins Resolution = "server_wins"
	ResolutionClientWins Resolution = "client_wins"
	ResolutionManual     Resolution = "manual"
)

// ConflictOperation captures both sides of one colliding edit.
type ConflictOperation struct {
	Entity        string          `json:"entity"`
	EntityID      uuid.UUID       `json:"entity_id"`
	ClientData    json.RawMessage `json:"client_data,omitempty"`
	ClientVersion *int64          `json:"client_version,omitempty"`
	ServerData    json.RawMessage `json:"server_data,omitempty"`
	ServerVersion int64           `json:"server_version"`
}

// ConflictRecord is owned by the sync subsystem and outlives the batch that
// produced it. Terminal state is resolved.
type ConflictRecord struct {
	ID           uuid.UUID           `json:"id"`
	UserID       uuid.UUID           `json:"user_id"`
	SchoolID     uuid.UUID           `json:"school_id"`
	Type         ConflictType        `json:"type"`
	Status       ConflictStatus      `json:"status"`
	Operations   []ConflictOperation `json:"operations"`
	Resolution   *Resolution         `json:"resolution,omitempty"`
	ResolvedData json.RawMessage     `json:"resolved_data,omitempty"`
	ResolvedBy   *uuid.UUID          `json:"resolved_by,omitempty"`
	DetectedAt   time.Time           `json:"detected_at"`
	ResolvedAt   *time.Time          `json:"resolved_at,omitempty"`
}

// ValidResolution reports whether s is one of the accepted policies.
func ValidResolution(s string) bool {
	switch Resolution(s) {
	case ResolutionServerWins, ResolutionClientWins, ResolutionManual:
		return true
	}
	return false
}
