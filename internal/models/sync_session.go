package models

import (
	"time"

	"github.com/google/uuid"
)

type SyncType string

const (
	SyncDelta       SyncType = "delta"
	SyncBatchUpload SyncType = "batch_upload"
)

type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// SyncSession is the audit record around one delta pull or batch upload.
// Status moves one way: in_progress, then completed or failed, never back.
type SyncSession struct {
	ID             uuid.UUID     `json:"id"`
	UserID         uuid.UUID     `json:"user_id"`
	SyncType       SyncType      `json:"sync_type"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ChangesCount   int           `json:"changes_count"`
	ConflictsCount int           `json:"conflicts_count"`
	FailureReason  *string       `json:"failure_reason,omitempty"`
}
