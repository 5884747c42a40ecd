package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ChangeOperation string

const (
	OpCreate ChangeOperation = "create"
	OpUpdate ChangeOperation = "update"
	OpDelete ChangeOperation = "delete"
)

// ChangeRecord is one client-submitted offline edit. ClientChangeID is
// generated on the device and is the idempotency key: resubmitting the same
// id replays the recorded outcome instead of reapplying the change.
type ChangeRecord struct {
	ClientChangeID  string          `json:"client_change_id"`
	Operation       ChangeOperation `json:"operation"`
	Entity          string          `json:"entity"`
	EntityID        uuid.UUID       `json:"entity_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	ClientVersion   *int64          `json:"client_version,omitempty"`
}

// ChangeOutcomeStatus is the durably recorded result of applying a change.
type ChangeOutcomeStatus string

const (
	OutcomeApplied  ChangeOutcomeStatus = "applied"
	OutcomeConflict ChangeOutcomeStatus = "conflict"
)

// ChangeOutcome is the idempotency-ledger row for an applied or conflicted
// change. Failed items are not recorded so a retry re-evaluates them.
type ChangeOutcome struct {
	UserID         uuid.UUID           `json:"user_id"`
	ClientChangeID string              `json:"client_change_id"`
	Entity         string              `json:"entity"`
	Operation      ChangeOperation     `json:"operation"`
	EntityID       *uuid.UUID          `json:"entity_id,omitempty"`
	Status         ChangeOutcomeStatus `json:"status"`
	ConflictID     *uuid.UUID          `json:"conflict_id,omitempty"`
	AppliedAt      time.Time           `json:"applied_at"`
}
