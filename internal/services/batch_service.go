package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prudhvinik1/classsync/internal/catalog"
	"github.com/prudhvinik1/classsync/internal/models"
	"github.com/prudhvinik1/classsync/internal/repositories"
)

// BatchService ingests one client-submitted batch of heterogeneous changes.
// Every item runs in its own transaction: a failing item rolls back alone
// and never blocks its neighbors. The batch as a whole only fails when the
// store itself does.
type BatchService struct {
	uow       repositories.UnitOfWork
	changeLog repositories.ChangeLogRepository
	conflicts repositories.ConflictRepository
	devices   repositories.DeviceStateRepository
	tracker   *SessionTracker
	logger    *slog.Logger
	maxBatch  int
}

func NewBatchService(
	uow repositories.UnitOfWork,
	changeLog repositories.ChangeLogRepository,
	conflicts repositories.ConflictRepository,
	devices repositories.DeviceStateRepository,
	tracker *SessionTracker,
	logger *slog.Logger,
	maxBatch int,
) *BatchService {
	return &BatchService{
		uow:       uow,
		changeLog: changeLog,
		conflicts: conflicts,
		devices:   devices,
		tracker:   tracker,
		logger:    logger,
		maxBatch:  maxBatch,
	}
}

// ItemResult is the per-change outcome. A conflict is neither success nor
// failure: the change was parked, not applied and not rejected.
type ItemResult struct {
	ClientChangeID string                 `json:"client_change_id"`
	Entity         string                 `json:"entity"`
	Operation      models.ChangeOperation `json:"operation"`
	Success        bool                   `json:"success"`
	Conflict       bool                   `json:"conflict"`
	Replayed       bool                   `json:"replayed,omitempty"`
	EntityID       *uuid.UUID             `json:"entity_id,omitempty"`
	ConflictID     *uuid.UUID             `json:"conflict_id,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

type BatchResult struct {
	SessionID  uuid.UUID
	Results    []ItemResult
	Conflicts  []*models.ConflictRecord
	Successful int
	Failed     int
}

// errRecordVanished distinguishes a NotFound apply target from infra errors.
var errRecordVanished = errors.New("record not found")

// Apply processes the batch. It returns an error only for request-level
// problems (oversized batch, store loss); item-level problems live in the
// per-item results.
func (s *BatchService) Apply(ctx context.Context, scope models.AccessScope, deviceID uuid.UUID, changes []models.ChangeRecord) (*BatchResult, error) {
	if len(changes) == 0 {
		return nil, validationErrorf("batch contains no changes")
	}
	if len(changes) > s.maxBatch {
		return nil, validationErrorf("batch size %d exceeds limit %d", len(changes), s.maxBatch)
	}

	sessionID, err := s.tracker.Start(ctx, scope.UserID, models.SyncBatchUpload)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{SessionID: sessionID}
	for i := range changes {
		item, conflict, fatal := s.applyOne(ctx, scope, &changes[i])
		if fatal != nil {
			s.tracker.Fail(ctx, sessionID, fatal.Error())
			return nil, &SessionError{Err: fatal}
		}
		result.Results = append(result.Results, item)
		switch {
		case item.Conflict:
			if conflict != nil {
				result.Conflicts = append(result.Conflicts, conflict)
			}
		case item.Success:
			result.Successful++
		default:
			result.Failed++
		}
	}

	if err := s.tracker.Complete(ctx, sessionID, len(changes), len(result.Conflicts)); err != nil {
		return nil, err
	}

	s.recordDeviceState(ctx, scope.UserID, deviceID)

	s.logger.Info("batch upload completed",
		"session_id", sessionID,
		"user_id", scope.UserID,
		"total", len(changes),
		"successful", result.Successful,
		"failed", result.Failed,
		"conflicts", len(result.Conflicts),
	)
	return result, nil
}

// applyOne runs one change through validate, idempotency replay, conflict
// check, apply, and outcome recording. The returned fatal error aborts the
// whole session; everything else stays inside the item result.
func (s *BatchService) applyOne(ctx context.Context, scope models.AccessScope, change *models.ChangeRecord) (ItemResult, *models.ConflictRecord, error) {
	item := ItemResult{
		ClientChangeID: change.ClientChangeID,
		Entity:         change.Entity,
		Operation:      change.Operation,
	}

	desc, err := validateChange(scope, change)
	if err != nil {
		item.Error = err.Error()
		return item, nil, nil
	}

	// Idempotency: a change id that was durably applied (or parked as a
	// conflict) replays its recorded outcome without touching storage again.
	prior, err := s.changeLog.Get(ctx, scope.UserID, change.ClientChangeID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return item, nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if prior != nil {
		return s.replay(ctx, item, prior)
	}

	var conflict *models.ConflictRecord
	txErr := s.uow.Do(ctx, func(ctx context.Context, r *repositories.TxRepos) error {
		applied, c, err := s.applyInTx(ctx, r, desc, scope, change)
		if err != nil {
			return err
		}
		conflict = c
		item.EntityID = applied
		return nil
	})
	if txErr != nil {
		switch {
		case errors.Is(txErr, repositories.ErrDuplicateChange):
			// A concurrent submission of this change id recorded its outcome
			// first; our apply rolled back with the transaction. Replay the
			// outcome that won.
			prior, err := s.changeLog.Get(ctx, scope.UserID, change.ClientChangeID)
			if err != nil {
				return item, nil, fmt.Errorf("idempotency lookup failed: %w", err)
			}
			return s.replay(ctx, item, prior)
		case errors.Is(txErr, errRecordVanished), errors.Is(txErr, repositories.ErrNotFound):
			item.Error = errRecordVanished.Error()
			return item, nil, nil
		case IsValidationError(txErr), errors.Is(txErr, ErrPermission):
			item.Error = txErr.Error()
			return item, nil, nil
		default:
			return item, nil, txErr
		}
	}

	if conflict != nil {
		item.Conflict = true
		item.ConflictID = &conflict.ID
		item.EntityID = nil
		return item, conflict, nil
	}
	item.Success = true
	return item, nil, nil
}

// applyInTx is the per-item unit of work. Returns the applied entity id, or
// the persisted conflict record when the change was parked instead.
func (s *BatchService) applyInTx(ctx context.Context, r *repositories.TxRepos, desc catalog.EntityDescriptor, scope models.AccessScope, change *models.ChangeRecord) (*uuid.UUID, *models.ConflictRecord, error) {
	decision, err := DetectConflict(ctx, r.Entities, desc, scope, change)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil, errRecordVanished
		}
		return nil, nil, err
	}

	if !decision.OK {
		if err := r.Conflicts.Create(ctx, decision.Conflict); err != nil {
			return nil, nil, err
		}
		if err := s.recordOutcome(ctx, r, scope, change, models.OutcomeConflict, nil, &decision.Conflict.ID); err != nil {
			return nil, nil, err
		}
		return nil, decision.Conflict, nil
	}

	entityID, err := s.applyChange(ctx, r, desc, scope, change, decision.Base)
	if err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			// A writer on another connection slipped in between our read and
			// write. Park the change as a conflict against the fresh state.
			return s.parkRacedChange(ctx, r, desc, scope, change)
		}
		return nil, nil, err
	}

	if err := s.recordOutcome(ctx, r, scope, change, models.OutcomeApplied, &entityID, nil); err != nil {
		return nil, nil, err
	}
	return &entityID, nil, nil
}

func (s *BatchService) applyChange(ctx context.Context, r *repositories.TxRepos, desc catalog.EntityDescriptor, scope models.AccessScope, change *models.ChangeRecord, base *models.EntityRecord) (uuid.UUID, error) {
	switch change.Operation {
	case models.OpCreate:
		if base != nil {
			// Natural-key dedupe: the record already exists, hand back its
			// identity instead of inserting a duplicate.
			return base.ID, nil
		}
		rec := &models.EntityRecord{
			SchoolID: scope.SchoolID,
			OwnerID:  scope.UserID,
			Payload:  change.Payload,
		}
		if desc.StudentScoped {
			studentID, err := studentIDFromPayload(change.Payload)
			if err != nil {
				return uuid.Nil, err
			}
			rec.StudentID = &studentID
		}
		if err := r.Entities.Create(ctx, desc, rec); err != nil {
			return uuid.Nil, err
		}
		return rec.ID, nil

	case models.OpUpdate:
		if desc.ConflictExempt {
			rec, err := r.Entities.Override(ctx, desc, change.EntityID, change.Payload)
			if err != nil {
				return uuid.Nil, err
			}
			return rec.ID, nil
		}
		rec, err := r.Entities.Update(ctx, desc, change.EntityID, change.Payload, base.Version)
		if err != nil {
			return uuid.Nil, err
		}
		return rec.ID, nil

	case models.OpDelete:
		var rec *models.EntityRecord
		var err error
		if desc.ConflictExempt {
			rec, err = r.Entities.OverrideDelete(ctx, desc, change.EntityID)
		} else {
			rec, err = r.Entities.MarkDeleted(ctx, desc, change.EntityID, base.Version)
		}
		if err != nil {
			return uuid.Nil, err
		}
		if err := r.Tombstones.Insert(ctx, tombstoneFor(desc, rec)); err != nil {
			return uuid.Nil, err
		}
		return rec.ID, nil

	default:
		return uuid.Nil, validationErrorf("unknown operation %q", change.Operation)
	}
}

func (s *BatchService) parkRacedChange(ctx context.Context, r *repositories.TxRepos, desc catalog.EntityDescriptor, scope models.AccessScope, change *models.ChangeRecord) (*uuid.UUID, *models.ConflictRecord, error) {
	current, err := r.Entities.GetByID(ctx, desc, change.EntityID)
	if err != nil {
		return nil, nil, err
	}

	conflictType := models.ConflictUpdateStale
	var clientData json.RawMessage = change.Payload
	if change.Operation == models.OpDelete {
		conflictType = models.ConflictDeleteStale
		clientData = nil
	}

	conflict := &models.ConflictRecord{
		UserID:   scope.UserID,
		SchoolID: scope.SchoolID,
		Type:     conflictType,
		Status:   models.ConflictPending,
		Operations: []models.ConflictOperation{{
			Entity:        desc.Name,
			EntityID:      current.ID,
			ClientData:    clientData,
			ClientVersion: change.ClientVersion,
			ServerData:    current.Payload,
			ServerVersion: current.Version,
		}},
	}
	if err := r.Conflicts.Create(ctx, conflict); err != nil {
		return nil, nil, err
	}
	if err := s.recordOutcome(ctx, r, scope, change, models.OutcomeConflict, nil, &conflict.ID); err != nil {
		return nil, nil, err
	}
	return nil, conflict, nil
}

func (s *BatchService) recordOutcome(ctx context.Context, r *repositories.TxRepos, scope models.AccessScope, change *models.ChangeRecord, status models.ChangeOutcomeStatus, entityID, conflictID *uuid.UUID) error {
	return r.ChangeLog.Record(ctx, &models.ChangeOutcome{
		UserID:         scope.UserID,
		ClientChangeID: change.ClientChangeID,
		Entity:         change.Entity,
		Operation:      change.Operation,
		EntityID:       entityID,
		Status:         status,
		ConflictID:     conflictID,
	})
}

// replay reconstructs the item result from the idempotency ledger.
func (s *BatchService) replay(ctx context.Context, item ItemResult, prior *models.ChangeOutcome) (ItemResult, *models.ConflictRecord, error) {
	item.Replayed = true
	switch prior.Status {
	case models.OutcomeConflict:
		item.Conflict = true
		item.ConflictID = prior.ConflictID
		if prior.ConflictID == nil {
			return item, nil, nil
		}
		conflict, err := s.conflicts.GetByID(ctx, *prior.ConflictID)
		if errors.Is(err, repositories.ErrNotFound) {
			return item, nil, nil
		}
		if err != nil {
			return item, nil, err
		}
		return item, conflict, nil
	default:
		item.Success = true
		item.EntityID = prior.EntityID
		return item, nil, nil
	}
}

// validateChange enforces the structural contract of one change before any
// storage access.
func validateChange(scope models.AccessScope, change *models.ChangeRecord) (catalog.EntityDescriptor, error) {
	if change.ClientChangeID == "" {
		return catalog.EntityDescriptor{}, validationErrorf("client_change_id is required")
	}

	desc, err := catalog.Lookup(change.Entity)
	if err != nil {
		return catalog.EntityDescriptor{}, validationErrorf("unknown entity %q", change.Entity)
	}
	if _, visible := desc.VisibleTo(scope.Role); !visible {
		return catalog.EntityDescriptor{}, fmt.Errorf("entity %q: %w", change.Entity, ErrPermission)
	}
	if !desc.WritableBy(scope.Role) {
		return catalog.EntityDescriptor{}, fmt.Errorf("entity %q is read-only for role %q: %w", change.Entity, scope.Role, ErrPermission)
	}

	switch change.Operation {
	case models.OpCreate:
		if len(change.Payload) == 0 {
			return catalog.EntityDescriptor{}, validationErrorf("create requires a payload")
		}
	case models.OpUpdate:
		if change.EntityID == uuid.Nil {
			return catalog.EntityDescriptor{}, validationErrorf("update requires entity_id")
		}
		if len(change.Payload) == 0 {
			return catalog.EntityDescriptor{}, validationErrorf("update requires a payload")
		}
	case models.OpDelete:
		if change.EntityID == uuid.Nil {
			return catalog.EntityDescriptor{}, validationErrorf("delete requires entity_id")
		}
	default:
		return catalog.EntityDescriptor{}, validationErrorf("unknown operation %q", change.Operation)
	}

	// Conflict-exempt kinds are append-only and carry no base; everything
	// else must declare one so optimistic concurrency has something to
	// compare.
	if !desc.ConflictExempt && change.Operation != models.OpCreate {
		if change.ClientVersion == nil && change.ClientTimestamp.IsZero() {
			return catalog.EntityDescriptor{}, validationErrorf("change for %q must carry client_version or client_timestamp", change.Entity)
		}
	}
	return desc, nil
}

func studentIDFromPayload(payload json.RawMessage) (uuid.UUID, error) {
	var doc struct {
		StudentID string `json:"student_id"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return uuid.Nil, validationErrorf("payload is not a JSON object")
	}
	if doc.StudentID == "" {
		return uuid.Nil, validationErrorf("payload must carry student_id")
	}
	id, err := uuid.Parse(doc.StudentID)
	if err != nil {
		return uuid.Nil, validationErrorf("payload student_id is not a valid id")
	}
	return id, nil
}

func (s *BatchService) recordDeviceState(ctx context.Context, userID, deviceID uuid.UUID) {
	if deviceID == uuid.Nil {
		return
	}
	err := s.devices.Set(ctx, &models.DeviceSyncState{
		UserID:   userID,
		DeviceID: deviceID,
		SyncType: models.SyncBatchUpload,
	})
	if err != nil {
		s.logger.Warn("failed to record device sync state",
			"user_id", userID, "device_id", deviceID, "error", err)
	}
}
