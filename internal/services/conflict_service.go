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

// Notifier tells the user's other devices that a conflict was resolved.
// Delivery is fire-and-forget: failures are logged, never propagated.
type Notifier interface {
	ConflictResolved(ctx context.Context, c *models.ConflictRecord)
}

// Decision is the outcome of a conflict check for one change.
type Decision struct {
	// OK means the change may be applied.
	OK bool
	// Base is the current server record for update/delete changes, and the
	// natural-key duplicate for creates (nil when none exists).
	Base *models.EntityRecord
	// Conflict is the unsaved conflict record when OK is false. The caller
	// persists it inside the item's transaction.
	Conflict *models.ConflictRecord
}

// DetectConflict applies the optimistic-concurrency rule for one change
// against current server state. It runs on the repositories of the calling
// transaction so the read and the subsequent write see the same snapshot.
//
// Version counters are authoritative when the client supplies one;
// timestamps are only a fallback. A stale delete always produces a conflict
// against a newer server update, it never silently wins.
func DetectConflict(ctx context.Context, entities repositories.EntityRepository, desc catalog.EntityDescriptor, scope models.AccessScope, change *models.ChangeRecord) (Decision, error) {
	if change.Operation == models.OpCreate {
		// The server assigns identity, so a create can only collide through
		// its natural key. A match means dedupe, not conflict.
		existing, err := entities.FindByNaturalKey(ctx, desc, scope.SchoolID, change.Payload)
		if errors.Is(err, repositories.ErrNotFound) {
			return Decision{OK: true}, nil
		}
		if err != nil {
			return Decision{}, err
		}
		return Decision{OK: true, Base: existing}, nil
	}

	current, err := entities.GetByIDScoped(ctx, desc, scope, change.EntityID)
	if err != nil {
		// ErrNotFound passes through: mutating a vanished record is a
		// NotFound outcome, which is distinct from a conflict.
		return Decision{}, err
	}

	if desc.ConflictExempt {
		return Decision{OK: true, Base: current}, nil
	}

	stale := false
	if change.ClientVersion != nil {
		stale = current.Version > *change.ClientVersion
	} else {
		stale = current.UpdatedAt.After(change.ClientTimestamp)
	}
	if !stale {
		return Decision{OK: true, Base: current}, nil
	}

	conflictType := models.ConflictUpdateStale
	if change.Operation == models.OpDelete {
		conflictType = models.ConflictDeleteStale
	}

	var clientData json.RawMessage
	if change.Operation != models.OpDelete {
		clientData = change.Payload
	}

	return Decision{
		Conflict: &models.ConflictRecord{
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
		},
	}, nil
}

// ConflictService lists pending conflicts and applies resolution policies.
type ConflictService struct {
	entities   repositories.EntityRepository
	tombstones repositories.TombstoneRepository
	conflicts  repositories.ConflictRepository
	notifier   Notifier
	logger     *slog.Logger
}

func NewConflictService(
	entities repositories.EntityRepository,
	tombstones repositories.TombstoneRepository,
	conflicts repositories.ConflictRepository,
	notifier Notifier,
	logger *slog.Logger,
) *ConflictService {
	return &ConflictService{
		entities:   entities,
		tombstones: tombstones,
		conflicts:  conflicts,
		notifier:   notifier,
		logger:     logger,
	}
}

// ListPending returns the caller's unresolved conflicts with their
// constituent operations.
func (s *ConflictService) ListPending(ctx context.Context, userID uuid.UUID) ([]*models.ConflictRecord, error) {
	return s.conflicts.ListPendingByUser(ctx, userID)
}

// Resolve applies a resolution policy to a pending conflict.
//
// server_wins leaves server state untouched but touches the record so the
// submitting client's next pull converges. client_wins applies the client
// payload through the regular update path with the version check skipped,
// the single place optimistic concurrency is intentionally bypassed. manual
// applies caller-supplied data verbatim.
func (s *ConflictService) Resolve(ctx context.Context, resolver models.AccessScope, conflictID uuid.UUID, resolution models.Resolution, resolvedData json.RawMessage) (*models.ConflictRecord, error) {
	conflict, err := s.conflicts.GetByID(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	if !canResolve(resolver, conflict) {
		return nil, ErrPermission
	}
	if conflict.Status == models.ConflictResolved {
		return nil, repositories.ErrAlreadyResolved
	}

	var finalData json.RawMessage
	switch resolution {
	case models.ResolutionServerWins:
		finalData, err = s.resolveServerWins(ctx, conflict)
	case models.ResolutionClientWins:
		finalData, err = s.resolveClientWins(ctx, conflict, resolver)
	case models.ResolutionManual:
		if len(resolvedData) == 0 {
			return nil, validationErrorf("manual resolution requires resolved_data")
		}
		finalData, err = s.resolveManual(ctx, conflict, resolvedData)
	default:
		return nil, validationErrorf("unknown resolution %q", resolution)
	}
	if err != nil {
		return nil, err
	}

	if err := s.conflicts.MarkResolved(ctx, conflictID, resolution, finalData, resolver.UserID); err != nil {
		return nil, err
	}

	resolved, err := s.conflicts.GetByID(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	s.notifier.ConflictResolved(ctx, resolved)
	s.logger.Info("conflict resolved",
		"conflict_id", conflictID, "resolution", resolution, "resolved_by", resolver.UserID)
	return resolved, nil
}

// canResolve permits the originating user plus school administration.
func canResolve(resolver models.AccessScope, conflict *models.ConflictRecord) bool {
	if resolver.SchoolID != conflict.SchoolID {
		return false
	}
	if resolver.UserID == conflict.UserID {
		return true
	}
	return resolver.Role == models.RolePrincipal || resolver.Role == models.RoleDirector
}

func (s *ConflictService) resolveServerWins(ctx context.Context, conflict *models.ConflictRecord) (json.RawMessage, error) {
	var finalData json.RawMessage
	for _, op := range conflict.Operations {
		desc, err := catalog.Lookup(op.Entity)
		if err != nil {
			return nil, err
		}
		// Touch so the untouched server value rides back to the submitting
		// client on its next delta pull. A record deleted in the meantime
		// has a tombstone doing that job already.
		if err := s.entities.Touch(ctx, desc, op.EntityID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("failed to touch %s %s: %w", op.Entity, op.EntityID, err)
		}
		finalData = op.ServerData
	}
	return finalData, nil
}

func (s *ConflictService) resolveClientWins(ctx context.Context, conflict *models.ConflictRecord, resolver models.AccessScope) (json.RawMessage, error) {
	var finalData json.RawMessage
	for _, op := range conflict.Operations {
		desc, err := catalog.Lookup(op.Entity)
		if err != nil {
			return nil, err
		}

		if conflict.Type == models.ConflictDeleteStale {
			// The client's losing operation was a delete: honoring it means
			// soft-deleting now and tombstoning for other clients.
			rec, err := s.entities.OverrideDelete(ctx, desc, op.EntityID)
			if err != nil {
				return nil, fmt.Errorf("failed to apply client delete on %s %s: %w", op.Entity, op.EntityID, err)
			}
			if err := s.tombstones.Insert(ctx, tombstoneFor(desc, rec)); err != nil {
				return nil, err
			}
			finalData = nil
			continue
		}

		rec, err := s.entities.Override(ctx, desc, op.EntityID, op.ClientData)
		if err != nil {
			return nil, fmt.Errorf("failed to apply client data on %s %s: %w", op.Entity, op.EntityID, err)
		}
		finalData = rec.Payload
	}
	return finalData, nil
}

func (s *ConflictService) resolveManual(ctx context.Context, conflict *models.ConflictRecord, resolvedData json.RawMessage) (json.RawMessage, error) {
	for _, op := range conflict.Operations {
		desc, err := catalog.Lookup(op.Entity)
		if err != nil {
			return nil, err
		}
		if _, err := s.entities.Override(ctx, desc, op.EntityID, resolvedData); err != nil {
			return nil, fmt.Errorf("failed to apply resolved data on %s %s: %w", op.Entity, op.EntityID, err)
		}
	}
	return resolvedData, nil
}

func tombstoneFor(desc catalog.EntityDescriptor, rec *models.EntityRecord) *models.DeletionTombstone {
	deletedAt := rec.UpdatedAt
	if rec.DeletedAt != nil {
		deletedAt = *rec.DeletedAt
	}
	return &models.DeletionTombstone{
		Entity:    desc.Name,
		EntityID:  rec.ID,
		SchoolID:  rec.SchoolID,
		OwnerID:   rec.OwnerID,
		StudentID: rec.StudentID,
		DeletedAt: deletedAt,
	}
}
