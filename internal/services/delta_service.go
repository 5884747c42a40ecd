package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/classsync/internal/catalog"
	"github.com/prudhvinik1/classsync/internal/models"
	"github.com/prudhvinik1/classsync/internal/repositories"
)

// DeltaService computes the incremental changes a client is missing since
// its last watermark, scoped to what its role may see.
type DeltaService struct {
	entities   repositories.EntityRepository
	tombstones repositories.TombstoneRepository
	conflicts  repositories.ConflictRepository
	devices    repositories.DeviceStateRepository
	tracker    *SessionTracker
	logger     *slog.Logger
	now        func() time.Time
}

func NewDeltaService(
	entities repositories.EntityRepository,
	tombstones repositories.TombstoneRepository,
	conflicts repositories.ConflictRepository,
	devices repositories.DeviceStateRepository,
	tracker *SessionTracker,
	logger *slog.Logger,
) *DeltaService {
	return &DeltaService{
		entities:   entities,
		tombstones: tombstones,
		conflicts:  conflicts,
		devices:    devices,
		tracker:    tracker,
		logger:     logger,
		now:        time.Now,
	}
}

// DeltaResult is one complete delta pull.
type DeltaResult struct {
	SessionID    uuid.UUID
	Since        models.Watermark
	NewWatermark models.Watermark
	Changes      map[string][]*models.EntityRecord
	Deletions    map[string][]*models.DeletionTombstone
	Conflicts    []*models.ConflictRecord
	Entities     []string
}

// TotalChanges counts records across all entities.
func (r *DeltaResult) TotalChanges() int {
	n := 0
	for _, recs := range r.Changes {
		n += len(recs)
	}
	return n
}

// TotalDeletions counts tombstones across all entities.
func (r *DeltaResult) TotalDeletions() int {
	n := 0
	for _, ts := range r.Deletions {
		n += len(ts)
	}
	return n
}

// Pull runs one delta sync. Requested entity names are validated before
// any storage access: unknown names are a validation error, names outside
// the role's visibility reject the whole request.
//
// The new watermark is stamped at the start of the pull, not from the max
// record timestamp, so records written while the queries run are picked up
// by the next pull instead of being skipped.
func (s *DeltaService) Pull(ctx context.Context, scope models.AccessScope, deviceID uuid.UUID, since models.Watermark, requested []string) (*DeltaResult, error) {
	descs, err := s.resolveRequested(scope, requested)
	if err != nil {
		return nil, err
	}

	sessionID, err := s.tracker.Start(ctx, scope.UserID, models.SyncDelta)
	if err != nil {
		return nil, err
	}

	result, err := s.pull(ctx, scope, since, descs)
	if err != nil {
		s.tracker.Fail(ctx, sessionID, err.Error())
		return nil, &SessionError{Err: err}
	}
	result.SessionID = sessionID

	if err := s.tracker.Complete(ctx, sessionID, result.TotalChanges()+result.TotalDeletions(), len(result.Conflicts)); err != nil {
		return nil, err
	}

	s.recordDeviceState(ctx, scope.UserID, deviceID, result.NewWatermark)

	s.logger.Info("delta pull completed",
		"session_id", sessionID,
		"user_id", scope.UserID,
		"entities", len(descs),
		"changes", result.TotalChanges(),
		"deletions", result.TotalDeletions(),
		"conflicts", len(result.Conflicts),
	)
	return result, nil
}

func (s *DeltaService) resolveRequested(scope models.AccessScope, requested []string) ([]catalog.EntityDescriptor, error) {
	if len(requested) == 0 {
		return catalog.ResolveEntities(scope.Role), nil
	}

	descs := make([]catalog.EntityDescriptor, 0, len(requested))
	for _, name := range requested {
		desc, err := catalog.Lookup(name)
		if err != nil {
			return nil, validationErrorf("unknown entity %q", name)
		}
		if _, visible := desc.VisibleTo(scope.Role); !visible {
			return nil, fmt.Errorf("entity %q: %w", name, ErrPermission)
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

func (s *DeltaService) pull(ctx context.Context, scope models.AccessScope, since models.Watermark, descs []catalog.EntityDescriptor) (*DeltaResult, error) {
	result := &DeltaResult{
		Since:        since,
		NewWatermark: models.NewWatermark(s.now()),
		Changes:      make(map[string][]*models.EntityRecord, len(descs)),
		Deletions:    make(map[string][]*models.DeletionTombstone, len(descs)),
	}

	for _, desc := range descs {
		result.Entities = append(result.Entities, desc.Name)

		records, err := s.entities.FetchSince(ctx, desc, scope, since.Time())
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s changes: %w", desc.Name, err)
		}
		if len(records) > 0 {
			result.Changes[desc.Name] = records
		}

		tombstones, err := s.tombstones.FetchSince(ctx, desc, scope, since.Time())
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s deletions: %w", desc.Name, err)
		}
		if len(tombstones) > 0 {
			result.Deletions[desc.Name] = tombstones
		}
	}

	conflicts, err := s.conflicts.ListPendingByUser(ctx, scope.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending conflicts: %w", err)
	}
	result.Conflicts = conflicts

	return result, nil
}

// recordDeviceState is advisory; a cache failure never fails the pull.
func (s *DeltaService) recordDeviceState(ctx context.Context, userID, deviceID uuid.UUID, watermark models.Watermark) {
	if deviceID == uuid.Nil {
		return
	}
	err := s.devices.Set(ctx, &models.DeviceSyncState{
		UserID:    userID,
		DeviceID:  deviceID,
		SyncType:  models.SyncDelta,
		Watermark: watermark.String(),
	})
	if err != nil {
		s.logger.Warn("failed to record device sync state",
			"user_id", userID, "device_id", deviceID, "error", err)
	}
}
