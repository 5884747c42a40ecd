package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prudhvinik1/classsync/internal/catalog"
	"github.com/prudhvinik1/classsync/internal/models"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so the same repository
// code runs standalone or inside a batch transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EntityRepository is the uniform capability surface over every registered
// synced table. The descriptor selects the table; all SQL identifiers come
// from the compile-time catalog, never from client input.
type EntityRepository interface {
	// FetchSince returns live records changed after since, filtered by the
	// caller's visibility scope.
	FetchSince(ctx context.Context, desc catalog.EntityDescriptor, scope models.AccessScope, since time.Time) ([]*models.EntityRecord, error)
	// GetByID returns the current server state of a record, deleted or not.
	GetByID(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID) (*models.EntityRecord, error)
	// GetByIDScoped is GetByID constrained to the caller's visibility and
	// restricted to live records.
	GetByIDScoped(ctx context.Context, desc catalog.EntityDescriptor, scope models.AccessScope, id uuid.UUID) (*models.EntityRecord, error)
	// FindByNaturalKey locates a live record matching the descriptor's
	// natural-key payload fields, for create dedupe.
	FindByNaturalKey(ctx context.Context, desc catalog.EntityDescriptor, schoolID uuid.UUID, payload json.RawMessage) (*models.EntityRecord, error)
	Create(ctx context.Context, desc catalog.EntityDescriptor, rec *models.EntityRecord) error
	// Update applies payload iff the current version equals expectedVersion,
	// returning ErrVersionConflict otherwise.
	Update(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID, payload json.RawMessage, expectedVersion int64) (*models.EntityRecord, error)
	// Override applies payload unconditionally. Only conflict resolution
	// (client_wins, manual) goes through here.
	Override(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID, payload json.RawMessage) (*models.EntityRecord, error)
	// Touch bumps updated_at without changing content or version, so the
	// record re-enters delta pulls after a server_wins resolution.
	Touch(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID) error
	// MarkDeleted soft-deletes the record iff the current version equals
	// expectedVersion, returning ErrVersionConflict otherwise. A stale delete
	// must never beat a concurrent update.
	MarkDeleted(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID, expectedVersion int64) (*models.EntityRecord, error)
	// OverrideDelete soft-deletes unconditionally. Only conflict resolution
	// honoring a client's delete goes through here.
	OverrideDelete(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID) (*models.EntityRecord, error)
}

type TombstoneRepository interface {
	Insert(ctx context.Context, ts *models.DeletionTombstone) error
	FetchSince(ctx context.Context, desc catalog.EntityDescriptor, scope models.AccessScope, since time.Time) ([]*models.DeletionTombstone, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type ConflictRepository interface {
	Create(ctx context.Context, c *models.ConflictRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ConflictRecord, error)
	ListPendingByUser(ctx context.Context, userID uuid.UUID) ([]*models.ConflictRecord, error)
	MarkResolved(ctx context.Context, id uuid.UUID, resolution models.Resolution, resolvedData json.RawMessage, resolvedBy uuid.UUID) error
}

type SyncSessionRepository interface {
	Create(ctx context.Context, s *models.SyncSession) error
	Complete(ctx context.Context, id uuid.UUID, changes, conflicts int) error
	Fail(ctx context.Context, id uuid.UUID, reason string) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncSession, error)
}

// ChangeLogRepository is the idempotency ledger keyed by
// (userID, clientChangeID).
type ChangeLogRepository interface {
	Get(ctx context.Context, userID uuid.UUID, clientChangeID string) (*models.ChangeOutcome, error)
	Record(ctx context.Context, outcome *models.ChangeOutcome) error
}

type PreferenceRepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Preferences, error)
	Set(ctx context.Context, userID uuid.UUID, prefs models.Preferences) error
}

// SweepMarkerRepository guards scheduled work with a last-run watermark so
// any number of schedulers can invoke a sweep without double-firing.
type SweepMarkerRepository interface {
	// Acquire advances the named marker to now if its last run is before
	// notAfter. Returns false when another run already advanced it.
	Acquire(ctx context.Context, name string, notAfter, now time.Time) (bool, error)
}

type DeviceStateRepository interface {
	Set(ctx context.Context, st *models.DeviceSyncState) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.DeviceSyncState, error)
}

// TxRepos bundles the repositories bound to one transaction.
type TxRepos struct {
	Entities   EntityRepository
	Tombstones TombstoneRepository
	Conflicts  ConflictRepository
	ChangeLog  ChangeLogRepository
}

// UnitOfWork runs fn inside a transaction; fn's writes commit together or
// roll back together. Each batch item gets its own unit of work so one
// item's failure never takes down its neighbors.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, r *TxRepos) error) error
}
