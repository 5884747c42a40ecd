package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/prudhvinik1/classsync/internal/catalog"
	"github.com/prudhvinik1/classsync/internal/models"
)

type PostgresTombstoneRepository struct {
	db DBTX
}

func NewPostgresTombstoneRepository(db DBTX) *PostgresTombstoneRepository {
	return &PostgresTombstoneRepository{db: db}
}

func (r *PostgresTombstoneRepository) Insert(ctx context.Context, ts *models.DeletionTombstone) error {
	query := `INSERT INTO sync_tombstones (entity, entity_id, school_id, owner_id, student_id, deleted_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (entity, entity_id) DO NOTHING`

	_, err := r.db.Exec(ctx, query,
		ts.Entity,
		ts.EntityID,
		ts.SchoolID,
		ts.OwnerID,
		ts.StudentID,
		ts.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert tombstone: %w", err)
	}
	return nil
}

func (r *PostgresTombstoneRepository) FetchSince(ctx context.Context, desc catalog.EntityDescriptor, scope models.AccessScope, since time.Time) ([]*models.DeletionTombstone, error) {
	clause, scopeArgs, err := scopeClause(desc, scope, 3)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT entity, entity_id, school_id, owner_id, student_id, deleted_at
		 FROM sync_tombstones
		 WHERE entity = $1 AND deleted_at > $2 AND %s
		 ORDER BY deleted_at ASC`, clause)

	args := append([]any{desc.Name, since}, scopeArgs...)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	var tombstones []*models.DeletionTombstone
	for rows.Next() {
		var ts models.DeletionTombstone
		err := rows.Scan(&ts.Entity, &ts.EntityID, &ts.SchoolID, &ts.OwnerID, &ts.StudentID, &ts.DeletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		tombstones = append(tombstones, &ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}
	return tombstones, nil
}

func (r *PostgresTombstoneRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM sync_tombstones WHERE deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	return result.RowsAffected(), nil
}
