package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prudhvinik1/classsync/internal/models"
)

// ErrAlreadyResolved is returned when resolving a conflict that has reached
// its terminal state.
var ErrAlreadyResolved = errors.New("conflict already resolved")

type PostgresConflictRepository struct {
	db DBTX
}

func NewPostgresConflictRepository(db DBTX) *PostgresConflictRepository {
	return &PostgresConflictRepository{db: db}
}

const conflictColumns = "id, user_id, school_id, conflict_type, status, operations, resolution, resolved_data, resolved_by, detected_at, resolved_at"

func scanConflict(row pgx.Row) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	var operations []byte
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.SchoolID,
		&c.Type,
		&c.Status,
		&operations,
		&c.Resolution,
		&c.ResolvedData,
		&c.ResolvedBy,
		&c.DetectedAt,
		&c.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(operations, &c.Operations); err != nil {
		return nil, fmt.Errorf("failed to decode conflict operations: %w", err)
	}
	return &c, nil
}

func (r *PostgresConflictRepository) Create(ctx context.Context, c *models.ConflictRecord) error {
	operations, err := json.Marshal(c.Operations)
	if err != nil {
		return fmt.Errorf("failed to encode conflict operations: %w", err)
	}

	query := `INSERT INTO sync_conflicts (user_id, school_id, conflict_type, status, operations)
	          VALUES ($1, $2, $3, $4, $5)
	          RETURNING id, detected_at`

	err = r.db.QueryRow(ctx, query,
		c.UserID,
		c.SchoolID,
		c.Type,
		models.ConflictPending,
		operations,
	).Scan(&c.ID, &c.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to create conflict record: %w", err)
	}
	c.Status = models.ConflictPending
	return nil
}

func (r *PostgresConflictRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ConflictRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_conflicts WHERE id = $1`, conflictColumns)

	c, err := scanConflict(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return c, nil
}

func (r *PostgresConflictRepository) ListPendingByUser(ctx context.Context, userID uuid.UUID) ([]*models.ConflictRecord, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM sync_conflicts
		 WHERE user_id = $1 AND status = $2
		 ORDER BY detected_at ASC`, conflictColumns)

	rows, err := r.db.Query(ctx, query, userID, models.ConflictPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

func (r *PostgresConflictRepository) MarkResolved(ctx context.Context, id uuid.UUID, resolution models.Resolution, resolvedData json.RawMessage, resolvedBy uuid.UUID) error {
	// resolved is terminal: the status guard turns a second resolution
	// attempt into zero affected rows.
	query := `UPDATE sync_conflicts
	          SET status = $1, resolution = $2, resolved_data = $3, resolved_by = $4, resolved_at = NOW()
	          WHERE id = $5 AND status = $6`

	result, err := r.db.Exec(ctx, query,
		models.ConflictResolved,
		resolution,
		resolvedData,
		resolvedBy,
		id,
		models.ConflictPending,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyResolved
	}
	return nil
}
