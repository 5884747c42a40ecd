package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prudhvinik1/classsync/internal/models"
)

// ErrDuplicateChange is returned when another transaction already recorded an
// outcome for the same (user, client change id). The caller must abandon its
// own apply and replay the recorded outcome instead.
var ErrDuplicateChange = errors.New("change outcome already recorded")

type PostgresChangeLogRepository struct {
	db DBTX
}

func NewPostgresChangeLogRepository(db DBTX) *PostgresChangeLogRepository {
	return &PostgresChangeLogRepository{db: db}
}

func (r *PostgresChangeLogRepository) Get(ctx context.Context, userID uuid.UUID, clientChangeID string) (*models.ChangeOutcome, error) {
	query := `SELECT user_id, client_change_id, entity, operation, entity_id, status, conflict_id, applied_at
	          FROM sync_change_log
	          WHERE user_id = $1 AND client_change_id = $2`

	var out models.ChangeOutcome
	err := r.db.QueryRow(ctx, query, userID, clientChangeID).Scan(
		&out.UserID,
		&out.ClientChangeID,
		&out.Entity,
		&out.Operation,
		&out.EntityID,
		&out.Status,
		&out.ConflictID,
		&out.AppliedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get change outcome: %w", err)
	}
	return &out, nil
}

func (r *PostgresChangeLogRepository) Record(ctx context.Context, outcome *models.ChangeOutcome) error {
	// The first recorded outcome for a change id is the one that sticks. Zero
	// rows inserted means a concurrent submission of the same change id beat
	// us to it, and our apply must not commit alongside theirs.
	query := `INSERT INTO sync_change_log (user_id, client_change_id, entity, operation, entity_id, status, conflict_id)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (user_id, client_change_id) DO NOTHING`

	result, err := r.db.Exec(ctx, query,
		outcome.UserID,
		outcome.ClientChangeID,
		outcome.Entity,
		outcome.Operation,
		outcome.EntityID,
		outcome.Status,
		outcome.ConflictID,
	)
	if err != nil {
		return fmt.Errorf("failed to record change outcome: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDuplicateChange
	}
	return nil
}
