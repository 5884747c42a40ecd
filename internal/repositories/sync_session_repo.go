package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prudhvinik1/classsync/internal/models"
)

type PostgresSyncSessionRepository struct {
	db DBTX
}

func NewPostgresSyncSessionRepository(db DBTX) *PostgresSyncSessionRepository {
	return &PostgresSyncSessionRepository{db: db}
}

func (r *PostgresSyncSessionRepository) Create(ctx context.Context, s *models.SyncSession) error {
	query := `INSERT INTO sync_sessions (user_id, sync_type, status)
	          VALUES ($1, $2, $3)
	          RETURNING id, started_at`

	err := r.db.QueryRow(ctx, query, s.UserID, s.SyncType, models.SessionInProgress).
		Scan(&s.ID, &s.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync session: %w", err)
	}
	s.Status = models.SessionInProgress
	return nil
}

func (r *PostgresSyncSessionRepository) Complete(ctx context.Context, id uuid.UUID, changes, conflicts int) error {
	// Terminal states never transition; the status guard enforces it.
	query := `UPDATE sync_sessions
	          SET status = $1, changes_count = $2, conflicts_count = $3, completed_at = NOW()
	          WHERE id = $4 AND status = $5`

	result, err := r.db.Exec(ctx, query,
		models.SessionCompleted, changes, conflicts, id, models.SessionInProgress)
	if err != nil {
		return fmt.Errorf("failed to complete sync session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSyncSessionRepository) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	query := `UPDATE sync_sessions
	          SET status = $1, failure_reason = $2, completed_at = NOW()
	          WHERE id = $3 AND status = $4`

	result, err := r.db.Exec(ctx, query,
		models.SessionFailed, reason, id, models.SessionInProgress)
	if err != nil {
		return fmt.Errorf("failed to fail sync session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSyncSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncSession, error) {
	query := `SELECT id, user_id, sync_type, status, started_at, completed_at, changes_count, conflicts_count, failure_reason
	          FROM sync_sessions WHERE id = $1`

	var s models.SyncSession
	err := r.db.QueryRow(ctx, query, id).Scan(
		&s.ID,
		&s.UserID,
		&s.SyncType,
		&s.Status,
		&s.StartedAt,
		&s.CompletedAt,
		&s.ChangesCount,
		&s.ConflictsCount,
		&s.FailureReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync session: %w", err)
	}
	return &s, nil
}
