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

type PostgresPreferenceRepository struct {
	db DBTX
}

func NewPostgresPreferenceRepository(db DBTX) *PostgresPreferenceRepository {
	return &PostgresPreferenceRepository{db: db}
}

func (r *PostgresPreferenceRepository) Get(ctx context.Context, userID uuid.UUID) (*models.Preferences, error) {
	query := `SELECT prefs FROM sync_preferences WHERE user_id = $1`

	var raw []byte
	err := r.db.QueryRow(ctx, query, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}

	var prefs models.Preferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return nil, fmt.Errorf("failed to decode preferences: %w", err)
	}
	return &prefs, nil
}

func (r *PostgresPreferenceRepository) Set(ctx context.Context, userID uuid.UUID, prefs models.Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	query := `INSERT INTO sync_preferences (user_id, prefs)
	          VALUES ($1, $2)
	          ON CONFLICT (user_id) DO UPDATE SET prefs = EXCLUDED.prefs, updated_at = NOW()`

	if _, err := r.db.Exec(ctx, query, userID, raw); err != nil {
		return fmt.Errorf("failed to set preferences: %w", err)
	}
	return nil
}
