package repositories

import (
	"context"
	"fmt"
	"time"
)

type PostgresSweepMarkerRepository struct {
	db DBTX
}

func NewPostgresSweepMarkerRepository(db DBTX) *PostgresSweepMarkerRepository {
	return &PostgresSweepMarkerRepository{db: db}
}

// Acquire is a compare-and-advance on the marker row: only one caller wins
// per interval, so concurrent schedulers cannot double-fire a sweep.
func (r *PostgresSweepMarkerRepository) Acquire(ctx context.Context, name string, notAfter, now time.Time) (bool, error) {
	query := `INSERT INTO sync_sweep_markers (name, last_run)
	          VALUES ($1, $2)
	          ON CONFLICT (name) DO UPDATE SET last_run = EXCLUDED.last_run
	          WHERE sync_sweep_markers.last_run < $3`

	result, err := r.db.Exec(ctx, query, name, now, notAfter)
	if err != nil {
		return false, fmt.Errorf("failed to acquire sweep marker: %w", err)
	}
	return result.RowsAffected() > 0, nil
}
