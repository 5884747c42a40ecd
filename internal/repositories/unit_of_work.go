package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgUnitOfWork runs functions inside a Postgres transaction with the full
// repository set bound to it.
type PgUnitOfWork struct {
	pool *pgxpool.Pool
}

func NewPgUnitOfWork(pool *pgxpool.Pool) *PgUnitOfWork {
	return &PgUnitOfWork{pool: pool}
}

func (u *PgUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, r *TxRepos) error) error {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	repos := &TxRepos{
		Entities:   NewPostgresEntityRepository(tx),
		Tombstones: NewPostgresTombstoneRepository(tx),
		Conflicts:  NewPostgresConflictRepository(tx),
		ChangeLog:  NewPostgresChangeLogRepository(tx),
	}

	if err := fn(ctx, repos); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
