package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithTx executes fn within a RepeatableRead transaction, retrying the
// whole transaction per policy when it fails transiently. Retry granularity
// is one transaction attempt: fn may run more than once and must be safe to
// re-execute against a fresh transaction.
func WithTx(ctx context.Context, pool *pgxpool.Pool, policy RetryPolicy, fn func(pgx.Tx) error) error {
	return WithRetry(ctx, policy, func(ctx context.Context) error {
		return runTx(ctx, pool, fn)
	})
}

func runTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
