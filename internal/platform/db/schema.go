package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaSQL contains the grant table definitions and indexes. Statements use
// CREATE ... IF NOT EXISTS so applying the schema is idempotent.
//
//go:embed schema.sql
var SchemaSQL string

// EnsureSchema applies the embedded schema. Safe to run on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, SchemaSQL); err != nil {
		return fmt.Errorf("platform/db: ensure schema: %w", err)
	}
	return nil
}
