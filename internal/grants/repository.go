package grants

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/entitle-io/entitle/internal/platform/db"
)

// PrincipalRow mirrors grant_principals.
type PrincipalRow struct {
	ID         string
	Admin      bool
	Generation int64
}

// ResourceRow mirrors grant_resources with the body still encoded.
type ResourceRow struct {
	Type string
	Name string
	Body []byte
}

// PrincipalEdgeRow is one row of the principal LEFT JOIN edge scan.
// ResourceType and ResourceName are nil for principals with no edges.
type PrincipalEdgeRow struct {
	PrincipalID  string
	Admin        bool
	ResourceType *string
	ResourceName *string
}

// SweepStats counts rows removed by a generation sweep.
type SweepStats struct {
	Principals int64
	Resources  int64
	Edges      int64
}

// Total returns the number of swept rows across all three tables.
func (s SweepStats) Total() int64 {
	return s.Principals + s.Resources + s.Edges
}

// Repository persists grants across the three grant tables. Writes run in
// repeatable-read transactions retried per the write policy; reads retry per
// the read policy.
type Repository struct {
	pool       *pgxpool.Pool
	readRetry  db.RetryPolicy
	writeRetry db.RetryPolicy
}

// NewRepository constructs Repository with the default retry policies.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool:       pool,
		readRetry:  db.DefaultReadRetry,
		writeRetry: db.DefaultWriteRetry,
	}
}

// WithRetryPolicies overrides the read and write retry policies.
func (r *Repository) WithRetryPolicies(read, write db.RetryPolicy) *Repository {
	r.readRetry = read
	r.writeRetry = write
	return r
}

const (
	upsertPrincipalSQL = `INSERT INTO grant_principals (principal_id, is_admin, generation)
VALUES ($1, $2, $3)
ON CONFLICT (principal_id) DO UPDATE SET is_admin = EXCLUDED.is_admin, generation = EXCLUDED.generation`

	upsertResourceSQL = `INSERT INTO grant_resources (resource_type, resource_name, body, generation)
VALUES ($1, $2, $3, $4)
ON CONFLICT (resource_type, resource_name) DO UPDATE SET body = EXCLUDED.body, generation = EXCLUDED.generation`

	upsertEdgeSQL = `INSERT INTO grant_edges (principal_id, resource_type, resource_name, generation)
VALUES ($1, $2, $3, $4)
ON CONFLICT (principal_id, resource_type, resource_name) DO UPDATE SET generation = EXCLUDED.generation`
)

// ReplaceGrants replaces one principal's grants in a single transaction:
// upsert the principal row, every referenced resource, and one edge per
// resource, all stamped with generation, then delete the principal's edges
// whose generation is older. Rows not re-asserted in this call are the ones
// swept, so no explicit before/after diff is needed.
func (r *Repository) ReplaceGrants(ctx context.Context, principalID string, admin bool, resources []ResourceRow, generation int64) error {
	return db.WithTx(ctx, r.pool, r.writeRetry, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertPrincipalSQL, principalID, admin, generation); err != nil {
			return fmt.Errorf("grants: upsert principal %q: %w", principalID, err)
		}
		for _, res := range resources {
			if _, err := tx.Exec(ctx, upsertResourceSQL, res.Type, res.Name, res.Body, generation); err != nil {
				return fmt.Errorf("grants: upsert resource %s/%s: %w", res.Type, res.Name, err)
			}
			if _, err := tx.Exec(ctx, upsertEdgeSQL, principalID, res.Type, res.Name, generation); err != nil {
				return fmt.Errorf("grants: upsert edge %q -> %s/%s: %w", principalID, res.Type, res.Name, err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM grant_edges WHERE principal_id = $1 AND generation < $2`, principalID, generation); err != nil {
			return fmt.Errorf("grants: sweep edges for %q: %w", principalID, err)
		}
		return nil
	})
}

// UpsertResources writes a batch of encoded resources in one transaction.
func (r *Repository) UpsertResources(ctx context.Context, resources []ResourceRow, generation int64) error {
	if len(resources) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, r.writeRetry, func(tx pgx.Tx) error {
		for _, res := range resources {
			if _, err := tx.Exec(ctx, upsertResourceSQL, res.Type, res.Name, res.Body, generation); err != nil {
				return fmt.Errorf("grants: upsert resource %s/%s: %w", res.Type, res.Name, err)
			}
		}
		return nil
	})
}

// UpsertPrincipalGrants writes one principal's row and edges in one
// transaction, without sweeping. Resource bodies are not written here;
// callers persist them beforehand via UpsertResources.
func (r *Repository) UpsertPrincipalGrants(ctx context.Context, principalID string, admin bool, resources []ResourceRow, generation int64) error {
	return db.WithTx(ctx, r.pool, r.writeRetry, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertPrincipalSQL, principalID, admin, generation); err != nil {
			return fmt.Errorf("grants: upsert principal %q: %w", principalID, err)
		}
		for _, res := range resources {
			if _, err := tx.Exec(ctx, upsertEdgeSQL, principalID, res.Type, res.Name, generation); err != nil {
				return fmt.Errorf("grants: upsert edge %q -> %s/%s: %w", principalID, res.Type, res.Name, err)
			}
		}
		return nil
	})
}

// SweepOlderThan deletes every edge, principal, and resource row whose
// generation is strictly older than generation, in one transaction.
func (r *Repository) SweepOlderThan(ctx context.Context, generation int64) (SweepStats, error) {
	var stats SweepStats
	err := db.WithTx(ctx, r.pool, r.writeRetry, func(tx pgx.Tx) error {
		stats = SweepStats{}
		tag, err := tx.Exec(ctx, `DELETE FROM grant_edges WHERE generation < $1`, generation)
		if err != nil {
			return fmt.Errorf("grants: sweep edges: %w", err)
		}
		stats.Edges = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM grant_principals WHERE generation < $1`, generation)
		if err != nil {
			return fmt.Errorf("grants: sweep principals: %w", err)
		}
		stats.Principals = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM grant_resources WHERE generation < $1`, generation)
		if err != nil {
			return fmt.Errorf("grants: sweep resources: %w", err)
		}
		stats.Resources = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return SweepStats{}, err
	}
	return stats, nil
}

// DeletePrincipal removes the principal's edges and its principal row in one
// transaction. Resource rows the principal referenced stay behind until a
// sweep reclaims them. Deleting an absent principal is a no-op.
func (r *Repository) DeletePrincipal(ctx context.Context, principalID string) error {
	return db.WithTx(ctx, r.pool, r.writeRetry, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM grant_edges WHERE principal_id = $1`, principalID); err != nil {
			return fmt.Errorf("grants: delete edges for %q: %w", principalID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM grant_principals WHERE principal_id = $1`, principalID); err != nil {
			return fmt.Errorf("grants: delete principal %q: %w", principalID, err)
		}
		return nil
	})
}

// GetPrincipal reads one principal row. Absence maps to ErrNotFound.
func (r *Repository) GetPrincipal(ctx context.Context, principalID string) (PrincipalRow, error) {
	var row PrincipalRow
	err := db.WithRetry(ctx, r.readRetry, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT principal_id, is_admin, generation FROM grant_principals WHERE principal_id = $1`,
			principalID,
		).Scan(&row.ID, &row.Admin, &row.Generation)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PrincipalRow{}, ErrNotFound
		}
		return PrincipalRow{}, fmt.Errorf("grants: get principal %q: %w", principalID, err)
	}
	return row, nil
}

// PrincipalGeneration reads only the stored generation of one principal.
// Kept single-column so freshness probes stay cheap. Absence maps to
// ErrNotFound.
func (r *Repository) PrincipalGeneration(ctx context.Context, principalID string) (int64, error) {
	var generation int64
	err := db.WithRetry(ctx, r.readRetry, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT generation FROM grant_principals WHERE principal_id = $1`,
			principalID,
		).Scan(&generation)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("grants: get generation of %q: %w", principalID, err)
	}
	return generation, nil
}

// ResourcesFor reads the encoded resources of one type granted to one
// principal, via the edge join.
func (r *Repository) ResourcesFor(ctx context.Context, principalID, resourceType string) ([]ResourceRow, error) {
	var out []ResourceRow
	err := db.WithRetry(ctx, r.readRetry, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `SELECT r.resource_type, r.resource_name, r.body
FROM grant_edges e
JOIN grant_resources r ON r.resource_type = e.resource_type AND r.resource_name = e.resource_name
WHERE e.principal_id = $1 AND e.resource_type = $2
ORDER BY r.resource_name`, principalID, resourceType)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var res ResourceRow
			if err := rows.Scan(&res.Type, &res.Name, &res.Body); err != nil {
				return err
			}
			out = append(out, res)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("grants: resources of %q type %s: %w", principalID, resourceType, err)
	}
	return out, nil
}

// PrincipalsWithRole returns the sorted distinct principal ids holding an
// edge to a role resource named any of roles.
func (r *Repository) PrincipalsWithRole(ctx context.Context, roles []string) ([]string, error) {
	var out []string
	err := db.WithRetry(ctx, r.readRetry, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `SELECT DISTINCT principal_id
FROM grant_edges
WHERE resource_type = $1 AND resource_name = ANY($2)
ORDER BY principal_id`, TypeRole, roles)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("grants: principals with roles %v: %w", roles, err)
	}
	return out, nil
}

// ResourcesInScope prefetches the distinct encoded resources referenced by
// any edge of the scoped principals. A nil scope means every resource.
func (r *Repository) ResourcesInScope(ctx context.Context, principalIDs []string) ([]ResourceRow, error) {
	query := `SELECT resource_type, resource_name, body
FROM grant_resources
ORDER BY resource_type, resource_name`
	args := []any{}
	if principalIDs != nil {
		query = `SELECT DISTINCT r.resource_type, r.resource_name, r.body
FROM grant_resources r
JOIN grant_edges e ON e.resource_type = r.resource_type AND e.resource_name = r.resource_name
WHERE e.principal_id = ANY($1)
ORDER BY r.resource_type, r.resource_name`
		args = append(args, principalIDs)
	}

	var out []ResourceRow
	err := db.WithRetry(ctx, r.readRetry, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var res ResourceRow
			if err := rows.Scan(&res.Type, &res.Name, &res.Body); err != nil {
				return err
			}
			out = append(out, res)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("grants: prefetch resources: %w", err)
	}
	return out, nil
}

// PrincipalEdges reads the principal LEFT JOIN edge rows for the scoped
// principals, ordered by principal id. A nil scope means every principal.
// Principals with no edges produce one row with nil resource columns, so
// admin-only principals still appear.
func (r *Repository) PrincipalEdges(ctx context.Context, principalIDs []string) ([]PrincipalEdgeRow, error) {
	query := `SELECT p.principal_id, p.is_admin, e.resource_type, e.resource_name
FROM grant_principals p
LEFT JOIN grant_edges e ON e.principal_id = p.principal_id
ORDER BY p.principal_id`
	args := []any{}
	if principalIDs != nil {
		query = `SELECT p.principal_id, p.is_admin, e.resource_type, e.resource_name
FROM grant_principals p
LEFT JOIN grant_edges e ON e.principal_id = p.principal_id
WHERE p.principal_id = ANY($1)
ORDER BY p.principal_id`
		args = append(args, principalIDs)
	}

	var out []PrincipalEdgeRow
	err := db.WithRetry(ctx, r.readRetry, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var row PrincipalEdgeRow
			if err := rows.Scan(&row.PrincipalID, &row.Admin, &row.ResourceType, &row.ResourceName); err != nil {
				return err
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("grants: scan principal edges: %w", err)
	}
	return out, nil
}

// PruneOrphanResources deletes resource rows that no edge references and
// whose generation is older than olderThan. The age guard keeps freshly
// written resources safe while a bulk synchronization is between phases.
func (r *Repository) PruneOrphanResources(ctx context.Context, olderThan int64) (int64, error) {
	var pruned int64
	err := db.WithTx(ctx, r.pool, r.writeRetry, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM grant_resources r
WHERE r.generation < $1
AND NOT EXISTS (
    SELECT 1 FROM grant_edges e
    WHERE e.resource_type = r.resource_type AND e.resource_name = r.resource_name
)`, olderThan)
		if err != nil {
			return fmt.Errorf("grants: prune orphan resources: %w", err)
		}
		pruned = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}
