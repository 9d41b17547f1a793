// Package schema runs the ordered, idempotent table migrations for both
// the rta and bulletinboard databases and tracks the applied version in
// a single-row marker table, grounded on the teacher's
// RunMetricsMigrations idiom.
package schema

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/righttoaskorg/right-to-ask-server/internal/board"
	"github.com/righttoaskorg/right-to-ask-server/internal/censorship"
	"github.com/righttoaskorg/right-to-ask-server/internal/email"
	"github.com/righttoaskorg/right-to-ask-server/internal/identity"
	"github.com/righttoaskorg/right-to-ask-server/internal/questions"
)

// CurrentVersion is incremented whenever a migration is appended; never
// decreased, never renumbered.
const CurrentVersion = 1

// ensureVersionTable creates the marker table and seeds row 0 if absent.
func ensureVersionTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			version INT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("schema: create version table: %w", err)
	}
	_, err = pool.Exec(ctx, `INSERT INTO schema_version (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("schema: seed version table: %w", err)
	}
	return nil
}

func appliedVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var v int
	if err := pool.QueryRow(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema: read version: %w", err)
	}
	return v, nil
}

func setVersion(ctx context.Context, pool *pgxpool.Pool, v int) error {
	_, err := pool.Exec(ctx, `UPDATE schema_version SET version = $1 WHERE id = 1`, v)
	return err
}

// MigrateRTA runs every rta-database migration (identity, questions,
// censorship, email) in order, idempotently, and records CurrentVersion.
func MigrateRTA(ctx context.Context, pool *pgxpool.Pool) error {
	if err := ensureVersionTable(ctx, pool); err != nil {
		return err
	}
	applied, err := appliedVersion(ctx, pool)
	if err != nil {
		return err
	}
	if applied >= CurrentVersion {
		return nil
	}

	steps := []func(context.Context, *pgxpool.Pool) error{
		identity.Migrate,
		questions.Migrate,
		censorship.Migrate,
		email.Migrate,
	}
	for i, step := range steps {
		if err := step(ctx, pool); err != nil {
			return fmt.Errorf("schema: rta migration step %d: %w", i+1, err)
		}
	}
	return setVersion(ctx, pool, CurrentVersion)
}

// MigrateBulletinBoard runs the bulletin-board database's own migration,
// kept in a separate database per spec section 3 (the two stores are not
// transactionally joined).
func MigrateBulletinBoard(ctx context.Context, pool *pgxpool.Pool) error {
	if err := ensureVersionTable(ctx, pool); err != nil {
		return err
	}
	applied, err := appliedVersion(ctx, pool)
	if err != nil {
		return err
	}
	if applied >= CurrentVersion {
		return nil
	}
	if err := board.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("schema: board migration: %w", err)
	}
	return setVersion(ctx, pool, CurrentVersion)
}
