package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/procurement/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		component VARCHAR(64) NOT NULL,
		version INTEGER NOT NULL,
		description TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (component, version)
	)
`

// RunMigrations applies the pending migrations of one component, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, component string, migrations []Migration, logger *observability.Logger) error {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations WHERE component = $1", component)
	if err != nil {
		return fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"component": component,
			"version":   m.Version,
		})
		log.Infof("Running migration: %s", m.Description)

		err := WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %s/%d: %w", component, m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (component, version, description) VALUES ($1, $2, $3)",
				component, m.Version, m.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %s/%d: %w", component, m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}
