// Package storage provides the relational plumbing shared by the engine's components.
//
// # Overview
//
// The engine treats PostgreSQL as an ACID store with referential constraints.
// This package holds the pieces every component needs on top of database/sql:
//
//   - Config: connection settings for the primary, read replicas and Redis
//   - DBTX: the subset of *sql.DB / *sql.Tx used by the stores
//   - WithTx: all-or-nothing execution of a multi-statement mutation
//   - Locker: organization-scoped serialization of default-flag mutations
//   - Classify / IsUniqueViolation: mapping of driver errors to apperr kinds
//   - RunMigrations: versioned schema migrations per component
//
// # Transactions
//
// Every workflow and approval mutation runs inside WithTx. A failure at any
// statement rolls back the whole unit; callers never compensate partial writes:
//
//	err := storage.WithTx(ctx, db, func(tx *sql.Tx) error {
//		if err := locker.LockOrganization(ctx, tx, orgID); err != nil {
//			return err
//		}
//		// ... statements against tx
//		return nil
//	})
//
// # Locking
//
// PostgreSQL checks non-deferrable unique indexes per row, so the partial index
// guarding "one active default workflow per organization" cannot by itself
// prevent two concurrent transactions from racing to the commit. AdvisoryLocker
// takes pg_advisory_xact_lock keyed by organization for the lifetime of the
// transaction. NoopLocker is used by SQLite-backed tests where writers are
// already serialized.
//
// # Subpackages
//
//   - postgres: primary/replica connection management and the Redis client
package storage
