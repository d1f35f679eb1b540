package storage

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
)

// Locker serializes mutations that touch an organization's default workflow
type Locker interface {
	LockOrganization(ctx context.Context, tx *sql.Tx, orgID int64) error
}

// AdvisoryLocker takes a PostgreSQL transaction-scoped advisory lock per organization.
// The lock is released automatically on commit or rollback.
type AdvisoryLocker struct {
	// Namespace separates these locks from other advisory lock users of the database
	Namespace string
}

// NewAdvisoryLocker creates an advisory locker for the given namespace
func NewAdvisoryLocker(namespace string) *AdvisoryLocker {
	return &AdvisoryLocker{Namespace: namespace}
}

// LockOrganization blocks until the organization's lock is held by tx
func (l *AdvisoryLocker) LockOrganization(ctx context.Context, tx *sql.Tx, orgID int64) error {
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", l.Key(orgID)); err != nil {
		return fmt.Errorf("failed to acquire organization lock: %w", err)
	}
	return nil
}

// Key derives the 64-bit advisory lock key for an organization
func (l *AdvisoryLocker) Key(orgID int64) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d", l.Namespace, orgID)
	return int64(h.Sum64())
}

// NoopLocker does nothing; SQLite serializes writers on its own
type NoopLocker struct{}

// LockOrganization implements Locker
func (NoopLocker) LockOrganization(context.Context, *sql.Tx, int64) error {
	return nil
}
