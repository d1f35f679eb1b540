package workflow

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/procurement/pkg/audit"
)

const (
	testOrg  int64 = 1
	otherOrg int64 = 2
	actor    int64 = 50
)

const schema = `
	CREATE TABLE roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		organization_id INTEGER NOT NULL,
		name TEXT NOT NULL
	);

	CREATE TABLE approval_workflows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		organization_id INTEGER NOT NULL,
		lineage_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		trigger_type TEXT NOT NULL,
		trigger_conditions TEXT,
		is_default BOOLEAN NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		parent_workflow_id INTEGER,
		created_by INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(lineage_id, version)
	);

	CREATE TABLE approval_levels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id INTEGER NOT NULL,
		level_order INTEGER NOT NULL,
		role_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(workflow_id, level_order)
	);

	CREATE TABLE workflow_lineages (
		lineage_id TEXT PRIMARY KEY,
		organization_id INTEGER NOT NULL,
		latest_workflow_id INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE workflow_change_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id INTEGER NOT NULL,
		organization_id INTEGER NOT NULL,
		actor_id INTEGER NOT NULL,
		summary TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE request_approvals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id INTEGER NOT NULL,
		workflow_id INTEGER NOT NULL,
		level_order INTEGER NOT NULL
	);
`

const uniqueDefaultIndex = `
	CREATE UNIQUE INDEX uniq_approval_workflows_active_default
		ON approval_workflows(organization_id) WHERE is_active AND is_default;
`

// setupTestDB opens an in-memory database; withIndex adds the partial unique
// index on active defaults
func setupTestDB(t *testing.T, withIndex bool) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ddl := schema
	if withIndex {
		ddl += uniqueDefaultIndex
	}
	if _, err := db.Exec(ddl); err != nil {
		t.Fatalf("Failed to create test tables: %v", err)
	}
	return db
}

type testRoles struct {
	A, B, C, Foreign int64
}

func seedRoles(t *testing.T, db *sql.DB) testRoles {
	insert := func(org int64, name string) int64 {
		res, err := db.Exec("INSERT INTO roles (organization_id, name) VALUES ($1, $2)", org, name)
		require.NoError(t, err)
		id, err := res.LastInsertId()
		require.NoError(t, err)
		return id
	}
	return testRoles{
		A:       insert(testOrg, "Supervisor"),
		B:       insert(testOrg, "Finance"),
		C:       insert(testOrg, "Director"),
		Foreign: insert(otherOrg, "Elsewhere"),
	}
}

// testClock advances one second per reading
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	db      *sql.DB
	manager *Manager
	audit   *audit.MemoryLogger
	roles   testRoles
}

func setup(t *testing.T, opts ...Option) *fixture {
	db := setupTestDB(t, true)
	memory := audit.NewMemoryLogger()
	opts = append([]Option{
		WithAudit(audit.NewRecorder(memory, nil)),
		WithClock(newTestClock().Now),
	}, opts...)
	return &fixture{
		db:      db,
		manager: NewManager(db, opts...),
		audit:   memory,
		roles:   seedRoles(t, db),
	}
}

func (f *fixture) count(t *testing.T, query string, args ...interface{}) int {
	var n int
	require.NoError(t, f.db.QueryRow(query, args...).Scan(&n))
	return n
}

func boolPtr(b bool) *bool {
	return &b
}

func strPtr(s string) *string {
	return &s
}
