package approvals

import (
	"context"
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

	roleSupervisor int64 = 31
	roleFinance    int64 = 32
)

const schema = `
	CREATE TABLE approval_workflows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		organization_id INTEGER NOT NULL,
		name TEXT NOT NULL
	);

	CREATE TABLE approval_levels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id INTEGER NOT NULL,
		level_order INTEGER NOT NULL,
		role_id INTEGER NOT NULL,
		UNIQUE(workflow_id, level_order)
	);

	CREATE TABLE request_approvals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		organization_id INTEGER NOT NULL,
		request_id INTEGER NOT NULL,
		workflow_id INTEGER NOT NULL,
		level_order INTEGER NOT NULL,
		status TEXT NOT NULL,
		approver_id INTEGER,
		approved_at TIMESTAMP,
		rejection_reason TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(request_id, workflow_id, level_order)
	);
`

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("Failed to create test tables: %v", err)
	}
	return db
}

// createWorkflow inserts a workflow whose level i+1 is gated by roles[i]
func createWorkflow(t *testing.T, db *sql.DB, orgID int64, roles ...int64) int64 {
	res, err := db.Exec("INSERT INTO approval_workflows (organization_id, name) VALUES ($1, $2)", orgID, "W")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)

	for i, role := range roles {
		_, err := db.Exec("INSERT INTO approval_levels (workflow_id, level_order, role_id) VALUES ($1, $2, $3)", id, i+1, role)
		require.NoError(t, err)
	}
	return id
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	db     *sql.DB
	driver *Driver
	audit  *audit.MemoryLogger
}

func setup(t *testing.T, opts ...Option) *fixture {
	db := setupTestDB(t)
	memory := audit.NewMemoryLogger()
	clock := &testClock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	opts = append([]Option{
		WithAudit(audit.NewRecorder(memory, nil)),
		WithClock(clock.Now),
	}, opts...)
	return &fixture{db: db, driver: NewDriver(db, opts...), audit: memory}
}

func statuses(rows []*RequestApproval) []Status {
	out := make([]Status, len(rows))
	for i, r := range rows {
		out[i] = r.Status
	}
	return out
}

// roleAuthorizer lets each user act for the listed roles
type roleAuthorizer map[int64][]int64

func (a roleAuthorizer) ActsAs(_ context.Context, _, userID, roleID int64) bool {
	for _, r := range a[userID] {
		if r == roleID {
			return true
		}
	}
	return false
}
