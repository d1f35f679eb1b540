package rbac

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/procurement/pkg/storage"
)

const testOrg int64 = 1

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	// Same shape as Migrations, in SQLite dialect
	_, err = db.Exec(`
		CREATE TABLE roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			organization_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			color TEXT,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			category TEXT NOT NULL,
			action TEXT NOT NULL,
			description TEXT,
			is_system BOOLEAN NOT NULL DEFAULT 0,
			UNIQUE(category, action)
		);

		CREATE TABLE role_permissions (
			role_id INTEGER NOT NULL,
			permission_id INTEGER NOT NULL,
			PRIMARY KEY (role_id, permission_id)
		);

		CREATE TABLE user_role_assignments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			organization_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL,
			site_id INTEGER,
			area_id INTEGER,
			created_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create test tables: %v", err)
	}

	return db
}

// setupStore returns a store over a fresh database with the built-in catalog seeded
func setupStore(t *testing.T) *Store {
	store := NewStore(storage.Single(setupTestDB(t)))
	require.NoError(t, store.SeedCatalog(context.Background(), BuiltInPermissions()))
	return store
}

// createRole creates an active role in org granting perms
func createRole(t *testing.T, store *Store, org int64, name string, perms ...string) *Role {
	ctx := context.Background()
	role := &Role{OrganizationID: org, Name: name}
	require.NoError(t, store.CreateRole(ctx, role))
	for _, perm := range perms {
		p := MustPermission(perm)
		require.NoError(t, store.EnsurePermission(ctx, &CatalogPermission{Category: p.Category, Action: p.Action}))
		require.NoError(t, store.GrantPermission(ctx, org, role.ID, p))
	}
	return role
}

func assign(t *testing.T, store *Store, org, userID, roleID int64, siteID, areaID *int64) *UserRoleAssignment {
	a := &UserRoleAssignment{OrganizationID: org, UserID: userID, RoleID: roleID, SiteID: siteID, AreaID: areaID}
	require.NoError(t, store.AssignRole(context.Background(), a))
	return a
}

func id64(v int64) *int64 {
	return &v
}
