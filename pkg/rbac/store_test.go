package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/procurement/pkg/apperr"
)

func TestStore_CreateAndGetRole(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	role := &Role{OrganizationID: testOrg, Name: "Buyer", Description: "Places requests", Color: "#336699"}
	require.NoError(t, store.CreateRole(ctx, role))
	assert.NotZero(t, role.ID)
	assert.True(t, role.IsActive)

	got, err := store.GetRole(ctx, testOrg, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "Buyer", got.Name)
	assert.Equal(t, "Places requests", got.Description)
	assert.Equal(t, "#336699", got.Color)

	t.Run("foreign organization is not found", func(t *testing.T) {
		_, err := store.GetRole(ctx, testOrg+1, role.ID)
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})

	t.Run("name is required", func(t *testing.T) {
		err := store.CreateRole(ctx, &Role{OrganizationID: testOrg})
		assert.True(t, errors.Is(err, apperr.ErrValidation))
	})
}

func TestStore_DeactivateRole(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	active := createRole(t, store, testOrg, "Active")
	retired := createRole(t, store, testOrg, "Retired")
	require.NoError(t, store.DeactivateRole(ctx, testOrg, retired.ID))

	roles, err := store.ListRoles(ctx, testOrg, false)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, active.ID, roles[0].ID)

	roles, err = store.ListRoles(ctx, testOrg, true)
	require.NoError(t, err)
	assert.Len(t, roles, 2)

	got, err := store.GetRole(ctx, testOrg, retired.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	err = store.DeactivateRole(ctx, testOrg+1, active.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestStore_SeedCatalogIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	before, err := store.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, before, len(BuiltInPermissions()))

	require.NoError(t, store.SeedCatalog(ctx, BuiltInPermissions()))
	after, err := store.ListPermissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	for i := 1; i < len(after); i++ {
		prev, cur := after[i-1], after[i]
		assert.True(t, prev.Category < cur.Category || (prev.Category == cur.Category && prev.Action < cur.Action))
	}
}

func TestStore_EnsurePermissionKeepsDescription(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	p := &CatalogPermission{Category: "requests", Action: "approve_requests"}
	require.NoError(t, store.EnsurePermission(ctx, p))
	assert.NotZero(t, p.ID)

	perms, err := store.ListPermissions(ctx)
	require.NoError(t, err)
	for _, c := range perms {
		if c.ID == p.ID {
			assert.Equal(t, "Approve supply requests at an approval level", c.Description)
		}
	}

	err = store.EnsurePermission(ctx, &CatalogPermission{Category: "bad", Action: ""})
	assert.True(t, errors.Is(err, ErrMalformedPermission))
}

func TestStore_GrantPermission(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	role := createRole(t, store, testOrg, "Approver")
	approve := MustPermission(PermApproveRequests)

	t.Run("duplicates collapse", func(t *testing.T) {
		require.NoError(t, store.GrantPermission(ctx, testOrg, role.ID, approve))
		require.NoError(t, store.GrantPermission(ctx, testOrg, role.ID, approve))

		perms, err := store.RolePermissions(ctx, testOrg, role.ID)
		require.NoError(t, err)
		require.Len(t, perms, 1)
		assert.Equal(t, approve, perms[0].Permission())
	})

	t.Run("unknown permission is not found", func(t *testing.T) {
		err := store.GrantPermission(ctx, testOrg, role.ID, Permission{"nope", "nothing"})
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})

	t.Run("foreign role is not found", func(t *testing.T) {
		err := store.GrantPermission(ctx, testOrg+1, role.ID, approve)
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})

	t.Run("deactivated role is rejected", func(t *testing.T) {
		retired := createRole(t, store, testOrg, "Retired")
		require.NoError(t, store.DeactivateRole(ctx, testOrg, retired.ID))
		err := store.GrantPermission(ctx, testOrg, retired.ID, approve)
		assert.True(t, errors.Is(err, apperr.ErrInvariant))
	})

	t.Run("revoke", func(t *testing.T) {
		require.NoError(t, store.RevokePermission(ctx, testOrg, role.ID, approve))
		perms, err := store.RolePermissions(ctx, testOrg, role.ID)
		require.NoError(t, err)
		assert.Empty(t, perms)
	})
}

func TestStore_AssignRole(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	role := createRole(t, store, testOrg, "Approver", PermApproveRequests)

	t.Run("area assignment drops site", func(t *testing.T) {
		a := assign(t, store, testOrg, 7, role.ID, id64(3), id64(4))
		assert.Nil(t, a.SiteID)
		assert.Equal(t, int64(4), *a.AreaID)

		list, err := store.ListAssignments(ctx, testOrg, 7)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Nil(t, list[0].SiteID)
		assert.Equal(t, ScopeArea, list[0].Label())
	})

	t.Run("role of another organization", func(t *testing.T) {
		err := store.AssignRole(ctx, &UserRoleAssignment{OrganizationID: testOrg + 1, UserID: 7, RoleID: role.ID})
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})

	t.Run("invalid user", func(t *testing.T) {
		err := store.AssignRole(ctx, &UserRoleAssignment{OrganizationID: testOrg, RoleID: role.ID})
		assert.True(t, errors.Is(err, apperr.ErrValidation))
	})

	t.Run("revoke", func(t *testing.T) {
		a := assign(t, store, testOrg, 8, role.ID, nil, nil)
		revoked, err := store.RevokeAssignment(ctx, testOrg, a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(8), revoked.UserID)

		_, err = store.RevokeAssignment(ctx, testOrg, a.ID)
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})
}

func TestStore_LoadSnapshot(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	approver := createRole(t, store, testOrg, "Approver", PermApproveRequests, PermViewRequests)
	empty := createRole(t, store, testOrg, "Empty")
	retired := createRole(t, store, testOrg, "Retired", PermManageWorkflows)
	require.NoError(t, store.DeactivateRole(ctx, testOrg, retired.ID))

	assign(t, store, testOrg, 42, approver.ID, id64(1), nil)
	assign(t, store, testOrg, 42, empty.ID, nil, nil)
	assign(t, store, testOrg, 42, retired.ID, nil, nil)
	assign(t, store, testOrg, 43, approver.ID, nil, nil)

	snap, err := store.LoadSnapshot(ctx, testOrg, 42)
	require.NoError(t, err)
	assert.Equal(t, testOrg, snap.OrganizationID)
	assert.Equal(t, int64(42), snap.UserID)
	require.Len(t, snap.Assignments, 2)

	first := snap.Assignments[0]
	assert.Equal(t, approver.ID, first.RoleID)
	assert.Equal(t, int64(1), *first.SiteID)
	require.Len(t, first.Grants, 2)
	assert.Equal(t, "approve_requests", first.Grants[0].Action)
	assert.Equal(t, "view_requests", first.Grants[1].Action)

	second := snap.Assignments[1]
	assert.Equal(t, empty.ID, second.RoleID)
	assert.Empty(t, second.Grants)

	assert.False(t, snap.HoldsRole(retired.ID))

	none, err := store.LoadSnapshot(ctx, testOrg+1, 42)
	require.NoError(t, err)
	assert.Empty(t, none.Assignments)
}
