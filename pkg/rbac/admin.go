package rbac

import (
	"context"

	"github.com/platinummonkey/procurement/pkg/audit"
)

// Admin wraps the store's mutations with cache invalidation and audit events
type Admin struct {
	store    *Store
	resolver *Resolver
	audit    *audit.Recorder
}

// NewAdmin creates the role administration service
func NewAdmin(store *Store, resolver *Resolver, recorder *audit.Recorder) *Admin {
	return &Admin{store: store, resolver: resolver, audit: recorder}
}

// CreateRole creates a role in the organization
func (a *Admin) CreateRole(ctx context.Context, actorID int64, role *Role) error {
	if err := a.store.CreateRole(ctx, role); err != nil {
		return err
	}
	a.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeAuthzRoleCreate, role.OrganizationID, actorID).
		OnResource(audit.ResourceTypeRole, role.ID).
		WithMessage("created role %q", role.Name))
	return nil
}

// DeactivateRole soft-deactivates a role and drops the organization's cached snapshots
func (a *Admin) DeactivateRole(ctx context.Context, orgID, actorID, roleID int64) error {
	if err := a.store.DeactivateRole(ctx, orgID, roleID); err != nil {
		return err
	}
	a.resolver.InvalidateOrganization(ctx, orgID)
	a.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeAuthzRoleDeactivate, orgID, actorID).
		OnResource(audit.ResourceTypeRole, roleID))
	return nil
}

// GrantPermission grants perm to a role
func (a *Admin) GrantPermission(ctx context.Context, orgID, actorID, roleID int64, perm Permission) error {
	if err := a.store.GrantPermission(ctx, orgID, roleID, perm); err != nil {
		return err
	}
	a.resolver.InvalidateOrganization(ctx, orgID)
	a.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeAuthzPermissionGrant, orgID, actorID).
		OnResource(audit.ResourceTypeRole, roleID).
		WithMeta("permission", perm.String()))
	return nil
}

// RevokePermission revokes perm from a role
func (a *Admin) RevokePermission(ctx context.Context, orgID, actorID, roleID int64, perm Permission) error {
	if err := a.store.RevokePermission(ctx, orgID, roleID, perm); err != nil {
		return err
	}
	a.resolver.InvalidateOrganization(ctx, orgID)
	a.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeAuthzPermissionRevoke, orgID, actorID).
		OnResource(audit.ResourceTypeRole, roleID).
		WithMeta("permission", perm.String()))
	return nil
}

// AssignRole records an assignment and drops the user's cached snapshot
func (a *Admin) AssignRole(ctx context.Context, actorID int64, assignment *UserRoleAssignment) error {
	if err := a.store.AssignRole(ctx, assignment); err != nil {
		return err
	}
	a.resolver.Invalidate(ctx, assignment.OrganizationID, assignment.UserID)
	a.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeAuthzRoleAssign, assignment.OrganizationID, actorID).
		OnResource(audit.ResourceTypeAssignment, assignment.ID).
		WithMeta("user_id", assignment.UserID).
		WithMeta("role_id", assignment.RoleID).
		WithMeta("scope", string(assignment.Label())))
	return nil
}

// RevokeAssignment removes an assignment and drops the user's cached snapshot
func (a *Admin) RevokeAssignment(ctx context.Context, orgID, actorID, assignmentID int64) error {
	assignment, err := a.store.RevokeAssignment(ctx, orgID, assignmentID)
	if err != nil {
		return err
	}
	a.resolver.Invalidate(ctx, orgID, assignment.UserID)
	a.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeAuthzRoleRevoke, orgID, actorID).
		OnResource(audit.ResourceTypeAssignment, assignmentID).
		WithMeta("user_id", assignment.UserID).
		WithMeta("role_id", assignment.RoleID))
	return nil
}
