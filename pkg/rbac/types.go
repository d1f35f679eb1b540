package rbac

import (
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/procurement/pkg/apperr"
)

// ErrMalformedPermission is returned for permission strings that are not "category.action"
var ErrMalformedPermission = fmt.Errorf("malformed permission: %w", apperr.ErrInvariant)

// Permission is a (category, action) atom such as requests.approve_requests
type Permission struct {
	Category string `json:"category"`
	Action   string `json:"action"`
}

// ParsePermission splits s on its first '.' into category and action.
// Both halves must be non-empty.
func ParsePermission(s string) (Permission, error) {
	category, action, ok := strings.Cut(s, ".")
	if !ok || category == "" || action == "" {
		return Permission{}, fmt.Errorf("%q: %w", s, ErrMalformedPermission)
	}
	return Permission{Category: category, Action: action}, nil
}

// MustPermission is ParsePermission for constants; it panics on malformed input
func MustPermission(s string) Permission {
	p, err := ParsePermission(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the "category.action" form
func (p Permission) String() string {
	return p.Category + "." + p.Action
}

// Built-in permission atoms
const (
	PermFullAdminAccess   = "system.full_admin_access"
	PermManageRoles       = "roles.manage_roles"
	PermViewRoles         = "roles.view_roles"
	PermManageWorkflows   = "workflows.manage_workflows"
	PermViewWorkflows     = "workflows.view_workflows"
	PermCreateRequests    = "requests.create_requests"
	PermViewRequests      = "requests.view_requests"
	PermApproveRequests   = "requests.approve_requests"
	PermRejectRequests    = "requests.reject_requests"
	PermFulfillRequests   = "requests.fulfill_requests"
	PermManageSites       = "sites.manage_sites"
	PermManageAreas       = "areas.manage_areas"
	PermManageCatalogue   = "catalogue.manage_items"
	PermViewCatalogue     = "catalogue.view_items"
	PermViewAuditLogs     = "audit.view_logs"
	PermManageUsers       = "users.manage_users"
	PermViewOrganization  = "organization.view_settings"
	PermManageOrgSettings = "organization.manage_settings"
)

// SuperAdmin is the reserved atom that bypasses every check
var SuperAdmin = MustPermission(PermFullAdminAccess)

// ScopeLabel names the breadth of an assignment
type ScopeLabel string

const (
	ScopeOrganization ScopeLabel = "organization"
	ScopeSite         ScopeLabel = "site"
	ScopeArea         ScopeLabel = "area"
)

// Scope is the optional site/area context of a permission query
type Scope struct {
	SiteID *int64 `json:"site_id,omitempty"`
	AreaID *int64 `json:"area_id,omitempty"`
}

// Global is the empty scope used for capability checks
func Global() Scope {
	return Scope{}
}

// AtSite scopes a query to a site
func AtSite(siteID int64) Scope {
	return Scope{SiteID: &siteID}
}

// AtArea scopes a query to an area
func AtArea(areaID int64) Scope {
	return Scope{AreaID: &areaID}
}

// IsGlobal reports whether neither site nor area was supplied
func (s Scope) IsGlobal() bool {
	return s.SiteID == nil && s.AreaID == nil
}

// Role is an organization-owned bundle of permissions
type Role struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Color          string    `json:"color,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CatalogPermission is a permission atom as stored in the global catalog
type CatalogPermission struct {
	ID          int64  `json:"id"`
	Category    string `json:"category"`
	Action      string `json:"action"`
	Description string `json:"description"`
	IsSystem    bool   `json:"is_system"`
}

// Permission returns the atom of the catalog entry
func (c CatalogPermission) Permission() Permission {
	return Permission{Category: c.Category, Action: c.Action}
}

// UserRoleAssignment gives a user a role, optionally narrowed to a site or an area.
// An area assignment never records the site.
type UserRoleAssignment struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	UserID         int64     `json:"user_id"`
	RoleID         int64     `json:"role_id"`
	SiteID         *int64    `json:"site_id,omitempty"`
	AreaID         *int64    `json:"area_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Label returns the scope granularity of the assignment
func (a UserRoleAssignment) Label() ScopeLabel {
	switch {
	case a.AreaID != nil:
		return ScopeArea
	case a.SiteID != nil:
		return ScopeSite
	default:
		return ScopeOrganization
	}
}

// Matches reports whether the assignment applies to a query made at q.
// A global query matches every assignment. Otherwise an organization-wide
// assignment always matches, a site assignment needs that site and no area,
// and an area assignment needs that area.
func (a UserRoleAssignment) Matches(q Scope) bool {
	if q.IsGlobal() {
		return true
	}
	switch a.Label() {
	case ScopeArea:
		return q.AreaID != nil && *q.AreaID == *a.AreaID
	case ScopeSite:
		return q.AreaID == nil && q.SiteID != nil && *q.SiteID == *a.SiteID
	default:
		return true
	}
}

// GrantedAssignment is an assignment together with the permissions its role grants
type GrantedAssignment struct {
	UserRoleAssignment
	Grants []CatalogPermission `json:"grants"`
}

// Snapshot is everything the resolver needs to answer queries for one user
type Snapshot struct {
	OrganizationID int64               `json:"organization_id"`
	UserID         int64               `json:"user_id"`
	Assignments    []GrantedAssignment `json:"assignments"`
	LoadedAt       time.Time           `json:"loaded_at"`
}

// IsSuperAdmin reports whether any assignment, at any scope, grants the super-admin atom
func (s *Snapshot) IsSuperAdmin() bool {
	return s.grantsAnywhere(SuperAdmin)
}

func (s *Snapshot) grantsAnywhere(p Permission) bool {
	for _, a := range s.Assignments {
		for _, g := range a.Grants {
			if g.Category == p.Category && g.Action == p.Action {
				return true
			}
		}
	}
	return false
}

// allows applies the matching rule without the super-admin bypass
func (s *Snapshot) allows(p Permission, q Scope) bool {
	for _, a := range s.Assignments {
		if !a.Matches(q) {
			continue
		}
		for _, g := range a.Grants {
			if g.Category == p.Category && g.Action == p.Action {
				return true
			}
		}
	}
	return false
}

// HoldsRole reports whether any assignment is for roleID
func (s *Snapshot) HoldsRole(roleID int64) bool {
	for _, a := range s.Assignments {
		if a.RoleID == roleID {
			return true
		}
	}
	return false
}

// EffectivePermission is one resolved permission with the scope it was granted at
type EffectivePermission struct {
	Category    string     `json:"category"`
	Action      string     `json:"action"`
	Description string     `json:"description"`
	Scope       ScopeLabel `json:"scope"`
	FullName    string     `json:"full_name"`
}

// BuiltInPermissions is the catalog seeded at startup
func BuiltInPermissions() []CatalogPermission {
	entries := []struct {
		name        string
		description string
	}{
		{PermFullAdminAccess, "Full administrative access to the organization"},
		{PermManageRoles, "Create roles, grant permissions and assign users"},
		{PermViewRoles, "View roles and assignments"},
		{PermManageWorkflows, "Create, version, activate and delete approval workflows"},
		{PermViewWorkflows, "View approval workflows and their history"},
		{PermCreateRequests, "Create supply requests"},
		{PermViewRequests, "View supply requests and their approvals"},
		{PermApproveRequests, "Approve supply requests at an approval level"},
		{PermRejectRequests, "Reject supply requests at an approval level"},
		{PermFulfillRequests, "Mark approved supply requests as fulfilled"},
		{PermManageSites, "Create and edit sites"},
		{PermManageAreas, "Create and edit areas"},
		{PermManageCatalogue, "Create and edit catalogue items"},
		{PermViewCatalogue, "View catalogue items"},
		{PermViewAuditLogs, "View audit logs"},
		{PermManageUsers, "Invite and deactivate users"},
		{PermViewOrganization, "View organization settings"},
		{PermManageOrgSettings, "Edit organization settings"},
	}

	perms := make([]CatalogPermission, 0, len(entries))
	for _, e := range entries {
		p := MustPermission(e.name)
		perms = append(perms, CatalogPermission{
			Category:    p.Category,
			Action:      p.Action,
			Description: e.description,
			IsSystem:    true,
		})
	}
	return perms
}
