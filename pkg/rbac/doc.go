// Package rbac resolves what a user may do inside an organization.
//
// # Model
//
// Permissions are global (category, action) atoms such as
// requests.approve_requests. Roles belong to one organization and carry a set
// of permissions. A user holds roles through assignments, each of which is
// organization-wide, limited to one site, or limited to one area:
//
//	store := rbac.NewStore(storage.Single(db))
//	role := &rbac.Role{OrganizationID: orgID, Name: "Approver"}
//	_ = store.CreateRole(ctx, role)
//	_ = store.GrantPermission(ctx, orgID, role.ID, rbac.MustPermission(rbac.PermApproveRequests))
//	_ = store.AssignRole(ctx, &rbac.UserRoleAssignment{OrganizationID: orgID, UserID: userID, RoleID: role.ID, SiteID: &siteID})
//
// # Resolution
//
// The Resolver loads one Snapshot per (organization, user) and evaluates
// every query against it:
//
//   - A user holding system.full_admin_access through any assignment is
//     granted everything at every scope.
//   - A query without site or area matches every assignment.
//   - Otherwise organization-wide assignments always match, site assignments
//     match only that site with no area, and area assignments match only that area.
//
// Resolution never returns an error. When the store is unavailable the
// failure is logged and counted and the answer is "no".
//
// # Caching
//
// Snapshots may be cached in process (MemoryCache) or in Redis (RedisCache)
// for a few seconds. Admin invalidates the affected snapshots after every
// grant or assignment change.
//
// # HTTP
//
// PermissionMiddleware.Require guards routes; site_id and area_id come from
// route variables or the query string. Handlers exposes permission checks for
// the caller and the role administration endpoints.
package rbac
