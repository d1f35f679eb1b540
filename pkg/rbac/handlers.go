package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/procurement/pkg/apperr"
	"github.com/platinummonkey/procurement/pkg/httputil"
	"github.com/platinummonkey/procurement/pkg/middleware"
	"github.com/platinummonkey/procurement/pkg/observability"
)

// Handlers provides HTTP handlers for permission queries and role administration
type Handlers struct {
	store    *Store
	resolver *Resolver
	admin    *Admin
	perms    *PermissionMiddleware
	logger   *observability.Logger
}

// NewHandlers creates new RBAC handlers
func NewHandlers(store *Store, resolver *Resolver, admin *Admin, perms *PermissionMiddleware, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{
		store:    store,
		resolver: resolver,
		admin:    admin,
		perms:    perms,
		logger:   logger.WithComponent("rbac"),
	}
}

// RegisterRoutes registers all RBAC routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Permission queries for the caller
	router.HandleFunc("/permissions/check", h.CheckPermission).Methods("POST")
	router.HandleFunc("/permissions", h.ListUserPermissions).Methods("GET")

	view := h.perms.RequireAny(PermViewRoles, PermManageRoles)
	manage := h.perms.Require(PermManageRoles)

	router.Handle("/permissions/catalog", view(http.HandlerFunc(h.ListCatalog))).Methods("GET")

	// Role management
	router.Handle("/roles", view(http.HandlerFunc(h.ListRoles))).Methods("GET")
	router.Handle("/roles", manage(http.HandlerFunc(h.CreateRole))).Methods("POST")
	router.Handle("/roles/{id}", view(http.HandlerFunc(h.GetRole))).Methods("GET")
	router.Handle("/roles/{id}", manage(http.HandlerFunc(h.DeactivateRole))).Methods("DELETE")
	router.Handle("/roles/{id}/permissions", manage(http.HandlerFunc(h.GrantPermission))).Methods("POST")
	router.Handle("/roles/{id}/permissions/{permission}", manage(http.HandlerFunc(h.RevokePermission))).Methods("DELETE")

	// User role assignments
	router.Handle("/users/{user_id}/assignments", view(http.HandlerFunc(h.ListAssignments))).Methods("GET")
	router.Handle("/assignments", manage(http.HandlerFunc(h.AssignRole))).Methods("POST")
	router.Handle("/assignments/{id}", manage(http.HandlerFunc(h.RevokeAssignment))).Methods("DELETE")
}

// targetUser resolves the user a query is about. Asking about someone else
// requires the role viewing permission.
func (h *Handlers) targetUser(w http.ResponseWriter, r *http.Request, id middleware.Identity, requested *int64) (int64, bool) {
	if requested == nil || *requested == id.UserID {
		return id.UserID, true
	}
	if !h.resolver.HasAnyPermission(r.Context(), id.OrganizationID, id.UserID, []string{PermViewRoles, PermManageRoles}, Global()) {
		httputil.WriteForbidden(w, "insufficient permissions")
		return 0, false
	}
	return *requested, true
}

type checkRequest struct {
	Permission string `json:"permission"`
	UserID     *int64 `json:"user_id,omitempty"`
	SiteID     *int64 `json:"site_id,omitempty"`
	AreaID     *int64 `json:"area_id,omitempty"`
}

type checkResponse struct {
	Permission string `json:"permission"`
	UserID     int64  `json:"user_id"`
	Allowed    bool   `json:"allowed"`
}

// CheckPermission answers a single yes/no permission query
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req checkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	userID, ok := h.targetUser(w, r, id, req.UserID)
	if !ok {
		return
	}

	allowed := h.resolver.HasPermission(r.Context(), id.OrganizationID, userID, req.Permission,
		Scope{SiteID: req.SiteID, AreaID: req.AreaID})
	_ = httputil.WriteSuccess(w, checkResponse{Permission: req.Permission, UserID: userID, Allowed: allowed})
}

// ListUserPermissions lists the effective permissions of the caller, or of ?user_id=
func (h *Handlers) ListUserPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	requested, err := httputil.ParseOptionalInt64(r, "user_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	scope, err := ScopeFromRequest(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	userID, ok := h.targetUser(w, r, id, requested)
	if !ok {
		return
	}

	_ = httputil.WriteSuccess(w, h.resolver.GetUserPermissions(r.Context(), id.OrganizationID, userID, scope))
}

// ListCatalog lists every permission atom
func (h *Handlers) ListCatalog(w http.ResponseWriter, r *http.Request) {
	perms, err := h.store.ListPermissions(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, perms)
}

// ListRoles lists the organization's roles; ?include_inactive=true adds deactivated ones
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)

	includeInactive, err := httputil.ParseQueryBool(r, "include_inactive", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	roles, err := h.store.ListRoles(r.Context(), id.OrganizationID, includeInactive)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	if roles == nil {
		roles = []*Role{}
	}
	_ = httputil.WriteSuccess(w, roles)
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Color       string   `json:"color"`
	Permissions []string `json:"permissions"`
}

type roleResponse struct {
	*Role
	Permissions []CatalogPermission `json:"permissions"`
}

// CreateRole creates a role and grants its initial permissions
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := middleware.GetIdentity(r)

	var req createRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	perms := make([]Permission, 0, len(req.Permissions))
	for _, s := range req.Permissions {
		p, err := ParsePermission(s)
		if err != nil {
			httputil.WriteAppError(w, r, h.logger, err)
			return
		}
		perms = append(perms, p)
	}

	role := &Role{
		OrganizationID: id.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		Color:          req.Color,
	}
	if err := h.admin.CreateRole(ctx, id.UserID, role); err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	for _, p := range perms {
		if err := h.admin.GrantPermission(ctx, id.OrganizationID, id.UserID, role.ID, p); err != nil {
			httputil.WriteAppError(w, r, h.logger, err)
			return
		}
	}

	granted, err := h.store.RolePermissions(ctx, id.OrganizationID, role.ID)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, roleResponse{Role: role, Permissions: nonNil(granted)})
}

// GetRole returns a role with its permissions
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.store.GetRole(r.Context(), id.OrganizationID, roleID)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	perms, err := h.store.RolePermissions(r.Context(), id.OrganizationID, roleID)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, roleResponse{Role: role, Permissions: nonNil(perms)})
}

// DeactivateRole soft-deactivates a role
func (h *Handlers) DeactivateRole(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.admin.DeactivateRole(r.Context(), id.OrganizationID, id.UserID, roleID); err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}

type grantRequest struct {
	Permission string `json:"permission"`
}

// GrantPermission grants a permission to a role
func (h *Handlers) GrantPermission(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req grantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	p, err := ParsePermission(req.Permission)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}

	if err := h.admin.GrantPermission(r.Context(), id.OrganizationID, id.UserID, roleID, p); err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RevokePermission revokes a permission from a role
func (h *Handlers) RevokePermission(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	p, err := ParsePermission(mux.Vars(r)["permission"])
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}

	if err := h.admin.RevokePermission(r.Context(), id.OrganizationID, id.UserID, roleID, p); err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListAssignments lists a user's role assignments
func (h *Handlers) ListAssignments(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	assignments, err := h.store.ListAssignments(r.Context(), id.OrganizationID, userID)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	if assignments == nil {
		assignments = []*UserRoleAssignment{}
	}
	_ = httputil.WriteSuccess(w, assignments)
}

type assignRequest struct {
	UserID int64  `json:"user_id"`
	RoleID int64  `json:"role_id"`
	SiteID *int64 `json:"site_id,omitempty"`
	AreaID *int64 `json:"area_id,omitempty"`
}

// AssignRole assigns a role to a user at organization, site or area scope
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)

	var req assignRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RoleID <= 0 {
		httputil.WriteAppError(w, r, h.logger, apperr.Validation("role_id is required"))
		return
	}

	assignment := &UserRoleAssignment{
		OrganizationID: id.OrganizationID,
		UserID:         req.UserID,
		RoleID:         req.RoleID,
		SiteID:         req.SiteID,
		AreaID:         req.AreaID,
	}
	if err := h.admin.AssignRole(r.Context(), id.UserID, assignment); err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, assignment)
}

// RevokeAssignment removes a role assignment
func (h *Handlers) RevokeAssignment(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	assignmentID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.admin.RevokeAssignment(r.Context(), id.OrganizationID, id.UserID, assignmentID); err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}

func nonNil(perms []CatalogPermission) []CatalogPermission {
	if perms == nil {
		return []CatalogPermission{}
	}
	return perms
}
