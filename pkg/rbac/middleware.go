package rbac

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/procurement/pkg/audit"
	"github.com/platinummonkey/procurement/pkg/httputil"
	"github.com/platinummonkey/procurement/pkg/middleware"
)

// Query and route variables that narrow a permission check
const (
	SiteParam = "site_id"
	AreaParam = "area_id"
)

// PermissionMiddleware guards routes with permission checks
type PermissionMiddleware struct {
	checker Checker
	audit   *audit.Recorder
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(checker Checker, recorder *audit.Recorder) *PermissionMiddleware {
	return &PermissionMiddleware{checker: checker, audit: recorder}
}

// ScopeFromRequest reads site_id and area_id from the route variables or the query string
func ScopeFromRequest(r *http.Request) (Scope, error) {
	siteID, err := httputil.ParseOptionalInt64(r, SiteParam)
	if err != nil {
		return Scope{}, err
	}
	areaID, err := httputil.ParseOptionalInt64(r, AreaParam)
	if err != nil {
		return Scope{}, err
	}
	return Scope{SiteID: siteID, AreaID: areaID}, nil
}

// Require creates middleware that requires perm, a "category.action" constant.
// It panics on a malformed constant.
func (pm *PermissionMiddleware) Require(perm string) func(http.Handler) http.Handler {
	return pm.RequireAny(perm)
}

// RequireAny creates middleware that requires at least one of perms
func (pm *PermissionMiddleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	parsed := make([]Permission, len(perms))
	for i, perm := range perms {
		parsed[i] = MustPermission(perm)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := middleware.GetIdentity(r)
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			scope, err := ScopeFromRequest(r)
			if err != nil {
				httputil.WriteBadRequest(w, err.Error())
				return
			}

			for _, p := range parsed {
				if pm.checker.Check(r.Context(), id.OrganizationID, id.UserID, p, scope) {
					next.ServeHTTP(w, r)
					return
				}
			}

			event := audit.NewEvent(r.Context(), audit.EventTypeAuthzAccessDenied, id.OrganizationID, id.UserID).
				WithMessage("missing %s", strings.Join(perms, " or ")).
				WithMeta("method", r.Method).
				WithMeta("path", r.URL.Path)
			event.Status = audit.EventStatusDenied
			pm.audit.Record(r.Context(), event)

			httputil.WriteForbidden(w, "insufficient permissions")
		})
	}
}
