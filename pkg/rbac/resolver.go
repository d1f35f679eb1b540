package rbac

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/procurement/pkg/observability"
)

// Checker answers authorization questions. Implementations fail closed.
type Checker interface {
	// Check reports whether the user holds perm at scope
	Check(ctx context.Context, orgID, userID int64, perm Permission, scope Scope) bool

	// ActsAs reports whether the user holds roleID or is a super-admin
	ActsAs(ctx context.Context, orgID, userID, roleID int64) bool
}

// SnapshotSource loads the data the resolver evaluates
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, orgID, userID int64) (*Snapshot, error)
	ListPermissions(ctx context.Context) ([]CatalogPermission, error)
}

// Resolver evaluates permission queries against user snapshots. Every store
// or cache failure is logged and resolves to a denial.
type Resolver struct {
	source  SnapshotSource
	cache   SnapshotCache
	group   singleflight.Group
	logger  *observability.Logger
	metrics *observability.Metrics
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithCache serves snapshots from cache before hitting the store
func WithCache(cache SnapshotCache) ResolverOption {
	return func(r *Resolver) { r.cache = cache }
}

// WithLogger sets the resolver logger
func WithLogger(logger *observability.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records check outcomes and store errors
func WithMetrics(metrics *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = metrics }
}

// NewResolver creates a resolver over source
func NewResolver(source SnapshotSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source: source,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("rbac")
	return r
}

var _ Checker = (*Resolver)(nil)

func (r *Resolver) log(ctx context.Context) *observability.Logger {
	return observability.FromContext(ctx, r.logger)
}

// snapshot returns the user's snapshot, collapsing concurrent loads
func (r *Resolver) snapshot(ctx context.Context, orgID, userID int64) (*Snapshot, error) {
	if r.cache != nil {
		snap, ok, err := r.cache.Get(ctx, orgID, userID)
		switch {
		case err != nil:
			r.log(ctx).WithError(err).WithField("backend", r.cache.Name()).Warn("permission cache read failed")
		case ok:
			r.metrics.RecordCacheHit(r.cache.Name())
			return snap, nil
		default:
			r.metrics.RecordCacheMiss(r.cache.Name())
		}
	}

	v, err, _ := r.group.Do(snapshotKey(orgID, userID), func() (interface{}, error) {
		// The load is shared with concurrent callers, so it must outlive the
		// request that happened to start it
		loadCtx := context.WithoutCancel(ctx)
		snap, err := r.source.LoadSnapshot(loadCtx, orgID, userID)
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			if err := r.cache.Set(loadCtx, snap); err != nil {
				r.log(ctx).WithError(err).WithField("backend", r.cache.Name()).Warn("permission cache write failed")
			}
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// loadFailed logs and counts a store failure on the check path
func (r *Resolver) loadFailed(ctx context.Context, op string, orgID, userID int64, err error) {
	r.metrics.RecordStoreError(op)
	r.log(ctx).WithError(err).WithFields(map[string]interface{}{
		"operation":       op,
		"organization_id": orgID,
		"user_id":         userID,
	}).Error("permission store unavailable, denying")
}

func (r *Resolver) record(op string, allowed bool, start time.Time) {
	result := observability.ResultDenied
	if allowed {
		result = observability.ResultAllowed
	}
	r.metrics.RecordPermissionCheck(op, result, time.Since(start))
}

// HasPermission parses perm and checks it. Malformed strings are logged and denied.
func (r *Resolver) HasPermission(ctx context.Context, orgID, userID int64, perm string, scope Scope) bool {
	p, err := ParsePermission(perm)
	if err != nil {
		r.log(ctx).WithError(err).Warn("rejecting malformed permission")
		r.metrics.RecordPermissionCheck("has_permission", observability.ResultError, 0)
		return false
	}
	return r.Check(ctx, orgID, userID, p, scope)
}

// Check reports whether the user holds p at scope. A super-admin holds everything.
func (r *Resolver) Check(ctx context.Context, orgID, userID int64, p Permission, scope Scope) bool {
	start := time.Now()
	snap, err := r.snapshot(ctx, orgID, userID)
	if err != nil {
		r.loadFailed(ctx, "check", orgID, userID, err)
		r.metrics.RecordPermissionCheck("check", observability.ResultError, time.Since(start))
		return false
	}

	allowed := snap.IsSuperAdmin() || snap.allows(p, scope)
	r.record("check", allowed, start)
	return allowed
}

// HasAnyPermission reports whether the user holds at least one of perms.
// Malformed entries count as not held.
func (r *Resolver) HasAnyPermission(ctx context.Context, orgID, userID int64, perms []string, scope Scope) bool {
	start := time.Now()
	snap, err := r.snapshot(ctx, orgID, userID)
	if err != nil {
		r.loadFailed(ctx, "has_any", orgID, userID, err)
		return false
	}
	if len(perms) > 0 && snap.IsSuperAdmin() {
		r.record("has_any", true, start)
		return true
	}

	for _, perm := range perms {
		p, err := ParsePermission(perm)
		if err != nil {
			r.log(ctx).WithError(err).Warn("rejecting malformed permission")
			continue
		}
		if snap.allows(p, scope) {
			r.record("has_any", true, start)
			return true
		}
	}
	r.record("has_any", false, start)
	return false
}

// HasAllPermissions reports whether the user holds every one of perms.
// An empty list is trivially held; a malformed entry is not.
func (r *Resolver) HasAllPermissions(ctx context.Context, orgID, userID int64, perms []string, scope Scope) bool {
	start := time.Now()
	snap, err := r.snapshot(ctx, orgID, userID)
	if err != nil {
		r.loadFailed(ctx, "has_all", orgID, userID, err)
		return false
	}
	superAdmin := snap.IsSuperAdmin()

	for _, perm := range perms {
		p, err := ParsePermission(perm)
		if err != nil {
			r.log(ctx).WithError(err).Warn("rejecting malformed permission")
			r.record("has_all", false, start)
			return false
		}
		if !superAdmin && !snap.allows(p, scope) {
			r.record("has_all", false, start)
			return false
		}
	}
	r.record("has_all", true, start)
	return true
}

// HasRole reports whether the user holds roleID at any scope
func (r *Resolver) HasRole(ctx context.Context, orgID, userID, roleID int64) bool {
	snap, err := r.snapshot(ctx, orgID, userID)
	if err != nil {
		r.loadFailed(ctx, "has_role", orgID, userID, err)
		return false
	}
	return snap.HoldsRole(roleID)
}

// ActsAs reports whether the user holds roleID or is a super-admin
func (r *Resolver) ActsAs(ctx context.Context, orgID, userID, roleID int64) bool {
	snap, err := r.snapshot(ctx, orgID, userID)
	if err != nil {
		r.loadFailed(ctx, "acts_as", orgID, userID, err)
		return false
	}
	return snap.IsSuperAdmin() || snap.HoldsRole(roleID)
}

// IsSuperAdmin reports whether the user holds the super-admin atom
func (r *Resolver) IsSuperAdmin(ctx context.Context, orgID, userID int64) bool {
	snap, err := r.snapshot(ctx, orgID, userID)
	if err != nil {
		r.loadFailed(ctx, "is_super_admin", orgID, userID, err)
		return false
	}
	return snap.IsSuperAdmin()
}

// GetUserPermissions lists the user's effective permissions at scope, one
// entry per distinct (category, action, scope), sorted by full name then scope.
// A super-admin gets the whole catalog at organization scope.
func (r *Resolver) GetUserPermissions(ctx context.Context, orgID, userID int64, scope Scope) []EffectivePermission {
	snap, err := r.snapshot(ctx, orgID, userID)
	if err != nil {
		r.loadFailed(ctx, "list", orgID, userID, err)
		return []EffectivePermission{}
	}

	if snap.IsSuperAdmin() {
		catalog, err := r.source.ListPermissions(ctx)
		if err != nil {
			r.loadFailed(ctx, "list_catalog", orgID, userID, err)
			return []EffectivePermission{}
		}
		out := make([]EffectivePermission, 0, len(catalog))
		for _, c := range catalog {
			out = append(out, effective(c, ScopeOrganization))
		}
		sortEffective(out)
		return out
	}

	type triple struct {
		category, action string
		scope            ScopeLabel
	}
	seen := make(map[triple]bool)
	out := []EffectivePermission{}
	for _, a := range snap.Assignments {
		if !a.Matches(scope) {
			continue
		}
		label := a.Label()
		for _, g := range a.Grants {
			k := triple{g.Category, g.Action, label}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, effective(g, label))
		}
	}
	sortEffective(out)
	return out
}

// Invalidate drops the cached snapshot of one user
func (r *Resolver) Invalidate(ctx context.Context, orgID, userID int64) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, orgID, userID); err != nil {
		r.log(ctx).WithError(err).WithField("user_id", userID).Warn("failed to invalidate permission snapshot")
	}
}

// InvalidateOrganization drops every cached snapshot of an organization
func (r *Resolver) InvalidateOrganization(ctx context.Context, orgID int64) {
	if r.cache == nil {
		return
	}
	if err := r.cache.InvalidateOrganization(ctx, orgID); err != nil {
		r.log(ctx).WithError(err).WithField("organization_id", orgID).Warn("failed to invalidate organization snapshots")
	}
}

func effective(c CatalogPermission, scope ScopeLabel) EffectivePermission {
	return EffectivePermission{
		Category:    c.Category,
		Action:      c.Action,
		Description: c.Description,
		Scope:       scope,
		FullName:    fmt.Sprintf("%s.%s", c.Category, c.Action),
	}
}

func sortEffective(perms []EffectivePermission) {
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].FullName != perms[j].FullName {
			return perms[i].FullName < perms[j].FullName
		}
		return perms[i].Scope < perms[j].Scope
	})
}
