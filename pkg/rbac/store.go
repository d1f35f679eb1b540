package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/procurement/pkg/apperr"
	"github.com/platinummonkey/procurement/pkg/storage"
)

// Store handles RBAC data persistence. Writes go to the primary; snapshot
// and catalog reads may be served by a replica.
type Store struct {
	pool storage.Pool
}

// NewStore creates a new RBAC store
func NewStore(pool storage.Pool) *Store {
	return &Store{pool: pool}
}

// CreateRole creates a new active role
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	if role.Name == "" {
		return apperr.Validation("role name is required")
	}

	query := `
		INSERT INTO roles (organization_id, name, description, color, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.pool.Primary().QueryRowContext(ctx, query,
		role.OrganizationID,
		role.Name,
		role.Description,
		role.Color,
		true,
		now,
		now,
	).Scan(&role.ID)
	if err != nil {
		return storage.Classify("create role", err)
	}

	role.IsActive = true
	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRole retrieves a role of the organization. Roles of other organizations are not found.
func (s *Store) GetRole(ctx context.Context, orgID, roleID int64) (*Role, error) {
	return getRole(ctx, s.pool.Primary(), orgID, roleID)
}

func getRole(ctx context.Context, q storage.DBTX, orgID, roleID int64) (*Role, error) {
	query := `
		SELECT id, organization_id, name, description, color, is_active, created_at, updated_at
		FROM roles
		WHERE id = $1 AND organization_id = $2
	`

	var role Role
	var description, color sql.NullString
	err := q.QueryRowContext(ctx, query, roleID, orgID).Scan(
		&role.ID,
		&role.OrganizationID,
		&role.Name,
		&description,
		&color,
		&role.IsActive,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("role", roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	role.Description = description.String
	role.Color = color.String
	return &role, nil
}

// ListRoles lists the roles of an organization, optionally including deactivated ones
func (s *Store) ListRoles(ctx context.Context, orgID int64, includeInactive bool) ([]*Role, error) {
	query := `
		SELECT id, organization_id, name, description, color, is_active, created_at, updated_at
		FROM roles
		WHERE organization_id = $1 AND (is_active = $2 OR $3)
		ORDER BY name, id
	`

	rows, err := s.pool.Replica().QueryContext(ctx, query, orgID, true, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		var role Role
		var description, color sql.NullString
		if err := rows.Scan(
			&role.ID,
			&role.OrganizationID,
			&role.Name,
			&description,
			&color,
			&role.IsActive,
			&role.CreatedAt,
			&role.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		role.Description = description.String
		role.Color = color.String
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

// DeactivateRole soft-deactivates a role. Its grants and assignments stay
// recorded but no longer resolve.
func (s *Store) DeactivateRole(ctx context.Context, orgID, roleID int64) error {
	query := `UPDATE roles SET is_active = $1, updated_at = $2 WHERE id = $3 AND organization_id = $4`

	result, err := s.pool.Primary().ExecContext(ctx, query, false, time.Now().UTC(), roleID, orgID)
	if err != nil {
		return fmt.Errorf("failed to deactivate role: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to deactivate role: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("role", roleID)
	}
	return nil
}

// EnsurePermission inserts a catalog entry or refreshes its description.
// An empty description keeps the stored one.
func (s *Store) EnsurePermission(ctx context.Context, p *CatalogPermission) error {
	return ensurePermission(ctx, s.pool.Primary(), p)
}

func ensurePermission(ctx context.Context, q storage.DBTX, p *CatalogPermission) error {
	if _, err := ParsePermission(p.Category + "." + p.Action); err != nil {
		return err
	}

	query := `
		INSERT INTO permissions (category, action, description, is_system)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (category, action) DO UPDATE
		SET description = COALESCE(NULLIF(excluded.description, ''), permissions.description)
		RETURNING id
	`

	if err := q.QueryRowContext(ctx, query, p.Category, p.Action, p.Description, p.IsSystem).Scan(&p.ID); err != nil {
		return fmt.Errorf("failed to ensure permission %s.%s: %w", p.Category, p.Action, err)
	}
	return nil
}

// SeedCatalog ensures every entry of perms exists, in one transaction
func (s *Store) SeedCatalog(ctx context.Context, perms []CatalogPermission) error {
	return storage.WithTx(ctx, s.pool.Primary(), func(tx *sql.Tx) error {
		for i := range perms {
			if err := ensurePermission(ctx, tx, &perms[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListPermissions returns the whole catalog ordered by category and action
func (s *Store) ListPermissions(ctx context.Context) ([]CatalogPermission, error) {
	query := `
		SELECT id, category, action, description, is_system
		FROM permissions
		ORDER BY category, action
	`

	rows, err := s.pool.Replica().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []CatalogPermission
	for rows.Next() {
		var p CatalogPermission
		var description sql.NullString
		if err := rows.Scan(&p.ID, &p.Category, &p.Action, &description, &p.IsSystem); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		p.Description = description.String
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func getPermissionID(ctx context.Context, q storage.DBTX, p Permission) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		"SELECT id FROM permissions WHERE category = $1 AND action = $2",
		p.Category, p.Action,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.NotFound("permission", p.String())
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up permission: %w", err)
	}
	return id, nil
}

func activeRole(ctx context.Context, q storage.DBTX, orgID, roleID int64) error {
	role, err := getRole(ctx, q, orgID, roleID)
	if err != nil {
		return err
	}
	if !role.IsActive {
		return apperr.Invariant("role %d is deactivated", roleID)
	}
	return nil
}

// GrantPermission adds p to the role's permission set. Granting twice is a no-op.
func (s *Store) GrantPermission(ctx context.Context, orgID, roleID int64, p Permission) error {
	return storage.WithTx(ctx, s.pool.Primary(), func(tx *sql.Tx) error {
		if err := activeRole(ctx, tx, orgID, roleID); err != nil {
			return err
		}
		permID, err := getPermissionID(ctx, tx, p)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			roleID, permID,
		)
		if err != nil {
			return fmt.Errorf("failed to grant permission: %w", err)
		}
		return nil
	})
}

// RevokePermission removes p from the role's permission set
func (s *Store) RevokePermission(ctx context.Context, orgID, roleID int64, p Permission) error {
	return storage.WithTx(ctx, s.pool.Primary(), func(tx *sql.Tx) error {
		if _, err := getRole(ctx, tx, orgID, roleID); err != nil {
			return err
		}
		permID, err := getPermissionID(ctx, tx, p)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2",
			roleID, permID,
		)
		if err != nil {
			return fmt.Errorf("failed to revoke permission: %w", err)
		}
		return nil
	})
}

// RolePermissions lists the permissions granted to a role
func (s *Store) RolePermissions(ctx context.Context, orgID, roleID int64) ([]CatalogPermission, error) {
	if _, err := getRole(ctx, s.pool.Replica(), orgID, roleID); err != nil {
		return nil, err
	}

	query := `
		SELECT p.id, p.category, p.action, p.description, p.is_system
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.category, p.action
	`

	rows, err := s.pool.Replica().QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	defer rows.Close()

	var perms []CatalogPermission
	for rows.Next() {
		var p CatalogPermission
		var description sql.NullString
		if err := rows.Scan(&p.ID, &p.Category, &p.Action, &description, &p.IsSystem); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		p.Description = description.String
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// AssignRole gives a user a role. An area assignment drops any site id.
func (s *Store) AssignRole(ctx context.Context, a *UserRoleAssignment) error {
	if a.UserID <= 0 {
		return apperr.Validation("user id must be positive")
	}
	if a.AreaID != nil {
		a.SiteID = nil
	}

	return storage.WithTx(ctx, s.pool.Primary(), func(tx *sql.Tx) error {
		if err := activeRole(ctx, tx, a.OrganizationID, a.RoleID); err != nil {
			return err
		}

		query := `
			INSERT INTO user_role_assignments (organization_id, user_id, role_id, site_id, area_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`
		now := time.Now().UTC()
		err := tx.QueryRowContext(ctx, query,
			a.OrganizationID,
			a.UserID,
			a.RoleID,
			nullInt64(a.SiteID),
			nullInt64(a.AreaID),
			now,
		).Scan(&a.ID)
		if err != nil {
			return storage.Classify("assign role", err)
		}
		a.CreatedAt = now
		return nil
	})
}

// RevokeAssignment removes an assignment and returns it
func (s *Store) RevokeAssignment(ctx context.Context, orgID, assignmentID int64) (*UserRoleAssignment, error) {
	var a UserRoleAssignment
	err := storage.WithTx(ctx, s.pool.Primary(), func(tx *sql.Tx) error {
		var siteID, areaID sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT id, organization_id, user_id, role_id, site_id, area_id, created_at
			FROM user_role_assignments
			WHERE id = $1 AND organization_id = $2
		`, assignmentID, orgID).Scan(
			&a.ID, &a.OrganizationID, &a.UserID, &a.RoleID, &siteID, &areaID, &a.CreatedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("assignment", assignmentID)
		}
		if err != nil {
			return fmt.Errorf("failed to get assignment: %w", err)
		}
		a.SiteID = int64Ptr(siteID)
		a.AreaID = int64Ptr(areaID)

		if _, err := tx.ExecContext(ctx, "DELETE FROM user_role_assignments WHERE id = $1", assignmentID); err != nil {
			return fmt.Errorf("failed to revoke assignment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAssignments lists a user's assignments in the organization
func (s *Store) ListAssignments(ctx context.Context, orgID, userID int64) ([]*UserRoleAssignment, error) {
	query := `
		SELECT id, organization_id, user_id, role_id, site_id, area_id, created_at
		FROM user_role_assignments
		WHERE organization_id = $1 AND user_id = $2
		ORDER BY id
	`

	rows, err := s.pool.Replica().QueryContext(ctx, query, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var out []*UserRoleAssignment
	for rows.Next() {
		var a UserRoleAssignment
		var siteID, areaID sql.NullInt64
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.UserID, &a.RoleID, &siteID, &areaID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		a.SiteID = int64Ptr(siteID)
		a.AreaID = int64Ptr(areaID)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// LoadSnapshot reads every assignment of the user whose role is active, with
// the role's grants, in a single query
func (s *Store) LoadSnapshot(ctx context.Context, orgID, userID int64) (*Snapshot, error) {
	query := `
		SELECT a.id, a.role_id, a.site_id, a.area_id, a.created_at,
		       p.id, p.category, p.action, p.description, p.is_system
		FROM user_role_assignments a
		JOIN roles r ON r.id = a.role_id AND r.organization_id = a.organization_id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE a.organization_id = $1 AND a.user_id = $2 AND r.is_active = $3
		ORDER BY a.id, p.category, p.action
	`

	rows, err := s.pool.Replica().QueryContext(ctx, query, orgID, userID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load permission snapshot: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{OrganizationID: orgID, UserID: userID, LoadedAt: time.Now().UTC()}
	var current *GrantedAssignment
	for rows.Next() {
		var (
			a                UserRoleAssignment
			siteID, areaID   sql.NullInt64
			permID           sql.NullInt64
			category, action sql.NullString
			description      sql.NullString
			isSystem         sql.NullBool
		)
		if err := rows.Scan(
			&a.ID, &a.RoleID, &siteID, &areaID, &a.CreatedAt,
			&permID, &category, &action, &description, &isSystem,
		); err != nil {
			return nil, fmt.Errorf("failed to scan permission snapshot: %w", err)
		}

		if current == nil || current.ID != a.ID {
			a.OrganizationID = orgID
			a.UserID = userID
			a.SiteID = int64Ptr(siteID)
			a.AreaID = int64Ptr(areaID)
			snap.Assignments = append(snap.Assignments, GrantedAssignment{UserRoleAssignment: a})
			current = &snap.Assignments[len(snap.Assignments)-1]
		}
		if permID.Valid {
			current.Grants = append(current.Grants, CatalogPermission{
				ID:          permID.Int64,
				Category:    category.String,
				Action:      action.String,
				Description: description.String,
				IsSystem:    isSystem.Bool,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read permission snapshot: %w", err)
	}
	return snap, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
