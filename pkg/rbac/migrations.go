package rbac

import (
	"github.com/platinummonkey/procurement/pkg/storage"
)

// Migrations returns the RBAC schema in PostgreSQL dialect
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "create roles and permission catalog",
			SQL: `
	CREATE TABLE IF NOT EXISTS roles (
		id BIGSERIAL PRIMARY KEY,
		organization_id BIGINT NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		color VARCHAR(32),
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_roles_organization_id ON roles(organization_id);

	CREATE TABLE IF NOT EXISTS permissions (
		id BIGSERIAL PRIMARY KEY,
		category VARCHAR(100) NOT NULL,
		action VARCHAR(100) NOT NULL,
		description TEXT,
		is_system BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE(category, action)
	);

	CREATE TABLE IF NOT EXISTS role_permissions (
		role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
		PRIMARY KEY (role_id, permission_id)
	);
	`,
		},
		{
			Version:     2,
			Description: "create user_role_assignments",
			SQL: `
	CREATE TABLE IF NOT EXISTS user_role_assignments (
		id BIGSERIAL PRIMARY KEY,
		organization_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		site_id BIGINT,
		area_id BIGINT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		CHECK (area_id IS NULL OR site_id IS NULL)
	);

	CREATE INDEX IF NOT EXISTS idx_user_role_assignments_user ON user_role_assignments(organization_id, user_id);
	CREATE INDEX IF NOT EXISTS idx_user_role_assignments_role ON user_role_assignments(role_id);
	`,
		},
	}
}
