package workflow

import (
	"github.com/platinummonkey/procurement/pkg/storage"
)

// Migrations returns the workflow schema in PostgreSQL dialect. It expects
// the rbac roles table to exist.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "create approval workflows and levels",
			SQL: `
	CREATE TABLE IF NOT EXISTS approval_workflows (
		id BIGSERIAL PRIMARY KEY,
		organization_id BIGINT NOT NULL,
		lineage_id UUID NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		trigger_type VARCHAR(50) NOT NULL,
		trigger_conditions JSONB,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 1,
		parent_workflow_id BIGINT REFERENCES approval_workflows(id),
		created_by BIGINT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE(lineage_id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_approval_workflows_organization ON approval_workflows(organization_id);
	CREATE INDEX IF NOT EXISTS idx_approval_workflows_parent ON approval_workflows(parent_workflow_id);

	-- at most one active default per organization
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_approval_workflows_active_default
		ON approval_workflows(organization_id) WHERE is_active AND is_default;

	CREATE TABLE IF NOT EXISTS approval_levels (
		id BIGSERIAL PRIMARY KEY,
		workflow_id BIGINT NOT NULL REFERENCES approval_workflows(id),
		level_order INTEGER NOT NULL CHECK (level_order >= 1),
		role_id BIGINT NOT NULL REFERENCES roles(id),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE(workflow_id, level_order)
	);
	`,
		},
		{
			Version:     2,
			Description: "create workflow lineages and change logs",
			SQL: `
	CREATE TABLE IF NOT EXISTS workflow_lineages (
		lineage_id UUID PRIMARY KEY,
		organization_id BIGINT NOT NULL,
		latest_workflow_id BIGINT NOT NULL REFERENCES approval_workflows(id),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_lineages_organization ON workflow_lineages(organization_id);

	-- no foreign key: change logs outlive deleted workflows
	CREATE TABLE IF NOT EXISTS workflow_change_logs (
		id BIGSERIAL PRIMARY KEY,
		workflow_id BIGINT NOT NULL,
		organization_id BIGINT NOT NULL,
		actor_id BIGINT NOT NULL,
		summary TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_change_logs_workflow ON workflow_change_logs(workflow_id);
	`,
		},
	}
}
