package approvals

import (
	"github.com/platinummonkey/procurement/pkg/storage"
)

// Migrations returns the request approval schema in PostgreSQL dialect. It
// expects the workflow tables to exist.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "create request approvals",
			SQL: `
	CREATE TABLE IF NOT EXISTS request_approvals (
		id BIGSERIAL PRIMARY KEY,
		organization_id BIGINT NOT NULL,
		request_id BIGINT NOT NULL,
		workflow_id BIGINT NOT NULL REFERENCES approval_workflows(id),
		level_order INTEGER NOT NULL CHECK (level_order >= 1),
		status VARCHAR(20) NOT NULL CHECK (status IN ('PENDING', 'AWAITING', 'APPROVED', 'REJECTED')),
		approver_id BIGINT,
		approved_at TIMESTAMP WITH TIME ZONE,
		rejection_reason TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE(request_id, workflow_id, level_order)
	);

	CREATE INDEX IF NOT EXISTS idx_request_approvals_request ON request_approvals(organization_id, request_id);
	CREATE INDEX IF NOT EXISTS idx_request_approvals_workflow ON request_approvals(workflow_id);
	`,
		},
	}
}
