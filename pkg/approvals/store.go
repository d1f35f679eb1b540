package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/procurement/pkg/apperr"
	"github.com/platinummonkey/procurement/pkg/storage"
)

const approvalColumns = `ra.id, ra.organization_id, ra.request_id, ra.workflow_id, ra.level_order,
		COALESCE(l.role_id, 0), ra.status, ra.approver_id, ra.approved_at, ra.rejection_reason,
		ra.created_at, ra.updated_at`

// The level role is read through the workflow version, whose levels never
// change once committed
const approvalFrom = `
		FROM request_approvals ra
		LEFT JOIN approval_levels l ON l.workflow_id = ra.workflow_id AND l.level_order = ra.level_order`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row scanner) (*RequestApproval, error) {
	var (
		a          RequestApproval
		status     string
		approverID sql.NullInt64
		approvedAt sql.NullTime
		reason     sql.NullString
	)
	err := row.Scan(
		&a.ID,
		&a.OrganizationID,
		&a.RequestID,
		&a.WorkflowID,
		&a.LevelOrder,
		&a.RoleID,
		&status,
		&approverID,
		&approvedAt,
		&reason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if approverID.Valid {
		id := approverID.Int64
		a.ApproverID = &id
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		a.ApprovedAt = &t
	}
	a.RejectionReason = reason.String
	return &a, nil
}

type levelRef struct {
	order  int
	roleID int64
}

// workflowLevels returns the levels of a workflow version of the organization
func workflowLevels(ctx context.Context, q storage.DBTX, orgID, workflowID int64) ([]levelRef, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM approval_workflows WHERE id = $1 AND organization_id = $2",
		workflowID, orgID,
	).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("failed to look up workflow: %w", err)
	}
	if n == 0 {
		return nil, apperr.NotFound("workflow", workflowID)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT level_order, role_id FROM approval_levels WHERE workflow_id = $1 ORDER BY level_order",
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow levels: %w", err)
	}
	defer rows.Close()

	var levels []levelRef
	for rows.Next() {
		var l levelRef
		if err := rows.Scan(&l.order, &l.roleID); err != nil {
			return nil, fmt.Errorf("failed to scan workflow level: %w", err)
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

func countApprovals(ctx context.Context, q storage.DBTX, orgID, requestID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM request_approvals WHERE organization_id = $1 AND request_id = $2",
		orgID, requestID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count request approvals: %w", err)
	}
	return n, nil
}

func insertApproval(ctx context.Context, q storage.DBTX, a *RequestApproval) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO request_approvals (organization_id, request_id, workflow_id, level_order, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, a.OrganizationID, a.RequestID, a.WorkflowID, a.LevelOrder, string(a.Status), a.CreatedAt, a.UpdatedAt).Scan(&a.ID)
	if err != nil {
		return storage.Classify("insert request approval", err)
	}
	return nil
}

func getApproval(ctx context.Context, q storage.DBTX, orgID, requestID int64, levelOrder int) (*RequestApproval, error) {
	query := `SELECT ` + approvalColumns + approvalFrom + `
		WHERE ra.organization_id = $1 AND ra.request_id = $2 AND ra.level_order = $3`

	a, err := scanApproval(q.QueryRowContext(ctx, query, orgID, requestID, levelOrder))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("request approval", fmt.Sprintf("%d/%d", requestID, levelOrder))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request approval: %w", err)
	}
	return a, nil
}

func listApprovals(ctx context.Context, q storage.DBTX, orgID, requestID int64) ([]*RequestApproval, error) {
	query := `SELECT ` + approvalColumns + approvalFrom + `
		WHERE ra.organization_id = $1 AND ra.request_id = $2
		ORDER BY ra.level_order`

	rows, err := q.QueryContext(ctx, query, orgID, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list request approvals: %w", err)
	}
	defer rows.Close()

	out := []*RequestApproval{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// recordDecision moves a pending row to a terminal status. It reports false
// when the row was no longer pending.
func recordDecision(ctx context.Context, q storage.DBTX, a *RequestApproval, now time.Time) (bool, error) {
	var approvedAt sql.NullTime
	if a.ApprovedAt != nil {
		approvedAt = sql.NullTime{Time: *a.ApprovedAt, Valid: true}
	}
	var reason sql.NullString
	if a.RejectionReason != "" {
		reason = sql.NullString{String: a.RejectionReason, Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		UPDATE request_approvals
		SET status = $1, approver_id = $2, approved_at = $3, rejection_reason = $4, updated_at = $5
		WHERE id = $6 AND status = $7
	`, string(a.Status), a.ApproverID, approvedAt, reason, now, a.ID, string(StatusPending))
	if err != nil {
		return false, storage.Classify("record approval decision", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record approval decision: %w", err)
	}
	return n == 1, nil
}

// activate moves one awaiting row to pending. It reports false when the row
// was no longer awaiting.
func activate(ctx context.Context, q storage.DBTX, id int64, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		"UPDATE request_approvals SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		string(StatusPending), now, id, string(StatusAwaiting),
	)
	if err != nil {
		return false, storage.Classify("activate request approval", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to activate request approval: %w", err)
	}
	return n == 1, nil
}

// advanceNext makes the next higher awaiting level of the request pending
func advanceNext(ctx context.Context, q storage.DBTX, orgID, requestID int64, levelOrder int, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE request_approvals
		SET status = $1, updated_at = $2
		WHERE organization_id = $3 AND request_id = $4 AND status = $5
		AND level_order = (
			SELECT MIN(level_order) FROM request_approvals
			WHERE organization_id = $3 AND request_id = $4 AND level_order > $6
		)
	`, string(StatusPending), now, orgID, requestID, string(StatusAwaiting), levelOrder)
	if err != nil {
		return false, storage.Classify("advance request approval", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to advance request approval: %w", err)
	}
	return n > 0, nil
}
