package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/procurement/pkg/apperr"
	"github.com/platinummonkey/procurement/pkg/storage"
)

const workflowColumns = `w.id, w.organization_id, w.lineage_id, w.name, w.description, w.trigger_type,
		w.trigger_conditions, w.is_default, w.is_active, w.version, w.parent_workflow_id,
		w.created_by, w.created_at, w.updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row scanner) (*Workflow, error) {
	var (
		w           Workflow
		description sql.NullString
		conditions  []byte
		parentID    sql.NullInt64
	)
	err := row.Scan(
		&w.ID,
		&w.OrganizationID,
		&w.LineageID,
		&w.Name,
		&description,
		&w.TriggerType,
		&conditions,
		&w.IsDefault,
		&w.IsActive,
		&w.Version,
		&parentID,
		&w.CreatedBy,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Description = description.String
	if len(conditions) > 0 {
		w.TriggerConditions = json.RawMessage(conditions)
	}
	if parentID.Valid {
		id := parentID.Int64
		w.ParentWorkflowID = &id
	}
	return &w, nil
}

func scanWorkflows(rows *sql.Rows) ([]*Workflow, error) {
	defer rows.Close()
	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read workflows: %w", err)
	}
	return out, nil
}

func conditionsArg(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func parentArg(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

// getWorkflow loads a workflow version of the organization
func getWorkflow(ctx context.Context, q storage.DBTX, orgID, workflowID int64) (*Workflow, error) {
	query := `SELECT ` + workflowColumns + `
		FROM approval_workflows w
		WHERE w.id = $1 AND w.organization_id = $2`

	w, err := scanWorkflow(q.QueryRowContext(ctx, query, workflowID, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("workflow", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return w, nil
}

func insertWorkflow(ctx context.Context, q storage.DBTX, w *Workflow) error {
	query := `
		INSERT INTO approval_workflows (
			organization_id, lineage_id, name, description, trigger_type, trigger_conditions,
			is_default, is_active, version, parent_workflow_id, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`

	err := q.QueryRowContext(ctx, query,
		w.OrganizationID,
		w.LineageID,
		w.Name,
		w.Description,
		string(w.TriggerType),
		conditionsArg(w.TriggerConditions),
		w.IsDefault,
		w.IsActive,
		w.Version,
		parentArg(w.ParentWorkflowID),
		w.CreatedBy,
		w.CreatedAt,
		w.UpdatedAt,
	).Scan(&w.ID)
	if err != nil {
		return storage.Classify("insert workflow", err)
	}
	return nil
}

// updateWorkflow writes the mutable fields of the latest version
func updateWorkflow(ctx context.Context, q storage.DBTX, w *Workflow) error {
	query := `
		UPDATE approval_workflows
		SET name = $1, description = $2, trigger_type = $3, trigger_conditions = $4,
			is_default = $5, is_active = $6, updated_at = $7
		WHERE id = $8
	`

	_, err := q.ExecContext(ctx, query,
		w.Name,
		w.Description,
		string(w.TriggerType),
		conditionsArg(w.TriggerConditions),
		w.IsDefault,
		w.IsActive,
		w.UpdatedAt,
		w.ID,
	)
	if err != nil {
		return storage.Classify("update workflow", err)
	}
	return nil
}

// setFlags updates is_default and is_active of one version
func setFlags(ctx context.Context, q storage.DBTX, workflowID int64, isDefault, isActive bool, now time.Time) error {
	_, err := q.ExecContext(ctx,
		"UPDATE approval_workflows SET is_default = $1, is_active = $2, updated_at = $3 WHERE id = $4",
		isDefault, isActive, now, workflowID,
	)
	if err != nil {
		return storage.Classify("update workflow flags", err)
	}
	return nil
}

// clearDefaults removes the default flag from every workflow of the organization except exceptID
func clearDefaults(ctx context.Context, q storage.DBTX, orgID, exceptID int64, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE approval_workflows SET is_default = $1, updated_at = $2
		WHERE organization_id = $3 AND is_default = $4 AND id <> $5
	`, false, now, orgID, true, exceptID)
	if err != nil {
		return storage.Classify("clear default workflows", err)
	}
	return nil
}

// deactivateOthers deactivates every workflow of the organization except exceptID
func deactivateOthers(ctx context.Context, q storage.DBTX, orgID, exceptID int64, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE approval_workflows SET is_active = $1, updated_at = $2
		WHERE organization_id = $3 AND is_active = $4 AND id <> $5
	`, false, now, orgID, true, exceptID)
	if err != nil {
		return storage.Classify("deactivate workflows", err)
	}
	return nil
}

func insertLineage(ctx context.Context, q storage.DBTX, lineageID string, orgID, latestID int64, now time.Time) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO workflow_lineages (lineage_id, organization_id, latest_workflow_id, updated_at) VALUES ($1, $2, $3, $4)",
		lineageID, orgID, latestID, now,
	)
	if err != nil {
		return storage.Classify("insert workflow lineage", err)
	}
	return nil
}

func latestOf(ctx context.Context, q storage.DBTX, lineageID string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		"SELECT latest_workflow_id FROM workflow_lineages WHERE lineage_id = $1",
		lineageID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.NotFound("workflow lineage", lineageID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read lineage pointer: %w", err)
	}
	return id, nil
}

func moveLatest(ctx context.Context, q storage.DBTX, lineageID string, workflowID int64, now time.Time) error {
	_, err := q.ExecContext(ctx,
		"UPDATE workflow_lineages SET latest_workflow_id = $1, updated_at = $2 WHERE lineage_id = $3",
		workflowID, now, lineageID,
	)
	if err != nil {
		return storage.Classify("move lineage pointer", err)
	}
	return nil
}

// requireLatest rejects mutations of archived versions
func requireLatest(ctx context.Context, q storage.DBTX, w *Workflow) error {
	latest, err := latestOf(ctx, q, w.LineageID)
	if err != nil {
		return err
	}
	if latest != w.ID {
		return apperr.Invariant("workflow %d is an archived version; the current version is %d", w.ID, latest)
	}
	return nil
}

func listLevels(ctx context.Context, q storage.DBTX, workflowID int64) ([]Level, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, workflow_id, level_order, role_id, created_at
		FROM approval_levels
		WHERE workflow_id = $1
		ORDER BY level_order
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list levels: %w", err)
	}
	defer rows.Close()

	levels := []Level{}
	for rows.Next() {
		var l Level
		if err := rows.Scan(&l.ID, &l.WorkflowID, &l.LevelOrder, &l.RoleID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan level: %w", err)
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

func insertLevels(ctx context.Context, q storage.DBTX, workflowID int64, levels []LevelInput, now time.Time) error {
	for _, l := range levels {
		_, err := q.ExecContext(ctx,
			"INSERT INTO approval_levels (workflow_id, level_order, role_id, created_at) VALUES ($1, $2, $3, $4)",
			workflowID, l.LevelOrder, l.RoleID, now,
		)
		if err != nil {
			return storage.Classify("insert approval level", err)
		}
	}
	return nil
}

// copyLevels duplicates the levels of one version onto another
func copyLevels(ctx context.Context, q storage.DBTX, fromID, toID int64, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO approval_levels (workflow_id, level_order, role_id, created_at)
		SELECT $1, level_order, role_id, $2 FROM approval_levels WHERE workflow_id = $3
	`, toID, now, fromID)
	if err != nil {
		return storage.Classify("copy approval levels", err)
	}
	return nil
}

func deleteLevels(ctx context.Context, q storage.DBTX, workflowID int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM approval_levels WHERE workflow_id = $1", workflowID); err != nil {
		return fmt.Errorf("failed to delete levels: %w", err)
	}
	return nil
}

// checkRoles verifies that every level role exists in the organization
func checkRoles(ctx context.Context, q storage.DBTX, orgID int64, levels []LevelInput) error {
	for _, l := range levels {
		var n int
		err := q.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM roles WHERE id = $1 AND organization_id = $2",
			l.RoleID, orgID,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check level role: %w", err)
		}
		if n == 0 {
			return apperr.NotFound("role", l.RoleID)
		}
	}
	return nil
}

func appendChangeLog(ctx context.Context, q storage.DBTX, entry *ChangeLog) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO workflow_change_logs (workflow_id, organization_id, actor_id, summary, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, entry.WorkflowID, entry.OrganizationID, entry.ActorID, entry.Summary, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to append change log: %w", err)
	}
	return nil
}

// chainCTE walks parent links from $1 back to the root, at most $3 versions deep
const chainCTE = `
	WITH RECURSIVE chain(id, parent_workflow_id, depth) AS (
		SELECT id, parent_workflow_id, 1
		FROM approval_workflows
		WHERE id = $1 AND organization_id = $2
		UNION ALL
		SELECT p.id, p.parent_workflow_id, c.depth + 1
		FROM approval_workflows p
		JOIN chain c ON p.id = c.parent_workflow_id
		WHERE c.depth < $3
	)
`

func historyVersions(ctx context.Context, q storage.DBTX, orgID, workflowID int64) ([]*Workflow, error) {
	query := chainCTE + `SELECT ` + workflowColumns + `
		FROM approval_workflows w
		JOIN chain c ON w.id = c.id
		ORDER BY w.version DESC, w.id DESC`

	rows, err := q.QueryContext(ctx, query, workflowID, orgID, MaxLineageDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to walk workflow history: %w", err)
	}
	return scanWorkflows(rows)
}

func historyChanges(ctx context.Context, q storage.DBTX, orgID, workflowID int64) ([]*ChangeLog, error) {
	query := chainCTE + `
		SELECT l.id, l.workflow_id, l.organization_id, l.actor_id, l.summary, l.created_at
		FROM workflow_change_logs l
		JOIN chain c ON l.workflow_id = c.id
		ORDER BY l.created_at DESC, l.id DESC`

	rows, err := q.QueryContext(ctx, query, workflowID, orgID, MaxLineageDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to read change logs: %w", err)
	}
	defer rows.Close()

	changes := []*ChangeLog{}
	for rows.Next() {
		var c ChangeLog
		if err := rows.Scan(&c.ID, &c.WorkflowID, &c.OrganizationID, &c.ActorID, &c.Summary, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change log: %w", err)
		}
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}

// listLatest returns the current version of every lineage of the organization
func listLatest(ctx context.Context, q storage.DBTX, orgID int64) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + `
		FROM approval_workflows w
		JOIN workflow_lineages l ON l.latest_workflow_id = w.id
		WHERE w.organization_id = $1
		ORDER BY w.name, w.id`

	rows, err := q.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return scanWorkflows(rows)
}

// activeDefault returns the active default workflow. More than one match can
// only follow a lost race; the most recently updated then wins.
func activeDefault(ctx context.Context, q storage.DBTX, orgID int64) (*Workflow, error) {
	query := `SELECT ` + workflowColumns + `
		FROM approval_workflows w
		WHERE w.organization_id = $1 AND w.is_active = $2 AND w.is_default = $2
		ORDER BY w.updated_at DESC, w.id DESC
		LIMIT 1`

	w, err := scanWorkflow(q.QueryRowContext(ctx, query, orgID, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active default workflow: %w", err)
	}
	return w, nil
}

// lineageInUse reports whether any request approval references a version of the lineage
func lineageInUse(ctx context.Context, q storage.DBTX, lineageID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM request_approvals ra
		JOIN approval_workflows w ON w.id = ra.workflow_id
		WHERE w.lineage_id = $1
	`, lineageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check workflow usage: %w", err)
	}
	return n > 0, nil
}

// deleteLineage removes every version of a lineage with its levels. Change logs stay.
func deleteLineage(ctx context.Context, q storage.DBTX, lineageID string) error {
	statements := []struct {
		op    string
		query string
	}{
		{"delete approval levels", `DELETE FROM approval_levels WHERE workflow_id IN (SELECT id FROM approval_workflows WHERE lineage_id = $1)`},
		{"delete workflow lineage", `DELETE FROM workflow_lineages WHERE lineage_id = $1`},
		{"delete workflow versions", `DELETE FROM approval_workflows WHERE lineage_id = $1`},
	}
	for _, s := range statements {
		if _, err := q.ExecContext(ctx, s.query, lineageID); err != nil {
			return storage.Classify(s.op, err)
		}
	}
	return nil
}
