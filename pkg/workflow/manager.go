package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/procurement/pkg/apperr"
	"github.com/platinummonkey/procurement/pkg/audit"
	"github.com/platinummonkey/procurement/pkg/observability"
	"github.com/platinummonkey/procurement/pkg/storage"
)

// Manager owns workflow versions and the one-active-default rule of each
// organization. Every mutation runs in a single transaction holding the
// organization lock.
type Manager struct {
	db      *sql.DB
	locker  storage.Locker
	audit   *audit.Recorder
	metrics *observability.Metrics
	logger  *observability.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithLocker sets the organization locker; the default does no locking
func WithLocker(locker storage.Locker) Option {
	return func(m *Manager) { m.locker = locker }
}

// WithAudit records an audit event after each committed mutation
func WithAudit(recorder *audit.Recorder) Option {
	return func(m *Manager) { m.audit = recorder }
}

// WithMetrics counts mutations by outcome
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger sets the manager logger
func WithLogger(logger *observability.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTracer sets the tracer used for mutation spans
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a workflow manager over db
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		locker: storage.NoopLocker{},
		logger: observability.NopLogger(),
		tracer: observability.Tracer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("workflow")
	return m
}

func (m *Manager) clock() time.Time {
	return m.now().UTC()
}

// mutate runs fn in a transaction under the organization lock, with a span,
// and counts the outcome
func (m *Manager) mutate(ctx context.Context, op string, orgID, workflowID int64, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, span := m.tracer.Start(ctx, "workflow."+op, trace.WithAttributes(
		attribute.Int64("organization.id", orgID),
		attribute.Int64("workflow.id", workflowID),
	))
	defer span.End()

	err := storage.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		if err := m.locker.LockOrganization(ctx, tx, orgID); err != nil {
			return err
		}
		return fn(ctx, tx)
	})

	m.metrics.RecordWorkflowMutation(op, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !apperr.IsClientError(err) {
			observability.FromContext(ctx, m.logger).WithError(err).WithFields(map[string]interface{}{
				"operation":       op,
				"organization_id": orgID,
				"workflow_id":     workflowID,
			}).Error("workflow mutation failed")
		}
	}
	return err
}

// Create stores version 1 of a new workflow lineage with its levels.
// Requesting IsDefault clears the default flag of every other workflow.
func (m *Manager) Create(ctx context.Context, orgID, actorID int64, in CreateInput) (*Workflow, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var created *Workflow
	err := m.mutate(ctx, "create", orgID, 0, func(ctx context.Context, tx *sql.Tx) error {
		if err := checkRoles(ctx, tx, orgID, in.Levels); err != nil {
			return err
		}

		now := m.clock()
		if in.IsDefault {
			if err := clearDefaults(ctx, tx, orgID, 0, now); err != nil {
				return err
			}
		}

		w := &Workflow{
			OrganizationID:    orgID,
			LineageID:         uuid.NewString(),
			Name:              in.Name,
			Description:       in.Description,
			TriggerType:       in.TriggerType,
			TriggerConditions: in.TriggerConditions,
			IsDefault:         in.IsDefault,
			IsActive:          in.IsActive == nil || *in.IsActive,
			Version:           1,
			CreatedBy:         actorID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := insertWorkflow(ctx, tx, w); err != nil {
			return err
		}
		if err := insertLevels(ctx, tx, w.ID, in.Levels, now); err != nil {
			return err
		}
		if err := insertLineage(ctx, tx, w.LineageID, orgID, w.ID, now); err != nil {
			return err
		}
		if err := appendChangeLog(ctx, tx, &ChangeLog{
			WorkflowID:     w.ID,
			OrganizationID: orgID,
			ActorID:        actorID,
			Summary:        "Workflow created",
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		levels, err := listLevels(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		w.Levels = levels
		created = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeWorkflowCreate, orgID, actorID).
		OnResource(audit.ResourceTypeWorkflow, created.ID).
		WithMessage("created workflow %q", created.Name).
		WithMeta("is_default", created.IsDefault).
		WithMeta("levels", len(created.Levels)))
	return created, nil
}

// createVersion archives the source and inserts its successor. It must run
// inside a transaction that holds the organization lock.
func (m *Manager) createVersion(ctx context.Context, tx *sql.Tx, orgID, workflowID, actorID int64, summary string) (*Workflow, error) {
	src, err := getWorkflow(ctx, tx, orgID, workflowID)
	if err != nil {
		return nil, err
	}
	if err := requireLatest(ctx, tx, src); err != nil {
		return nil, err
	}

	now := m.clock()
	// The source gives up its default flag before the copy claims it
	if err := setFlags(ctx, tx, src.ID, false, false, now); err != nil {
		return nil, err
	}

	parentID := src.ID
	next := *src
	next.ID = 0
	next.Version = src.Version + 1
	next.ParentWorkflowID = &parentID
	next.CreatedBy = actorID
	next.CreatedAt = now
	next.UpdatedAt = now
	next.Levels = nil
	if err := insertWorkflow(ctx, tx, &next); err != nil {
		return nil, err
	}
	if err := copyLevels(ctx, tx, src.ID, next.ID, now); err != nil {
		return nil, err
	}

	if summary == "" {
		summary = fmt.Sprintf("Created version %d from version %d", next.Version, src.Version)
	}
	if err := appendChangeLog(ctx, tx, &ChangeLog{
		WorkflowID:     next.ID,
		OrganizationID: orgID,
		ActorID:        actorID,
		Summary:        summary,
		CreatedAt:      now,
	}); err != nil {
		return nil, err
	}
	if err := moveLatest(ctx, tx, src.LineageID, next.ID, now); err != nil {
		return nil, err
	}
	return &next, nil
}

// CreateVersion copies the current version of a workflow into a new version,
// levels included, and archives the source. It returns the new version's id.
func (m *Manager) CreateVersion(ctx context.Context, orgID, workflowID, actorID int64, summary string) (int64, error) {
	var created *Workflow
	err := m.mutate(ctx, "create_version", orgID, workflowID, func(ctx context.Context, tx *sql.Tx) error {
		w, err := m.createVersion(ctx, tx, orgID, workflowID, actorID, summary)
		created = w
		return err
	})
	if err != nil {
		return 0, err
	}

	m.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeWorkflowVersionCreate, orgID, actorID).
		OnResource(audit.ResourceTypeWorkflow, created.ID).
		WithMeta("parent_workflow_id", workflowID).
		WithMeta("version", created.Version))
	return created.ID, nil
}

// Update creates a new version and applies patch to it. The previous
// version's default flag carries over unless the patch sets IsDefault.
func (m *Manager) Update(ctx context.Context, orgID, workflowID, actorID int64, patch Patch) (*Workflow, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}

	var before, after *Workflow
	err := m.mutate(ctx, "update", orgID, workflowID, func(ctx context.Context, tx *sql.Tx) error {
		src, err := getWorkflow(ctx, tx, orgID, workflowID)
		if err != nil {
			return err
		}
		before = src

		summary := patch.Summary
		if summary == "" {
			summary = "Workflow updated"
		}
		next, err := m.createVersion(ctx, tx, orgID, workflowID, actorID, summary)
		if err != nil {
			return err
		}

		if patch.Name != nil {
			next.Name = *patch.Name
		}
		if patch.Description != nil {
			next.Description = *patch.Description
		}
		if patch.TriggerType != nil {
			next.TriggerType = *patch.TriggerType
		}
		if patch.TriggerConditions != nil {
			next.TriggerConditions = patch.TriggerConditions
		}
		if patch.IsDefault != nil {
			if *patch.IsDefault {
				if err := clearDefaults(ctx, tx, orgID, next.ID, next.UpdatedAt); err != nil {
					return err
				}
			}
			next.IsDefault = *patch.IsDefault
		}
		if err := updateWorkflow(ctx, tx, next); err != nil {
			return err
		}

		if patch.Levels != nil {
			if err := checkRoles(ctx, tx, orgID, patch.Levels); err != nil {
				return err
			}
			if err := deleteLevels(ctx, tx, next.ID); err != nil {
				return err
			}
			if err := insertLevels(ctx, tx, next.ID, patch.Levels, next.UpdatedAt); err != nil {
				return err
			}
		}

		levels, err := listLevels(ctx, tx, next.ID)
		if err != nil {
			return err
		}
		next.Levels = levels
		after = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeWorkflowUpdate, orgID, actorID).
		OnResource(audit.ResourceTypeWorkflow, after.ID).
		WithMeta("parent_workflow_id", workflowID).
		WithChanges(
			map[string]interface{}{"name": before.Name, "is_default": before.IsDefault, "version": before.Version},
			map[string]interface{}{"name": after.Name, "is_default": after.IsDefault, "version": after.Version},
		))
	return after, nil
}

// ToggleActive activates or deactivates the current version of a workflow.
// Activating a default workflow first deactivates every other workflow of
// the organization, so an active default is the only active workflow.
func (m *Manager) ToggleActive(ctx context.Context, orgID, workflowID, actorID int64, active bool) (*Workflow, error) {
	var result *Workflow
	changed := false
	err := m.mutate(ctx, "toggle_active", orgID, workflowID, func(ctx context.Context, tx *sql.Tx) error {
		w, err := getWorkflow(ctx, tx, orgID, workflowID)
		if err != nil {
			return err
		}
		if err := requireLatest(ctx, tx, w); err != nil {
			return err
		}

		now := m.clock()
		if active && w.IsDefault {
			if err := deactivateOthers(ctx, tx, orgID, w.ID, now); err != nil {
				return err
			}
		}
		if w.IsActive != active {
			changed = true
			w.IsActive = active
			w.UpdatedAt = now
			if err := setFlags(ctx, tx, w.ID, w.IsDefault, active, now); err != nil {
				return err
			}

			summary := "Workflow deactivated"
			if active {
				summary = "Workflow activated"
			}
			if err := appendChangeLog(ctx, tx, &ChangeLog{
				WorkflowID:     w.ID,
				OrganizationID: orgID,
				ActorID:        actorID,
				Summary:        summary,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}

		levels, err := listLevels(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		w.Levels = levels
		result = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		m.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeWorkflowToggleActive, orgID, actorID).
			OnResource(audit.ResourceTypeWorkflow, workflowID).
			WithMeta("is_active", active))
	}
	return result, nil
}

// Delete removes every version of a workflow lineage with its levels.
// The default workflow, archived versions and workflows referenced by
// request approvals cannot be deleted. Change logs are kept.
func (m *Manager) Delete(ctx context.Context, orgID, workflowID, actorID int64) error {
	var deleted *Workflow
	err := m.mutate(ctx, "delete", orgID, workflowID, func(ctx context.Context, tx *sql.Tx) error {
		w, err := getWorkflow(ctx, tx, orgID, workflowID)
		if err != nil {
			return err
		}
		if w.IsDefault {
			return apperr.Invariant("workflow %d is the default workflow and cannot be deleted", workflowID)
		}
		if err := requireLatest(ctx, tx, w); err != nil {
			return err
		}
		inUse, err := lineageInUse(ctx, tx, w.LineageID)
		if err != nil {
			return err
		}
		if inUse {
			return apperr.Invariant("workflow %d is referenced by request approvals", workflowID)
		}

		if err := deleteLineage(ctx, tx, w.LineageID); err != nil {
			return err
		}
		if err := appendChangeLog(ctx, tx, &ChangeLog{
			WorkflowID:     w.ID,
			OrganizationID: orgID,
			ActorID:        actorID,
			Summary:        "Workflow deleted",
			CreatedAt:      m.clock(),
		}); err != nil {
			return err
		}
		deleted = w
		return nil
	})
	if err != nil {
		return err
	}

	m.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeWorkflowDelete, orgID, actorID).
		OnResource(audit.ResourceTypeWorkflow, workflowID).
		WithMessage("deleted workflow %q", deleted.Name).
		WithMeta("lineage_id", deleted.LineageID).
		WithMeta("versions", deleted.Version))
	return nil
}

// Get returns one workflow version with its levels
func (m *Manager) Get(ctx context.Context, orgID, workflowID int64) (*Workflow, error) {
	w, err := getWorkflow(ctx, m.db, orgID, workflowID)
	if err != nil {
		return nil, err
	}
	if w.Levels, err = listLevels(ctx, m.db, w.ID); err != nil {
		return nil, err
	}
	return w, nil
}

// List returns the current version of every workflow of the organization
func (m *Manager) List(ctx context.Context, orgID int64) ([]*Workflow, error) {
	workflows, err := listLatest(ctx, m.db, orgID)
	if err != nil {
		return nil, err
	}
	if workflows == nil {
		workflows = []*Workflow{}
	}
	return workflows, nil
}

// Levels returns the levels of a workflow version ordered by level order
func (m *Manager) Levels(ctx context.Context, orgID, workflowID int64) ([]Level, error) {
	if _, err := getWorkflow(ctx, m.db, orgID, workflowID); err != nil {
		return nil, err
	}
	return listLevels(ctx, m.db, workflowID)
}

// GetHistory returns the versions from workflowID back to the root of its
// lineage and their change logs, most recent first
func (m *Manager) GetHistory(ctx context.Context, orgID, workflowID int64) (*History, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.history", trace.WithAttributes(
		attribute.Int64("organization.id", orgID),
		attribute.Int64("workflow.id", workflowID),
	))
	defer span.End()

	versions, err := historyVersions(ctx, m.db, orgID, workflowID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(versions) == 0 {
		return nil, apperr.NotFound("workflow", workflowID)
	}
	changes, err := historyChanges(ctx, m.db, orgID, workflowID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("workflow.versions", len(versions)))
	return &History{Versions: versions, Changes: changes}, nil
}

// GetActiveDefault returns the organization's active default workflow with
// its levels, or nil when there is none
func (m *Manager) GetActiveDefault(ctx context.Context, orgID int64) (*Workflow, error) {
	w, err := activeDefault(ctx, m.db, orgID)
	if err != nil || w == nil {
		return nil, err
	}
	if w.Levels, err = listLevels(ctx, m.db, w.ID); err != nil {
		return nil, err
	}
	return w, nil
}
