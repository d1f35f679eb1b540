package approvals

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/procurement/pkg/apperr"
	"github.com/platinummonkey/procurement/pkg/audit"
	"github.com/platinummonkey/procurement/pkg/observability"
	"github.com/platinummonkey/procurement/pkg/storage"
)

// Authorizer decides whether a user may act for a level role. The rbac
// resolver satisfies it; super-admins act for every role.
type Authorizer interface {
	ActsAs(ctx context.Context, orgID, userID, roleID int64) bool
}

// Driver moves requests through the levels of their workflow
type Driver struct {
	db          *sql.DB
	locker      storage.Locker
	authorizer  Authorizer
	autoAdvance bool
	audit       *audit.Recorder
	metrics     *observability.Metrics
	logger      *observability.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Driver
type Option func(*Driver)

// WithLocker sets the organization locker; the default does no locking
func WithLocker(locker storage.Locker) Option {
	return func(d *Driver) { d.locker = locker }
}

// WithAuthorizer requires deciders to act for the level role
func WithAuthorizer(authorizer Authorizer) Option {
	return func(d *Driver) { d.authorizer = authorizer }
}

// WithAutoAdvance controls whether approving a level makes the next one
// pending. It is on by default.
func WithAutoAdvance(enabled bool) Option {
	return func(d *Driver) { d.autoAdvance = enabled }
}

// WithAudit records an audit event after each committed transition
func WithAudit(recorder *audit.Recorder) Option {
	return func(d *Driver) { d.audit = recorder }
}

// WithMetrics counts decisions by outcome
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Driver) { d.metrics = metrics }
}

// WithLogger sets the driver logger
func WithLogger(logger *observability.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTracer sets the tracer used for transition spans
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Driver) { d.tracer = tracer }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// NewDriver creates an approval driver over db
func NewDriver(db *sql.DB, opts ...Option) *Driver {
	d := &Driver{
		db:          db,
		locker:      storage.NoopLocker{},
		autoAdvance: true,
		logger:      observability.NopLogger(),
		tracer:      observability.Tracer(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("approvals")
	return d
}

func (d *Driver) clock() time.Time {
	return d.now().UTC()
}

// transact runs fn in a transaction under the organization lock with a span
func (d *Driver) transact(ctx context.Context, op string, orgID, requestID int64, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, span := d.tracer.Start(ctx, "approvals."+op, trace.WithAttributes(
		attribute.Int64("organization.id", orgID),
		attribute.Int64("request.id", requestID),
	))
	defer span.End()

	err := storage.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		if err := d.locker.LockOrganization(ctx, tx, orgID); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !apperr.IsClientError(err) {
			observability.FromContext(ctx, d.logger).WithError(err).WithFields(map[string]interface{}{
				"operation":       op,
				"organization_id": orgID,
				"request_id":      requestID,
			}).Error("approval transition failed")
		}
	}
	return err
}

// Initialize creates one approval row per level of the workflow. Level 1
// starts pending and every other level awaiting. A workflow without levels
// creates nothing.
func (d *Driver) Initialize(ctx context.Context, orgID, requestID, workflowID int64) ([]*RequestApproval, error) {
	if requestID <= 0 {
		return nil, apperr.Validation("request id is required")
	}

	created := []*RequestApproval{}
	err := d.transact(ctx, "initialize", orgID, requestID, func(ctx context.Context, tx *sql.Tx) error {
		levels, err := workflowLevels(ctx, tx, orgID, workflowID)
		if err != nil {
			return err
		}
		existing, err := countApprovals(ctx, tx, orgID, requestID)
		if err != nil {
			return err
		}
		if existing > 0 {
			return apperr.Invariant("request %d already has approvals", requestID)
		}

		now := d.clock()
		for _, l := range levels {
			status := StatusAwaiting
			if l.order == 1 {
				status = StatusPending
			}
			a := &RequestApproval{
				OrganizationID: orgID,
				RequestID:      requestID,
				WorkflowID:     workflowID,
				LevelOrder:     l.order,
				RoleID:         l.roleID,
				Status:         status,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := insertApproval(ctx, tx, a); err != nil {
				return err
			}
			created = append(created, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeApprovalInitialize, orgID, 0).
		OnResource(audit.ResourceTypeRequest, requestID).
		WithMeta("workflow_id", workflowID).
		WithMeta("levels", len(created)))
	return created, nil
}

// Decide applies an approver's decision to a pending level. Approving
// advances the next level when auto-advance is on; rejecting leaves every
// higher level awaiting for good.
func (d *Driver) Decide(ctx context.Context, in DecideInput) (*RequestApproval, error) {
	decided, err := d.decide(ctx, in)
	label := string(in.Decision)
	if !in.Decision.Valid() {
		label = "invalid"
	}
	d.metrics.RecordApprovalDecision(label, err)
	return decided, err
}

func (d *Driver) decide(ctx context.Context, in DecideInput) (*RequestApproval, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	// Role checks can reach the permission store, so they run before the
	// transaction takes a connection
	if d.authorizer != nil {
		row, err := getApproval(ctx, d.db, in.OrganizationID, in.RequestID, in.LevelOrder)
		if err != nil {
			return nil, err
		}
		if !d.authorizer.ActsAs(ctx, in.OrganizationID, in.ActorID, row.RoleID) {
			return nil, apperr.Forbidden("user %d cannot act for role %d at level %d", in.ActorID, row.RoleID, in.LevelOrder)
		}
	}

	var (
		decided  *RequestApproval
		advanced bool
	)
	err := d.transact(ctx, "decide", in.OrganizationID, in.RequestID, func(ctx context.Context, tx *sql.Tx) error {
		row, err := getApproval(ctx, tx, in.OrganizationID, in.RequestID, in.LevelOrder)
		if err != nil {
			return err
		}
		if err := requireActionable(row); err != nil {
			return err
		}

		now := d.clock()
		actor := in.ActorID
		row.ApproverID = &actor
		row.UpdatedAt = now
		if in.Decision == DecisionApprove {
			row.Status = StatusApproved
			row.ApprovedAt = &now
		} else {
			row.Status = StatusRejected
			row.RejectionReason = in.Reason
		}

		ok, err := recordDecision(ctx, tx, row, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Invariant("level %d of request %d was decided concurrently", in.LevelOrder, in.RequestID)
		}

		if row.Status == StatusApproved && d.autoAdvance {
			if advanced, err = advanceNext(ctx, tx, in.OrganizationID, in.RequestID, in.LevelOrder, now); err != nil {
				return err
			}
		}
		decided = row
		return nil
	})
	if err != nil {
		return nil, err
	}

	event := audit.NewEvent(ctx, audit.EventTypeApprovalDecide, in.OrganizationID, in.ActorID).
		OnResource(audit.ResourceTypeRequest, in.RequestID).
		WithMeta("level_order", in.LevelOrder).
		WithMeta("decision", string(in.Decision)).
		WithMeta("advanced", advanced)
	if in.Reason != "" {
		event.WithMeta("reason", in.Reason)
	}
	d.audit.Record(ctx, event)
	return decided, nil
}

func requireActionable(row *RequestApproval) error {
	switch row.Status {
	case StatusPending:
		return nil
	case StatusAwaiting:
		return apperr.Invariant("level %d of request %d is not yet actionable", row.LevelOrder, row.RequestID)
	default:
		return apperr.Invariant("level %d of request %d is already %s", row.LevelOrder, row.RequestID, row.Status)
	}
}

// Activate makes an awaiting level pending once its predecessor is
// approved. It is the manual counterpart of auto-advance.
func (d *Driver) Activate(ctx context.Context, orgID, requestID int64, levelOrder int, actorID int64) (*RequestApproval, error) {
	var activated *RequestApproval
	err := d.transact(ctx, "activate", orgID, requestID, func(ctx context.Context, tx *sql.Tx) error {
		row, err := getApproval(ctx, tx, orgID, requestID, levelOrder)
		if err != nil {
			return err
		}
		if row.Status != StatusAwaiting {
			return apperr.Invariant("level %d of request %d is %s, not awaiting", levelOrder, requestID, row.Status)
		}

		prev, err := getApproval(ctx, tx, orgID, requestID, levelOrder-1)
		if err != nil {
			return err
		}
		if prev.Status != StatusApproved {
			return apperr.Invariant("level %d of request %d is %s; it must be approved first", prev.LevelOrder, requestID, prev.Status)
		}

		now := d.clock()
		ok, err := activate(ctx, tx, row.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Invariant("level %d of request %d was activated concurrently", levelOrder, requestID)
		}
		row.Status = StatusPending
		row.UpdatedAt = now
		activated = row
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.audit.Record(ctx, audit.NewEvent(ctx, audit.EventTypeApprovalActivate, orgID, actorID).
		OnResource(audit.ResourceTypeRequest, requestID).
		WithMeta("level_order", levelOrder))
	return activated, nil
}

// List returns the approval rows of a request ordered by level
func (d *Driver) List(ctx context.Context, orgID, requestID int64) ([]*RequestApproval, error) {
	return listApprovals(ctx, d.db, orgID, requestID)
}

// Outcome evaluates the terminal rule for a request
func (d *Driver) Outcome(ctx context.Context, orgID, requestID int64) (Outcome, error) {
	rows, err := d.List(ctx, orgID, requestID)
	if err != nil {
		return "", err
	}
	return OutcomeOf(rows), nil
}
