package approvals

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/procurement/pkg/apperr"
	"github.com/platinummonkey/procurement/pkg/httputil"
	"github.com/platinummonkey/procurement/pkg/middleware"
	"github.com/platinummonkey/procurement/pkg/observability"
	"github.com/platinummonkey/procurement/pkg/rbac"
	"github.com/platinummonkey/procurement/pkg/workflow"
)

// DefaultSelector finds the workflow new requests enter when none is named
type DefaultSelector interface {
	GetActiveDefault(ctx context.Context, orgID int64) (*workflow.Workflow, error)
}

// Handlers provides HTTP handlers for request approvals
type Handlers struct {
	driver   *Driver
	selector DefaultSelector
	checker  rbac.Checker
	perms    *rbac.PermissionMiddleware
	logger   *observability.Logger
}

// NewHandlers creates new approval handlers
func NewHandlers(driver *Driver, selector DefaultSelector, checker rbac.Checker, perms *rbac.PermissionMiddleware, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{
		driver:   driver,
		selector: selector,
		checker:  checker,
		perms:    perms,
		logger:   logger.WithComponent("approvals"),
	}
}

// RegisterRoutes registers all approval routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	create := h.perms.Require(rbac.PermCreateRequests)
	view := h.perms.RequireAny(rbac.PermViewRequests, rbac.PermApproveRequests, rbac.PermRejectRequests)
	decide := h.perms.RequireAny(rbac.PermApproveRequests, rbac.PermRejectRequests)
	approve := h.perms.Require(rbac.PermApproveRequests)

	router.Handle("/requests/{id}/approvals", create(http.HandlerFunc(h.Initialize))).Methods("POST")
	router.Handle("/requests/{id}/approvals", view(http.HandlerFunc(h.List))).Methods("GET")
	router.Handle("/requests/{id}/approvals/{level}/decision", decide(http.HandlerFunc(h.Decide))).Methods("POST")
	router.Handle("/requests/{id}/approvals/{level}/activate", approve(http.HandlerFunc(h.Activate))).Methods("POST")
}

type initializeRequest struct {
	WorkflowID *int64 `json:"workflow_id,omitempty"`
}

type approvalsResponse struct {
	Approvals []*RequestApproval `json:"approvals"`
	Outcome   Outcome            `json:"outcome"`
}

// Initialize seeds the approval rows of a request. Without a workflow id the
// organization's active default workflow is used.
func (h *Handlers) Initialize(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	requestID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req initializeRequest
	if !httputil.ParseOptionalJSONOrError(w, r, &req) {
		return
	}

	workflowID := req.WorkflowID
	if workflowID == nil {
		wf, err := h.selector.GetActiveDefault(r.Context(), id.OrganizationID)
		if err != nil {
			httputil.WriteAppError(w, r, h.logger, err)
			return
		}
		if wf == nil {
			httputil.WriteAppError(w, r, h.logger, apperr.Invariant("organization has no active default workflow"))
			return
		}
		workflowID = &wf.ID
	}

	rows, err := h.driver.Initialize(r.Context(), id.OrganizationID, requestID, *workflowID)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, approvalsResponse{Approvals: rows, Outcome: OutcomeOf(rows)})
}

// List returns the approval rows of a request and its outcome
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	requestID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	rows, err := h.driver.List(r.Context(), id.OrganizationID, requestID)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, approvalsResponse{Approvals: rows, Outcome: OutcomeOf(rows)})
}

type decideRequest struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// Decide approves or rejects a pending level. Approving requires
// requests.approve_requests and rejecting requests.reject_requests.
func (h *Handlers) Decide(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	requestID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	level, ok := httputil.ParsePathIntOrError(w, r, "level")
	if !ok {
		return
	}

	var req decideRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Decision.Valid() {
		httputil.WriteBadRequest(w, "decision must be approve or reject")
		return
	}

	perm := rbac.PermApproveRequests
	if req.Decision == DecisionReject {
		perm = rbac.PermRejectRequests
	}
	scope, err := rbac.ScopeFromRequest(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if !h.checker.Check(r.Context(), id.OrganizationID, id.UserID, rbac.MustPermission(perm), scope) {
		httputil.WriteForbidden(w, "missing permission "+perm)
		return
	}

	decided, err := h.driver.Decide(r.Context(), DecideInput{
		OrganizationID: id.OrganizationID,
		RequestID:      requestID,
		LevelOrder:     level,
		Decision:       req.Decision,
		ActorID:        id.UserID,
		Reason:         req.Reason,
	})
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, decided)
}

// Activate makes an awaiting level pending
func (h *Handlers) Activate(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	requestID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	level, ok := httputil.ParsePathIntOrError(w, r, "level")
	if !ok {
		return
	}

	activated, err := h.driver.Activate(r.Context(), id.OrganizationID, requestID, level, id.UserID)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, activated)
}
