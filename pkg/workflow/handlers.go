package workflow

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/procurement/pkg/httputil"
	"github.com/platinummonkey/procurement/pkg/middleware"
	"github.com/platinummonkey/procurement/pkg/observability"
	"github.com/platinummonkey/procurement/pkg/rbac"
)

// Handlers provides HTTP handlers for workflow management
type Handlers struct {
	manager *Manager
	perms   *rbac.PermissionMiddleware
	logger  *observability.Logger
}

// NewHandlers creates new workflow handlers
func NewHandlers(manager *Manager, perms *rbac.PermissionMiddleware, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{manager: manager, perms: perms, logger: logger.WithComponent("workflow")}
}

// RegisterRoutes registers all workflow routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	view := h.perms.RequireAny(rbac.PermViewWorkflows, rbac.PermManageWorkflows)
	manage := h.perms.Require(rbac.PermManageWorkflows)

	router.Handle("/workflows", view(http.HandlerFunc(h.List))).Methods("GET")
	router.Handle("/workflows", manage(http.HandlerFunc(h.Create))).Methods("POST")
	router.Handle("/workflows/active", view(http.HandlerFunc(h.GetActiveDefault))).Methods("GET")
	router.Handle("/workflows/{id}", view(http.HandlerFunc(h.Get))).Methods("GET")
	router.Handle("/workflows/{id}", manage(http.HandlerFunc(h.Update))).Methods("PUT")
	router.Handle("/workflows/{id}", manage(http.HandlerFunc(h.Delete))).Methods("DELETE")
	router.Handle("/workflows/{id}/versions", manage(http.HandlerFunc(h.CreateVersion))).Methods("POST")
	router.Handle("/workflows/{id}/history", view(http.HandlerFunc(h.GetHistory))).Methods("GET")
	router.Handle("/workflows/{id}/active", manage(http.HandlerFunc(h.ToggleActive))).Methods("POST")
}

// List lists the current version of every workflow
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	workflows, err := h.manager.List(r.Context(), id.OrganizationID)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, workflows)
}

// Create creates a new workflow
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)

	var in CreateInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}

	created, err := h.manager.Create(r.Context(), id.OrganizationID, id.UserID, in)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, created)
}

type activeDefaultResponse struct {
	WorkflowID *int64    `json:"workflow_id"`
	Workflow   *Workflow `json:"workflow,omitempty"`
}

// GetActiveDefault returns the organization's active default workflow, if any
func (h *Handlers) GetActiveDefault(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	wf, err := h.manager.GetActiveDefault(r.Context(), id.OrganizationID)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}

	resp := activeDefaultResponse{Workflow: wf}
	if wf != nil {
		resp.WorkflowID = &wf.ID
	}
	_ = httputil.WriteSuccess(w, resp)
}

// Get returns one workflow version with its levels
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	workflowID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	wf, err := h.manager.Get(r.Context(), id.OrganizationID, workflowID)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, wf)
}

// Update creates a new version with the requested edits
func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	workflowID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var patch Patch
	if !httputil.ParseJSONOrError(w, r, &patch) {
		return
	}

	updated, err := h.manager.Update(r.Context(), id.OrganizationID, workflowID, id.UserID, patch)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, updated)
}

// Delete deletes a workflow lineage
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	workflowID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.manager.Delete(r.Context(), id.OrganizationID, workflowID, id.UserID); err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}

type createVersionRequest struct {
	Summary string `json:"summary"`
}

type createVersionResponse struct {
	WorkflowID int64 `json:"workflow_id"`
}

// CreateVersion snapshots the workflow into a new version
func (h *Handlers) CreateVersion(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	workflowID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req createVersionRequest
	if r.ContentLength != 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	newID, err := h.manager.CreateVersion(r.Context(), id.OrganizationID, workflowID, id.UserID, req.Summary)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, createVersionResponse{WorkflowID: newID})
}

// GetHistory returns the version chain and change log
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	workflowID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	history, err := h.manager.GetHistory(r.Context(), id.OrganizationID, workflowID)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, history)
}

type toggleRequest struct {
	IsActive *bool `json:"is_active"`
}

// ToggleActive activates or deactivates a workflow
func (h *Handlers) ToggleActive(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	workflowID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req toggleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		httputil.WriteBadRequest(w, "is_active is required")
		return
	}

	wf, err := h.manager.ToggleActive(r.Context(), id.OrganizationID, workflowID, id.UserID, *req.IsActive)
	if err != nil {
		httputil.WriteAppError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, wf)
}
