package planner

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/obligate/fabric/internal/httpserver"
	"github.com/obligate/fabric/pkg/tenant"
)

// Handler wires the Planner Adapter's HTTP surface. It is the thinnest
// handler in the fabric: decode, call the adapter, encode — the adapter
// itself never touches the task store, only the coordinator's Create.
type Handler struct {
	adapter *Adapter
}

// NewHandler creates a planner Handler.
func NewHandler(adapter *Adapter) *Handler {
	return &Handler{adapter: adapter}
}

// Routes mounts the planner's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/plans", h.handlePropose)
	r.Get("/plans/{id}", h.handleGet)
	r.Post("/plans/{id}/execute", h.handleExecute)
}

func currentTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	info := tenant.FromContext(r.Context())
	if info == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "no tenant resolved")
		return "", false
	}
	return info.ID.String(), true
}

// proposeRequest is the wire shape from spec.md §4.7: {intent, principal,
// context, constraints, caused_by_receipt_id?, parent_task_id?}. Steps are
// supplied by the caller's own planner model — intent decomposition (turning
// natural language into a step DAG) is explicitly not this adapter's job.
type proposeRequest struct {
	Intent            string         `json:"intent" validate:"required"`
	Principal         string         `json:"principal" validate:"required"`
	Context           map[string]any `json:"context"`
	Constraints       map[string]any `json:"constraints"`
	CausedByReceiptID string         `json:"caused_by_receipt_id"`
	ParentTaskID      string         `json:"parent_task_id"`
	Steps             []Step         `json:"steps"`
}

func (h *Handler) handlePropose(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentTenant(w, r); !ok {
		return
	}

	var req proposeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	plan := h.adapter.Propose(Request{
		Intent:            req.Intent,
		Principal:         req.Principal,
		Context:           req.Context,
		Constraints:       req.Constraints,
		CausedByReceiptID: req.CausedByReceiptID,
		ParentTaskID:      req.ParentTaskID,
	}, req.Steps)

	httpserver.Respond(w, http.StatusCreated, plan)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentTenant(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "id")

	plan, ok := h.adapter.Plan(id)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "plan not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, plan)
}

type executeRequest struct {
	DryRun bool `json:"dry_run"`
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req executeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	plan, ok := h.adapter.Plan(id)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "plan not found")
		return
	}

	result := h.adapter.Execute(r.Context(), tenantID, plan, req.DryRun)
	httpserver.Respond(w, http.StatusOK, result)
}
