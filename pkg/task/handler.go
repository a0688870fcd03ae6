package task

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/obligate/fabric/internal/apperr"
	"github.com/obligate/fabric/internal/httpserver"
	"github.com/obligate/fabric/pkg/receipt"
	"github.com/obligate/fabric/pkg/tenant"
)

// Handler wires the Lease Coordinator's HTTP surface.
type Handler struct {
	svc *Service
}

// NewHandler creates a task Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the coordinator's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/tasks", h.handleCreate)
	r.Get("/tasks/{id}", h.handleGet)
	r.Post("/lease", h.handleLease)
	r.Post("/lease/{id}/heartbeat", h.handleHeartbeat)
	r.Post("/lease/{id}/complete", h.handleComplete)
	r.Post("/lease/{id}/fail", h.handleFail)
	r.Get("/admin/expire-leases", h.handleReclaim)
}

func currentTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	info := tenant.FromContext(r.Context())
	if info == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "no tenant resolved")
		return "", false
	}
	return info.ID.String(), true
}

type createRequest struct {
	TaskType             string         `json:"task_type" validate:"required"`
	RecipientAI          string         `json:"recipient_ai" validate:"required"`
	FromPrincipal        string         `json:"from_principal"`
	ForPrincipal         string         `json:"for_principal"`
	TaskSummary          string         `json:"task_summary"`
	TaskBody             string         `json:"task_body"`
	Inputs               map[string]any `json:"inputs"`
	ExpectedOutcomeKind  string         `json:"expected_outcome_kind"`
	ExpectedArtifactMime string         `json:"expected_artifact_mime"`
	ParentTaskID         string         `json:"parent_task_id"`
	CausedByReceiptID    string         `json:"caused_by_receipt_id"`
	Priority             int            `json:"priority"`
	MaxAttempts          int            `json:"max_attempts"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}

	var req createRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.svc.Create(r.Context(), tenantID, Spec{
		TaskType:             req.TaskType,
		RecipientAI:          req.RecipientAI,
		FromPrincipal:        req.FromPrincipal,
		ForPrincipal:         req.ForPrincipal,
		TaskSummary:          req.TaskSummary,
		TaskBody:             req.TaskBody,
		Inputs:               req.Inputs,
		ExpectedOutcomeKind:  req.ExpectedOutcomeKind,
		ExpectedArtifactMime: req.ExpectedArtifactMime,
		ParentTaskID:         req.ParentTaskID,
		CausedByReceiptID:    req.CausedByReceiptID,
		Priority:             req.Priority,
		MaxAttempts:          req.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrServiceUnavailable) {
			httpserver.RespondError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"task_id":    result.TaskID,
		"receipt_id": result.ReceiptID,
		"status":     result.Status,
		"created_at": result.CreatedAt,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	t, err := h.svc.Get(r.Context(), tenantID, id)
	if err != nil {
		httpserver.RespondError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, t)
}

type leaseRequest struct {
	WorkerID       string   `json:"worker_id" validate:"required"`
	PreferredKinds []string `json:"preferred_kinds"`
	MaxTasks       int      `json:"max_tasks"`
}

func (h *Handler) handleLease(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}

	var req leaseRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.svc.Lease(r.Context(), tenantID, req.WorkerID, req.PreferredKinds)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		httpserver.RespondError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"task":             result.Task,
		"lease_id":         result.LeaseID,
		"lease_expires_at": result.LeaseExpiresAt,
	})
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}
	leaseID := chi.URLParam(r, "id")

	var req heartbeatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.svc.Heartbeat(r.Context(), tenantID, leaseID, req.WorkerID)
	if err != nil {
		httpserver.RespondError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"lease_id":         leaseID,
		"lease_expires_at": t.LeaseExpiresAt,
	})
}

type completeRequest struct {
	WorkerID          string `json:"worker_id" validate:"required"`
	Status            string `json:"status" validate:"required"`
	OutcomeKind       string `json:"outcome_kind"`
	OutcomeText       string `json:"outcome_text"`
	ArtifactLocation  string `json:"artifact_location"`
	ArtifactPointer   string `json:"artifact_pointer"`
	ArtifactChecksum  string `json:"artifact_checksum"`
	ArtifactSizeBytes int    `json:"artifact_size_bytes"`
	ArtifactMime      string `json:"artifact_mime"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}
	leaseID := chi.URLParam(r, "id")

	var req completeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.svc.Complete(r.Context(), tenantID, leaseID, req.WorkerID, Outcome{
		Status:            receipt.Status(req.Status),
		OutcomeKind:       receipt.OutcomeKind(req.OutcomeKind),
		OutcomeText:       req.OutcomeText,
		ArtifactLocation:  req.ArtifactLocation,
		ArtifactPointer:   req.ArtifactPointer,
		ArtifactChecksum:  req.ArtifactChecksum,
		ArtifactSizeBytes: req.ArtifactSizeBytes,
		ArtifactMime:      req.ArtifactMime,
	})
	if err != nil {
		httpserver.RespondError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"task_id":      result.TaskID,
		"lease_id":     result.LeaseID,
		"status":       result.Status,
		"receipt_id":   result.ReceiptID,
		"completed_at": result.CompletedAt,
	})
}

type failRequest struct {
	WorkerID     string `json:"worker_id" validate:"required"`
	ErrorMessage string `json:"error_message"`
	Retryable    bool   `json:"retryable"`
}

func (h *Handler) handleFail(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}
	leaseID := chi.URLParam(r, "id")

	var req failRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.svc.Fail(r.Context(), tenantID, leaseID, req.WorkerID, req.ErrorMessage, req.Retryable)
	if err != nil {
		httpserver.RespondError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status":          result.Status,
		"retry_scheduled": result.RetryScheduled,
		"next_attempt":    result.NextAttempt,
	})
}

func (h *Handler) handleReclaim(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ReclaimExpired(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"expired": n})
}
