package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/obligate/fabric/internal/apperr"
	"github.com/obligate/fabric/internal/httpserver"
	"github.com/obligate/fabric/pkg/receipt"
	"github.com/obligate/fabric/pkg/tenant"
)

// BootstrapConfig describes the fabric's URLs and capabilities, echoed back
// to an agent on session bootstrap.
type BootstrapConfig struct {
	ReceiptSchemaVersion string   `json:"receipt_schema_version"`
	LedgerURL            string   `json:"ledger_url"`
	CoordinatorURL       string   `json:"coordinator_url"`
	Capabilities         []string `json:"capabilities"`
}

// Handler wires the Receipt Ledger's HTTP surface.
type Handler struct {
	svc    *Service
	config BootstrapConfig
}

// NewHandler creates a ledger Handler. bootstrapConfig is echoed verbatim in
// bootstrap responses.
func NewHandler(svc *Service, bootstrapConfig BootstrapConfig) *Handler {
	return &Handler{svc: svc, config: bootstrapConfig}
}

// Routes mounts the ledger's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/receipts", h.handleAppend)
	r.Get("/receipts/{id}", h.handleGet)
	r.Post("/receipts/{id}/archive", h.handleArchive)
	r.Get("/receipts/task/{task_id}", h.handleTimeline)
	r.Get("/receipts/chain/{id}", h.handleChain)
	r.Get("/receipts/search", h.handleSearch)
	r.Get("/inbox", h.handleInbox)
	r.Post("/bootstrap", h.handleBootstrap)
}

func currentTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	info := tenant.FromContext(r.Context())
	if info == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "no tenant resolved")
		return "", false
	}
	return info.ID.String(), true
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}

	var rec receipt.Receipt
	if !httpserver.DecodeAndValidate(w, r, &rec) {
		return
	}

	result, err := h.svc.Append(r.Context(), tenantID, &rec)
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			httpserver.Respond(w, http.StatusConflict, map[string]string{
				"error":      "duplicate_receipt_id",
				"receipt_id": rec.ReceiptID,
			})
			return
		}
		if errors.Is(err, apperr.ErrValidation) {
			httpserver.RespondError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusCreated, result)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	rec, err := h.svc.Get(r.Context(), tenantID, id)
	if err != nil {
		httpserver.RespondError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, rec)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.svc.Archive(r.Context(), tenantID, id); err != nil {
		httpserver.RespondError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"receipt_id": id, "archived": "true"})
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "task_id")
	order := r.URL.Query().Get("sort")

	receipts, err := h.svc.Timeline(r.Context(), tenantID, taskID, order)
	if err != nil {
		httpserver.RespondError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"task_id":   taskID,
		"receipts":  receipts,
	})
}

func (h *Handler) handleChain(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	chain, err := h.svc.Chain(r.Context(), tenantID, id)
	if err != nil {
		httpserver.RespondError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"root_receipt_id": id,
		"chain":           chain,
	})
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	results, err := h.svc.Search(r.Context(), tenantID, SearchFilters{
		Text:        q.Get("text"),
		RecipientAI: q.Get("recipient"),
		TaskType:    q.Get("task_type"),
		Phase:       q.Get("phase"),
		Limit:       limit,
	})
	if err != nil {
		httpserver.RespondError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"receipts": results})
}

func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}
	recipient := r.URL.Query().Get("recipient_ai")
	if recipient == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_failed", "recipient_ai is required")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	receipts, err := h.svc.Inbox(r.Context(), tenantID, recipient, limit)
	if err != nil {
		httpserver.RespondError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"tenant_id":    tenantID,
		"recipient_ai": recipient,
		"count":        len(receipts),
		"receipts":     receipts,
	})
}

type bootstrapRequest struct {
	AgentName string  `json:"agent_name" validate:"required"`
	SessionID *string `json:"session_id"`
}

func (h *Handler) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := currentTenant(w, r)
	if !ok {
		return
	}

	var req bootstrapRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.svc.Bootstrap(r.Context(), tenantID, req.AgentName)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"tenant_id":  result.TenantID,
		"agent_name": result.AgentName,
		"session_id": req.SessionID,
		"config":     h.config,
		"inbox": map[string]any{
			"count":    len(result.Inbox),
			"receipts": result.Inbox,
		},
		"recent_context": map[string]any{
			"last_10_receipts": result.Recent,
		},
	})
}
