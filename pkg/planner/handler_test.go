package planner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/obligate/fabric/pkg/tenant"
)

func withTenant(r *http.Request) *http.Request {
	info := &tenant.Info{ID: uuid.New(), Slug: "acme"}
	return r.WithContext(tenant.NewContext(r.Context(), info))
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func newTestHandler() *Handler {
	adapter := NewAdapter(nil, nil)
	return NewHandler(adapter)
}

func TestHandleProposeValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"missing intent", `{"principal":"delegate"}`, http.StatusUnprocessableEntity},
		{"missing principal", `{"intent":"do the thing"}`, http.StatusUnprocessableEntity},
		{"invalid JSON", `{bad}`, http.StatusUnprocessableEntity},
	}

	h := newTestHandler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := withTenant(httptest.NewRequest(http.MethodPost, "/plans", strings.NewReader(tt.body)))
			rec := httptest.NewRecorder()
			h.handlePropose(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleGetUnknownPlan(t *testing.T) {
	h := newTestHandler()
	req := withTenant(httptest.NewRequest(http.MethodGet, "/plans/nonexistent", nil))
	req = withURLParam(req, "id", "nonexistent")
	rec := httptest.NewRecorder()
	h.handleGet(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleExecuteUnknownPlan(t *testing.T) {
	h := newTestHandler()
	req := withTenant(httptest.NewRequest(http.MethodPost, "/plans/nonexistent/execute", strings.NewReader(`{}`)))
	req = withURLParam(req, "id", "nonexistent")
	rec := httptest.NewRecorder()
	h.handleExecute(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleProposeAndGet(t *testing.T) {
	h := newTestHandler()

	proposeReq := withTenant(httptest.NewRequest(http.MethodPost, "/plans", strings.NewReader(
		`{"intent":"do the thing","principal":"delegate"}`,
	)))
	proposeRec := httptest.NewRecorder()
	h.handlePropose(proposeRec, proposeReq)
	if proposeRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", proposeRec.Code, proposeRec.Body.String())
	}

	var plan Plan
	if err := json.Unmarshal(proposeRec.Body.Bytes(), &plan); err != nil {
		t.Fatalf("decoding propose response: %v", err)
	}
	if plan.PlanID == "" {
		t.Fatal("expected a non-empty plan id")
	}

	getReq := withTenant(httptest.NewRequest(http.MethodGet, "/plans/"+plan.PlanID, nil))
	getReq = withURLParam(getReq, "id", plan.PlanID)
	getRec := httptest.NewRecorder()
	h.handleGet(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
}
