package task

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/obligate/fabric/pkg/tenant"
)

func withTenant(r *http.Request) *http.Request {
	info := &tenant.Info{ID: uuid.New(), Slug: "acme"}
	return r.WithContext(tenant.NewContext(r.Context(), info))
}

func TestHandleCreateValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"missing task_type", `{"recipient_ai":"worker.alice"}`, http.StatusUnprocessableEntity},
		{"missing recipient_ai", `{"task_type":"demo"}`, http.StatusUnprocessableEntity},
		{"invalid JSON", `{bad}`, http.StatusUnprocessableEntity},
	}

	h := NewHandler(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := withTenant(httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(tt.body)))
			rec := httptest.NewRecorder()
			h.handleCreate(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleLeaseRequiresWorkerID(t *testing.T) {
	h := NewHandler(nil)
	req := withTenant(httptest.NewRequest(http.MethodPost, "/lease", strings.NewReader(`{}`)))
	rec := httptest.NewRecorder()
	h.handleLease(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCompleteRequiresWorkerAndStatus(t *testing.T) {
	h := NewHandler(nil)
	req := withTenant(httptest.NewRequest(http.MethodPost, "/lease/L1/complete", strings.NewReader(`{"worker_id":"w1"}`)))
	rec := httptest.NewRecorder()
	h.handleComplete(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}
