package authn

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestInternalKeyResolverDisabledWhenKeyEmpty(t *testing.T) {
	r := &InternalKeyResolver{Key: ""}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderInternalKey, "anything")

	_, err := r.Resolve(req.Context(), req)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestInternalKeyResolverRejectsMissingHeader(t *testing.T) {
	r := &InternalKeyResolver{Key: "secret"}
	req := httptest.NewRequest("GET", "/", nil)

	_, err := r.Resolve(req.Context(), req)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestInternalKeyResolverRejectsWrongKey(t *testing.T) {
	r := &InternalKeyResolver{Key: "secret"}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderInternalKey, "not-the-secret")
	req.Header.Set(HeaderTenantID, "4e1c0f2a-3b3e-4c3d-9f0a-1234567890ab")

	_, err := r.Resolve(req.Context(), req)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestInternalKeyResolverRejectsInvalidTenantID(t *testing.T) {
	r := &InternalKeyResolver{Key: "secret"}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderInternalKey, "secret")
	req.Header.Set(HeaderTenantID, "not-a-uuid")

	_, err := r.Resolve(req.Context(), req)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestChainResolverTriesEachInOrder(t *testing.T) {
	c := ChainResolver{
		&InternalKeyResolver{Key: ""},
		&InternalKeyResolver{Key: ""},
	}
	req := httptest.NewRequest("GET", "/", nil)

	_, err := c.Resolve(req.Context(), req)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated from exhausted chain, got %v", err)
	}
}
