package tenant

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := FromContext(ctx); got != nil {
		t.Fatalf("expected nil tenant, got %+v", got)
	}

	info := &Info{ID: uuid.New(), Slug: "acme"}
	ctx = NewContext(ctx, info)

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("expected tenant info, got nil")
	}
	if got.Slug != "acme" {
		t.Errorf("slug = %q, want %q", got.Slug, "acme")
	}
}
