// Package tenant carries the resolved tenant identity for a request through
// context. Isolation is row-based: every store query adds a tenant_id
// predicate rather than switching to a per-tenant schema.
package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Info holds the resolved tenant identity for the current request.
type Info struct {
	ID   uuid.UUID
	Slug string
}

type contextKey string

const infoKey contextKey = "tenant_info"

// NewContext stores tenant info in the context.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// FromContext extracts the tenant info from the context. Returns nil if no
// tenant is set.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(infoKey).(*Info)
	return v
}
