// Package authn resolves the calling tenant for a request. Concrete
// authentication schemes beyond this resolution contract (OIDC, sessions,
// SSO) are out of scope; this package only has to answer one question: which
// tenant is this request acting as.
package authn

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obligate/fabric/pkg/tenant"
)

// HeaderName is the request header carrying the raw API key.
const HeaderName = "X-Fabric-Key"

// HeaderInternalKey carries the fabric's own service credential, used by the
// Lease Coordinator (and any other in-fabric receipt producer) to emit
// receipts on behalf of whichever tenant it's currently acting for.
const HeaderInternalKey = "X-Fabric-Internal-Key"

// HeaderTenantID names the tenant an internal-key request is acting for.
// Only meaningful alongside HeaderInternalKey: the dev HeaderResolver uses a
// slug instead, and the API-key resolver derives the tenant from the key
// itself.
const HeaderTenantID = "X-Fabric-Tenant-ID"

var ErrUnauthenticated = errors.New("authn: unauthenticated")

// Resolver identifies the tenant for an incoming request.
type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (*tenant.Info, error)
}

// HashKey returns the SHA-256 hex digest of a raw API key. Keys are never
// stored or logged in cleartext, only their hash.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// APIKeyResolver resolves the tenant by hashing the X-Fabric-Key header and
// looking it up against stored key hashes. This is the production resolver.
type APIKeyResolver struct {
	Pool *pgxpool.Pool
}

func (a *APIKeyResolver) Resolve(ctx context.Context, r *http.Request) (*tenant.Info, error) {
	raw := r.Header.Get(HeaderName)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrUnauthenticated, HeaderName)
	}

	hash := HashKey(raw)

	var info tenant.Info
	var expiresAt *time.Time
	var keyID string
	err := a.Pool.QueryRow(ctx, `
		SELECT k.id, t.id, t.slug, k.expires_at
		FROM tenant_api_keys k
		JOIN tenants t ON t.id = k.tenant_id
		WHERE k.key_hash = $1
	`, hash).Scan(&keyID, &info.ID, &info.Slug, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown key", ErrUnauthenticated)
		}
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	if expiresAt != nil && expiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: key expired at %s", ErrUnauthenticated, expiresAt)
	}

	// Fire-and-forget last-used bookkeeping; a lost update here never
	// affects the authenticated request it measures.
	go func() {
		_, _ = a.Pool.Exec(context.Background(),
			"UPDATE tenant_api_keys SET last_used_at = now() WHERE id = $1", keyID)
	}()

	return &info, nil
}

// HeaderResolver resolves the tenant directly from an X-Tenant-Slug header
// with no key verification. Development and test use only.
type HeaderResolver struct {
	Pool *pgxpool.Pool
}

func (h *HeaderResolver) Resolve(ctx context.Context, r *http.Request) (*tenant.Info, error) {
	slug := r.Header.Get("X-Tenant-Slug")
	if slug == "" {
		return nil, fmt.Errorf("%w: missing X-Tenant-Slug header", ErrUnauthenticated)
	}

	var info tenant.Info
	info.Slug = slug
	err := h.Pool.QueryRow(ctx, "SELECT id FROM tenants WHERE slug = $1", slug).Scan(&info.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown tenant %q", ErrUnauthenticated, slug)
		}
		return nil, fmt.Errorf("looking up tenant: %w", err)
	}
	return &info, nil
}

// InternalKeyResolver resolves the tenant from an explicit X-Fabric-Tenant-ID
// header, gated by a shared secret instead of the dev HeaderResolver's blind
// trust. This is how in-process components (the Lease Coordinator emitting
// its own receipts) authenticate to the ledger without a per-tenant key of
// their own: they already know which tenant they're acting for, they just
// need to prove they're the fabric and not an arbitrary caller.
//
// An empty Key disables this resolver unconditionally — it always fails
// closed rather than accepting an empty header as a match.
type InternalKeyResolver struct {
	Pool *pgxpool.Pool
	Key  string
}

func (i *InternalKeyResolver) Resolve(ctx context.Context, r *http.Request) (*tenant.Info, error) {
	if i.Key == "" {
		return nil, fmt.Errorf("%w: internal key resolver disabled", ErrUnauthenticated)
	}

	got := r.Header.Get(HeaderInternalKey)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(i.Key)) != 1 {
		return nil, fmt.Errorf("%w: invalid internal key", ErrUnauthenticated)
	}

	rawID := r.Header.Get(HeaderTenantID)
	tenantID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s header", ErrUnauthenticated, HeaderTenantID)
	}

	var info tenant.Info
	info.ID = tenantID
	err = i.Pool.QueryRow(ctx, "SELECT slug FROM tenants WHERE id = $1", tenantID).Scan(&info.Slug)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown tenant %s", ErrUnauthenticated, tenantID)
		}
		return nil, fmt.Errorf("looking up tenant by id: %w", err)
	}
	return &info, nil
}

// ChainResolver tries each resolver in order, returning the first success.
// Used to prefer the API-key resolver in every environment while still
// allowing the dev header resolver as a fallback in non-production setups.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(ctx context.Context, r *http.Request) (*tenant.Info, error) {
	var lastErr error
	for _, resolver := range c {
		info, err := resolver.Resolve(ctx, r)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrUnauthenticated
	}
	return nil, lastErr
}

// Middleware resolves the tenant and stores it in the request context,
// rejecting unresolved requests with 401.
func Middleware(resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := resolver.Resolve(r.Context(), r)
			if err != nil {
				logger.Warn("tenant resolution failed", "error", err, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "unauthorized",
					"message": "tenant resolution failed",
				})
				return
			}

			ctx := tenant.NewContext(r.Context(), info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
