// Package workerreg implements the worker registry: an observational table
// of which workers have leased or heartbeated recently, and what task types
// they accept. It never blocks a lease — the Lease Coordinator's behavior
// is unchanged whether or not a worker is registered.
package workerreg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Liveness classifies a worker's freshness relative to the lease duration L.
type Liveness string

const (
	LivenessActive Liveness = "active"
	LivenessStale  Liveness = "stale"
	LivenessGone   Liveness = "gone"
)

// Worker is one row of the registry.
type Worker struct {
	TenantID      string            `json:"tenant_id"`
	WorkerID      string            `json:"worker_id"`
	AcceptedTypes []string          `json:"accepted_types"`
	Capabilities  map[string]string `json:"capabilities"`
	LastSeenAt    time.Time         `json:"last_seen_at"`
	Liveness      Liveness          `json:"liveness"`
}

// DeriveLiveness computes liveness from the gap between now and lastSeenAt,
// relative to the lease duration L: stale past 2L, gone past 6L.
func DeriveLiveness(lastSeenAt time.Time, now time.Time, leaseDuration time.Duration) Liveness {
	gap := now.Sub(lastSeenAt)
	switch {
	case gap > 6*leaseDuration:
		return LivenessGone
	case gap > 2*leaseDuration:
		return LivenessStale
	default:
		return LivenessActive
	}
}

// Store provides tenant-scoped database operations for the worker registry.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Touch upserts a worker row on Lease/Heartbeat, refreshing last_seen_at and,
// if a non-empty list is provided, replacing the stored accepted task types.
// Failures here are logged by the caller and never block the lease operation
// that triggered them.
func (s *Store) Touch(ctx context.Context, tenantID, workerID string, acceptedTypes []string) error {
	if acceptedTypes == nil {
		acceptedTypes = []string{}
	}
	query := `INSERT INTO workers (tenant_id, worker_id, accepted_types, capabilities, last_seen_at)
		VALUES ($1, $2, $3, '{}'::jsonb, now())
		ON CONFLICT (tenant_id, worker_id) DO UPDATE SET
			accepted_types = CASE WHEN $3 = '{}' THEN workers.accepted_types ELSE $3 END,
			last_seen_at = now()`
	_, err := s.pool.Exec(ctx, query, tenantID, workerID, acceptedTypes)
	if err != nil {
		return fmt.Errorf("touching worker registry: %w", err)
	}
	return nil
}

// List returns every worker registered for tenantID, with liveness derived
// against leaseDuration at call time.
func (s *Store) List(ctx context.Context, tenantID string, leaseDuration time.Duration) ([]Worker, error) {
	query := `SELECT tenant_id, worker_id, accepted_types, capabilities, last_seen_at
		FROM workers WHERE tenant_id = $1 ORDER BY worker_id ASC`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", err)
		}
		w.Liveness = DeriveLiveness(w.LastSeenAt, now, leaseDuration)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating worker rows: %w", err)
	}
	return out, nil
}

func scanWorker(rows pgx.Rows) (Worker, error) {
	var w Worker
	var capabilitiesRaw []byte
	if err := rows.Scan(&w.TenantID, &w.WorkerID, &w.AcceptedTypes, &capabilitiesRaw, &w.LastSeenAt); err != nil {
		return w, err
	}
	if len(capabilitiesRaw) > 0 {
		if err := json.Unmarshal(capabilitiesRaw, &w.Capabilities); err != nil {
			return w, fmt.Errorf("decoding capabilities: %w", err)
		}
	}
	return w, nil
}
