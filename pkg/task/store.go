package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obligate/fabric/internal/apperr"
)

const taskColumns = `task_id, tenant_id, task_type, recipient_ai, from_principal, for_principal,
	task_summary, task_body, inputs, expected_outcome_kind, expected_artifact_mime,
	parent_task_id, caused_by_receipt_id, priority, attempt, max_attempts, status,
	lease_id, worker_id, lease_expires_at, created_at, started_at, completed_at`

// Store provides tenant-scoped database operations for tasks. Every method
// takes tenantID explicitly and includes it in every predicate.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	var inputsRaw []byte
	err := row.Scan(
		&t.TaskID, &t.TenantID, &t.TaskType, &t.RecipientAI, &t.FromPrincipal, &t.ForPrincipal,
		&t.TaskSummary, &t.TaskBody, &inputsRaw, &t.ExpectedOutcomeKind, &t.ExpectedArtifactMime,
		&t.ParentTaskID, &t.CausedByReceiptID, &t.Priority, &t.Attempt, &t.MaxAttempts, &t.Status,
		&t.LeaseID, &t.WorkerID, &t.LeaseExpiresAt, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return t, err
	}
	if len(inputsRaw) > 0 {
		if jerr := json.Unmarshal(inputsRaw, &t.Inputs); jerr != nil {
			return t, fmt.Errorf("decoding inputs: %w", jerr)
		}
	}
	return t, nil
}

func scanTaskRows(rows pgx.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return out, nil
}

// Insert creates a new queued task row.
func (s *Store) Insert(ctx context.Context, t *Task) error {
	inputsJSON, err := json.Marshal(t.Inputs)
	if err != nil {
		return fmt.Errorf("encoding inputs: %w", err)
	}

	query := `INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
		        $18,$19,$20,now(),$21,$22)
		RETURNING created_at`

	return s.pool.QueryRow(ctx, query,
		t.TaskID, t.TenantID, t.TaskType, t.RecipientAI, t.FromPrincipal, t.ForPrincipal,
		t.TaskSummary, t.TaskBody, inputsJSON, t.ExpectedOutcomeKind, t.ExpectedArtifactMime,
		t.ParentTaskID, t.CausedByReceiptID, t.Priority, t.Attempt, t.MaxAttempts, t.Status,
		t.LeaseID, t.WorkerID, t.LeaseExpiresAt, t.StartedAt, t.CompletedAt,
	).Scan(&t.CreatedAt)
}

// Get returns one task by id.
func (s *Store) Get(ctx context.Context, tenantID, taskID string) (Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = $1 AND task_id = $2`
	t, err := scanTask(s.pool.QueryRow(ctx, query, tenantID, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, apperr.ErrNotFound
	}
	return t, err
}

// ListFilters bounds a List call; zero values mean "no filter".
type ListFilters struct {
	Status string
	Limit  int
}

// List returns tasks for a tenant, optionally filtered by status.
func (s *Store) List(ctx context.Context, tenantID string, f ListFilters) ([]Task, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	argN := 2

	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, f.Status)
		argN++
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		taskColumns, joinAnd(where), argN)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return scanTaskRows(rows)
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

// leaseSelect is the common prefix of the skip-locked candidate SELECT;
// selectCandidate appends the optional kind filter, ordering, and lock.
const leaseSelect = `SELECT task_id FROM tasks
	WHERE tenant_id = $1 AND status = 'queued'`

// AcquireLease runs the skip-locked candidate selection and the lease
// assignment in one transaction. If preferredKinds is non-empty it tries a
// first pass restricted to those kinds, falling back to the unconstrained
// pass only if that returns nothing. Returns apperr.ErrNotFound (mapped by
// the caller to a no-work response) if no candidate row is available.
func (s *Store) AcquireLease(ctx context.Context, tenantID, workerID string, preferredKinds []string, leaseID string, leaseDuration string) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var taskID string
	if len(preferredKinds) > 0 {
		taskID, err = selectCandidate(ctx, tx, tenantID, preferredKinds)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return Task{}, fmt.Errorf("selecting preferred candidate: %w", err)
		}
	}
	if taskID == "" {
		taskID, err = selectCandidate(ctx, tx, tenantID, nil)
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, apperr.ErrNotFound
		}
		if err != nil {
			return Task{}, fmt.Errorf("selecting candidate: %w", err)
		}
	}

	query := `UPDATE tasks SET
			status = 'leased', lease_id = $3, worker_id = $4,
			lease_expires_at = now() + $5::interval, started_at = now()
		WHERE tenant_id = $1 AND task_id = $2
		RETURNING ` + taskColumns

	t, err := scanTask(tx.QueryRow(ctx, query, tenantID, taskID, leaseID, workerID, leaseDuration))
	if err != nil {
		return Task{}, fmt.Errorf("assigning lease: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("committing lease: %w", err)
	}
	return t, nil
}

// selectCandidate runs the skip-locked candidate query within tx, ordered
// priority DESC, created_at ASC, task_id ASC for a deterministic tie-break.
func selectCandidate(ctx context.Context, tx pgx.Tx, tenantID string, kinds []string) (string, error) {
	query := leaseSelect
	args := []any{tenantID}
	if len(kinds) > 0 {
		query += ` AND task_type = ANY($2)`
		args = append(args, kinds)
	}
	query += ` ORDER BY priority DESC, created_at ASC, task_id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`

	var taskID string
	err := tx.QueryRow(ctx, query, args...).Scan(&taskID)
	return taskID, err
}

// GetByLease finds the task currently held by (leaseID, workerID) in status
// leased. An indexed point query, unlike scanning List for a match.
func (s *Store) GetByLease(ctx context.Context, tenantID, leaseID, workerID string) (Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE tenant_id = $1 AND lease_id = $2 AND worker_id = $3 AND status = 'leased'`
	t, err := scanTask(s.pool.QueryRow(ctx, query, tenantID, leaseID, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, apperr.ErrNotFound
	}
	return t, err
}

// Heartbeat extends a held lease. Returns apperr.ErrNotFound if the lease is
// not currently held by workerID in status leased.
func (s *Store) Heartbeat(ctx context.Context, tenantID, leaseID, workerID, leaseDuration string) (Task, error) {
	query := `UPDATE tasks SET lease_expires_at = now() + $4::interval
		WHERE tenant_id = $1 AND lease_id = $2 AND worker_id = $3 AND status = 'leased'
		RETURNING ` + taskColumns
	t, err := scanTask(s.pool.QueryRow(ctx, query, tenantID, leaseID, workerID, leaseDuration))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, apperr.ErrNotFound
	}
	return t, err
}

// Complete transitions a leased task to completed. Returns apperr.ErrNotFound
// if the lease is not held by workerID in status leased.
func (s *Store) Complete(ctx context.Context, tenantID, leaseID, workerID string) (Task, error) {
	query := `UPDATE tasks SET status = 'completed', completed_at = now()
		WHERE tenant_id = $1 AND lease_id = $2 AND worker_id = $3 AND status = 'leased'
		RETURNING ` + taskColumns
	t, err := scanTask(s.pool.QueryRow(ctx, query, tenantID, leaseID, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, apperr.ErrNotFound
	}
	return t, err
}

// Requeue returns a leased task to queued after a retryable failure or
// reclaim, incrementing attempt and clearing lease fields.
func (s *Store) Requeue(ctx context.Context, tenantID, leaseID, workerID string) (Task, error) {
	query := `UPDATE tasks SET
			status = 'queued', attempt = attempt + 1,
			lease_id = NULL, worker_id = NULL, lease_expires_at = NULL, started_at = NULL
		WHERE tenant_id = $1 AND lease_id = $2 AND worker_id = $3 AND status = 'leased'
		RETURNING ` + taskColumns
	t, err := scanTask(s.pool.QueryRow(ctx, query, tenantID, leaseID, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, apperr.ErrNotFound
	}
	return t, err
}

// Exhaust transitions a leased task directly to failed (attempts exhausted,
// no further retry).
func (s *Store) Exhaust(ctx context.Context, tenantID, leaseID, workerID string) (Task, error) {
	query := `UPDATE tasks SET status = 'failed', completed_at = now()
		WHERE tenant_id = $1 AND lease_id = $2 AND worker_id = $3 AND status = 'leased'
		RETURNING ` + taskColumns
	t, err := scanTask(s.pool.QueryRow(ctx, query, tenantID, leaseID, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, apperr.ErrNotFound
	}
	return t, err
}

// ExpiredLeases returns leased rows across all tenants whose lease has
// expired, for the Reaper. The tenant is carried in each returned row.
func (s *Store) ExpiredLeases(ctx context.Context, limit int) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'leased' AND lease_expires_at < now()
		ORDER BY lease_expires_at ASC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying expired leases: %w", err)
	}
	return scanTaskRows(rows)
}

// ReclaimRequeue returns an expired-lease row (identified by tenant+task_id,
// not lease ownership — the Reaper doesn't know a worker_id) to queued,
// incrementing attempt.
func (s *Store) ReclaimRequeue(ctx context.Context, tenantID, taskID string) (Task, error) {
	query := `UPDATE tasks SET
			status = 'queued', attempt = attempt + 1,
			lease_id = NULL, worker_id = NULL, lease_expires_at = NULL, started_at = NULL
		WHERE tenant_id = $1 AND task_id = $2 AND status = 'leased'
		RETURNING ` + taskColumns
	t, err := scanTask(s.pool.QueryRow(ctx, query, tenantID, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, apperr.ErrNotFound
	}
	return t, err
}

// ReclaimExpire marks an expired-lease row as expired (attempts exhausted).
func (s *Store) ReclaimExpire(ctx context.Context, tenantID, taskID string) (Task, error) {
	query := `UPDATE tasks SET status = 'expired', completed_at = now()
		WHERE tenant_id = $1 AND task_id = $2 AND status = 'leased'
		RETURNING ` + taskColumns
	t, err := scanTask(s.pool.QueryRow(ctx, query, tenantID, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, apperr.ErrNotFound
	}
	return t, err
}
