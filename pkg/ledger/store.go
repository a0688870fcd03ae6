// Package ledger implements the Receipt Ledger (C1): a durable, append-only
// store of lifecycle events with tenant-scoped queries for inbox, timeline,
// causal chain, and archive.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obligate/fabric/internal/apperr"
	"github.com/obligate/fabric/pkg/receipt"
)

// receiptColumns is the shared column list for receipt queries.
const receiptColumns = `schema_version, tenant_id, receipt_id, task_id, parent_task_id,
	caused_by_receipt_id, dedupe_key, attempt, from_principal, for_principal,
	source_system, recipient_ai, trust_domain, phase, status, realtime,
	task_type, task_summary, task_body, inputs, expected_outcome_kind, expected_artifact_mime,
	outcome_kind, outcome_text, artifact_location, artifact_pointer, artifact_checksum,
	artifact_size_bytes, artifact_mime, escalation_class, escalation_reason, escalation_to,
	retry_requested, created_at, stored_at, started_at, completed_at, read_at, archived_at,
	metadata`

// Store provides tenant-scoped database operations for receipts. Every
// method takes tenantID explicitly and includes it in every predicate;
// omitting it would be a correctness bug, not a performance one.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanReceipt(row pgx.Row) (receipt.Receipt, error) {
	var r receipt.Receipt
	var inputsRaw, metadataRaw []byte
	err := row.Scan(
		&r.SchemaVersion, &r.TenantID, &r.ReceiptID, &r.TaskID, &r.ParentTaskID,
		&r.CausedByReceiptID, &r.DedupeKey, &r.Attempt, &r.FromPrincipal, &r.ForPrincipal,
		&r.SourceSystem, &r.RecipientAI, &r.TrustDomain, &r.Phase, &r.Status, &r.Realtime,
		&r.TaskType, &r.TaskSummary, &r.TaskBody, &inputsRaw, &r.ExpectedOutcomeKind, &r.ExpectedArtifactMime,
		&r.OutcomeKind, &r.OutcomeText, &r.ArtifactLocation, &r.ArtifactPointer, &r.ArtifactChecksum,
		&r.ArtifactSizeBytes, &r.ArtifactMime, &r.EscalationClass, &r.EscalationReason, &r.EscalationTo,
		&r.RetryRequested, &r.CreatedAt, &r.StoredAt, &r.StartedAt, &r.CompletedAt, &r.ReadAt, &r.ArchivedAt,
		&metadataRaw,
	)
	if err != nil {
		return r, err
	}
	if len(inputsRaw) > 0 {
		if jerr := json.Unmarshal(inputsRaw, &r.Inputs); jerr != nil {
			return r, fmt.Errorf("decoding inputs: %w", jerr)
		}
	}
	if len(metadataRaw) > 0 {
		if jerr := json.Unmarshal(metadataRaw, &r.Metadata); jerr != nil {
			return r, fmt.Errorf("decoding metadata: %w", jerr)
		}
	}
	return r, nil
}

func scanReceiptRows(rows pgx.Rows) ([]receipt.Receipt, error) {
	defer rows.Close()
	var out []receipt.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning receipt row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating receipt rows: %w", err)
	}
	return out, nil
}

// appendQuery is the Append INSERT. Every receiptColumns entry gets exactly
// one value-expression: 39 bound placeholders plus the server-assigned
// now() for stored_at. Column order here must track receiptColumns exactly.
const appendQuery = `INSERT INTO receipts (` + receiptColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,
	        $22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,now(),$35,$36,$37,$38,$39)
	ON CONFLICT (tenant_id, receipt_id) DO NOTHING`

// receiptInsertArgs builds the Exec args for appendQuery, in placeholder
// order. Kept separate from Append so the column/arg count can be checked
// without a database connection.
func receiptInsertArgs(r *receipt.Receipt) ([]any, error) {
	inputsJSON, err := json.Marshal(r.Inputs)
	if err != nil {
		return nil, fmt.Errorf("encoding inputs: %w", err)
	}
	metadataJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	return []any{
		r.SchemaVersion, r.TenantID, r.ReceiptID, r.TaskID, r.ParentTaskID,
		r.CausedByReceiptID, r.DedupeKey, r.Attempt, r.FromPrincipal, r.ForPrincipal,
		r.SourceSystem, r.RecipientAI, r.TrustDomain, r.Phase, r.Status, r.Realtime,
		r.TaskType, r.TaskSummary, r.TaskBody, inputsJSON, r.ExpectedOutcomeKind, r.ExpectedArtifactMime,
		r.OutcomeKind, r.OutcomeText, r.ArtifactLocation, r.ArtifactPointer, r.ArtifactChecksum,
		r.ArtifactSizeBytes, r.ArtifactMime, r.EscalationClass, r.EscalationReason, r.EscalationTo,
		r.RetryRequested, r.CreatedAt, r.StartedAt, r.CompletedAt, r.ReadAt, r.ArchivedAt, metadataJSON,
	}, nil
}

// Append inserts a receipt row. Returns apperr.ErrDuplicate if
// (tenant_id, receipt_id) already exists.
func (s *Store) Append(ctx context.Context, r *receipt.Receipt) error {
	args, err := receiptInsertArgs(r)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, appendQuery, args...)
	if err != nil {
		return fmt.Errorf("inserting receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrDuplicate
	}

	// stored_at is server-assigned; read it back so the caller's copy is
	// complete without a second round trip of its own.
	return s.pool.QueryRow(ctx,
		`SELECT stored_at FROM receipts WHERE tenant_id = $1 AND receipt_id = $2`,
		r.TenantID, r.ReceiptID,
	).Scan(&r.StoredAt)
}

// Get returns one receipt by id.
func (s *Store) Get(ctx context.Context, tenantID, receiptID string) (receipt.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE tenant_id = $1 AND receipt_id = $2`
	r, err := scanReceipt(s.pool.QueryRow(ctx, query, tenantID, receiptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, apperr.ErrNotFound
	}
	return r, err
}

// Inbox returns receipts awaiting action for recipientAI: phase=accepted,
// not archived, newest stored_at first.
func (s *Store) Inbox(ctx context.Context, tenantID, recipientAI string, limit int) ([]receipt.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = $1 AND recipient_ai = $2 AND phase = 'accepted' AND archived_at IS NULL
		ORDER BY stored_at DESC LIMIT $3`
	rows, err := s.pool.Query(ctx, query, tenantID, recipientAI, limit)
	if err != nil {
		return nil, fmt.Errorf("querying inbox: %w", err)
	}
	return scanReceiptRows(rows)
}

// Timeline returns every receipt for a task_id, ordered by stored_at.
func (s *Store) Timeline(ctx context.Context, tenantID, taskID, order string) ([]receipt.Receipt, error) {
	dir := "ASC"
	if order == "desc" {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM receipts WHERE tenant_id = $1 AND task_id = $2 ORDER BY stored_at %s`, receiptColumns, dir)
	rows, err := s.pool.Query(ctx, query, tenantID, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying timeline: %w", err)
	}
	return scanReceiptRows(rows)
}

// maxChainDepth bounds the Chain traversal defensively; cycles are
// impossible given receipt immutability, but the walk stays bounded anyway.
const maxChainDepth = 10000

// Chain follows caused_by_receipt_id forward edges from rootReceiptID
// breadth-first and returns the collected receipts in stored_at order. A
// receipt_id may be named by more than one caused_by_receipt_id (a retry or
// a fan-out produces siblings), so each level collects every child before
// advancing rather than following a single branch.
func (s *Store) Chain(ctx context.Context, tenantID, rootReceiptID string) ([]receipt.Receipt, error) {
	root, err := s.Get(ctx, tenantID, rootReceiptID)
	if err != nil {
		return nil, err
	}

	fetchChildren := func(ids []string) ([]receipt.Receipt, error) {
		query := `SELECT ` + receiptColumns + ` FROM receipts
			WHERE tenant_id = $1 AND caused_by_receipt_id = ANY($2)
			ORDER BY stored_at ASC`
		rows, err := s.pool.Query(ctx, query, tenantID, ids)
		if err != nil {
			return nil, fmt.Errorf("walking chain: %w", err)
		}
		return scanReceiptRows(rows)
	}

	chain, err := walkChain(root, fetchChildren)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].StoredAt.Before(*chain[j].StoredAt)
	})
	return chain, nil
}

// walkChain runs the breadth-first traversal itself, given a fetcher that
// returns every receipt whose caused_by_receipt_id is in ids. Separated from
// Chain so the branching and cycle-guard logic is testable without a
// database connection.
func walkChain(root receipt.Receipt, fetchChildren func(ids []string) ([]receipt.Receipt, error)) ([]receipt.Receipt, error) {
	chain := []receipt.Receipt{root}
	visited := map[string]bool{root.ReceiptID: true}
	frontier := []string{root.ReceiptID}

	for depth := 0; depth < maxChainDepth && len(frontier) > 0; depth++ {
		children, err := fetchChildren(frontier)
		if err != nil {
			return nil, err
		}

		var next []string
		for _, r := range children {
			if visited[r.ReceiptID] {
				continue
			}
			visited[r.ReceiptID] = true
			chain = append(chain, r)
			next = append(next, r.ReceiptID)
		}
		frontier = next
	}

	return chain, nil
}

// Archive sets archived_at iff currently null. Returns apperr.ErrNotFound if
// the receipt does not exist or is already archived.
func (s *Store) Archive(ctx context.Context, tenantID, receiptID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE receipts SET archived_at = now() WHERE tenant_id = $1 AND receipt_id = $2 AND archived_at IS NULL`,
		tenantID, receiptID,
	)
	if err != nil {
		return fmt.Errorf("archiving receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// SearchFilters bounds a Search call; zero values mean "no filter".
type SearchFilters struct {
	Text        string
	RecipientAI string
	TaskType    string
	Phase       string
	Limit       int
}

// Search performs a substring match on task_summary ANDed with scalar
// equality filters.
func (s *Store) Search(ctx context.Context, tenantID string, f SearchFilters) ([]receipt.Receipt, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	argN := 2

	if f.Text != "" {
		where = append(where, fmt.Sprintf("task_summary ILIKE $%d", argN))
		args = append(args, "%"+f.Text+"%")
		argN++
	}
	if f.RecipientAI != "" {
		where = append(where, fmt.Sprintf("recipient_ai = $%d", argN))
		args = append(args, f.RecipientAI)
		argN++
	}
	if f.TaskType != "" {
		where = append(where, fmt.Sprintf("task_type = $%d", argN))
		args = append(args, f.TaskType)
		argN++
	}
	if f.Phase != "" {
		where = append(where, fmt.Sprintf("phase = $%d", argN))
		args = append(args, f.Phase)
		argN++
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT %s FROM receipts WHERE %s ORDER BY stored_at DESC LIMIT $%d`,
		receiptColumns, joinAnd(where), argN)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching receipts: %w", err)
	}
	return scanReceiptRows(rows)
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}
