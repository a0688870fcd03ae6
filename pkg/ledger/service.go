package ledger

import (
	"context"
	"fmt"

	"github.com/obligate/fabric/internal/apperr"
	"github.com/obligate/fabric/internal/idgen"
	"github.com/obligate/fabric/pkg/receipt"
)

// Service is the Receipt Ledger's public operation surface (C1). Every
// method is scoped to tenantID, resolved upstream by the authn middleware.
type Service struct {
	store *Store
}

// NewService wraps a Store with validation, defaulting, and id assignment.
func NewService(store *Store) *Service {
	return &Service{store: store}
}

// AppendResult is returned on a successful Append.
type AppendResult struct {
	ReceiptID string
	StoredAt  string
	TenantID  string
}

// Append validates phase invariants, routing invariant, and size ceilings,
// assigns receipt_id if the caller didn't supply one, then inserts the row.
// Returns apperr.ErrDuplicate if (tenant_id, receipt_id) already exists, and
// apperr.ErrValidation (wrapping the field errors) if validation fails.
func (s *Service) Append(ctx context.Context, tenantID string, r *receipt.Receipt) (*AppendResult, error) {
	r.TenantID = tenantID
	if r.ReceiptID == "" {
		r.ReceiptID = idgen.New()
	}
	r.ApplyDefaults()

	if errs := r.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, errs)
	}

	if err := s.store.Append(ctx, r); err != nil {
		return nil, err
	}

	return &AppendResult{
		ReceiptID: r.ReceiptID,
		StoredAt:  r.StoredAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		TenantID:  tenantID,
	}, nil
}

// Get returns one receipt by id.
func (s *Service) Get(ctx context.Context, tenantID, receiptID string) (receipt.Receipt, error) {
	return s.store.Get(ctx, tenantID, receiptID)
}

// Inbox returns receipts awaiting action for recipientAI, bounded to [1,100].
func (s *Service) Inbox(ctx context.Context, tenantID, recipientAI string, limit int) ([]receipt.Receipt, error) {
	if limit < 1 || limit > 100 {
		limit = 50
	}
	return s.store.Inbox(ctx, tenantID, recipientAI, limit)
}

// Timeline returns every receipt for a task in stored_at order.
func (s *Service) Timeline(ctx context.Context, tenantID, taskID, order string) ([]receipt.Receipt, error) {
	return s.store.Timeline(ctx, tenantID, taskID, order)
}

// Chain follows caused_by_receipt_id forward edges from rootReceiptID.
func (s *Service) Chain(ctx context.Context, tenantID, rootReceiptID string) ([]receipt.Receipt, error) {
	return s.store.Chain(ctx, tenantID, rootReceiptID)
}

// Archive soft-hides a receipt from inbox views.
func (s *Service) Archive(ctx context.Context, tenantID, receiptID string) error {
	return s.store.Archive(ctx, tenantID, receiptID)
}

// Search performs a bounded filtered search over receipts.
func (s *Service) Search(ctx context.Context, tenantID string, f SearchFilters) ([]receipt.Receipt, error) {
	return s.store.Search(ctx, tenantID, f)
}

// BootstrapResult is the session-resumption payload: the agent's full inbox
// (top 50) plus the 10 most recent receipts addressed to it, for context.
type BootstrapResult struct {
	TenantID string
	AgentName string
	Inbox    []receipt.Receipt
	Recent   []receipt.Receipt
}

// Bootstrap assembles the session-resumption payload for agentName.
func (s *Service) Bootstrap(ctx context.Context, tenantID, agentName string) (*BootstrapResult, error) {
	inbox, err := s.store.Inbox(ctx, tenantID, agentName, 50)
	if err != nil {
		return nil, fmt.Errorf("loading inbox: %w", err)
	}

	recent, err := s.store.Search(ctx, tenantID, SearchFilters{RecipientAI: agentName, Limit: 10})
	if err != nil {
		return nil, fmt.Errorf("loading recent context: %w", err)
	}

	return &BootstrapResult{
		TenantID:  tenantID,
		AgentName: agentName,
		Inbox:     inbox,
		Recent:    recent,
	}, nil
}
