package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/obligate/fabric/internal/apperr"
	"github.com/obligate/fabric/internal/idgen"
	"github.com/obligate/fabric/pkg/emission"
	"github.com/obligate/fabric/pkg/receipt"
)

// DefaultMaxAttempts is applied to a Spec that doesn't set one.
const DefaultMaxAttempts = 3

// DefaultLeaseDuration is L in the spec's notation: how long a freshly
// acquired or heartbeat-renewed lease stays valid.
const DefaultLeaseDuration = 900 * time.Second

// DefaultEscalationRecipient is the fabric's fallback escalation sink: every
// Fail(no-retry) and Reaper-driven expiry names this as both recipient_ai
// and escalation_to, satisfying the routing invariant by construction.
const DefaultEscalationRecipient = "delegate"

// canRetry decides whether a failed or expired attempt gets another try:
// the caller must have flagged it retryable, and attempts remaining after
// this one must still be under the task's max_attempts.
func canRetry(attempt, maxAttempts int, retryable bool) bool {
	return retryable && attempt+1 < maxAttempts
}

// emitter is the subset of emission.Client the service depends on, so tests
// can substitute a stub.
type emitter interface {
	Emit(ctx context.Context, tenantID, apiKey string, rec *receipt.Receipt) (string, error)
}

// registrar is the subset of workerreg.Store the service depends on.
// Touch failures are observational: they're logged and never block a lease
// or heartbeat.
type registrar interface {
	Touch(ctx context.Context, tenantID, workerID string, acceptedTypes []string) error
}

// escalationNotifier is the subset of notify.Notifier the service depends
// on. A nil notifier disables escalation paging entirely.
type escalationNotifier interface {
	PostEscalation(ctx context.Context, rec *receipt.Receipt) error
}

// Service is the Lease Coordinator's public operation surface (C3 + C4).
type Service struct {
	store         *Store
	emit          emitter
	registry      registrar
	notifier      escalationNotifier
	apiKey        string
	logger        *slog.Logger
	leaseDuration time.Duration

	onLeaseAcquired  func(tenantID string)
	onLeaseContested func()
	onEscalation     func(class string)
	onReclaim        func(outcome string)
}

// WithMetrics wires optional Prometheus hooks. Any argument may be nil.
func (s *Service) WithMetrics(onLeaseAcquired func(tenantID string), onLeaseContested func(), onEscalation func(class string), onReclaim func(outcome string)) *Service {
	s.onLeaseAcquired = onLeaseAcquired
	s.onLeaseContested = onLeaseContested
	s.onEscalation = onEscalation
	s.onReclaim = onReclaim
	return s
}

// NewService wraps a Store with the state machine and receipt emission.
// apiKey authenticates this service's own emission calls to the ledger.
// registry may be nil, in which case worker self-registration is skipped.
func NewService(store *Store, emit *emission.Client, registry registrar, apiKey string, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		emit:          emit,
		registry:      registry,
		apiKey:        apiKey,
		logger:        logger,
		leaseDuration: DefaultLeaseDuration,
	}
}

// WithNotifier attaches an escalation notifier. Optional; a Service with no
// notifier simply skips paging on escalation.
func (s *Service) WithNotifier(n escalationNotifier) *Service {
	s.notifier = n
	return s
}

// CreateResult is returned on successful Create.
type CreateResult struct {
	TaskID    string
	ReceiptID string
	Status    Status
	CreatedAt time.Time
}

// Create inserts a new queued task and emits an accepted receipt. If
// emission fails the task row still persists; the caller receives
// apperr.ErrServiceUnavailable and may reconcile later via the ledger drain.
func (s *Service) Create(ctx context.Context, tenantID string, spec Spec) (*CreateResult, error) {
	t := &Task{
		TaskID:               idgen.NewTaskID(),
		TenantID:             tenantID,
		TaskType:             spec.TaskType,
		RecipientAI:          spec.RecipientAI,
		FromPrincipal:        spec.FromPrincipal,
		ForPrincipal:         spec.ForPrincipal,
		TaskSummary:          spec.TaskSummary,
		TaskBody:             spec.TaskBody,
		Inputs:               spec.Inputs,
		ExpectedOutcomeKind:  spec.ExpectedOutcomeKind,
		ExpectedArtifactMime: spec.ExpectedArtifactMime,
		ParentTaskID:         spec.ParentTaskID,
		CausedByReceiptID:    spec.CausedByReceiptID,
		Priority:             spec.Priority,
		MaxAttempts:          spec.MaxAttempts,
		Status:               StatusQueued,
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}

	if err := s.store.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}

	rec := &receipt.Receipt{
		TenantID:            tenantID,
		TaskID:              t.TaskID,
		ParentTaskID:        t.ParentTaskID,
		CausedByReceiptID:   t.CausedByReceiptID,
		Attempt:             t.Attempt,
		FromPrincipal:       t.FromPrincipal,
		ForPrincipal:        t.ForPrincipal,
		RecipientAI:         t.RecipientAI,
		Phase:               receipt.PhaseAccepted,
		TaskType:            t.TaskType,
		TaskSummary:         t.TaskSummary,
		TaskBody:            t.TaskBody,
		Inputs:              t.Inputs,
		ExpectedOutcomeKind: receipt.OutcomeKind(t.ExpectedOutcomeKind),
	}
	rec.ApplyDefaults()

	receiptID, err := s.emit.Emit(ctx, tenantID, s.apiKey, rec)
	if err != nil {
		s.logger.Error("accepted receipt emission failed", "task_id", t.TaskID, "error", err)
		return nil, fmt.Errorf("%w: task %s persisted, accepted receipt not yet delivered", apperr.ErrServiceUnavailable, t.TaskID)
	}

	return &CreateResult{TaskID: t.TaskID, ReceiptID: receiptID, Status: t.Status, CreatedAt: t.CreatedAt}, nil
}

// Get returns one task by id.
func (s *Service) Get(ctx context.Context, tenantID, taskID string) (Task, error) {
	return s.store.Get(ctx, tenantID, taskID)
}

// List returns tasks for a tenant.
func (s *Service) List(ctx context.Context, tenantID string, f ListFilters) ([]Task, error) {
	return s.store.List(ctx, tenantID, f)
}

// LeaseResult is returned on a successful Lease.
type LeaseResult struct {
	Task           Task
	LeaseID        string
	LeaseExpiresAt time.Time
}

// Lease acquires up to one candidate row via skip-locked selection. Returns
// apperr.ErrNotFound (the caller maps this to a no-work / 204 response) if
// no candidate is available.
func (s *Service) Lease(ctx context.Context, tenantID, workerID string, preferredKinds []string) (*LeaseResult, error) {
	leaseID := idgen.NewLeaseID()
	interval := fmt.Sprintf("%d seconds", int(s.leaseDuration.Seconds()))

	t, err := s.store.AcquireLease(ctx, tenantID, workerID, preferredKinds, leaseID, interval)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) && s.onLeaseContested != nil {
			s.onLeaseContested()
		}
		return nil, err
	}

	if s.onLeaseAcquired != nil {
		s.onLeaseAcquired(tenantID)
	}
	s.touchRegistry(ctx, tenantID, workerID, preferredKinds)

	return &LeaseResult{Task: t, LeaseID: *t.LeaseID, LeaseExpiresAt: *t.LeaseExpiresAt}, nil
}

// Heartbeat extends a held lease. Returns apperr.ErrNotFound if the lease
// has been reclaimed.
func (s *Service) Heartbeat(ctx context.Context, tenantID, leaseID, workerID string) (Task, error) {
	interval := fmt.Sprintf("%d seconds", int(s.leaseDuration.Seconds()))
	t, err := s.store.Heartbeat(ctx, tenantID, leaseID, workerID, interval)
	if err != nil {
		return t, err
	}
	s.touchRegistry(ctx, tenantID, workerID, nil)
	return t, nil
}

// touchRegistry self-registers workerID in the worker registry. This is
// observational bookkeeping: a failure here is logged and never propagated,
// since the Lease/Heartbeat operation it follows has already succeeded.
func (s *Service) touchRegistry(ctx context.Context, tenantID, workerID string, acceptedTypes []string) {
	if s.registry == nil {
		return
	}
	if err := s.registry.Touch(ctx, tenantID, workerID, acceptedTypes); err != nil {
		s.logger.Warn("worker registry touch failed", "worker_id", workerID, "error", err)
	}
}

// Outcome describes the result a worker reports on Complete.
type Outcome struct {
	Status               receipt.Status
	OutcomeKind          receipt.OutcomeKind
	OutcomeText          string
	ArtifactLocation     string
	ArtifactPointer      string
	ArtifactChecksum     string
	ArtifactSizeBytes    int
	ArtifactMime         string
}

// CompleteResult is returned on successful Complete.
type CompleteResult struct {
	TaskID      string
	LeaseID     string
	Status      Status
	ReceiptID   string
	CompletedAt time.Time
}

// Complete transitions a leased task to completed and emits a complete
// receipt mirroring the outcome and the task's chain links.
func (s *Service) Complete(ctx context.Context, tenantID, leaseID, workerID string, outcome Outcome) (*CompleteResult, error) {
	t, err := s.store.Complete(ctx, tenantID, leaseID, workerID)
	if err != nil {
		return nil, err
	}

	rec := &receipt.Receipt{
		TenantID:          tenantID,
		TaskID:            t.TaskID,
		ParentTaskID:      t.ParentTaskID,
		CausedByReceiptID: t.CausedByReceiptID,
		Attempt:           t.Attempt,
		FromPrincipal:     t.FromPrincipal,
		ForPrincipal:      t.ForPrincipal,
		RecipientAI:       t.RecipientAI,
		Phase:             receipt.PhaseComplete,
		Status:            outcome.Status,
		TaskType:          t.TaskType,
		TaskSummary:       t.TaskSummary,
		OutcomeKind:       outcome.OutcomeKind,
		OutcomeText:       outcome.OutcomeText,
		ArtifactLocation:  outcome.ArtifactLocation,
		ArtifactPointer:   outcome.ArtifactPointer,
		ArtifactChecksum:  outcome.ArtifactChecksum,
		ArtifactSizeBytes: outcome.ArtifactSizeBytes,
		ArtifactMime:      outcome.ArtifactMime,
		CompletedAt:       t.CompletedAt,
	}
	rec.ApplyDefaults()

	receiptID, err := s.emit.Emit(ctx, tenantID, s.apiKey, rec)
	if err != nil {
		s.logger.Error("complete receipt emission failed", "task_id", t.TaskID, "error", err)
	}

	return &CompleteResult{
		TaskID:      t.TaskID,
		LeaseID:     leaseID,
		Status:      t.Status,
		ReceiptID:   receiptID,
		CompletedAt: *t.CompletedAt,
	}, nil
}

// FailResult is returned on a successful Fail.
type FailResult struct {
	Status         string // "retry_scheduled" or "failed"
	RetryScheduled bool
	NextAttempt    int
	ReceiptID      string
}

// Fail handles a worker-reported failure. If retryable and attempts remain,
// the task is returned to queued and attempt incremented. Otherwise it is
// failed and an escalate receipt is emitted naming the fabric's fallback
// recipient on both recipient_ai and escalation_to, per the routing
// invariant.
func (s *Service) Fail(ctx context.Context, tenantID, leaseID, workerID, errorMessage string, retryable bool) (*FailResult, error) {
	// Ownership and state are verified by the UPDATE's WHERE clause in
	// Requeue/Exhaust; fetch the pre-transition row first to know attempt
	// and max_attempts for the retry decision.
	t, err := s.lookupByLease(ctx, tenantID, leaseID, workerID)
	if err != nil {
		return nil, err
	}

	if canRetry(t.Attempt, t.MaxAttempts, retryable) {
		updated, err := s.store.Requeue(ctx, tenantID, leaseID, workerID)
		if err != nil {
			return nil, err
		}
		return &FailResult{Status: "retry_scheduled", RetryScheduled: true, NextAttempt: updated.Attempt}, nil
	}

	updated, err := s.store.Exhaust(ctx, tenantID, leaseID, workerID)
	if err != nil {
		return nil, err
	}

	reason := errorMessage
	if reason == "" {
		reason = "task failed, retries exhausted"
	}
	receiptID, emitErr := s.emitEscalation(ctx, tenantID, updated, reason)
	if emitErr != nil {
		s.logger.Error("escalate receipt emission failed", "task_id", updated.TaskID, "error", emitErr)
	}

	return &FailResult{Status: "failed", RetryScheduled: false, ReceiptID: receiptID}, nil
}

// lookupByLease finds the task currently holding leaseID for workerID via an
// indexed point query, so it stays correct regardless of how many tasks a
// tenant has leased concurrently.
func (s *Service) lookupByLease(ctx context.Context, tenantID, leaseID, workerID string) (Task, error) {
	return s.store.GetByLease(ctx, tenantID, leaseID, workerID)
}

func (s *Service) emitEscalation(ctx context.Context, tenantID string, t Task, reason string) (string, error) {
	rec := &receipt.Receipt{
		TenantID:          tenantID,
		TaskID:            t.TaskID,
		ParentTaskID:      t.ParentTaskID,
		CausedByReceiptID: t.CausedByReceiptID,
		Attempt:           t.Attempt,
		FromPrincipal:     t.FromPrincipal,
		ForPrincipal:      t.ForPrincipal,
		RecipientAI:       DefaultEscalationRecipient,
		Phase:             receipt.PhaseEscalate,
		TaskType:          t.TaskType,
		TaskSummary:       t.TaskSummary,
		EscalationClass:   receipt.EscalationPolicy,
		EscalationReason:  reason,
		EscalationTo:      DefaultEscalationRecipient,
		CompletedAt:       t.CompletedAt,
	}
	rec.ApplyDefaults()
	receiptID, err := s.emit.Emit(ctx, tenantID, s.apiKey, rec)

	if s.onEscalation != nil {
		s.onEscalation(string(rec.EscalationClass))
	}

	if s.notifier != nil {
		if notifyErr := s.notifier.PostEscalation(ctx, rec); notifyErr != nil {
			s.logger.Warn("escalation notification failed", "task_id", t.TaskID, "error", notifyErr)
		}
	}

	return receiptID, err
}

// ReclaimExpired scans for leased tasks whose lease has expired and applies
// the same policy as Fail(retryable=true): requeue if attempts remain,
// otherwise expire and escalate. Used both by the admin reclaim endpoint and
// the Expiry Reaper's ticker loop, so there is exactly one reclaim policy.
func (s *Service) ReclaimExpired(ctx context.Context) (int, error) {
	const batchSize = 100
	expired, err := s.store.ExpiredLeases(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("scanning expired leases: %w", err)
	}

	count := 0
	for _, t := range expired {
		if canRetry(t.Attempt, t.MaxAttempts, true) {
			if _, err := s.store.ReclaimRequeue(ctx, t.TenantID, t.TaskID); err != nil {
				s.logger.Error("reclaim requeue failed", "task_id", t.TaskID, "error", err)
				continue
			}
			count++
			if s.onReclaim != nil {
				s.onReclaim("requeued")
			}
			continue
		}

		updated, err := s.store.ReclaimExpire(ctx, t.TenantID, t.TaskID)
		if err != nil {
			s.logger.Error("reclaim expire failed", "task_id", t.TaskID, "error", err)
			continue
		}
		count++
		if s.onReclaim != nil {
			s.onReclaim("expired")
		}

		if _, emitErr := s.emitEscalation(ctx, t.TenantID, updated, "lease expired, max retries exceeded"); emitErr != nil {
			s.logger.Error("reaper escalate receipt emission failed", "task_id", updated.TaskID, "error", emitErr)
		}
	}

	return count, nil
}
