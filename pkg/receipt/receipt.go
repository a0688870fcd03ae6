// Package receipt defines the Receipt model — the atomic, immutable audit
// record of one lifecycle event for one task — and the phase invariants
// every receipt must satisfy before it can be appended to the ledger.
package receipt

import (
	"fmt"
	"time"
)

// Phase is the receipt lifecycle phase.
type Phase string

const (
	PhaseAccepted Phase = "accepted"
	PhaseComplete Phase = "complete"
	PhaseEscalate Phase = "escalate"
)

// Status is task completion status.
type Status string

const (
	StatusNA       Status = "NA"
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusCanceled Status = "canceled"
)

// OutcomeKind is the type of a task outcome.
type OutcomeKind string

const (
	OutcomeNA               OutcomeKind = "NA"
	OutcomeNone             OutcomeKind = "none"
	OutcomeResponseText     OutcomeKind = "response_text"
	OutcomeArtifactPointer  OutcomeKind = "artifact_pointer"
	OutcomeMixed            OutcomeKind = "mixed"
)

// EscalationClass is the reason category for an escalation.
type EscalationClass string

const (
	EscalationNA         EscalationClass = "NA"
	EscalationOwner      EscalationClass = "owner"
	EscalationCapability EscalationClass = "capability"
	EscalationTrust      EscalationClass = "trust"
	EscalationPolicy     EscalationClass = "policy"
	EscalationScope      EscalationClass = "scope"
	EscalationOther      EscalationClass = "other"
)

// naStr is the sentinel every unset string-typed slot must hold. Nulls are
// forbidden on these fields so SQL predicates stay simple equalities.
const naStr = "NA"

// Size ceilings from the data model (§3).
const (
	maxInputsBytes      = 64 * 1024
	maxOutcomeTextBytes = 100 * 1024
	maxMetadataBytes    = 16 * 1024
)

// Receipt is the atomic audit record. Identifying attributes, payload,
// outcome block, escalation block, chain attributes, and timestamps all
// appear verbatim, per the wire contract.
type Receipt struct {
	SchemaVersion string `json:"schema_version"`
	TenantID      string `json:"tenant_id"`
	ReceiptID     string `json:"receipt_id"`

	TaskID            string `json:"task_id"`
	ParentTaskID      string `json:"parent_task_id"`
	CausedByReceiptID string `json:"caused_by_receipt_id"`
	DedupeKey         string `json:"dedupe_key"`
	Attempt           int    `json:"attempt"`

	FromPrincipal string `json:"from_principal"`
	ForPrincipal  string `json:"for_principal"`
	SourceSystem  string `json:"source_system"`
	RecipientAI   string `json:"recipient_ai"`
	TrustDomain   string `json:"trust_domain"`

	Phase    Phase  `json:"phase"`
	Status   Status `json:"status"`
	Realtime bool   `json:"realtime"`

	TaskType            string         `json:"task_type"`
	TaskSummary         string         `json:"task_summary"`
	TaskBody            string         `json:"task_body"`
	Inputs              map[string]any `json:"inputs"`
	ExpectedOutcomeKind OutcomeKind    `json:"expected_outcome_kind"`
	ExpectedArtifactMime string        `json:"expected_artifact_mime"`

	OutcomeKind       OutcomeKind `json:"outcome_kind"`
	OutcomeText       string      `json:"outcome_text"`
	ArtifactLocation  string      `json:"artifact_location"`
	ArtifactPointer   string      `json:"artifact_pointer"`
	ArtifactChecksum  string      `json:"artifact_checksum"`
	ArtifactSizeBytes int         `json:"artifact_size_bytes"`
	ArtifactMime      string      `json:"artifact_mime"`

	EscalationClass  EscalationClass `json:"escalation_class"`
	EscalationReason string          `json:"escalation_reason"`
	EscalationTo     string          `json:"escalation_to"`
	RetryRequested   bool            `json:"retry_requested"`

	CreatedAt  *time.Time `json:"created_at,omitempty"`
	StoredAt   *time.Time `json:"stored_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	Metadata map[string]any `json:"metadata"`
}

// ApplyDefaults fills sentinel/zero defaults on an incoming receipt: the
// chain, status, expectation, outcome, artifact, and escalation string slots
// default to "NA", trust_domain to "default", maps to empty, and
// schema_version to "1.0". from_principal, for_principal, source_system,
// recipient_ai, task_type, task_summary, and task_body are left as given,
// so an unset one stays "".
func (r *Receipt) ApplyDefaults() {
	if r.SchemaVersion == "" {
		r.SchemaVersion = "1.0"
	}
	if r.ParentTaskID == "" {
		r.ParentTaskID = naStr
	}
	if r.CausedByReceiptID == "" {
		r.CausedByReceiptID = naStr
	}
	if r.DedupeKey == "" {
		r.DedupeKey = naStr
	}
	if r.TrustDomain == "" {
		r.TrustDomain = "default"
	}
	if r.Status == "" {
		r.Status = StatusNA
	}
	if r.ExpectedOutcomeKind == "" {
		r.ExpectedOutcomeKind = OutcomeNA
	}
	if r.ExpectedArtifactMime == "" {
		r.ExpectedArtifactMime = naStr
	}
	if r.OutcomeKind == "" {
		r.OutcomeKind = OutcomeNA
	}
	if r.OutcomeText == "" {
		r.OutcomeText = naStr
	}
	if r.ArtifactLocation == "" {
		r.ArtifactLocation = naStr
	}
	if r.ArtifactPointer == "" {
		r.ArtifactPointer = naStr
	}
	if r.ArtifactChecksum == "" {
		r.ArtifactChecksum = naStr
	}
	if r.ArtifactMime == "" {
		r.ArtifactMime = naStr
	}
	if r.EscalationClass == "" {
		r.EscalationClass = EscalationNA
	}
	if r.EscalationReason == "" {
		r.EscalationReason = naStr
	}
	if r.EscalationTo == "" {
		r.EscalationTo = naStr
	}
	if r.Inputs == nil {
		r.Inputs = map[string]any{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
}

// ValidationError is a single field-level constraint violation: field,
// constraint, and message. The ledger's HTTP handler reports a failed
// Append as one joined message string, not as a list of these.
type ValidationError struct {
	Field      string
	Constraint string
	Message    string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks phase invariants (I2), the retry rule (I3), and size
// ceilings. It returns every violation found, not just the first, so a
// caller can report the complete set in one response.
func (r *Receipt) Validate() []ValidationError {
	var errs []ValidationError
	fail := func(field, constraint, message string) {
		errs = append(errs, ValidationError{Field: field, Constraint: constraint, Message: message})
	}

	switch r.Phase {
	case PhaseAccepted:
		if r.Status != StatusNA {
			fail("status", "phase_accepted", "status must be 'NA' for accepted phase")
		}
		if r.CompletedAt != nil {
			fail("completed_at", "phase_accepted", "completed_at must be null for accepted phase")
		}
		if r.TaskSummary == "TBD" {
			fail("task_summary", "phase_accepted", "task_summary must not be 'TBD' for accepted phase")
		}
		if r.OutcomeKind != OutcomeNA {
			fail("outcome_kind", "phase_accepted", "outcome_kind must be 'NA' for accepted phase")
		}
		if r.ArtifactPointer != naStr {
			fail("artifact_pointer", "phase_accepted", "artifact_pointer must be 'NA' for accepted phase")
		}
		if r.ArtifactLocation != naStr {
			fail("artifact_location", "phase_accepted", "artifact_location must be 'NA' for accepted phase")
		}
		if r.ArtifactMime != naStr {
			fail("artifact_mime", "phase_accepted", "artifact_mime must be 'NA' for accepted phase")
		}
		if r.EscalationClass != EscalationNA {
			fail("escalation_class", "phase_accepted", "escalation_class must be 'NA' for accepted phase")
		}
		if r.EscalationTo != naStr {
			fail("escalation_to", "phase_accepted", "escalation_to must be 'NA' for accepted phase")
		}
		if r.RetryRequested {
			fail("retry_requested", "phase_accepted", "retry_requested must be false for accepted phase")
		}

	case PhaseComplete:
		if r.Status != StatusSuccess && r.Status != StatusFailure && r.Status != StatusCanceled {
			fail("status", "phase_complete", "status must be 'success', 'failure', or 'canceled' for complete phase")
		}
		if r.CompletedAt == nil {
			fail("completed_at", "phase_complete", "completed_at is required for complete phase")
		}
		switch r.OutcomeKind {
		case OutcomeNone, OutcomeResponseText, OutcomeArtifactPointer, OutcomeMixed:
		default:
			fail("outcome_kind", "phase_complete", "outcome_kind must be a valid value for complete phase")
		}
		if r.EscalationClass != EscalationNA {
			fail("escalation_class", "phase_complete", "escalation_class must be 'NA' for complete phase")
		}
		if r.OutcomeKind == OutcomeArtifactPointer || r.OutcomeKind == OutcomeMixed {
			if r.ArtifactPointer == naStr {
				fail("artifact_pointer", "phase_complete", "artifact_pointer required when outcome_kind is artifact_pointer or mixed")
			}
			if r.ArtifactLocation == naStr {
				fail("artifact_location", "phase_complete", "artifact_location required when outcome_kind is artifact_pointer or mixed")
			}
			if r.ArtifactMime == naStr {
				fail("artifact_mime", "phase_complete", "artifact_mime required when outcome_kind is artifact_pointer or mixed")
			}
		}

	case PhaseEscalate:
		if r.Status != StatusNA {
			fail("status", "phase_escalate", "status must be 'NA' for escalate phase")
		}
		switch r.EscalationClass {
		case EscalationOwner, EscalationCapability, EscalationTrust, EscalationPolicy, EscalationScope, EscalationOther:
		default:
			fail("escalation_class", "phase_escalate", "escalation_class must be a valid escalation value for escalate phase")
		}
		if r.EscalationReason == naStr || r.EscalationReason == "TBD" {
			fail("escalation_reason", "phase_escalate", "escalation_reason must be provided for escalate phase")
		}
		if r.EscalationTo == naStr {
			fail("escalation_to", "phase_escalate", "escalation_to is required for escalate phase")
		}
		// Routing invariant: recipient_ai must equal escalation_to.
		if r.RecipientAI != r.EscalationTo {
			fail("recipient_ai", "routing_invariant", "recipient_ai must equal escalation_to for escalate phase")
		}

	default:
		fail("phase", "required", "phase must be one of accepted, complete, escalate")
	}

	if r.RetryRequested && r.Attempt < 1 {
		fail("attempt", "retry_rule", "attempt must be >= 1 when retry_requested is true")
	}

	if size(r.Inputs) > maxInputsBytes {
		fail("inputs", "size_ceiling", "inputs must not exceed 64 KiB")
	}
	if len(r.OutcomeText) > maxOutcomeTextBytes {
		fail("outcome_text", "size_ceiling", "outcome_text must not exceed 100 KiB")
	}
	if size(r.Metadata) > maxMetadataBytes {
		fail("metadata", "size_ceiling", "metadata must not exceed 16 KiB")
	}

	return errs
}

// size estimates the JSON-encoded byte size of an opaque map for boundary
// validation. Receipts never re-encode this value; it exists only to bound
// storage at the ledger door.
func size(m map[string]any) int {
	n := 2 // braces
	for k, v := range m {
		n += len(k) + 8
		n += estimateValueSize(v)
	}
	return n
}

func estimateValueSize(v any) int {
	switch t := v.(type) {
	case string:
		return len(t) + 2
	case map[string]any:
		return size(t)
	case []any:
		n := 2
		for _, e := range t {
			n += estimateValueSize(e) + 1
		}
		return n
	default:
		return 16
	}
}
