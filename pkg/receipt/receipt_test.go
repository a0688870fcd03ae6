package receipt

import (
	"testing"
	"time"
)

func baseAccepted() Receipt {
	r := Receipt{
		TaskID:        "T-1",
		FromPrincipal: "alice",
		ForPrincipal:  "alice",
		SourceSystem:  "coordinator",
		RecipientAI:   "worker-1",
		Phase:         PhaseAccepted,
		TaskType:      "generic",
		TaskSummary:   "do the thing",
	}
	r.ApplyDefaults()
	return r
}

func TestValidateAcceptedOK(t *testing.T) {
	r := baseAccepted()
	if errs := r.Validate(); len(errs) != 0 {
		t.Fatalf("expected no errors, got %+v", errs)
	}
}

func TestValidateAcceptedRejectsStatus(t *testing.T) {
	r := baseAccepted()
	r.Status = StatusSuccess
	errs := r.Validate()
	if len(errs) == 0 {
		t.Fatal("expected validation error")
	}
}

func TestValidateAcceptedRejectsTBDSummary(t *testing.T) {
	r := baseAccepted()
	r.TaskSummary = "TBD"
	errs := r.Validate()
	if len(errs) == 0 {
		t.Fatal("expected validation error for TBD summary")
	}
}

func TestValidateCompleteRequiresCompletedAt(t *testing.T) {
	r := baseAccepted()
	r.Phase = PhaseComplete
	r.Status = StatusSuccess
	r.OutcomeKind = OutcomeNone
	errs := r.Validate()
	if len(errs) == 0 {
		t.Fatal("expected error for missing completed_at")
	}
}

func TestValidateCompleteArtifactRequiresPointer(t *testing.T) {
	r := baseAccepted()
	now := time.Now()
	r.Phase = PhaseComplete
	r.Status = StatusSuccess
	r.CompletedAt = &now
	r.OutcomeKind = OutcomeArtifactPointer
	errs := r.Validate()
	if len(errs) == 0 {
		t.Fatal("expected error for missing artifact fields")
	}
}

func TestValidateCompleteOK(t *testing.T) {
	r := baseAccepted()
	now := time.Now()
	r.Phase = PhaseComplete
	r.Status = StatusSuccess
	r.CompletedAt = &now
	r.OutcomeKind = OutcomeResponseText
	if errs := r.Validate(); len(errs) != 0 {
		t.Fatalf("expected no errors, got %+v", errs)
	}
}

func TestValidateEscalateRoutingInvariant(t *testing.T) {
	r := baseAccepted()
	r.Phase = PhaseEscalate
	r.EscalationClass = EscalationPolicy
	r.EscalationReason = "attempts exhausted"
	r.EscalationTo = "delegate"
	// recipient_ai left as "worker-1" - violates routing invariant.
	errs := r.Validate()
	if len(errs) == 0 {
		t.Fatal("expected routing invariant violation")
	}
}

func TestValidateEscalateOK(t *testing.T) {
	r := baseAccepted()
	r.Phase = PhaseEscalate
	r.RecipientAI = "delegate"
	r.EscalationClass = EscalationPolicy
	r.EscalationReason = "attempts exhausted"
	r.EscalationTo = "delegate"
	if errs := r.Validate(); len(errs) != 0 {
		t.Fatalf("expected no errors, got %+v", errs)
	}
}

func TestValidateRetryRequiresAttempt(t *testing.T) {
	r := baseAccepted()
	r.RetryRequested = true
	r.Attempt = 0
	errs := r.Validate()
	if len(errs) == 0 {
		t.Fatal("expected retry rule violation")
	}
}

func TestApplyDefaultsSentinels(t *testing.T) {
	r := Receipt{Phase: PhaseAccepted}
	r.ApplyDefaults()
	if r.ParentTaskID != "NA" || r.DedupeKey != "NA" || r.TrustDomain != "default" {
		t.Fatalf("unexpected defaults: %+v", r)
	}
	if r.Inputs == nil || r.Metadata == nil {
		t.Fatal("expected non-nil maps")
	}
}
