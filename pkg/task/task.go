// Package task implements the Task Store (C3) and Lease Coordinator (C4):
// the authoritative row-per-task state machine, lease acquisition under
// concurrent pollers, heartbeat, completion, failure, and reclaim.
package task

import (
	"time"
)

// Status is a task's position in the state machine:
// queued -> leased -> {completed, failed, expired}, leased -> queued on
// retryable fail or lease reclaim.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusLeased    Status = "leased"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Task is the mutable row the coordinator owns exclusively.
type Task struct {
	TaskID   string `json:"task_id"`
	TenantID string `json:"tenant_id"`

	TaskType      string `json:"task_type"`
	RecipientAI   string `json:"recipient_ai"`
	FromPrincipal string `json:"from_principal"`
	ForPrincipal  string `json:"for_principal"`

	TaskSummary string         `json:"task_summary"`
	TaskBody    string         `json:"task_body"`
	Inputs      map[string]any `json:"inputs"`

	ExpectedOutcomeKind  string `json:"expected_outcome_kind"`
	ExpectedArtifactMime string `json:"expected_artifact_mime"`

	ParentTaskID      string `json:"parent_task_id"`
	CausedByReceiptID string `json:"caused_by_receipt_id"`

	Priority    int `json:"priority"`
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	Status Status `json:"status"`

	LeaseID        *string    `json:"lease_id,omitempty"`
	WorkerID       *string    `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Spec is the input to Create: everything the caller supplies about a new
// unit of work.
type Spec struct {
	TaskType      string
	RecipientAI   string
	FromPrincipal string
	ForPrincipal  string

	TaskSummary string
	TaskBody    string
	Inputs      map[string]any

	ExpectedOutcomeKind  string
	ExpectedArtifactMime string

	ParentTaskID      string
	CausedByReceiptID string

	Priority    int
	MaxAttempts int
}
