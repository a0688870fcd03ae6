// Package planner implements the Planner Adapter (C7): an external-facing
// component that turns an intent into a Plan — a DAG of steps — and, on
// Execute, submits the queue_execution steps to the Lease Coordinator.
// It never touches the task store directly; only the coordinator's public
// Create operation.
package planner

import (
	"context"
	"log/slog"

	"github.com/obligate/fabric/internal/idgen"
)

// StepType tags what kind of work a step represents. Only queue_execution
// is interpreted by this adapter; the rest are opaque and are the
// principal's responsibility.
type StepType string

const (
	StepQueueExecution StepType = "queue_execution"
	StepCallWorker     StepType = "call_worker"
	StepWaitFor        StepType = "wait_for"
	StepAggregate      StepType = "aggregate"
	StepEscalate       StepType = "escalate"
)

// PlanStatus is the lifecycle state of a Plan.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanExecuting PlanStatus = "executing"
)

// Step is one DAG node in a Plan.
type Step struct {
	StepID      string         `json:"step_id"`
	StepType    StepType       `json:"step_type"`
	DependsOn   []string       `json:"depends_on"`
	TaskType    string         `json:"task_type,omitempty"`
	RecipientAI string         `json:"recipient_ai,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Body        string         `json:"body,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Priority    int            `json:"priority,omitempty"`
}

// Plan is the DAG a planner produces for one intent.
type Plan struct {
	PlanID            string     `json:"plan_id"`
	Principal         string     `json:"principal"`
	Intent            string     `json:"intent"`
	Steps             []Step     `json:"steps"`
	Confidence        float64    `json:"confidence"`
	Status            PlanStatus `json:"status"`
	CausedByReceiptID string     `json:"caused_by_receipt_id,omitempty"`
	ParentTaskID      string     `json:"parent_task_id,omitempty"`
}

// Request is the input to Propose: {intent, principal, context, constraints,
// caused_by_receipt_id?, parent_task_id?}.
type Request struct {
	Intent            string
	Principal         string
	Context           map[string]any
	Constraints       map[string]any
	CausedByReceiptID string
	ParentTaskID      string
}

// TaskCreator is the narrow seam the adapter calls into the coordinator
// through. It is satisfied by task.Service.Create, but the adapter only
// knows about this interface — it stays honestly "external" to the
// coordinator even though both live in the same process.
type TaskCreator interface {
	Create(ctx context.Context, tenantID string, spec TaskSpec) (string, error)
}

// TaskSpec is the subset of task.Spec the adapter needs to submit a
// queue_execution step.
type TaskSpec struct {
	TaskType          string
	RecipientAI       string
	FromPrincipal     string
	ForPrincipal      string
	TaskSummary       string
	TaskBody          string
	Inputs            map[string]any
	Priority          int
	ParentTaskID      string
	CausedByReceiptID string
}

// Adapter builds and executes Plans.
type Adapter struct {
	creator TaskCreator
	logger  *slog.Logger
	plans   *planStore
}

// NewAdapter creates an Adapter backed by creator.
func NewAdapter(creator TaskCreator, logger *slog.Logger) *Adapter {
	return &Adapter{creator: creator, logger: logger, plans: newPlanStore()}
}

// Propose builds a draft Plan for req. Step synthesis — turning intent text
// into a concrete step DAG — is the principal's planner model's job; this
// adapter only owns Plan bookkeeping and Execute. A caller supplies the step
// list directly (this fabric does not run the NLP itself, per the scope
// boundary on the planner's own language understanding).
func (a *Adapter) Propose(req Request, steps []Step) *Plan {
	p := &Plan{
		PlanID:            idgen.New(),
		Principal:         req.Principal,
		Intent:            req.Intent,
		Steps:             steps,
		Confidence:        1.0,
		Status:            PlanDraft,
		CausedByReceiptID: req.CausedByReceiptID,
		ParentTaskID:      req.ParentTaskID,
	}
	a.plans.put(p)
	return p
}

// Plan looks up a previously proposed plan by id.
func (a *Adapter) Plan(planID string) (*Plan, bool) {
	return a.plans.get(planID)
}

// ExecuteResult reports what Execute did.
type ExecuteResult struct {
	PlanID      string
	DryRun      bool
	StepIDs     []string
	SubmittedN  int
	FailedSteps []string
}

// Execute enumerates the plan's queue_execution steps and submits each to
// the coordinator. Steps of other kinds are left opaque. dry_run=true
// returns the count and step ids without submitting anything. A submission
// failure is logged and does not halt the remaining steps; the plan's
// status still advances to executing.
func (a *Adapter) Execute(ctx context.Context, tenantID string, plan *Plan, dryRun bool) ExecuteResult {
	var queueSteps []Step
	for _, step := range plan.Steps {
		if step.StepType == StepQueueExecution {
			queueSteps = append(queueSteps, step)
		}
	}

	ids := make([]string, 0, len(queueSteps))
	for _, s := range queueSteps {
		ids = append(ids, s.StepID)
	}

	result := ExecuteResult{PlanID: plan.PlanID, DryRun: dryRun, StepIDs: ids}
	if dryRun {
		return result
	}

	plan.Status = PlanExecuting

	for _, step := range queueSteps {
		spec := TaskSpec{
			TaskType:          step.TaskType,
			RecipientAI:       step.RecipientAI,
			FromPrincipal:     plan.Principal,
			TaskSummary:       step.Summary,
			TaskBody:          step.Body,
			Inputs:            step.Inputs,
			Priority:          step.Priority,
			ParentTaskID:      plan.ParentTaskID,
			CausedByReceiptID: plan.CausedByReceiptID,
		}
		if _, err := a.creator.Create(ctx, tenantID, spec); err != nil {
			a.logger.Error("plan step submission failed", "plan_id", plan.PlanID, "step_id", step.StepID, "error", err)
			result.FailedSteps = append(result.FailedSteps, step.StepID)
			continue
		}
		result.SubmittedN++
	}

	return result
}
