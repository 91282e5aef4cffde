// Package gate implements approval checkpoints attached to steps.
//
// A gate is identified by (task, step). Check reports whether a step may run,
// and Decide stores the single human decision for the step that currently
// holds a task in waiting_approval.
package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rymfhm/qubic/internal/models"
)

// Outcome is the result of checking a step's gate.
type Outcome string

const (
	NotRequired Outcome = "not_required"
	Waiting     Outcome = "waiting"
	Approved    Outcome = "approved"
	Rejected    Outcome = "rejected"
)

// Store is the persistence the gate needs.
type Store interface {
	GetTask(ctx context.Context, taskID string) (*models.TaskState, error)
	GetPlan(ctx context.Context, taskID string) (*models.Plan, error)
	GetApproval(ctx context.Context, taskID, stepID string) (*models.Approval, error)
	CreateApproval(ctx context.Context, approval *models.Approval) error
	SaveTask(ctx context.Context, state *models.TaskState) error
}

// Decision is a human verdict on a gated step.
type Decision struct {
	Approved bool
	Reason   string
	Actor    string
}

// Gate checks and stores approval decisions.
type Gate struct {
	store Store
	now   func() time.Time
}

// New creates a Gate backed by store.
func New(store Store) *Gate {
	if store == nil {
		panic("gate: store cannot be nil")
	}
	return &Gate{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Check returns NotRequired for ungated steps, Waiting when no decision is
// stored yet, and otherwise the stored verdict.
func (g *Gate) Check(ctx context.Context, taskID string, step models.Step) (Outcome, error) {
	if !step.RequiresApproval {
		return NotRequired, nil
	}

	approval, err := g.store.GetApproval(ctx, taskID, step.ID)
	if models.IsNotFound(err) {
		return Waiting, nil
	}
	if err != nil {
		return "", fmt.Errorf("check gate %s/%s: %w", taskID, step.ID, err)
	}
	if approval.Approved {
		return Approved, nil
	}
	return Rejected, nil
}

// Decide records the decision for the step gating taskID. The task must be
// waiting for approval on exactly stepID and the gate must be undecided.
// An approving decision moves the task to approved; a rejecting one leaves it
// waiting so the next gate check rejects it.
func (g *Gate) Decide(ctx context.Context, taskID, stepID string, d Decision) (*models.Approval, error) {
	if strings.TrimSpace(d.Actor) == "" {
		return nil, models.NewValidationError("user_id", "actor required")
	}

	state, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if state.Status != models.StatusWaitingApproval {
		return nil, models.NewStateConflictError(taskID, state.Status, "task is not waiting for approval")
	}

	plan, err := g.store.GetPlan(ctx, taskID)
	if err != nil {
		return nil, err
	}
	gating, err := GatingStep(state, plan)
	if err != nil {
		return nil, err
	}
	if stepID == "" {
		stepID = gating.ID
	}
	if stepID != gating.ID {
		return nil, models.NewStateConflictError(taskID, state.Status,
			fmt.Sprintf("step %s is not awaiting approval (gating step is %s)", stepID, gating.ID))
	}

	approval := &models.Approval{
		TaskID:    taskID,
		StepID:    stepID,
		Approved:  d.Approved,
		Reason:    d.Reason,
		Actor:     strings.TrimSpace(d.Actor),
		Timestamp: g.now(),
	}
	if err := g.store.CreateApproval(ctx, approval); err != nil {
		return nil, err
	}

	if d.Approved {
		if err := state.Transition(models.StatusApproved); err != nil {
			return nil, err
		}
		if err := g.store.SaveTask(ctx, state); err != nil {
			return nil, fmt.Errorf("save approved task: %w", err)
		}
	}
	return approval, nil
}

// GatingStep returns the step a suspended task is waiting on.
func GatingStep(state *models.TaskState, plan *models.Plan) (models.Step, error) {
	idx := state.CurrentStep - 1
	if idx < 0 || idx >= len(plan.Steps) {
		return models.Step{}, models.NewStateConflictError(state.TaskID, state.Status,
			fmt.Sprintf("current step %d out of range", state.CurrentStep))
	}
	return plan.Steps[idx], nil
}
