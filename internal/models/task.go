package models

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending         TaskStatus = "pending"
	StatusExecuting       TaskStatus = "executing"
	StatusWaitingApproval TaskStatus = "waiting_approval"
	StatusApproved        TaskStatus = "approved"
	StatusRejected        TaskStatus = "rejected"
	StatusCompleted       TaskStatus = "completed"
	StatusFailed          TaskStatus = "failed"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusExecuting: true,
	},
	StatusExecuting: {
		StatusWaitingApproval: true,
		StatusRejected:        true,
		StatusCompleted:       true,
		StatusFailed:          true,
	},
	StatusWaitingApproval: {
		StatusApproved:  true,
		StatusRejected:  true,
		StatusExecuting: true,
	},
	StatusApproved: {
		StatusExecuting: true,
		StatusRejected:  true,
	},
}

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusExecuting, StatusWaitingApproval, StatusApproved,
		StatusRejected, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ValidateTransition returns an error when moving from one status to another is not allowed.
func ValidateTransition(from, to TaskStatus) error {
	if allowedTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("transition %s -> %s not allowed", from, to)
}

// StepStatus is the outcome reported for one step execution.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepPending StepStatus = "pending"
)

// StepResult is what a handler returns for one step.
type StepResult struct {
	Status StepStatus     `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Succeeded builds a success result.
func Succeeded(result map[string]any) StepResult {
	return StepResult{Status: StepSuccess, Result: result}
}

// Failed builds a failed result carrying message.
func Failed(message string) StepResult {
	return StepResult{Status: StepFailed, Error: message}
}

// Normalize reduces a handler's reported status to success or failed. A
// missing status means failure when an error is set. Any status other than
// success is a failure and keeps the handler's error text.
func (r StepResult) Normalize() StepResult {
	switch r.Status {
	case StepSuccess, StepFailed:
	case "":
		if r.Error != "" {
			r.Status = StepFailed
		} else {
			r.Status = StepSuccess
		}
	default:
		if r.Error == "" {
			r.Error = fmt.Sprintf("handler reported status %q", r.Status)
		}
		r.Status = StepFailed
	}
	return r
}

// StepExecutionRecord is the persisted outcome of one executed step.
type StepExecutionRecord struct {
	StepID     string         `json:"step_id"`
	Status     StepStatus     `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// TaskState is the mutable run-time progress of one plan instance.
type TaskState struct {
	TaskID      string                `json:"task_id"`
	PlanID      string                `json:"plan_id"`
	Status      TaskStatus            `json:"status"`
	CurrentStep int                   `json:"current_step"`
	TotalSteps  int                   `json:"total_steps"`
	Steps       []StepExecutionRecord `json:"steps"`
	Context     map[string]StepResult `json:"context"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// NewTaskState creates the pending state for running plan as taskID.
func NewTaskState(taskID string, plan *Plan) *TaskState {
	now := time.Now().UTC()
	return &TaskState{
		TaskID:     taskID,
		PlanID:     plan.ID,
		Status:     StatusPending,
		TotalSteps: len(plan.Steps),
		Steps:      []StepExecutionRecord{},
		Context:    map[string]StepResult{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the task to status to, enforcing the transition table.
func (t *TaskState) Transition(to TaskStatus) error {
	if err := ValidateTransition(t.Status, to); err != nil {
		return fmt.Errorf("task %s: %w", t.TaskID, err)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a deep copy of the state's collections.
func (t *TaskState) Clone() *TaskState {
	c := *t
	c.Steps = append([]StepExecutionRecord(nil), t.Steps...)
	c.Context = make(map[string]StepResult, len(t.Context))
	for k, v := range t.Context {
		c.Context[k] = v
	}
	return &c
}

// Snapshot is the read-only view of a task exposed to callers.
type Snapshot struct {
	TaskID           string                `json:"task_id"`
	PlanID           string                `json:"plan_id"`
	Status           TaskStatus            `json:"status"`
	CurrentStep      int                   `json:"current_step"`
	TotalSteps       int                   `json:"total_steps"`
	Steps            []StepExecutionRecord `json:"steps"`
	RequiresApproval bool                  `json:"requires_approval"`
	Error            string                `json:"error,omitempty"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// Snapshot returns the read-only view of t.
func (t *TaskState) Snapshot() Snapshot {
	steps := append([]StepExecutionRecord{}, t.Steps...)
	return Snapshot{
		TaskID:           t.TaskID,
		PlanID:           t.PlanID,
		Status:           t.Status,
		CurrentStep:      t.CurrentStep,
		TotalSteps:       t.TotalSteps,
		Steps:            steps,
		RequiresApproval: t.Status == StatusWaitingApproval,
		Error:            t.Error,
		UpdatedAt:        t.UpdatedAt,
	}
}
