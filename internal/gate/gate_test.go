package gate

import (
	"context"
	"testing"

	"github.com/rymfhm/qubic/internal/models"
	"github.com/rymfhm/qubic/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, status models.TaskStatus, currentStep int) (*Gate, *storage.Store, *models.Plan) {
	t.Helper()
	store, err := storage.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	plan, err := models.NewPlan("plan-gate", []models.RawStep{
		{Type: "check_balance", Parameters: map[string]any{"wallet_address": "0x1234567890abcdef"}},
		{Type: "policy_check", Parameters: map[string]any{"policy_id": "policy_transaction_0a1b2c3d"}},
		{Type: "onchain_action", RequiresApproval: true, Parameters: map[string]any{"to_address": "0xbeef", "amount": "10"}},
	})
	require.NoError(t, err)

	ctx := context.Background()
	state := models.NewTaskState("task-gate", plan)
	require.NoError(t, store.CreateTask(ctx, state, plan))
	state.Status = status
	state.CurrentStep = currentStep
	require.NoError(t, store.SaveTask(ctx, state))

	return New(store), store, plan
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	g, store, plan := setup(t, models.StatusWaitingApproval, 3)

	outcome, err := g.Check(ctx, "task-gate", plan.Steps[0])
	require.NoError(t, err)
	assert.Equal(t, NotRequired, outcome)

	outcome, err = g.Check(ctx, "task-gate", plan.Steps[2])
	require.NoError(t, err)
	assert.Equal(t, Waiting, outcome)

	require.NoError(t, store.CreateApproval(ctx, &models.Approval{TaskID: "task-gate", StepID: "3", Approved: true, Actor: "ops"}))
	outcome, err = g.Check(ctx, "task-gate", plan.Steps[2])
	require.NoError(t, err)
	assert.Equal(t, Approved, outcome)
}

func TestDecideApproveMovesTaskToApproved(t *testing.T) {
	ctx := context.Background()
	g, store, _ := setup(t, models.StatusWaitingApproval, 3)

	approval, err := g.Decide(ctx, "task-gate", "3", Decision{Approved: true, Reason: "looks fine", Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "3", approval.StepID)
	assert.Equal(t, "alice", approval.Actor)
	assert.False(t, approval.Timestamp.IsZero())

	state, err := store.GetTask(ctx, "task-gate")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, state.Status)
}

func TestDecideRejectLeavesTaskWaiting(t *testing.T) {
	ctx := context.Background()
	g, store, plan := setup(t, models.StatusWaitingApproval, 3)

	_, err := g.Decide(ctx, "task-gate", "3", Decision{Approved: false, Reason: "too large", Actor: "bob"})
	require.NoError(t, err)

	state, err := store.GetTask(ctx, "task-gate")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingApproval, state.Status)

	outcome, err := g.Check(ctx, "task-gate", plan.Steps[2])
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome)
}

func TestDecideDefaultsToGatingStep(t *testing.T) {
	g, _, _ := setup(t, models.StatusWaitingApproval, 3)

	approval, err := g.Decide(context.Background(), "task-gate", "", Decision{Approved: true, Actor: "carol"})
	require.NoError(t, err)
	assert.Equal(t, "3", approval.StepID)
}

func TestDecidePreconditions(t *testing.T) {
	tests := []struct {
		name     string
		status   models.TaskStatus
		taskID   string
		stepID   string
		actor    string
		check    func(error) bool
		checkMsg string
	}{
		{
			name:     "unknown task",
			status:   models.StatusWaitingApproval,
			taskID:   "missing",
			stepID:   "3",
			actor:    "alice",
			check:    models.IsNotFound,
			checkMsg: "not found",
		},
		{
			name:     "completed task",
			status:   models.StatusCompleted,
			taskID:   "task-gate",
			stepID:   "3",
			actor:    "alice",
			check:    models.IsStateConflict,
			checkMsg: "state conflict",
		},
		{
			name:     "wrong step",
			status:   models.StatusWaitingApproval,
			taskID:   "task-gate",
			stepID:   "2",
			actor:    "alice",
			check:    models.IsStateConflict,
			checkMsg: "state conflict",
		},
		{
			name:     "missing actor",
			status:   models.StatusWaitingApproval,
			taskID:   "task-gate",
			stepID:   "3",
			actor:    "  ",
			check:    models.IsValidationError,
			checkMsg: "validation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, _ := setup(t, tt.status, 3)
			_, err := g.Decide(context.Background(), tt.taskID, tt.stepID, Decision{Approved: true, Actor: tt.actor})
			require.Error(t, err)
			assert.True(t, tt.check(err), "expected %s error, got %v", tt.checkMsg, err)
		})
	}
}

func TestDecideRejectsResubmission(t *testing.T) {
	ctx := context.Background()
	g, store, _ := setup(t, models.StatusWaitingApproval, 3)

	_, err := g.Decide(ctx, "task-gate", "3", Decision{Approved: false, Reason: "no", Actor: "bob"})
	require.NoError(t, err)

	_, err = g.Decide(ctx, "task-gate", "3", Decision{Approved: true, Reason: "changed my mind", Actor: "bob"})
	require.Error(t, err)
	assert.True(t, models.IsStateConflict(err))

	stored, err := store.GetApproval(ctx, "task-gate", "3")
	require.NoError(t, err)
	assert.False(t, stored.Approved)
	assert.Equal(t, "no", stored.Reason)
}
