// Package planner turns a task request into a three-step plan using fixed
// rules: look up the wallet balance, verify the policy, then run the main action.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rymfhm/qubic/internal/models"
	"github.com/rymfhm/qubic/internal/policy"
)

// Task types with dedicated plans.
const (
	TaskMonitorWallet = "monitor_wallet"
	TaskTransferFunds = "transfer_funds"
)

// Request describes the task to plan.
type Request struct {
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Analysis is the planner's classification of a request.
type Analysis struct {
	ActionType       string `json:"action_type"`
	RiskLevel        string `json:"risk_level"`
	RequiresApproval bool   `json:"requires_approval"`
}

// Result is a generated plan together with how it was derived.
type Result struct {
	TaskID    string        `json:"task_id"`
	Plan      *models.Plan  `json:"plan"`
	Analysis  Analysis      `json:"analysis"`
	Policy    policy.Policy `json:"policy"`
	CreatedAt time.Time     `json:"created_at"`
}

// Logger is the logging the planner needs.
type Logger interface {
	LogDebug(message string)
	LogWarn(message string)
}

// Planner builds plans from task requests.
type Planner struct {
	policies policy.Source
	logger   Logger
}

// New creates a Planner resolving policies through src.
func New(src policy.Source, log Logger) *Planner {
	if src == nil {
		src = policy.DefaultTable()
	}
	return &Planner{policies: src, logger: log}
}

// Analyze classifies a task type.
func Analyze(taskType string) Analysis {
	switch taskType {
	case TaskMonitorWallet:
		return Analysis{ActionType: policy.ActionMonitoring, RiskLevel: policy.RiskMedium}
	case TaskTransferFunds:
		return Analysis{ActionType: policy.ActionTransaction, RiskLevel: policy.RiskHigh, RequiresApproval: true}
	default:
		return Analysis{ActionType: policy.ActionUnknown, RiskLevel: policy.RiskLow}
	}
}

// Build produces the plan for req. Step 3 carries the request parameters;
// transfers are always gated, other actions are gated when their policy says so.
// When the policy source fails, the step is gated.
func (p *Planner) Build(ctx context.Context, req Request) (*Result, error) {
	taskType := strings.TrimSpace(req.TaskType)
	if taskType == "" {
		return nil, models.NewValidationError("task_type", "required")
	}
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}

	analysis := Analyze(taskType)
	pol, err := p.policies.Lookup(ctx, analysis.ActionType)
	if err != nil {
		p.warn(fmt.Sprintf("policy lookup for %s failed, requiring approval: %v", analysis.ActionType, err))
		pol = policy.Policy{
			PolicyID:         policy.ID(analysis.ActionType),
			ActionType:       analysis.ActionType,
			Allowed:          true,
			RequiresApproval: true,
		}
	}
	if !pol.Allowed {
		return nil, models.NewValidationError("task_type", fmt.Sprintf("action %s is not allowed by policy %s", analysis.ActionType, pol.PolicyID))
	}

	var main models.RawStep
	switch taskType {
	case TaskMonitorWallet:
		main = models.RawStep{Type: string(models.KindMonitorAction), RequiresApproval: pol.RequiresApproval}
	case TaskTransferFunds:
		main = models.RawStep{Type: string(models.KindOnchainAction), RequiresApproval: true}
	default:
		main = models.RawStep{Type: string(models.KindGenericAction), RequiresApproval: pol.RequiresApproval}
	}
	main.StepID = "3"
	main.Parameters = params

	raw := []models.RawStep{
		{
			StepID:     "1",
			Type:       string(models.KindCheckBalance),
			Parameters: map[string]any{"wallet_address": params["wallet_address"]},
		},
		{
			StepID:     "2",
			Type:       string(models.KindPolicyCheck),
			Parameters: map[string]any{"policy_id": pol.PolicyID, "action_type": pol.ActionType},
		},
		main,
	}

	plan, err := models.NewPlan(uuid.New().String(), raw)
	if err != nil {
		return nil, err
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	p.debug(fmt.Sprintf("planned %s for task %s: %s (%s risk, step 3 gated=%t)",
		plan.ID, taskID, analysis.ActionType, analysis.RiskLevel, plan.Steps[2].RequiresApproval))

	return &Result{
		TaskID:    taskID,
		Plan:      plan,
		Analysis:  analysis,
		Policy:    pol,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (p *Planner) debug(msg string) {
	if p.logger != nil {
		p.logger.LogDebug(msg)
	}
}

func (p *Planner) warn(msg string) {
	if p.logger != nil {
		p.logger.LogWarn(msg)
	}
}
