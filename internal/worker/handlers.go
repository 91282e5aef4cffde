// Package worker implements the step handlers and the worker service that
// runs them, either in process or behind POST /execute.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rymfhm/qubic/internal/digest"
	"github.com/rymfhm/qubic/internal/models"
	"github.com/rymfhm/qubic/internal/policy"
	"github.com/rymfhm/qubic/internal/registry"
)

// Balance is a wallet balance as reported by a wallet source.
type Balance struct {
	Amount      string
	Currency    string
	LastUpdated time.Time
}

// Wallets looks up wallet balances.
type Wallets interface {
	Balance(ctx context.Context, address string) (Balance, error)
}

// MockWallets is a fixed set of balances. Unknown wallets hold zero ETH.
type MockWallets struct {
	mu       sync.RWMutex
	balances map[string]Balance
}

// DemoWalletAddress is the wallet funded in NewMockWallets.
const DemoWalletAddress = "0x1234567890abcdef"

// NewMockWallets returns a source with the demo wallet funded with 1000 ETH.
func NewMockWallets() *MockWallets {
	return &MockWallets{balances: map[string]Balance{
		DemoWalletAddress: {Amount: "1000.0", Currency: "ETH", LastUpdated: time.Now().UTC()},
	}}
}

// Set replaces the balance of address.
func (m *MockWallets) Set(address string, b Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] = b
}

// Balance implements Wallets.
func (m *MockWallets) Balance(_ context.Context, address string) (Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[address]; ok {
		return b, nil
	}
	return Balance{Amount: "0.0", Currency: "ETH", LastUpdated: time.Now().UTC()}, nil
}

// Logger is the logging the handlers need.
type Logger interface {
	LogDebug(message string)
}

// Handlers executes the five step kinds against mocked connectors.
type Handlers struct {
	Wallets  Wallets
	Policies *policy.Table
	Logger   Logger
	Now      func() time.Time
}

// NewHandlers returns handlers over the demo wallets and the default policy table.
func NewHandlers(log Logger) *Handlers {
	return &Handlers{
		Wallets:  NewMockWallets(),
		Policies: policy.DefaultTable(),
		Logger:   log,
	}
}

// Register binds every step kind to h.
func Register(b *registry.Builder, h *Handlers) *registry.Builder {
	return b.
		Register(models.KindCheckBalance, h.CheckBalance).
		Register(models.KindPolicyCheck, h.PolicyCheck).
		Register(models.KindMonitorAction, h.MonitorAction).
		Register(models.KindOnchainAction, h.OnchainAction).
		Register(models.KindGenericAction, h.GenericAction)
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h *Handlers) stamp() string {
	return h.now().Format(time.RFC3339Nano)
}

func (h *Handlers) debug(format string, args ...any) {
	if h.Logger != nil {
		h.Logger.LogDebug(fmt.Sprintf(format, args...))
	}
}

// CheckBalance reports the balance of the step's wallet.
func (h *Handlers) CheckBalance(ctx context.Context, req registry.Request) (models.StepResult, error) {
	p, ok := req.Step.Params.(models.CheckBalanceParams)
	if !ok {
		return models.StepResult{}, paramsError(req.Step)
	}
	h.debug("task %s: check_balance %s", req.TaskID, p.WalletAddress)

	b, err := h.Wallets.Balance(ctx, p.WalletAddress)
	if err != nil {
		return models.StepResult{}, fmt.Errorf("wallet %s: %w", p.WalletAddress, err)
	}
	return models.Succeeded(map[string]any{
		"wallet_address": p.WalletAddress,
		"balance":        b.Amount,
		"currency":       b.Currency,
		"timestamp":      h.stamp(),
	}), nil
}

// PolicyCheck confirms the policy chosen at planning time. When the step
// names its action type, the policy id must match and the action must be allowed.
func (h *Handlers) PolicyCheck(_ context.Context, req registry.Request) (models.StepResult, error) {
	p, ok := req.Step.Params.(models.PolicyCheckParams)
	if !ok {
		return models.StepResult{}, paramsError(req.Step)
	}
	h.debug("task %s: policy_check %s", req.TaskID, p.PolicyID)

	result := map[string]any{
		"policy_id": p.PolicyID,
		"status":    "verified",
		"timestamp": h.stamp(),
	}
	if p.ActionType != "" && h.Policies != nil {
		resolved := h.Policies.Resolve(p.ActionType)
		if resolved.PolicyID != p.PolicyID {
			return models.Failed(fmt.Sprintf("policy %s does not match action type %s", p.PolicyID, p.ActionType)), nil
		}
		if !resolved.Allowed {
			return models.Failed(fmt.Sprintf("action type %s is not allowed", p.ActionType)), nil
		}
		result["action_type"] = p.ActionType
		result["risk_level"] = resolved.Rules.RiskLevel
	}
	return models.Succeeded(result), nil
}

// MonitorAction simulates watching a wallet; it always reports a breach.
func (h *Handlers) MonitorAction(_ context.Context, req registry.Request) (models.StepResult, error) {
	p, ok := req.Step.Params.(models.MonitorParams)
	if !ok {
		return models.StepResult{}, paramsError(req.Step)
	}
	h.debug("task %s: monitor_action %s", req.TaskID, p.WalletAddress)

	return models.Succeeded(map[string]any{
		"action":          "monitor",
		"wallet_address":  p.WalletAddress,
		"breach_detected": true,
		"timestamp":       h.stamp(),
		"message":         "Potential breach detected - approval required",
	}), nil
}

// OnchainAction simulates a transfer and returns a synthetic transaction hash.
// Amounts over the transaction policy maximum fail.
func (h *Handlers) OnchainAction(_ context.Context, req registry.Request) (models.StepResult, error) {
	p, ok := req.Step.Params.(models.OnchainParams)
	if !ok {
		return models.StepResult{}, paramsError(req.Step)
	}
	h.debug("task %s: onchain_action %s -> %s", req.TaskID, p.Amount, p.ToAddress)

	if h.Policies != nil {
		rule := h.Policies.Resolve(policy.ActionTransaction).Rules
		if rule.MaxAmount != nil && p.AmountValue() > *rule.MaxAmount {
			return models.Failed(fmt.Sprintf("amount %s exceeds policy maximum %g", p.Amount, *rule.MaxAmount)), nil
		}
	}

	ts := h.stamp()
	canonical, err := digest.Canonical(req.Step)
	if err != nil {
		return models.StepResult{}, fmt.Errorf("hash step: %w", err)
	}

	amount := p.Amount.String()
	if amount == "" {
		amount = "0"
	}
	return models.Succeeded(map[string]any{
		"action":     "transaction",
		"amount":     amount,
		"to_address": p.ToAddress,
		"tx_hash":    "0x" + digest.Sum([]byte(string(canonical)+ts)),
		"status":     "simulated",
		"timestamp":  ts,
	}), nil
}

// GenericAction echoes the step's parameters.
func (h *Handlers) GenericAction(_ context.Context, req registry.Request) (models.StepResult, error) {
	p, ok := req.Step.Params.(models.GenericParams)
	if !ok {
		return models.StepResult{}, paramsError(req.Step)
	}
	h.debug("task %s: generic_action step %s", req.TaskID, req.Step.ID)

	params := p.Values
	if params == nil {
		params = map[string]any{}
	}
	return models.Succeeded(map[string]any{
		"action":     "generic",
		"step_type":  string(req.Step.Kind),
		"parameters": params,
		"timestamp":  h.stamp(),
	}), nil
}

func paramsError(step models.Step) error {
	kind := "none"
	if step.Params != nil {
		kind = string(step.Params.Kind())
	}
	return models.NewConfigurationError(string(step.Kind),
		fmt.Sprintf("step %s carries %s parameters", step.ID, strings.TrimSpace(kind)))
}
