package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StepKind is the capability tag of a step. The set of kinds is closed.
type StepKind string

const (
	KindCheckBalance  StepKind = "check_balance"
	KindPolicyCheck   StepKind = "policy_check"
	KindMonitorAction StepKind = "monitor_action"
	KindOnchainAction StepKind = "onchain_action"
	KindGenericAction StepKind = "generic_action"
)

// AllStepKinds returns every known step kind in declaration order.
func AllStepKinds() []StepKind {
	return []StepKind{KindCheckBalance, KindPolicyCheck, KindMonitorAction, KindOnchainAction, KindGenericAction}
}

// Valid reports whether k is one of the known step kinds.
func (k StepKind) Valid() bool {
	for _, known := range AllStepKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// StepParams is the typed parameter record of one step kind.
type StepParams interface {
	Kind() StepKind
	Validate() error
}

// CheckBalanceParams looks up the balance of a wallet.
type CheckBalanceParams struct {
	WalletAddress string `json:"wallet_address"`
}

func (CheckBalanceParams) Kind() StepKind { return KindCheckBalance }

func (p CheckBalanceParams) Validate() error {
	if strings.TrimSpace(p.WalletAddress) == "" {
		return NewValidationError("wallet_address", "parameter required")
	}
	return nil
}

// PolicyCheckParams verifies a policy produced at planning time.
type PolicyCheckParams struct {
	PolicyID   string `json:"policy_id"`
	ActionType string `json:"action_type,omitempty"`
}

func (PolicyCheckParams) Kind() StepKind { return KindPolicyCheck }

func (p PolicyCheckParams) Validate() error {
	if strings.TrimSpace(p.PolicyID) == "" {
		return NewValidationError("policy_id", "parameter required")
	}
	return nil
}

// MonitorParams watches a wallet for threshold breaches.
type MonitorParams struct {
	WalletAddress string      `json:"wallet_address,omitempty"`
	Threshold     json.Number `json:"threshold,omitempty"`
}

func (MonitorParams) Kind() StepKind { return KindMonitorAction }

func (p MonitorParams) Validate() error {
	if p.Threshold != "" {
		if _, err := p.Threshold.Float64(); err != nil {
			return NewValidationError("threshold", fmt.Sprintf("not a number: %q", p.Threshold))
		}
	}
	return nil
}

// OnchainParams describes a simulated on-chain transfer.
type OnchainParams struct {
	WalletAddress string      `json:"wallet_address,omitempty"`
	ToAddress     string      `json:"to_address"`
	Amount        json.Number `json:"amount,omitempty"`
	Currency      string      `json:"currency,omitempty"`
}

func (OnchainParams) Kind() StepKind { return KindOnchainAction }

func (p OnchainParams) Validate() error {
	if strings.TrimSpace(p.ToAddress) == "" {
		return NewValidationError("to_address", "parameter required")
	}
	if p.Amount != "" {
		amount, err := p.Amount.Float64()
		if err != nil {
			return NewValidationError("amount", fmt.Sprintf("not a number: %q", p.Amount))
		}
		if amount < 0 {
			return NewValidationError("amount", "must be >= 0")
		}
	}
	return nil
}

// AmountValue returns the transfer amount, zero when unset.
func (p OnchainParams) AmountValue() float64 {
	if p.Amount == "" {
		return 0
	}
	v, _ := p.Amount.Float64()
	return v
}

// GenericParams carries free-form parameters for steps with no dedicated handler logic.
type GenericParams struct {
	Values map[string]any
}

func (GenericParams) Kind() StepKind { return KindGenericAction }

func (GenericParams) Validate() error { return nil }

// MarshalJSON emits the values as a flat object.
func (p GenericParams) MarshalJSON() ([]byte, error) {
	if p.Values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Values)
}

// DecodeParams converts a loosely typed parameter mapping into the record for kind.
// Unknown parameter names are ignored for the typed kinds.
func DecodeParams(kind StepKind, raw map[string]any) (StepParams, error) {
	if !kind.Valid() {
		return nil, NewValidationError("type", fmt.Sprintf("unknown step type %q", kind))
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if kind == KindGenericAction {
		return GenericParams{Values: raw}, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, NewValidationError("parameters", fmt.Sprintf("not serializable: %v", err))
	}

	var params StepParams
	switch kind {
	case KindCheckBalance:
		var p CheckBalanceParams
		err = json.Unmarshal(data, &p)
		params = p
	case KindPolicyCheck:
		var p PolicyCheckParams
		err = json.Unmarshal(data, &p)
		params = p
	case KindMonitorAction:
		var p MonitorParams
		err = json.Unmarshal(data, &p)
		params = p
	case KindOnchainAction:
		var p OnchainParams
		err = json.Unmarshal(data, &p)
		params = p
	}
	if err != nil {
		return nil, NewValidationError("parameters", fmt.Sprintf("invalid for %s: %v", kind, err))
	}
	return params, nil
}

// Step is one immutable unit of work within a plan.
type Step struct {
	ID               string
	Kind             StepKind
	RequiresApproval bool
	Params           StepParams
}

// NewStep builds and validates a step from its loosely typed form.
func NewStep(id string, kind StepKind, requiresApproval bool, params map[string]any) (Step, error) {
	decoded, err := DecodeParams(kind, params)
	if err != nil {
		return Step{}, err
	}
	step := Step{
		ID:               id,
		Kind:             kind,
		RequiresApproval: requiresApproval,
		Params:           decoded,
	}
	if err := step.Validate(); err != nil {
		return Step{}, err
	}
	return step, nil
}

// Validate checks the step kind and its parameter record.
func (s Step) Validate() error {
	if !s.Kind.Valid() {
		return NewValidationError("type", fmt.Sprintf("unknown step type %q", s.Kind))
	}
	if s.Params == nil {
		return NewValidationError("parameters", fmt.Sprintf("step %s has no parameters", s.ID))
	}
	if s.Params.Kind() != s.Kind {
		return NewValidationError("parameters", fmt.Sprintf("step %s: %s parameters for %s step", s.ID, s.Params.Kind(), s.Kind))
	}
	if err := s.Params.Validate(); err != nil {
		return fmt.Errorf("step %s: %w", s.ID, err)
	}
	return nil
}

// RawStep is the loosely typed step form found in plan files and request bodies.
// StepID accepts either a string or a number.
type RawStep struct {
	StepID           any            `json:"step_id,omitempty" yaml:"step_id,omitempty"`
	Type             string         `json:"type" yaml:"type"`
	RequiresApproval bool           `json:"requires_approval" yaml:"requires_approval"`
	Parameters       map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Build converts the raw step into a Step. index is the 1-based position used
// as the identifier when none is given.
func (r RawStep) Build(index int) (Step, error) {
	id, err := stepIDString(r.StepID)
	if err != nil {
		return Step{}, err
	}
	if id == "" && index > 0 {
		id = strconv.Itoa(index)
	}
	return NewStep(id, StepKind(strings.TrimSpace(r.Type)), r.RequiresApproval, r.Parameters)
}

func stepIDString(v any) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(id), nil
	case int:
		return strconv.Itoa(id), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	case uint64:
		return strconv.FormatUint(id, 10), nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	case json.Number:
		return id.String(), nil
	default:
		return "", NewValidationError("step_id", fmt.Sprintf("unsupported type %T", v))
	}
}

type stepJSON struct {
	StepID           string     `json:"step_id"`
	Type             StepKind   `json:"type"`
	RequiresApproval bool       `json:"requires_approval"`
	Parameters       StepParams `json:"parameters"`
}

// MarshalJSON emits the wire form {step_id, type, requires_approval, parameters}.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(stepJSON{
		StepID:           s.ID,
		Type:             s.Kind,
		RequiresApproval: s.RequiresApproval,
		Parameters:       s.Params,
	})
}

// UnmarshalJSON decodes and validates the wire form.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw RawStep
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	step, err := raw.Build(0)
	if err != nil {
		return err
	}
	*s = step
	return nil
}
