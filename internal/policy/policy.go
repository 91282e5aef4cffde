// Package policy holds the rule table that decides whether an action type is
// allowed and whether it needs human approval.
package policy

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"

	"github.com/rymfhm/qubic/internal/httpjson"
)

// Action types known to the rule table.
const (
	ActionMonitoring    = "monitoring"
	ActionTransaction   = "transaction"
	ActionTransferFunds = "transfer_funds"
	ActionUnknown       = "unknown"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Rule is the policy for one action type.
type Rule struct {
	Allowed          bool     `json:"allowed"`
	RequiresApproval bool     `json:"requires_approval"`
	RiskLevel        string   `json:"risk_level"`
	MaxAmount        *float64 `json:"max_amount,omitempty"`
}

// Policy is a rule resolved for a requested action type.
type Policy struct {
	PolicyID         string `json:"policy_id"`
	ActionType       string `json:"action_type"`
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Rules            Rule   `json:"rules"`
}

// Summary is one row of the rule listing.
type Summary struct {
	PolicyID         string `json:"policy_id"`
	ActionType       string `json:"action_type"`
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	RiskLevel        string `json:"risk_level"`
}

// Source resolves policies for action types.
type Source interface {
	Lookup(ctx context.Context, actionType string) (Policy, error)
}

// Table is the static rule table. Unknown action types fall back to the
// "unknown" rule.
type Table struct {
	rules map[string]Rule
}

// DefaultTable returns the built-in rules.
func DefaultTable() *Table {
	maxTransaction := 1000.0
	return NewTable(map[string]Rule{
		ActionMonitoring:    {Allowed: true, RequiresApproval: false, RiskLevel: RiskLow},
		ActionTransaction:   {Allowed: true, RequiresApproval: true, RiskLevel: RiskHigh, MaxAmount: &maxTransaction},
		ActionTransferFunds: {Allowed: true, RequiresApproval: true, RiskLevel: RiskHigh},
		ActionUnknown:       {Allowed: true, RequiresApproval: true, RiskLevel: RiskMedium},
	})
}

// NewTable creates a table from rules. A missing "unknown" rule defaults to
// allowed with approval at medium risk.
func NewTable(rules map[string]Rule) *Table {
	t := &Table{rules: make(map[string]Rule, len(rules)+1)}
	for k, v := range rules {
		t.rules[k] = v
	}
	if _, ok := t.rules[ActionUnknown]; !ok {
		t.rules[ActionUnknown] = Rule{Allowed: true, RequiresApproval: true, RiskLevel: RiskMedium}
	}
	return t
}

// Lookup implements Source.
func (t *Table) Lookup(_ context.Context, actionType string) (Policy, error) {
	return t.Resolve(actionType), nil
}

// Resolve returns the policy for actionType. The policy id always names the
// requested type, even when the fallback rule applies.
func (t *Table) Resolve(actionType string) Policy {
	actionType = strings.TrimSpace(actionType)
	rule, ok := t.rules[actionType]
	if !ok {
		rule = t.rules[ActionUnknown]
	}
	return Policy{
		PolicyID:         ID(actionType),
		ActionType:       actionType,
		Allowed:          rule.Allowed,
		RequiresApproval: rule.RequiresApproval,
		Rules:            rule,
	}
}

// List returns every rule sorted by action type.
func (t *Table) List() []Summary {
	out := make([]Summary, 0, len(t.rules))
	for actionType, rule := range t.rules {
		out = append(out, Summary{
			PolicyID:         ID(actionType),
			ActionType:       actionType,
			Allowed:          rule.Allowed,
			RequiresApproval: rule.RequiresApproval,
			RiskLevel:        rule.RiskLevel,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionType < out[j].ActionType })
	return out
}

// ID returns the stable policy identifier for actionType.
func ID(actionType string) string {
	sum := md5.Sum([]byte(actionType))
	return "policy_" + actionType + "_" + hex.EncodeToString(sum[:])[:8]
}

// Register mounts the policy endpoints on mux:
//
//	GET /policy?action_type=<type>
//	GET /policies
func Register(mux *http.ServeMux, t *Table) {
	mux.HandleFunc("GET /policy", func(w http.ResponseWriter, r *http.Request) {
		actionType := r.URL.Query().Get("action_type")
		if actionType == "" {
			httpjson.Error(w, http.StatusBadRequest, "action_type query parameter required")
			return
		}
		httpjson.Write(w, http.StatusOK, t.Resolve(actionType))
	})

	mux.HandleFunc("GET /policies", func(w http.ResponseWriter, r *http.Request) {
		httpjson.Write(w, http.StatusOK, map[string]any{"policies": t.List()})
	})
}
