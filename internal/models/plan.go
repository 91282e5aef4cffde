package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Plan is an ordered sequence of steps executed for one task. A plan is not
// modified after creation.
type Plan struct {
	ID    string `json:"plan_id"`
	Steps []Step `json:"steps"`
}

// NewPlan builds a plan from raw steps, assigning a fresh plan id when id is
// empty and index-based step ids where none are given.
func NewPlan(id string, raw []RawStep) (*Plan, error) {
	if strings.TrimSpace(id) == "" {
		id = uuid.New().String()
	}
	steps := make([]Step, 0, len(raw))
	for i, r := range raw {
		step, err := r.Build(i + 1)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		steps = append(steps, step)
	}
	plan := &Plan{ID: id, Steps: steps}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate checks that the plan is non-empty, step ids are unique and every
// step is well formed.
func (p *Plan) Validate() error {
	if p == nil {
		return NewValidationError("plan", "missing")
	}
	if strings.TrimSpace(p.ID) == "" {
		return NewValidationError("plan_id", "required")
	}
	if len(p.Steps) == 0 {
		return NewValidationError("steps", "plan has no steps")
	}

	seen := make(map[string]bool, len(p.Steps))
	for i, step := range p.Steps {
		if step.ID == "" {
			return NewValidationError("step_id", fmt.Sprintf("step %d has no identifier", i+1))
		}
		if seen[step.ID] {
			return NewValidationError("step_id", fmt.Sprintf("duplicate step identifier %q", step.ID))
		}
		seen[step.ID] = true
		if err := step.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Kinds returns the distinct step kinds used by the plan in order of first use.
func (p *Plan) Kinds() []StepKind {
	var kinds []StepKind
	seen := make(map[StepKind]bool)
	for _, step := range p.Steps {
		if !seen[step.Kind] {
			seen[step.Kind] = true
			kinds = append(kinds, step.Kind)
		}
	}
	return kinds
}

// UnmarshalJSON decodes a plan, defaulting missing step ids to their 1-based index.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    string    `json:"plan_id"`
		Steps []RawStep `json:"steps"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	steps := make([]Step, 0, len(raw.Steps))
	for i, r := range raw.Steps {
		step, err := r.Build(i + 1)
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		steps = append(steps, step)
	}
	p.ID = raw.ID
	p.Steps = steps
	return nil
}
