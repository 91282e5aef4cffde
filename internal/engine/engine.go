// Package engine drives plans through their steps.
//
// The engine walks a plan one step at a time: it persists progress, consults
// the approval gate, dispatches the step to its registered handler, records
// the result in the task context, audits it and persists the execution
// record. A gated step with no decision suspends the run; Resume and Approve
// re-enter the loop at the suspended step. Every mutating call holds the
// task's lock for its whole duration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rymfhm/qubic/internal/gate"
	"github.com/rymfhm/qubic/internal/logger"
	"github.com/rymfhm/qubic/internal/models"
	"github.com/rymfhm/qubic/internal/registry"
)

// DefaultHandlerTimeout bounds a handler call when Options.HandlerTimeout is zero.
const DefaultHandlerTimeout = 30 * time.Second

// PersistTimeout bounds auditing and saving a step result once its handler
// has returned. That work does not stop when the caller's context is canceled.
const PersistTimeout = time.Minute

// Store is the task persistence the engine needs.
type Store interface {
	gate.Store
	CreateTask(ctx context.Context, state *models.TaskState, plan *models.Plan) error
	ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Snapshot, error)
}

// Gate decides whether a step may run.
type Gate interface {
	Check(ctx context.Context, taskID string, step models.Step) (gate.Outcome, error)
	Decide(ctx context.Context, taskID, stepID string, d gate.Decision) (*models.Approval, error)
}

// Dispatcher routes a step to its handler.
type Dispatcher interface {
	Require(capabilities ...models.StepKind) error
	Dispatch(ctx context.Context, capability models.StepKind, req registry.Request) (models.StepResult, error)
}

// Auditor records executed steps.
type Auditor interface {
	Record(ctx context.Context, taskID string, stepIndex int, stepType string, input, output any) (*models.AuditRecord, error)
}

// Logger defines the progress logging used by the engine.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogStepStart(taskID string, index, total int, step models.Step)
	LogStepResult(taskID string, step models.Step, result models.StepResult, duration time.Duration)
	LogTaskStatus(snapshot models.Snapshot)
}

// Options configures an Engine. Store, Registry and Recorder are required.
type Options struct {
	Store    Store
	Registry Dispatcher
	Recorder Auditor
	// Gate defaults to a gate over Store.
	Gate Gate
	// Locker defaults to an in-process KeyedLocker.
	Locker Locker
	Logger Logger
	// HandlerTimeout bounds each handler call; exceeding it fails the step.
	HandlerTimeout time.Duration
}

// Engine is the plan orchestration state machine.
type Engine struct {
	store          Store
	registry       Dispatcher
	recorder       Auditor
	gate           Gate
	locker         Locker
	logger         Logger
	handlerTimeout time.Duration
	tracer         trace.Tracer
}

// New creates an Engine from opts. It panics when a required collaborator is missing.
func New(opts Options) *Engine {
	if opts.Store == nil {
		panic("engine: store cannot be nil")
	}
	if opts.Registry == nil {
		panic("engine: registry cannot be nil")
	}
	if opts.Recorder == nil {
		panic("engine: recorder cannot be nil")
	}

	e := &Engine{
		store:          opts.Store,
		registry:       opts.Registry,
		recorder:       opts.Recorder,
		gate:           opts.Gate,
		locker:         opts.Locker,
		logger:         opts.Logger,
		handlerTimeout: opts.HandlerTimeout,
		tracer:         otel.Tracer("github.com/rymfhm/qubic/internal/engine"),
	}
	if e.gate == nil {
		e.gate = gate.New(opts.Store)
	}
	if e.locker == nil {
		e.locker = NewKeyedLocker()
	}
	if e.logger == nil {
		e.logger = logger.NewNoOpLogger()
	}
	if e.handlerTimeout <= 0 {
		e.handlerTimeout = DefaultHandlerTimeout
	}
	return e
}

// Run drives plan for taskID from its persisted state to a terminal or
// suspended state. An empty taskID gets a fresh identifier. The plan is
// validated and every capability it uses is checked before anything is
// persisted.
//
// Running an existing task continues it; a terminal task is returned
// unchanged and a task created for a different plan is a state conflict.
func (e *Engine) Run(ctx context.Context, taskID string, plan *models.Plan) (*models.TaskState, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if err := e.registry.Require(plan.Kinds()...); err != nil {
		return nil, err
	}
	if taskID == "" {
		taskID = uuid.New().String()
	}

	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.steps", len(plan.Steps)),
	))
	defer span.End()

	unlock, err := e.locker.Lock(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := e.store.GetTask(ctx, taskID)
	switch {
	case models.IsNotFound(err):
		state = models.NewTaskState(taskID, plan)
		if err := e.store.CreateTask(ctx, state, plan); err != nil {
			return nil, err
		}
		e.logger.LogInfo(fmt.Sprintf("task %s: created for plan %s (%d steps)", taskID, plan.ID, len(plan.Steps)))
	case err != nil:
		return nil, err
	case state.PlanID != plan.ID:
		return nil, models.NewStateConflictError(taskID, state.Status,
			fmt.Sprintf("task runs plan %s, not %s", state.PlanID, plan.ID))
	default:
		stored, err := e.store.GetPlan(ctx, taskID)
		if err != nil {
			return nil, err
		}
		plan = stored
	}

	return e.advance(ctx, span, state, plan)
}

// Resume re-enters the loop of a suspended or interrupted task at its
// current step. A task still awaiting a decision and a terminal task are
// returned unchanged.
func (e *Engine) Resume(ctx context.Context, taskID string) (*models.TaskState, error) {
	ctx, span := e.tracer.Start(ctx, "engine.resume", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	unlock, err := e.locker.Lock(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return e.resumeLocked(ctx, span, taskID)
}

// Approve records a decision for the step gating taskID and resumes the task
// under the same lock. An empty stepID means the current gating step.
func (e *Engine) Approve(ctx context.Context, taskID, stepID string, d gate.Decision) (*models.Approval, *models.TaskState, error) {
	ctx, span := e.tracer.Start(ctx, "engine.approve", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.Bool("approval.approved", d.Approved),
	))
	defer span.End()

	unlock, err := e.locker.Lock(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	approval, err := e.gate.Decide(ctx, taskID, stepID, d)
	if err != nil {
		return nil, nil, err
	}
	verdict := "rejected"
	if approval.Approved {
		verdict = "approved"
	}
	e.logger.LogInfo(fmt.Sprintf("task %s: step %s %s by %s", taskID, approval.StepID, verdict, approval.Actor))

	state, err := e.resumeLocked(ctx, span, taskID)
	if err != nil {
		return approval, nil, err
	}
	return approval, state, nil
}

// Status returns the read-only view of a task.
func (e *Engine) Status(ctx context.Context, taskID string) (models.Snapshot, error) {
	state, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return models.Snapshot{}, err
	}
	return state.Snapshot(), nil
}

// Plan returns the plan a task runs.
func (e *Engine) Plan(ctx context.Context, taskID string) (*models.Plan, error) {
	return e.store.GetPlan(ctx, taskID)
}

// Tasks lists task snapshots, optionally filtered by status.
func (e *Engine) Tasks(ctx context.Context, status models.TaskStatus) ([]models.Snapshot, error) {
	return e.store.ListTasks(ctx, status)
}

func (e *Engine) resumeLocked(ctx context.Context, span trace.Span, taskID string) (*models.TaskState, error) {
	state, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	plan, err := e.store.GetPlan(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.registry.Require(plan.Kinds()...); err != nil {
		return nil, e.fail(ctx, state, err)
	}
	return e.advance(ctx, span, state, plan)
}

// advance runs the step loop from the first step without an execution record.
func (e *Engine) advance(ctx context.Context, span trace.Span, state *models.TaskState, plan *models.Plan) (*models.TaskState, error) {
	if state.Status.IsTerminal() {
		return state, nil
	}
	if state.Status == models.StatusPending {
		if err := state.Transition(models.StatusExecuting); err != nil {
			return nil, err
		}
	}

	err := e.loop(ctx, state, plan)
	span.SetAttributes(
		attribute.String("task.status", string(state.Status)),
		attribute.Int("task.current_step", state.CurrentStep),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.logger.LogTaskStatus(state.Snapshot())
	return state, nil
}

func (e *Engine) loop(ctx context.Context, state *models.TaskState, plan *models.Plan) error {
	for i := len(state.Steps); i < len(plan.Steps); i++ {
		step := plan.Steps[i]

		if state.CurrentStep != i+1 {
			state.CurrentStep = i + 1
			state.UpdatedAt = time.Now().UTC()
			if err := e.store.SaveTask(ctx, state); err != nil {
				return fmt.Errorf("persist progress: %w", err)
			}
		}

		outcome, err := e.gate.Check(ctx, state.TaskID, step)
		if err != nil {
			return err
		}
		switch outcome {
		case gate.Waiting:
			if state.Status == models.StatusWaitingApproval {
				return nil
			}
			return e.halt(ctx, state, models.StatusWaitingApproval, "")
		case gate.Rejected:
			return e.halt(ctx, state, models.StatusRejected, fmt.Sprintf("step %s rejected", step.ID))
		}

		if state.Status != models.StatusExecuting {
			if err := state.Transition(models.StatusExecuting); err != nil {
				return err
			}
		}

		e.logger.LogStepStart(state.TaskID, i+1, len(plan.Steps), step)
		start := time.Now()
		result, err := e.dispatch(ctx, state, step)
		if err != nil {
			if models.IsConfigurationError(err) {
				return e.fail(ctx, state, err)
			}
			// Caller went away; progress up to this step stays resumable.
			return err
		}
		e.logger.LogStepResult(state.TaskID, step, result, time.Since(start))

		// The handler has run; its outcome must be recorded even if the
		// caller goes away, or a resume would execute the step again.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PersistTimeout)
		err = e.record(persistCtx, state, i, step, result)
		cancel()
		if err != nil {
			return err
		}
	}

	return e.halt(ctx, state, models.StatusCompleted, "")
}

// record stores a dispatched step's result in the task context, audits it and
// persists the execution record. A failed result halts the task.
func (e *Engine) record(ctx context.Context, state *models.TaskState, i int, step models.Step, result models.StepResult) error {
	state.Context[step.ID] = result

	if _, err := e.recorder.Record(ctx, state.TaskID, i+1, string(step.Kind), step, result); err != nil {
		e.logger.LogWarn(fmt.Sprintf("task %s: audit step %s: %v", state.TaskID, step.ID, err))
	}

	state.Steps = append(state.Steps, models.StepExecutionRecord{
		StepID:     step.ID,
		Status:     result.Status,
		Result:     result.Result,
		Error:      result.Error,
		ExecutedAt: time.Now().UTC(),
	})

	if result.Status == models.StepFailed {
		return e.halt(ctx, state, models.StatusFailed, fmt.Sprintf("step %s failed: %s", step.ID, result.Error))
	}
	state.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveTask(ctx, state); err != nil {
		return fmt.Errorf("persist step %s: %w", step.ID, err)
	}
	return nil
}

// halt moves the task to status, records message as its error and persists it.
func (e *Engine) halt(ctx context.Context, state *models.TaskState, status models.TaskStatus, message string) error {
	if err := state.Transition(status); err != nil {
		return err
	}
	if message != "" {
		state.Error = message
	}
	if err := e.store.SaveTask(ctx, state); err != nil {
		return fmt.Errorf("persist %s: %w", status, err)
	}
	return nil
}

// fail marks the task failed because of cause and returns cause.
func (e *Engine) fail(ctx context.Context, state *models.TaskState, cause error) error {
	if state.Status.IsTerminal() {
		return cause
	}
	if state.Status != models.StatusExecuting {
		state.Status = models.StatusExecuting
	}
	if err := e.halt(ctx, state, models.StatusFailed, cause.Error()); err != nil {
		e.logger.LogError(fmt.Sprintf("task %s: mark failed: %v", state.TaskID, err))
	}
	return cause
}

// dispatch invokes the step's handler under the handler timeout. Handler
// errors, panics and timeouts become failed results. Configuration errors and
// cancellation of ctx itself are returned as errors.
func (e *Engine) dispatch(ctx context.Context, state *models.TaskState, step models.Step) (models.StepResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.String("task.id", state.TaskID),
		attribute.String("step.id", step.ID),
		attribute.String("step.type", string(step.Kind)),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	defer cancel()

	type outcome struct {
		result models.StepResult
		err    error
	}
	done := make(chan outcome, 1)

	req := registry.Request{TaskID: state.TaskID, Step: step, Context: copyContext(state.Context)}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{result: models.Failed(fmt.Sprintf("handler panicked: %v", r))}
			}
		}()
		result, err := e.registry.Dispatch(callCtx, step.Kind, req)
		done <- outcome{result: result, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-callCtx.Done():
		o = outcome{err: callCtx.Err()}
	}

	if o.err != nil {
		switch {
		case models.IsConfigurationError(o.err):
			return models.StepResult{}, o.err
		case ctx.Err() != nil:
			return models.StepResult{}, ctx.Err()
		case errors.Is(o.err, context.DeadlineExceeded) && callCtx.Err() != nil:
			o.result = models.Failed(fmt.Sprintf("handler timed out after %s", e.handlerTimeout))
		default:
			o.result = models.Failed(o.err.Error())
		}
	}
	result := o.result.Normalize()
	span.SetAttributes(attribute.String("step.status", string(result.Status)))
	if result.Status == models.StepFailed {
		span.SetStatus(codes.Error, result.Error)
	}
	return result, nil
}

func copyContext(in map[string]models.StepResult) map[string]models.StepResult {
	out := make(map[string]models.StepResult, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
