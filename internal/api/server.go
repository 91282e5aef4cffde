// Package api serves the orchestration engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rymfhm/qubic/internal/audit"
	"github.com/rymfhm/qubic/internal/gate"
	"github.com/rymfhm/qubic/internal/httpjson"
	"github.com/rymfhm/qubic/internal/ledger"
	"github.com/rymfhm/qubic/internal/models"
	"github.com/rymfhm/qubic/internal/planner"
)

// Engine is the orchestration surface the API exposes.
type Engine interface {
	Run(ctx context.Context, taskID string, plan *models.Plan) (*models.TaskState, error)
	Resume(ctx context.Context, taskID string) (*models.TaskState, error)
	Approve(ctx context.Context, taskID, stepID string, d gate.Decision) (*models.Approval, *models.TaskState, error)
	Status(ctx context.Context, taskID string) (models.Snapshot, error)
	Tasks(ctx context.Context, status models.TaskStatus) ([]models.Snapshot, error)
}

// Planner turns a task request into a plan.
type Planner interface {
	Build(ctx context.Context, req planner.Request) (*planner.Result, error)
}

// Auditor reads the audit trail.
type Auditor interface {
	History(ctx context.Context, taskID string) ([]models.AuditRecord, error)
	Verify(ctx context.Context, hash string) (ledger.Verification, error)
}

// Logger is the logging the API needs.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogError(message string)
}

// Server holds the API dependencies.
type Server struct {
	engine  Engine
	planner Planner
	auditor Auditor
	logger  Logger
}

// NewServer creates the API server. Every dependency is required.
func NewServer(e Engine, p Planner, a Auditor, log Logger) *Server {
	if e == nil || p == nil || a == nil || log == nil {
		panic("api: engine, planner, auditor and logger are required")
	}
	return &Server{engine: e, planner: p, auditor: a, logger: log}
}

// ExecuteRequest starts a prepared plan.
type ExecuteRequest struct {
	TaskID string       `json:"task_id,omitempty"`
	Plan   *models.Plan `json:"plan"`
}

// CreateRequest plans a task and optionally starts it.
type CreateRequest struct {
	TaskID      string         `json:"task_id,omitempty"`
	TaskType    string         `json:"task_type"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Execute     bool           `json:"execute,omitempty"`
}

// CreateResponse is the planner result plus the run state when the plan was started.
type CreateResponse struct {
	*planner.Result
	Execution *models.Snapshot `json:"execution,omitempty"`
}

// ApproveRequest records a decision for the suspended step.
type ApproveRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	UserID   string `json:"user_id"`
	StepID   string `json:"step_id,omitempty"`
}

// ApproveResponse carries the stored decision and the task after it.
type ApproveResponse struct {
	Approval *models.Approval `json:"approval"`
	Task     models.Snapshot  `json:"task"`
	Message  string           `json:"message"`
}

// AuditResponse is a task's audit trail.
type AuditResponse struct {
	TaskID    string               `json:"task_id"`
	Logs      []models.AuditRecord `json:"logs"`
	QubicTxID *string              `json:"qubic_txid"`
}

// Handler returns the API routes:
//
//	POST /plan/execute          {task_id?, plan}
//	POST /plan/create           {task_id?, task_type, description, parameters, execute?}
//	GET  /tasks?status=
//	GET  /task/{task_id}/status
//	POST /task/{task_id}/approve {approved, reason, user_id, step_id?}
//	POST /task/{task_id}/resume
//	GET  /audit/{task_id}
//	GET  /audit/verify/{hash}
//	GET  /health
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /plan/execute", s.handleExecute)
	mux.HandleFunc("POST /plan/create", s.handleCreate)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("GET /task/{task_id}/status", s.handleStatus)
	mux.HandleFunc("POST /task/{task_id}/approve", s.handleApprove)
	mux.HandleFunc("POST /task/{task_id}/resume", s.handleResume)
	mux.HandleFunc("GET /audit/{task_id}", s.handleAudit)
	mux.HandleFunc("GET /audit/verify/{hash}", s.handleVerify)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		httpjson.Write(w, http.StatusOK, map[string]string{"status": "healthy", "service": "qubic"})
	})
	return mux
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := httpjson.Decode(w, r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Plan == nil {
		httpjson.Error(w, http.StatusBadRequest, "plan is required")
		return
	}
	plan := req.Plan
	if strings.TrimSpace(plan.ID) == "" {
		plan.ID = uuid.New().String()
	}

	state, err := s.engine.Run(r.Context(), req.TaskID, plan)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.LogInfo(fmt.Sprintf("task %s: plan %s %s", state.TaskID, plan.ID, state.Status))
	httpjson.Write(w, http.StatusOK, state.Snapshot())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpjson.Decode(w, r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.planner.Build(r.Context(), planner.Request{
		TaskID:      req.TaskID,
		TaskType:    req.TaskType,
		Description: req.Description,
		Parameters:  req.Parameters,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := CreateResponse{Result: result}
	if req.Execute {
		state, err := s.engine.Run(r.Context(), result.TaskID, result.Plan)
		if err != nil {
			s.writeError(w, err)
			return
		}
		snap := state.Snapshot()
		resp.Execution = &snap
	}
	httpjson.Write(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	status := models.TaskStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		httpjson.Error(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	tasks, err := s.engine.Tasks(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Snapshot{}
	}
	httpjson.Write(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Status(r.Context(), r.PathValue("task_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, snap)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := httpjson.Decode(w, r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID := r.PathValue("task_id")
	approval, state, err := s.engine.Approve(r.Context(), taskID, req.StepID, gate.Decision{
		Approved: req.Approved,
		Reason:   req.Reason,
		Actor:    req.UserID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	msg := "Approval rejected, task stopped"
	if approval.Approved {
		msg = "Approval granted, execution resumed"
	}
	s.logger.LogInfo(fmt.Sprintf("task %s: step %s decided by %s (approved=%t)", taskID, approval.StepID, approval.Actor, approval.Approved))
	httpjson.Write(w, http.StatusOK, ApproveResponse{Approval: approval, Task: state.Snapshot(), Message: msg})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.Resume(r.Context(), r.PathValue("task_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, state.Snapshot())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	records, err := s.auditor.History(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, AuditResponse{
		TaskID:    taskID,
		Logs:      records,
		QubicTxID: audit.LatestTxID(records),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	v, err := s.auditor.Verify(r.Context(), r.PathValue("hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case models.IsNotFound(err):
		status = http.StatusNotFound
	case models.IsStateConflict(err):
		status = http.StatusConflict
	case models.IsValidationError(err):
		status = http.StatusBadRequest
	case models.IsCollaboratorError(err):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		s.logger.LogError(fmt.Sprintf("request failed: %v", err))
	} else {
		s.logger.LogDebug(fmt.Sprintf("request rejected (%d): %v", status, err))
	}
	httpjson.Error(w, status, err.Error())
}

// ShutdownTimeout bounds graceful shutdown in ListenAndServe.
const ShutdownTimeout = 5 * time.Second

// ListenAndServe serves handler on addr until ctx is canceled, then shuts
// the server down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown %s: %w", addr, err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	}
}
