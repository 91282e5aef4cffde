package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rymfhm/qubic/internal/digest"
	"github.com/rymfhm/qubic/internal/httpjson"
	"github.com/rymfhm/qubic/internal/models"
	"github.com/rymfhm/qubic/internal/registry"
)

// Execution is the worker's record of one executed step.
type Execution struct {
	TaskID     string            `json:"task_id"`
	StepID     string            `json:"step_id"`
	StepType   models.StepKind   `json:"step_type"`
	Status     models.StepStatus `json:"status"`
	Result     map[string]any    `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	InputHash  string            `json:"input_hash,omitempty"`
	OutputHash string            `json:"output_hash,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ServiceLogger is the logging the worker service needs.
type ServiceLogger interface {
	LogInfo(message string)
	LogError(message string)
}

// Server runs steps received over HTTP through a registry and keeps the
// latest execution of every (task, step).
type Server struct {
	registry *registry.Registry
	logger   ServiceLogger

	mu         sync.RWMutex
	executions map[string]Execution
}

// NewServer creates a worker service dispatching through reg.
func NewServer(reg *registry.Registry, log ServiceLogger) *Server {
	return &Server{registry: reg, logger: log, executions: make(map[string]Execution)}
}

// Handler returns the service routes:
//
//	POST /execute                      {task_id, step, context}
//	GET  /execution/{task_id}/{step_id}
//	GET  /health
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /execution/{task_id}/{step_id}", s.handleExecution)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		httpjson.Write(w, http.StatusOK, map[string]string{"status": "healthy", "service": "worker"})
	})
	return mux
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskID  string                       `json:"task_id"`
		Step    json.RawMessage              `json:"step"`
		Context map[string]models.StepResult `json:"context"`
	}
	if err := httpjson.Decode(w, r, &body); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var raw models.RawStep
	dec := json.NewDecoder(bytes.NewReader(body.Step))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		httpjson.Error(w, http.StatusBadRequest, fmt.Sprintf("decode step: %v", err))
		return
	}
	kind := models.StepKind(raw.Type)
	if !s.registry.Has(kind) {
		httpjson.Error(w, http.StatusBadRequest, fmt.Sprintf("Unknown step type: %s", raw.Type))
		return
	}
	if body.Context == nil {
		body.Context = map[string]models.StepResult{}
	}

	exec := Execution{TaskID: body.TaskID, StepType: kind, Timestamp: time.Now().UTC()}
	step, err := raw.Build(0)
	if err != nil {
		if raw.StepID != nil {
			exec.StepID = fmt.Sprint(raw.StepID)
		}
		s.finish(w, exec, models.Failed(err.Error()), nil)
		return
	}
	exec.StepID = step.ID
	s.logger.LogInfo(fmt.Sprintf("executing step %s (%s) for task %s", step.ID, kind, body.TaskID))

	result, err := s.registry.Dispatch(r.Context(), kind, registry.Request{TaskID: body.TaskID, Step: step, Context: body.Context})
	if err != nil {
		result = models.Failed(err.Error())
	}
	input := map[string]any{"step": step, "context": body.Context}
	s.finish(w, exec, result, input)
}

// finish stores the execution and writes the response. Hashes are computed
// only for successful steps.
func (s *Server) finish(w http.ResponseWriter, exec Execution, result models.StepResult, input any) {
	if result.Status == "" {
		result.Status = models.StepSuccess
	}
	exec.Status = result.Status
	exec.Result = result.Result
	exec.Error = result.Error

	if result.Status == models.StepFailed {
		s.logger.LogError(fmt.Sprintf("step %s for task %s failed: %s", exec.StepID, exec.TaskID, result.Error))
	} else if input != nil {
		var err error
		if exec.InputHash, err = digest.Hash(input); err != nil {
			s.logger.LogError(fmt.Sprintf("hash input of step %s: %v", exec.StepID, err))
		}
		if exec.OutputHash, err = digest.Hash(map[string]any{"result": result.Result}); err != nil {
			s.logger.LogError(fmt.Sprintf("hash output of step %s: %v", exec.StepID, err))
		}
	}

	s.mu.Lock()
	s.executions[exec.TaskID+"/"+exec.StepID] = exec
	s.mu.Unlock()

	httpjson.Write(w, http.StatusOK, ExecuteResponse{
		Status:     exec.Status,
		Result:     exec.Result,
		Error:      exec.Error,
		InputHash:  exec.InputHash,
		OutputHash: exec.OutputHash,
	})
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	exec, ok := s.executions[r.PathValue("task_id")+"/"+r.PathValue("step_id")]
	s.mu.RUnlock()
	if !ok {
		httpjson.Error(w, http.StatusNotFound, "Execution not found")
		return
	}
	httpjson.Write(w, http.StatusOK, exec)
}
