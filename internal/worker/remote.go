package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rymfhm/qubic/internal/httpjson"
	"github.com/rymfhm/qubic/internal/models"
	"github.com/rymfhm/qubic/internal/registry"
)

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	TaskID  string                       `json:"task_id"`
	Step    models.Step                  `json:"step"`
	Context map[string]models.StepResult `json:"context"`
}

// ExecuteResponse is the worker's answer for one step.
type ExecuteResponse struct {
	Status     models.StepStatus `json:"status"`
	Result     map[string]any    `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	InputHash  string            `json:"input_hash,omitempty"`
	OutputHash string            `json:"output_hash,omitempty"`
}

// Client forwards steps to a remote worker service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the worker at baseURL. Each call is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Execute runs one step on the worker. Transport failures and non-2xx
// responses are CollaboratorErrors.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	if req.Context == nil {
		req.Context = map[string]models.StepResult{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ExecuteResponse{}, fmt.Errorf("marshal execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return ExecuteResponse{}, fmt.Errorf("create execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ExecuteResponse{}, models.NewCollaboratorError("worker", "execute", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ExecuteResponse{}, models.NewCollaboratorError("worker", "execute",
			fmt.Errorf("status %d: %s", resp.StatusCode, httpjson.ReadError(resp)))
	}

	var out ExecuteResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return ExecuteResponse{}, models.NewCollaboratorError("worker", "execute", fmt.Errorf("decode response: %w", err))
	}
	return out, nil
}

// Handler returns a registry handler that executes steps remotely. A worker
// that cannot be reached yields a failed step result.
func (c *Client) Handler() registry.Handler {
	return func(ctx context.Context, req registry.Request) (models.StepResult, error) {
		resp, err := c.Execute(ctx, ExecuteRequest{TaskID: req.TaskID, Step: req.Step, Context: req.Context})
		if err != nil {
			return models.Failed(err.Error()), nil
		}
		return models.StepResult{Status: resp.Status, Result: resp.Result, Error: resp.Error}.Normalize(), nil
	}
}

// RegisterRemote binds every step kind to the remote worker.
func RegisterRemote(b *registry.Builder, c *Client) *registry.Builder {
	handler := c.Handler()
	for _, kind := range models.AllStepKinds() {
		b.Register(kind, handler)
	}
	return b
}
