package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rymfhm/qubic/internal/audit"
	"github.com/rymfhm/qubic/internal/engine"
	"github.com/rymfhm/qubic/internal/ledger"
	"github.com/rymfhm/qubic/internal/logger"
	"github.com/rymfhm/qubic/internal/models"
	"github.com/rymfhm/qubic/internal/planner"
	"github.com/rymfhm/qubic/internal/registry"
	"github.com/rymfhm/qubic/internal/storage"
	"github.com/rymfhm/qubic/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := storage.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logger.NewNoOpLogger()
	reg := worker.Register(registry.NewBuilder(), worker.NewHandlers(nil)).Build()
	recorder := audit.NewRecorder(store, ledger.NewLocal(store),
		audit.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, CallTimeout: time.Second}, log)
	eng := engine.New(engine.Options{
		Store:    store,
		Registry: reg,
		Recorder: recorder,
		Logger:   log,
	})

	srv := httptest.NewServer(NewServer(eng, planner.New(nil, log), recorder, log).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

var transferPlan = map[string]any{
	"plan_id": "plan-transfer",
	"steps": []map[string]any{
		{"step_id": "1", "type": "check_balance", "parameters": map[string]any{"wallet_address": "0x1234567890abcdef"}},
		{"step_id": "2", "type": "policy_check", "parameters": map[string]any{"policy_id": "policy_transaction_x"}},
		{"step_id": "3", "type": "onchain_action", "requires_approval": true,
			"parameters": map[string]any{"to_address": "0xfeed", "amount": 25}},
	},
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestExecuteApproveAndAudit(t *testing.T) {
	srv := newTestServer(t)

	var snap models.Snapshot
	code := do(t, srv, http.MethodPost, "/plan/execute", map[string]any{"task_id": "task-api", "plan": transferPlan}, &snap)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.StatusWaitingApproval, snap.Status)
	assert.True(t, snap.RequiresApproval)
	assert.Equal(t, 3, snap.CurrentStep)
	assert.Len(t, snap.Steps, 2)

	var status models.Snapshot
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/task/task-api/status", nil, &status))
	assert.Equal(t, models.StatusWaitingApproval, status.Status)

	var approved ApproveResponse
	code = do(t, srv, http.MethodPost, "/task/task-api/approve",
		ApproveRequest{Approved: true, Reason: "ok", UserID: "alice"}, &approved)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "3", approved.Approval.StepID)
	assert.Equal(t, models.StatusCompleted, approved.Task.Status)
	assert.Equal(t, "Approval granted, execution resumed", approved.Message)

	var trail AuditResponse
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/audit/task-api", nil, &trail))
	require.Len(t, trail.Logs, 3)
	require.NotNil(t, trail.QubicTxID)
	assert.Equal(t, *trail.Logs[2].LedgerTxID, *trail.QubicTxID)

	var v ledger.Verification
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/audit/verify/"+trail.Logs[0].OutputHash, nil, &v))
	assert.True(t, v.Verified)

	var again map[string]string
	code = do(t, srv, http.MethodPost, "/task/task-api/approve", ApproveRequest{Approved: true, UserID: "bob"}, &again)
	assert.Equal(t, http.StatusConflict, code)
	assert.NotEmpty(t, again["detail"])
}

func TestRejectStopsTask(t *testing.T) {
	srv := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/plan/execute",
		map[string]any{"task_id": "task-no", "plan": transferPlan}, nil))

	var resp ApproveResponse
	code := do(t, srv, http.MethodPost, "/task/task-no/approve",
		ApproveRequest{Approved: false, Reason: "too risky", UserID: "alice"}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.StatusRejected, resp.Task.Status)
	assert.Equal(t, "Approval rejected, task stopped", resp.Message)

	var snap models.Snapshot
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/task/task-no/resume", nil, &snap))
	assert.Equal(t, models.StatusRejected, snap.Status)
}

func TestCreateAndExecute(t *testing.T) {
	srv := newTestServer(t)

	var resp CreateResponse
	code := do(t, srv, http.MethodPost, "/plan/create", CreateRequest{
		TaskType:   planner.TaskMonitorWallet,
		Parameters: map[string]any{"wallet_address": "0x1234567890abcdef"},
		Execute:    true,
	}, &resp)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, resp.Result)
	assert.NotEmpty(t, resp.TaskID)
	require.Len(t, resp.Plan.Steps, 3)
	require.NotNil(t, resp.Execution)
	assert.Equal(t, models.StatusCompleted, resp.Execution.Status)

	var list struct {
		Tasks []models.Snapshot `json:"tasks"`
	}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/tasks?status=completed", nil, &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, resp.TaskID, list.Tasks[0].TaskID)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "unknown task status", method: http.MethodGet, path: "/task/missing/status", want: http.StatusNotFound},
		{name: "unknown task resume", method: http.MethodPost, path: "/task/missing/resume", want: http.StatusNotFound},
		{name: "no audit trail", method: http.MethodGet, path: "/audit/missing", want: http.StatusNotFound},
		{name: "empty body", method: http.MethodPost, path: "/plan/execute", want: http.StatusBadRequest},
		{name: "missing plan", method: http.MethodPost, path: "/plan/execute", body: map[string]any{"task_id": "x"}, want: http.StatusBadRequest},
		{
			name:   "unknown step type",
			method: http.MethodPost,
			path:   "/plan/execute",
			body:   map[string]any{"plan": map[string]any{"steps": []map[string]any{{"type": "launch"}}}},
			want:   http.StatusBadRequest,
		},
		{name: "missing task type", method: http.MethodPost, path: "/plan/create", body: CreateRequest{}, want: http.StatusBadRequest},
		{name: "approve without actor", method: http.MethodPost, path: "/task/missing/approve", body: ApproveRequest{Approved: true}, want: http.StatusBadRequest},
		{name: "bad status filter", method: http.MethodGet, path: "/tasks?status=sleeping", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			code := do(t, srv, tt.method, tt.path, tt.body, &body)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, body["detail"])
		})
	}
}

func TestListenAndServeShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, addr, http.NotFoundHandler())
	}()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * ShutdownTimeout):
		t.Fatal("server did not shut down")
	}
}
