package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rymfhm/qubic/internal/logger"
	"github.com/rymfhm/qubic/internal/models"
	"github.com/rymfhm/qubic/internal/policy"
	"github.com/rymfhm/qubic/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testHandlers() *Handlers {
	h := NewHandlers(logger.NewNoOpLogger())
	h.Now = func() time.Time { return fixedNow }
	return h
}

func mustStep(t *testing.T, id string, kind models.StepKind, params map[string]any) models.Step {
	t.Helper()
	step, err := models.NewStep(id, kind, false, params)
	require.NoError(t, err)
	return step
}

func TestCheckBalance(t *testing.T) {
	h := testHandlers()
	tests := []struct {
		wallet  string
		balance string
	}{
		{wallet: DemoWalletAddress, balance: "1000.0"},
		{wallet: "0xunknown", balance: "0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.wallet, func(t *testing.T) {
			step := mustStep(t, "1", models.KindCheckBalance, map[string]any{"wallet_address": tt.wallet})
			res, err := h.CheckBalance(context.Background(), registry.Request{TaskID: "t", Step: step})
			require.NoError(t, err)
			assert.Equal(t, models.StepSuccess, res.Status)
			assert.Equal(t, tt.balance, res.Result["balance"])
			assert.Equal(t, "ETH", res.Result["currency"])
			assert.Equal(t, tt.wallet, res.Result["wallet_address"])
		})
	}
}

func TestPolicyCheck(t *testing.T) {
	h := testHandlers()
	tests := []struct {
		name       string
		params     map[string]any
		wantStatus models.StepStatus
	}{
		{
			name:       "bare policy id",
			params:     map[string]any{"policy_id": "policy_anything"},
			wantStatus: models.StepSuccess,
		},
		{
			name:       "matching action type",
			params:     map[string]any{"policy_id": policy.ID("transaction"), "action_type": "transaction"},
			wantStatus: models.StepSuccess,
		},
		{
			name:       "mismatched action type",
			params:     map[string]any{"policy_id": policy.ID("monitoring"), "action_type": "transaction"},
			wantStatus: models.StepFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := mustStep(t, "2", models.KindPolicyCheck, tt.params)
			res, err := h.PolicyCheck(context.Background(), registry.Request{Step: step})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			if tt.wantStatus == models.StepSuccess {
				assert.Equal(t, "verified", res.Result["status"])
			}
		})
	}
}

func TestMonitorAction(t *testing.T) {
	step := mustStep(t, "3", models.KindMonitorAction, map[string]any{"wallet_address": "0xabc"})
	res, err := testHandlers().MonitorAction(context.Background(), registry.Request{Step: step})
	require.NoError(t, err)
	assert.Equal(t, true, res.Result["breach_detected"])
	assert.Equal(t, "monitor", res.Result["action"])
}

func TestOnchainAction(t *testing.T) {
	h := testHandlers()

	step := mustStep(t, "3", models.KindOnchainAction, map[string]any{"to_address": "0xbeef", "amount": json.Number("25.5")})
	res, err := h.OnchainAction(context.Background(), registry.Request{Step: step})
	require.NoError(t, err)
	assert.Equal(t, models.StepSuccess, res.Status)
	assert.Equal(t, "25.5", res.Result["amount"])
	assert.Equal(t, "simulated", res.Result["status"])
	txHash := res.Result["tx_hash"].(string)
	assert.True(t, strings.HasPrefix(txHash, "0x"))
	assert.Len(t, txHash, 66)

	again, err := h.OnchainAction(context.Background(), registry.Request{Step: step})
	require.NoError(t, err)
	assert.Equal(t, txHash, again.Result["tx_hash"], "same step at same instant hashes identically")

	big := mustStep(t, "3", models.KindOnchainAction, map[string]any{"to_address": "0xbeef", "amount": 5000})
	res, err = h.OnchainAction(context.Background(), registry.Request{Step: big})
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, res.Status)
	assert.Contains(t, res.Error, "exceeds policy maximum")
}

func TestGenericAction(t *testing.T) {
	step := mustStep(t, "3", models.KindGenericAction, map[string]any{"note": "hi"})
	res, err := testHandlers().GenericAction(context.Background(), registry.Request{Step: step})
	require.NoError(t, err)
	assert.Equal(t, "generic", res.Result["action"])
	assert.Equal(t, "generic_action", res.Result["step_type"])
	assert.Equal(t, map[string]any{"note": "hi"}, res.Result["parameters"])
}

func TestHandlerRejectsMismatchedParams(t *testing.T) {
	step := models.Step{ID: "1", Kind: models.KindCheckBalance, Params: models.GenericParams{}}
	_, err := testHandlers().CheckBalance(context.Background(), registry.Request{Step: step})
	assert.True(t, models.IsConfigurationError(err))
}

func newWorkerServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	reg := Register(registry.NewBuilder(), testHandlers()).Build()
	s := NewServer(reg, logger.NewNoOpLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestRemoteRoundTrip(t *testing.T) {
	_, srv := newWorkerServer(t)
	client := NewClient(srv.URL, 2*time.Second)

	step := mustStep(t, "1", models.KindCheckBalance, map[string]any{"wallet_address": DemoWalletAddress})
	resp, err := client.Execute(context.Background(), ExecuteRequest{TaskID: "task-w", Step: step})
	require.NoError(t, err)
	assert.Equal(t, models.StepSuccess, resp.Status)
	assert.Equal(t, "1000.0", resp.Result["balance"])
	assert.Len(t, resp.InputHash, 64)
	assert.Len(t, resp.OutputHash, 64)

	res, err := http.Get(srv.URL + "/execution/task-w/1")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	missing, err := http.Get(srv.URL + "/execution/task-w/9")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRemoteHandlerThroughRegistry(t *testing.T) {
	_, srv := newWorkerServer(t)
	reg := RegisterRemote(registry.NewBuilder(), NewClient(srv.URL, 2*time.Second)).Build()

	step := mustStep(t, "3", models.KindGenericAction, map[string]any{"x": 1})
	res, err := reg.Dispatch(context.Background(), models.KindGenericAction, registry.Request{TaskID: "t", Step: step})
	require.NoError(t, err)
	assert.Equal(t, models.StepSuccess, res.Status)
	assert.Equal(t, "generic", res.Result["action"])
}

func TestRemoteUnavailableIsFailedStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	step := mustStep(t, "1", models.KindGenericAction, nil)
	res, err := NewClient(url, time.Second).Handler()(context.Background(), registry.Request{Step: step})
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, res.Status)
	assert.Contains(t, res.Error, "worker unavailable")
}

func TestExecuteUnknownStepType(t *testing.T) {
	_, srv := newWorkerServer(t)
	body := `{"task_id":"t","step":{"step_id":"1","type":"launch_rocket","parameters":{}},"context":{}}`
	resp, err := http.Post(srv.URL+"/execute", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, "Unknown step type: launch_rocket", errBody["detail"])
}

func TestExecuteInvalidParamsIsFailedResult(t *testing.T) {
	_, srv := newWorkerServer(t)
	body := `{"task_id":"t","step":{"step_id":"1","type":"check_balance","parameters":{}},"context":{}}`
	resp, err := http.Post(srv.URL+"/execute", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ExecuteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, models.StepFailed, out.Status)
	assert.Contains(t, out.Error, "wallet_address")
}
