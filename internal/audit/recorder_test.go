package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rymfhm/qubic/internal/digest"
	"github.com/rymfhm/qubic/internal/ledger"
	"github.com/rymfhm/qubic/internal/models"
	"github.com/rymfhm/qubic/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyLedger fails the first failures writes, then delegates to an embedded ledger.
type flakyLedger struct {
	mu       sync.Mutex
	failures int
	calls    int
	hashes   []string
	inner    *ledger.Local
}

func newFlakyLedger(failures int) *flakyLedger {
	return &flakyLedger{failures: failures, inner: ledger.NewLocal(ledger.NewMemoryEntries())}
}

func (f *flakyLedger) Write(ctx context.Context, hash string, metadata map[string]any) (ledger.Receipt, error) {
	f.mu.Lock()
	f.calls++
	f.hashes = append(f.hashes, hash)
	fail := f.calls <= f.failures
	f.mu.Unlock()

	if fail {
		return ledger.Receipt{}, models.NewCollaboratorError("ledger", "write", errors.New("connection refused"))
	}
	return f.inner.Write(ctx, hash, metadata)
}

func (f *flakyLedger) Verify(ctx context.Context, hash string) (ledger.Verification, error) {
	return f.inner.Verify(ctx, hash)
}

func (f *flakyLedger) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, CallTimeout: time.Second}
}

func TestRecordAnchorsOutputHash(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	fake := newFlakyLedger(0)
	rec := NewRecorder(store, fake, fastPolicy(), nil)

	input := map[string]any{"step_id": "1", "type": "check_balance"}
	output := models.Succeeded(map[string]any{"balance": "1000.0"})

	record, err := rec.Record(ctx, "task-1", 1, "check_balance", input, output)
	require.NoError(t, err)
	require.NotNil(t, record.LedgerTxID)
	assert.Equal(t, models.AuditStatusRecorded, record.Status)
	assert.Equal(t, 1, fake.Calls())

	wantOutput, err := digest.Hash(output)
	require.NoError(t, err)
	assert.Equal(t, wantOutput, record.OutputHash)
	assert.Equal(t, []string{wantOutput}, fake.hashes)

	history, err := rec.History(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, *record.LedgerTxID, *history[0].LedgerTxID)
	assert.Equal(t, "check_balance", history[0].Metadata["input_data"].(map[string]any)["type"])

	v, err := rec.Verify(ctx, wantOutput)
	require.NoError(t, err)
	assert.True(t, v.Verified)
	assert.Equal(t, *record.LedgerTxID, v.TxID)
}

func TestRecordMetadataKeepsLargeIntegers(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(newStore(t), newFlakyLedger(0), fastPolicy(), nil)

	input := map[string]any{"amount_wei": json.Number("123456789012345678901")}
	output := models.Succeeded(map[string]any{"nonce": uint64(18446744073709551615)})

	record, err := rec.Record(ctx, "task-big", 1, "onchain_action", input, output)
	require.NoError(t, err)
	assert.Equal(t, json.Number("123456789012345678901"), record.Metadata["input_data"].(map[string]any)["amount_wei"])

	history, err := rec.History(ctx, "task-big")
	require.NoError(t, err)
	require.Len(t, history, 1)
	stored := history[0].Metadata
	assert.Equal(t, json.Number("123456789012345678901"), stored["input_data"].(map[string]any)["amount_wei"])
	result := stored["output_data"].(map[string]any)["result"].(map[string]any)
	assert.Equal(t, json.Number("18446744073709551615"), result["nonce"])
}

func TestRecordRetriesThenSucceeds(t *testing.T) {
	store := newStore(t)
	fake := newFlakyLedger(2)
	rec := NewRecorder(store, fake, fastPolicy(), nil)

	record, err := rec.Record(context.Background(), "task-2", 1, "policy_check", map[string]any{}, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 3, fake.Calls())
	assert.True(t, record.Anchored())
}

func TestRecordPersistentLedgerFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	fake := newFlakyLedger(100)
	rec := NewRecorder(store, fake, fastPolicy(), nil)

	record, err := rec.Record(ctx, "task-3", 2, "onchain_action", map[string]any{"a": 1}, map[string]any{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, 3, fake.Calls(), "exactly three attempts")
	assert.Nil(t, record.LedgerTxID)

	history, err := rec.History(ctx, "task-3")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].LedgerTxID)
	assert.Nil(t, LatestTxID(history))
}

func TestRetryWaitsDouble(t *testing.T) {
	store := newStore(t)
	fake := newFlakyLedger(100)
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond, CallTimeout: time.Second}
	rec := NewRecorder(store, fake, policy, nil)

	start := time.Now()
	_, err := rec.Record(context.Background(), "task-4", 1, "generic_action", nil, nil)
	require.NoError(t, err)

	// 20ms after the first failure, 40ms after the second, none after the last
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 55*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestRecordStopsRetryingOnCancel(t *testing.T) {
	store := newStore(t)
	fake := newFlakyLedger(100)
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, CallTimeout: time.Second}
	rec := NewRecorder(store, fake, policy, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	record, err := rec.Record(ctx, "task-5", 1, "generic_action", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, record.LedgerTxID)
	assert.Equal(t, 1, fake.Calls())
}

func TestHashesAreKeyOrderIndependent(t *testing.T) {
	store := newStore(t)
	rec := NewRecorder(store, newFlakyLedger(0), fastPolicy(), nil)

	r1, err := rec.Record(context.Background(), "t", 1, "generic_action",
		map[string]any{"a": 1, "b": 2}, map[string]any{"x": "y"})
	require.NoError(t, err)
	r2, err := rec.Record(context.Background(), "t", 2, "generic_action",
		map[string]any{"b": 2, "a": 1}, map[string]any{"x": "y"})
	require.NoError(t, err)

	assert.Equal(t, r1.InputHash, r2.InputHash)
	assert.Equal(t, r1.OutputHash, r2.OutputHash)
}

func TestHistoryNotFound(t *testing.T) {
	rec := NewRecorder(newStore(t), newFlakyLedger(0), fastPolicy(), nil)

	_, err := rec.History(context.Background(), "nobody")
	assert.True(t, models.IsNotFound(err))
}

func TestLatestTxID(t *testing.T) {
	a, b := "qubic_tx_a", "qubic_tx_b"
	records := []models.AuditRecord{
		{StepIndex: 1, LedgerTxID: &a},
		{StepIndex: 2, LedgerTxID: &b},
		{StepIndex: 3},
	}
	got := LatestTxID(records)
	require.NotNil(t, got)
	assert.Equal(t, b, *got)
}
