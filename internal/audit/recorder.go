// Package audit records tamper-evident audit entries for executed steps.
//
// Each entry stores the hashes of a step's input and output locally first and
// then anchors the output hash in the ledger. Ledger failures never undo the
// local record; the record simply stays without a transaction id.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rymfhm/qubic/internal/digest"
	"github.com/rymfhm/qubic/internal/ledger"
	"github.com/rymfhm/qubic/internal/models"
)

// Store is the persistence the recorder needs.
type Store interface {
	InsertAuditRecord(ctx context.Context, record *models.AuditRecord) error
	SetLedgerTxID(ctx context.Context, recordID int64, txid string) error
	ListAuditRecords(ctx context.Context, taskID string) ([]models.AuditRecord, error)
}

// Logger is the logging the recorder needs.
type Logger interface {
	LogDebug(message string)
	LogWarn(message string)
}

// RetryPolicy controls ledger submission. Attempt n (0-based) that fails and
// is not the last waits BaseDelay*2^n, randomized by Jitter, before the next.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      float64
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns three attempts with one second base delay and no jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Jitter:      0,
		CallTimeout: 5 * time.Second,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	// never cap the doubling
	b.MaxInterval = p.BaseDelay << uint(max(p.MaxAttempts, 1))
	b.Reset()
	return b
}

// Recorder hashes, stores and anchors audit records.
type Recorder struct {
	store  Store
	ledger ledger.Client
	policy RetryPolicy
	logger Logger
	tracer trace.Tracer
}

// NewRecorder creates a Recorder. A nil logger discards messages.
func NewRecorder(store Store, client ledger.Client, policy RetryPolicy, logger Logger) *Recorder {
	if store == nil {
		panic("audit: store cannot be nil")
	}
	if client == nil {
		panic("audit: ledger client cannot be nil")
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Recorder{
		store:  store,
		ledger: client,
		policy: policy,
		logger: logger,
		tracer: otel.Tracer("github.com/rymfhm/qubic/internal/audit"),
	}
}

// Record stores an audit record for one step and submits its output hash to
// the ledger. The record is returned even when the ledger could not be
// reached; LedgerTxID is nil in that case. Only hashing or local storage
// failures return an error.
func (r *Recorder) Record(ctx context.Context, taskID string, stepIndex int, stepType string, input, output any) (*models.AuditRecord, error) {
	ctx, span := r.tracer.Start(ctx, "audit.record", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.Int("step.index", stepIndex),
		attribute.String("step.type", stepType),
	))
	defer span.End()

	inputHash, err := digest.Hash(input)
	if err != nil {
		return nil, fmt.Errorf("hash input: %w", err)
	}
	outputHash, err := digest.Hash(output)
	if err != nil {
		return nil, fmt.Errorf("hash output: %w", err)
	}

	metadata := map[string]any{}
	for key, v := range map[string]any{"input_data": input, "output_data": output} {
		data, err := generic(v)
		if err != nil {
			r.logger.LogWarn(fmt.Sprintf("audit: task %s step %d: keep %s: %v", taskID, stepIndex, key, err))
		}
		metadata[key] = data
	}

	record := &models.AuditRecord{
		TaskID:     taskID,
		StepIndex:  stepIndex,
		StepType:   stepType,
		InputHash:  inputHash,
		OutputHash: outputHash,
		Status:     models.AuditStatusRecorded,
		Timestamp:  time.Now().UTC(),
		Metadata:   metadata,
	}

	// Local record first; the ledger is only ever back-filled
	if err := r.store.InsertAuditRecord(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store audit record")
		return nil, fmt.Errorf("store audit record: %w", err)
	}

	entry := map[string]any{
		"task_id":    taskID,
		"step_index": stepIndex,
		"step_type":  stepType,
		"input_hash": inputHash,
		"timestamp":  record.Timestamp.Format(time.RFC3339Nano),
	}

	receipt, attempts, err := r.submit(ctx, outputHash, entry)
	span.SetAttributes(attribute.Int("ledger.attempts", attempts))
	if err != nil {
		span.SetAttributes(attribute.Bool("ledger.anchored", false))
		r.logger.LogWarn(fmt.Sprintf("audit: task %s step %d not anchored after %d attempts: %v",
			taskID, stepIndex, attempts, err))
		return record, nil
	}

	if err := r.store.SetLedgerTxID(ctx, record.ID, receipt.TxID); err != nil {
		r.logger.LogWarn(fmt.Sprintf("audit: task %s step %d: back-fill txid %s: %v",
			taskID, stepIndex, receipt.TxID, err))
		return record, nil
	}
	txid := receipt.TxID
	record.LedgerTxID = &txid
	span.SetAttributes(attribute.Bool("ledger.anchored", true), attribute.String("ledger.txid", txid))
	r.logger.LogDebug(fmt.Sprintf("audit: task %s step %d anchored as %s", taskID, stepIndex, txid))

	return record, nil
}

// submit writes to the ledger under the retry policy and reports how many
// attempts were made.
func (r *Recorder) submit(ctx context.Context, hash string, metadata map[string]any) (ledger.Receipt, int, error) {
	attempts := 0
	operation := func() (ledger.Receipt, error) {
		attempts++
		callCtx := ctx
		if r.policy.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
			defer cancel()
		}
		return r.ledger.Write(callCtx, hash, metadata)
	}

	notify := func(err error, wait time.Duration) {
		r.logger.LogDebug(fmt.Sprintf("audit: ledger attempt %d failed, retrying in %s: %v", attempts, wait, err))
	}

	receipt, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.policy.backOff()),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	return receipt, attempts, err
}

// History returns a task's audit records ordered by step index. A task with
// no records is reported as not found.
func (r *Recorder) History(ctx context.Context, taskID string) ([]models.AuditRecord, error) {
	records, err := r.store.ListAuditRecords(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("audit trail for task %s: %w", taskID, models.ErrNotFound)
	}
	return records, nil
}

// Verify asks the ledger whether hash is anchored.
func (r *Recorder) Verify(ctx context.Context, hash string) (ledger.Verification, error) {
	callCtx := ctx
	if r.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
		defer cancel()
	}
	return r.ledger.Verify(callCtx, hash)
}

// LatestTxID returns the transaction id of the last anchored record, or nil.
func LatestTxID(records []models.AuditRecord) *string {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Anchored() {
			txid := *records[i].LedgerTxID
			return &txid
		}
	}
	return nil
}

// generic converts v to plain JSON values so metadata round-trips through
// storage unchanged. Numbers stay json.Number so large integers keep every digit.
func generic(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

type nopLogger struct{}

func (nopLogger) LogDebug(string) {}

func (nopLogger) LogWarn(string) {}
