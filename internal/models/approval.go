package models

import "time"

// Approval is a human decision for one gated step. It is written once and
// never modified.
type Approval struct {
	TaskID    string    `json:"task_id"`
	StepID    string    `json:"step_id"`
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditRecord is the local, append-only audit entry of one executed step.
// LedgerTxID is the only field filled in after creation and stays nil when
// ledger submission never succeeded.
type AuditRecord struct {
	ID         int64          `json:"id"`
	TaskID     string         `json:"task_id"`
	StepIndex  int            `json:"step_index"`
	StepType   string         `json:"step_type"`
	InputHash  string         `json:"input_hash"`
	OutputHash string         `json:"output_hash"`
	Status     string         `json:"status"`
	LedgerTxID *string        `json:"qubic_txid"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AuditStatusRecorded is the local status of every stored audit record.
const AuditStatusRecorded = "recorded"

// Anchored reports whether the record carries a ledger transaction id.
func (r AuditRecord) Anchored() bool {
	return r.LedgerTxID != nil && *r.LedgerTxID != ""
}
