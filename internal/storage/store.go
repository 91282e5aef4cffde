// Package storage persists task state, approvals, audit records and embedded
// ledger entries in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rymfhm/qubic/internal/models"
)

const timeLayout = time.RFC3339Nano

// Store manages the SQLite database shared by the engine, the approval gate
// and the audit recorder.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new Store instance and initializes the database
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return openAndInitStore(dbPath)
}

func openAndInitStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: opens a separate database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// busy_timeout goes first so later statements wait on locks
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	store := &Store{db: db, dbPath: dbPath}
	if err := store.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return store, nil
}

// execWithRetry executes a statement with exponential backoff on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalJSON decodes data keeping numbers as json.Number.
func unmarshalJSON(data string, v any) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// CreateTask stores a new task together with the plan it runs.
// A task id that already exists is a state conflict.
func (s *Store) CreateTask(ctx context.Context, state *models.TaskState, plan *models.Plan) error {
	planJSON, err := marshalJSON(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	contextJSON, err := marshalJSON(state.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks
		(task_id, plan_id, plan_json, status, current_step, total_steps, context_json, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.TaskID, state.PlanID, planJSON, string(state.Status), state.CurrentStep, state.TotalSteps,
		contextJSON, state.Error, formatTime(state.CreatedAt), formatTime(state.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return models.NewStateConflictError(state.TaskID, "", "task already exists")
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// SaveTask persists the task row and its step execution records atomically.
// Records are written by position so a record at an existing index is replaced.
func (s *Store) SaveTask(ctx context.Context, state *models.TaskState) error {
	contextJSON, err := marshalJSON(state.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE tasks
		SET status = ?, current_step = ?, total_steps = ?, context_json = ?, error = ?, updated_at = ?
		WHERE task_id = ?`,
		string(state.Status), state.CurrentStep, state.TotalSteps, contextJSON, state.Error,
		formatTime(state.UpdatedAt), state.TaskID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", state.TaskID, models.ErrNotFound)
	}

	for i, record := range state.Steps {
		resultJSON, err := marshalJSON(record.Result)
		if err != nil {
			return fmt.Errorf("marshal step %s result: %w", record.StepID, err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO step_executions
			(task_id, seq, step_id, status, result_json, error, executed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, seq) DO UPDATE SET
				step_id = excluded.step_id,
				status = excluded.status,
				result_json = excluded.result_json,
				error = excluded.error,
				executed_at = excluded.executed_at`,
			state.TaskID, i+1, record.StepID, string(record.Status), resultJSON, record.Error,
			formatTime(record.ExecutedAt))
		if err != nil {
			return fmt.Errorf("upsert step execution %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task: %w", err)
	}
	return nil
}

// GetTask loads a task and its step execution records.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.TaskState, error) {
	var (
		state       models.TaskState
		status      string
		contextJSON string
		errText     sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := s.db.QueryRowContext(ctx, `SELECT task_id, plan_id, status, current_step, total_steps,
		context_json, error, created_at, updated_at FROM tasks WHERE task_id = ?`, taskID).
		Scan(&state.TaskID, &state.PlanID, &status, &state.CurrentStep, &state.TotalSteps,
			&contextJSON, &errText, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}

	state.Status = models.TaskStatus(status)
	state.Error = errText.String
	state.CreatedAt = parseTime(createdAt)
	state.UpdatedAt = parseTime(updatedAt)
	state.Context = map[string]models.StepResult{}
	if err := json.Unmarshal([]byte(contextJSON), &state.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}

	steps, err := s.listStepExecutions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	state.Steps = steps
	return &state, nil
}

func (s *Store) listStepExecutions(ctx context.Context, taskID string) ([]models.StepExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step_id, status, result_json, error, executed_at
		FROM step_executions WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	defer rows.Close()

	records := []models.StepExecutionRecord{}
	for rows.Next() {
		var (
			record     models.StepExecutionRecord
			status     string
			resultJSON sql.NullString
			errText    sql.NullString
			executedAt string
		)
		if err := rows.Scan(&record.StepID, &status, &resultJSON, &errText, &executedAt); err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		record.Status = models.StepStatus(status)
		record.Error = errText.String
		record.ExecutedAt = parseTime(executedAt)
		if resultJSON.Valid && resultJSON.String != "" && resultJSON.String != "null" {
			if err := json.Unmarshal([]byte(resultJSON.String), &record.Result); err != nil {
				return nil, fmt.Errorf("unmarshal step result: %w", err)
			}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// GetPlan loads the plan a task was created with.
func (s *Store) GetPlan(ctx context.Context, taskID string) (*models.Plan, error) {
	var planJSON string
	err := s.db.QueryRowContext(ctx, `SELECT plan_json FROM tasks WHERE task_id = ?`, taskID).Scan(&planJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query plan: %w", err)
	}

	var plan models.Plan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &plan, nil
}

// ListTasks returns snapshots of all tasks, most recently updated first.
// An empty status returns every task.
func (s *Store) ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Snapshot, error) {
	query := `SELECT task_id FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	snapshots := make([]models.Snapshot, 0, len(ids))
	for _, id := range ids {
		state, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, state.Snapshot())
	}
	return snapshots, nil
}

// CreateApproval stores a decision. A decision already stored for the same
// (task, step) gate is a state conflict and is left untouched.
func (s *Store) CreateApproval(ctx context.Context, approval *models.Approval) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO approvals (task_id, step_id, approved, reason, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		approval.TaskID, approval.StepID, approval.Approved, approval.Reason, approval.Actor,
		formatTime(approval.Timestamp))
	if err != nil {
		if isUniqueViolation(err) {
			return models.NewStateConflictError(approval.TaskID, "", fmt.Sprintf("step %s already decided", approval.StepID))
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// GetApproval returns the decision for a gate, or ErrNotFound.
func (s *Store) GetApproval(ctx context.Context, taskID, stepID string) (*models.Approval, error) {
	var (
		a         models.Approval
		reason    sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT task_id, step_id, approved, reason, actor, created_at
		FROM approvals WHERE task_id = ? AND step_id = ?`, taskID, stepID).
		Scan(&a.TaskID, &a.StepID, &a.Approved, &reason, &a.Actor, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s/%s: %w", taskID, stepID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query approval: %w", err)
	}
	a.Reason = reason.String
	a.Timestamp = parseTime(createdAt)
	return &a, nil
}

// ListApprovals returns every decision recorded for a task in creation order.
func (s *Store) ListApprovals(ctx context.Context, taskID string) ([]models.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, step_id, approved, reason, actor, created_at
		FROM approvals WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []models.Approval
	for rows.Next() {
		var (
			a         models.Approval
			reason    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&a.TaskID, &a.StepID, &a.Approved, &reason, &a.Actor, &createdAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.Reason = reason.String
		a.Timestamp = parseTime(createdAt)
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// InsertAuditRecord appends an audit record and sets its ID.
func (s *Store) InsertAuditRecord(ctx context.Context, record *models.AuditRecord) error {
	metadataJSON, err := marshalJSON(record.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	var txid sql.NullString
	if record.LedgerTxID != nil {
		txid = sql.NullString{String: *record.LedgerTxID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO audit_records
		(task_id, step_index, step_type, input_hash, output_hash, status, qubic_txid, timestamp, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TaskID, record.StepIndex, record.StepType, record.InputHash, record.OutputHash,
		record.Status, txid, formatTime(record.Timestamp), metadataJSON)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get audit record id: %w", err)
	}
	record.ID = id
	return nil
}

// SetLedgerTxID back-fills the ledger transaction id of an audit record.
// A record that already carries a transaction id is not modified.
func (s *Store) SetLedgerTxID(ctx context.Context, recordID int64, txid string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE audit_records SET qubic_txid = ?
		WHERE id = ? AND qubic_txid IS NULL`, txid, recordID)
	if err != nil {
		return fmt.Errorf("update audit txid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("audit record %d without txid: %w", recordID, models.ErrNotFound)
	}
	return nil
}

// ListAuditRecords returns a task's audit records ordered by step index.
func (s *Store) ListAuditRecords(ctx context.Context, taskID string) ([]models.AuditRecord, error) {
	return s.queryAuditRecords(ctx, `WHERE task_id = ? ORDER BY step_index ASC, id ASC`, taskID)
}

// FindAuditRecordsByHash returns the audit records whose output hash is hash.
func (s *Store) FindAuditRecordsByHash(ctx context.Context, hash string) ([]models.AuditRecord, error) {
	return s.queryAuditRecords(ctx, `WHERE output_hash = ? ORDER BY id ASC`, hash)
}

func (s *Store) queryAuditRecords(ctx context.Context, where string, args ...any) ([]models.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, step_index, step_type, input_hash, output_hash,
		status, qubic_txid, timestamp, metadata_json FROM audit_records `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var (
			r            models.AuditRecord
			txid         sql.NullString
			ts           string
			metadataJSON sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.StepIndex, &r.StepType, &r.InputHash, &r.OutputHash,
			&r.Status, &txid, &ts, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if txid.Valid {
			v := txid.String
			r.LedgerTxID = &v
		}
		r.Timestamp = parseTime(ts)
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			if err := unmarshalJSON(metadataJSON.String, &r.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PutLedgerEntry appends an entry to the embedded ledger.
func (s *Store) PutLedgerEntry(ctx context.Context, entry models.LedgerEntry) error {
	metadataJSON, err := marshalJSON(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal ledger metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO ledger_entries (txid, hash, metadata_json, timestamp)
		VALUES (?, ?, ?, ?)`, entry.TxID, entry.Hash, metadataJSON, formatTime(entry.Timestamp))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ledger entry %s: %w", entry.TxID, models.ErrStateConflict)
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// LedgerEntryByHash returns the earliest ledger entry anchoring hash.
func (s *Store) LedgerEntryByHash(ctx context.Context, hash string) (*models.LedgerEntry, error) {
	return s.queryLedgerEntry(ctx, `WHERE hash = ? ORDER BY timestamp ASC LIMIT 1`, hash)
}

// LedgerEntryByTxID returns the ledger entry with transaction id txid.
func (s *Store) LedgerEntryByTxID(ctx context.Context, txid string) (*models.LedgerEntry, error) {
	return s.queryLedgerEntry(ctx, `WHERE txid = ?`, txid)
}

func (s *Store) queryLedgerEntry(ctx context.Context, where string, arg string) (*models.LedgerEntry, error) {
	var (
		entry        models.LedgerEntry
		metadataJSON string
		ts           string
	)
	err := s.db.QueryRowContext(ctx, `SELECT txid, hash, metadata_json, timestamp FROM ledger_entries `+where, arg).
		Scan(&entry.TxID, &entry.Hash, &metadataJSON, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry %s: %w", arg, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger entry: %w", err)
	}
	if err := unmarshalJSON(metadataJSON, &entry.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal ledger metadata: %w", err)
	}
	entry.Timestamp = parseTime(ts)
	return &entry, nil
}
