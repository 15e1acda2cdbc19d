package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite. Readers go straight to the
// connection pool; writers for the same execution serialize on a
// per-execution mutex on top of SQLite's own write lock.
type SQLiteStore struct {
	db *sql.DB

	mu         sync.Mutex
	execLocks  map[string]*sync.Mutex
	seqNumbers map[string]int64 // execution_id -> next transition sequence
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at dbPath.
// Pass ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/flowmesh.db"
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// WAL mode for concurrent readers during writes
	db, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	store := &SQLiteStore{
		db:         db,
		execLocks:  make(map[string]*sync.Mutex),
		seqNumbers: make(map[string]int64),
	}

	if err := store.loadSequenceNumbers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence numbers: %w", err)
	}

	log.Printf("[State] SQLite store initialized at %s", dbPath)
	return store, nil
}

func (s *SQLiteStore) loadSequenceNumbers() error {
	rows, err := s.db.Query(`SELECT execution_id, MAX(sequence_num) FROM transition_log GROUP BY execution_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var execID string
		var maxSeq int64
		if err := rows.Scan(&execID, &maxSeq); err != nil {
			return err
		}
		s.seqNumbers[execID] = maxSeq + 1
	}
	return rows.Err()
}

func (s *SQLiteStore) lockFor(executionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.execLocks[executionID]
	if !ok {
		l = &sync.Mutex{}
		s.execLocks[executionID] = l
	}
	return l
}

func (s *SQLiteStore) nextSeqNum(executionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seqNumbers[executionID]
	s.seqNumbers[executionID] = seq + 1
	return seq
}

// Create persists a new execution in its initial status.
func (s *SQLiteStore) Create(ctx context.Context, exec *Execution) error {
	lock := s.lockFor(exec.ID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE id = ?`, exec.ID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, exec.ID)
	}

	progressJSON, err := json.Marshal(exec.Progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	metadataJSON, err := json.Marshal(exec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, tenant_id, status, started_at, input, progress, metadata, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.WorkflowID, exec.TenantID, string(exec.Status), exec.StartedAt,
		nullableJSON(exec.Input), string(progressJSON), string(metadataJSON), exec.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	if err := s.appendTransition(ctx, tx, exec.ID, "", 0, "", string(exec.Status), "created"); err != nil {
		return err
	}

	return tx.Commit()
}

// Transition compare-and-sets the execution status atomically with the
// patch. The transition log entry rides in the same transaction.
func (s *SQLiteStore) Transition(ctx context.Context, executionID string, fromSet []ExecutionStatus, to ExecutionStatus, patch *Patch) error {
	lock := s.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, executionID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	if err != nil {
		return err
	}

	allowed := false
	for _, from := range fromSet {
		if ExecutionStatus(current) == from {
			allowed = true
			break
		}
	}
	if !allowed || !validExecutionTransition(ExecutionStatus(current), to) {
		return fmt.Errorf("%w: execution %s: %s -> %s", ErrInvalidTransition, executionID, current, to)
	}

	query := `UPDATE executions SET status = ?, updated_at = CURRENT_TIMESTAMP`
	args := []interface{}{string(to)}

	detail := ""
	if patch != nil {
		if patch.Error != "" {
			query += `, error = ?`
			args = append(args, patch.Error)
			detail = patch.Error
		}
		if patch.Result != nil {
			query += `, result = ?`
			args = append(args, string(patch.Result))
		}
		if patch.Progress != nil {
			progressJSON, err := json.Marshal(patch.Progress)
			if err != nil {
				return fmt.Errorf("failed to encode progress: %w", err)
			}
			query += `, progress = ?`
			args = append(args, string(progressJSON))
		}
		if patch.FinishedAt != nil {
			query += `, finished_at = ?`
			args = append(args, *patch.FinishedAt)
		}
		if patch.Metadata != nil {
			metadataJSON, err := json.Marshal(patch.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata: %w", err)
			}
			query += `, metadata = ?`
			args = append(args, string(metadataJSON))
		}
	}
	query += ` WHERE id = ?`
	args = append(args, executionID)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	if err := s.appendTransition(ctx, tx, executionID, "", 0, current, string(to), detail); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateProgress writes the live progress counters for a RUNNING execution.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, executionID string, progress Progress) error {
	lock := s.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET progress = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, string(progressJSON), executionID, string(ExecutionRunning))
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: execution %s is not running", ErrInvalidTransition, executionID)
	}
	return nil
}

// UpsertNode writes a node record keyed by (execution, node, attempt). The
// status edge is validated against the stored record for the same key; new
// attempts start fresh.
func (s *SQLiteStore) UpsertNode(ctx context.Context, executionID string, node *NodeExecution) error {
	lock := s.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanNodeExecution(tx.QueryRowContext(ctx, `
		SELECT execution_id, node_id, attempt, status, input, output, error, error_kind, started_at, finished_at, dependencies, dependents
		FROM node_executions
		WHERE execution_id = ? AND node_id = ? AND attempt = ?
	`, executionID, node.NodeID, node.Attempt))
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	current := ""
	if err == nil {
		if terr := CheckNodeTransition(node.NodeID, existing.Status, node.Status); terr != nil {
			return terr
		}
		current = string(existing.Status)
		mergeNodeRecord(node, existing)
	}

	depsJSON, err := json.Marshal(node.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	dependentsJSON, err := json.Marshal(node.Dependents)
	if err != nil {
		return fmt.Errorf("failed to encode dependents: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO node_executions (execution_id, node_id, attempt, status, input, output, error, error_kind, started_at, finished_at, dependencies, dependents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, node_id, attempt) DO UPDATE SET
			status = excluded.status,
			input = excluded.input,
			output = excluded.output,
			error = excluded.error,
			error_kind = excluded.error_kind,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = CURRENT_TIMESTAMP
	`, executionID, node.NodeID, node.Attempt, string(node.Status),
		nullableJSON(node.Input), nullableJSON(node.Output), node.Error, node.ErrorKind,
		nullableTime(node.StartedAt), nullableTime(node.FinishedAt),
		string(depsJSON), string(dependentsJSON))
	if err != nil {
		return fmt.Errorf("failed to upsert node execution: %w", err)
	}

	if err := s.appendTransition(ctx, tx, executionID, node.NodeID, node.Attempt, current, string(node.Status), node.Error); err != nil {
		return err
	}

	return tx.Commit()
}

// GetSnapshot returns the execution and its node records in one transaction.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, executionID string) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exec, err := scanExecution(tx.QueryRowContext(ctx, `
		SELECT id, workflow_id, tenant_id, status, started_at, finished_at, input, result, error, progress, metadata, correlation_id, cancel_requested
		FROM executions WHERE id = ?
	`, executionID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT execution_id, node_id, attempt, status, input, output, error, error_kind, started_at, finished_at, dependencies, dependents
		FROM node_executions
		WHERE execution_id = ?
		ORDER BY node_id, attempt
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeExecution
	for rows.Next() {
		node, err := scanNodeExecution(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Snapshot{Execution: exec, Nodes: nodes}, nil
}

// ListRunning returns ids of executions last seen RUNNING.
func (s *SQLiteStore) ListRunning(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM executions WHERE status = ? ORDER BY started_at`, string(ExecutionRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RequestCancel flips the cancellation intent flag. Idempotent; a no-op on
// terminal executions.
func (s *SQLiteStore) RequestCancel(ctx context.Context, executionID string) error {
	lock := s.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, executionID, string(ExecutionCompleted), string(ExecutionFailed), string(ExecutionCancelled))
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either unknown or already terminal; distinguish for callers.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE id = ?`, executionID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, executionID)
		}
	}
	return nil
}

// History returns the ordered transition log for an execution.
func (s *SQLiteStore) History(ctx context.Context, executionID string) ([]*TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_num, execution_id, node_id, attempt, from_status, to_status, detail, created_at
		FROM transition_log
		WHERE execution_id = ?
		ORDER BY sequence_num
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TransitionRecord
	for rows.Next() {
		var r TransitionRecord
		if err := rows.Scan(&r.Seq, &r.ExecutionID, &r.NodeID, &r.Attempt, &r.FromStatus, &r.ToStatus, &r.Detail, &r.At); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) appendTransition(ctx context.Context, tx *sql.Tx, executionID, nodeID string, attempt int, from, to, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transition_log (execution_id, node_id, attempt, from_status, to_status, detail, sequence_num)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, executionID, nodeID, attempt, from, to, detail, s.nextSeqNum(executionID))
	if err != nil {
		return fmt.Errorf("failed to append transition log: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var status string
	var finishedAt sql.NullTime
	var input, result sql.NullString
	var progressJSON, metadataJSON string
	var cancelRequested int

	err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.TenantID, &status, &exec.StartedAt,
		&finishedAt, &input, &result, &exec.Error, &progressJSON, &metadataJSON,
		&exec.CorrelationID, &cancelRequested)
	if err != nil {
		return nil, err
	}

	exec.Status = ExecutionStatus(status)
	exec.CancelRequested = cancelRequested != 0
	if finishedAt.Valid {
		t := finishedAt.Time
		exec.FinishedAt = &t
	}
	if input.Valid && input.String != "" {
		exec.Input = json.RawMessage(input.String)
	}
	if result.Valid && result.String != "" {
		exec.Result = json.RawMessage(result.String)
	}
	if err := json.Unmarshal([]byte(progressJSON), &exec.Progress); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &exec.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	return &exec, nil
}

func scanNodeExecution(row rowScanner) (*NodeExecution, error) {
	var node NodeExecution
	var status string
	var input, output sql.NullString
	var startedAt, finishedAt sql.NullTime
	var depsJSON, dependentsJSON string

	err := row.Scan(&node.ExecutionID, &node.NodeID, &node.Attempt, &status,
		&input, &output, &node.Error, &node.ErrorKind, &startedAt, &finishedAt,
		&depsJSON, &dependentsJSON)
	if err != nil {
		return nil, err
	}

	node.Status = NodeStatus(status)
	if input.Valid && input.String != "" {
		node.Input = json.RawMessage(input.String)
	}
	if output.Valid && output.String != "" {
		node.Output = json.RawMessage(output.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		node.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		node.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(depsJSON), &node.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(dependentsJSON), &node.Dependents); err != nil {
		return nil, fmt.Errorf("failed to decode dependents: %w", err)
	}

	return &node, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
