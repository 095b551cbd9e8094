package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forecourt/syncd/internal/types"
)

const selectOperationColumns = `
	SELECT id, entity_type, entity_id, operation_kind, sequence, payload,
	       origin_node_id, created_at, status, retry_count, next_attempt_at, last_error
	FROM sync_operations`

// EnqueueRequest bundles everything the enqueue transaction writes: the
// queued operation, the audit identity of the mutation, and (for offline
// credit approvals) the verification record created alongside it.
type EnqueueRequest struct {
	Op           types.SyncOperation
	ActorID      string
	StoreID      string
	StationID    string
	IsOffline    bool
	Verification *types.CreditVerification
}

// EnqueueMutation queues an operation and applies it to the local entity
// copy as a single transaction, so a crash can never leave an applied
// mutation unqueued or a queued mutation unapplied. The operation ID is
// the idempotency key: re-enqueueing an existing ID is a no-op that
// returns the same ID without touching the entity or the audit trail.
func (s *SQLiteStore) EnqueueMutation(ctx context.Context, req EnqueueRequest) (string, error) {
	op := req.Op

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM sync_operations WHERE id = ?`, op.ID).Scan(&existing)
	if err == nil {
		return existing, nil // replay of an already-queued operation
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("check operation id: %w", err)
	}

	// Sequence is per-entity monotonic, assigned here so intended order
	// survives out-of-order delivery to the orchestrator.
	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM sync_operations
		WHERE entity_type = ? AND entity_id = ?`,
		op.EntityType, op.EntityID).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("assign sequence: %w", err)
	}
	op.Sequence = seq

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_operations
			(id, entity_type, entity_id, operation_kind, sequence, payload,
			 origin_node_id, created_at, status, retry_count, next_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, '')`,
		op.ID, op.EntityType, op.EntityID, string(op.Kind), op.Sequence,
		nullablePayload(op.Payload), op.OriginNodeID,
		formatTime(op.CreatedAt), formatTime(op.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("insert operation: %w", err)
	}

	before, err := applyEntityTx(ctx, tx, op)
	if err != nil {
		return "", fmt.Errorf("apply local entity: %w", err)
	}

	audit := types.AuditLogEntry{
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Action:      types.ActionLocalApply,
		ActorID:     req.ActorID,
		StoreID:     req.StoreID,
		StationID:   req.StationID,
		BeforeValue: before,
		AfterValue:  op.Payload,
		IsOffline:   req.IsOffline,
		RecordedAt:  op.CreatedAt,
	}
	if err := insertAuditTx(ctx, tx, audit); err != nil {
		return "", fmt.Errorf("record audit entry: %w", err)
	}

	if req.Verification != nil {
		if err := insertVerificationTx(ctx, tx, *req.Verification); err != nil {
			return "", fmt.Errorf("record credit verification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return op.ID, nil
}

// DequeueBatch returns pending operations that are due, ordered by
// (entity_id, sequence) then next_attempt_at. Entities with an unresolved
// conflict are excluded entirely, and an operation is withheld while any
// earlier-sequence operation for its entity is incomplete and not itself
// due in this batch, so later writes never overtake earlier ones.
func (s *SQLiteStore) DequeueBatch(ctx context.Context, limit int) ([]types.SyncOperation, error) {
	now := formatTime(time.Now())
	rows, err := s.db.QueryContext(ctx, selectOperationColumns+`
		AS o
		WHERE o.status = 'pending' AND o.next_attempt_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM conflict_records c
			WHERE c.entity_type = o.entity_type AND c.entity_id = o.entity_id
			  AND c.resolved_at IS NULL)
		  AND NOT EXISTS (
			SELECT 1 FROM sync_operations b
			WHERE b.entity_type = o.entity_type AND b.entity_id = o.entity_id
			  AND b.status = 'conflicted')
		  AND NOT EXISTS (
			SELECT 1 FROM sync_operations p
			WHERE p.entity_type = o.entity_type AND p.entity_id = o.entity_id
			  AND p.sequence < o.sequence
			  AND p.status != 'completed'
			  AND NOT (p.status = 'pending' AND p.next_attempt_at <= ?))
		ORDER BY o.entity_id, o.sequence, o.next_attempt_at
		LIMIT ?`, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// GetOperation returns a single operation by ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*types.SyncOperation, error) {
	row := s.db.QueryRowContext(ctx, selectOperationColumns+` WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// MarkInFlight transitions a pending operation to in_flight.
func (s *SQLiteStore) MarkInFlight(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations SET status = 'in_flight'
		WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("mark in_flight: %w", err)
	}
	return nil
}

// MarkCompleted transitions an operation to completed. Completed is
// terminal; marking an already-completed operation is a no-op.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations SET status = 'completed', last_error = ''
		WHERE id = ? AND status != 'completed'`, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkConflicted parks an operation behind a pending conflict record.
// It returns to pending when the conflict is manually resolved.
func (s *SQLiteStore) MarkConflicted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations SET status = 'conflicted'
		WHERE id = ? AND status IN ('pending', 'in_flight')`, id)
	if err != nil {
		return fmt.Errorf("mark conflicted: %w", err)
	}
	return nil
}

// MarkFailed records a failed remote attempt. The operation returns to
// pending with next_attempt_at pushed out by exponential backoff, until
// retry_count exceeds the configured maximum; then it lands in failed,
// retained for audit and manual resync rather than retried automatically.
// Returns the resulting status.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, attemptErr error) (types.OperationStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var retryCount int
	err = tx.QueryRowContext(ctx, `
		SELECT retry_count FROM sync_operations WHERE id = ?`, id).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read retry count: %w", err)
	}

	msg := ""
	if attemptErr != nil {
		msg = attemptErr.Error()
	}

	newCount := retryCount + 1
	status := types.StatusPending
	nextAttempt := time.Now().Add(s.Backoff(retryCount))
	if newCount > s.opts.MaxRetries {
		status = types.StatusFailed
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		string(status), newCount, formatTime(nextAttempt), msg, id)
	if err != nil {
		return "", fmt.Errorf("mark failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return status, nil
}

// Backoff returns the delay before the attempt following retryCount
// consecutive failures: min(base * 2^retryCount, cap).
func (s *SQLiteStore) Backoff(retryCount int) time.Duration {
	d := s.opts.BackoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= s.opts.BackoffCap {
			return s.opts.BackoffCap
		}
	}
	if d > s.opts.BackoffCap {
		return s.opts.BackoffCap
	}
	return d
}

// MaxRetries exposes the configured retry bound.
func (s *SQLiteStore) MaxRetries() int {
	return s.opts.MaxRetries
}

// ResetInFlight returns operations stranded in_flight by a shutdown or
// crash to pending. Called once at startup; replays are safe because the
// remote side deduplicates on operation ID.
func (s *SQLiteStore) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, fmt.Errorf("reset in_flight: %w", err)
	}
	return res.RowsAffected()
}

// RequeueFailed is the manual resync trigger: failed operations return to
// pending with a fresh retry budget.
func (s *SQLiteStore) RequeueFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = 'pending', retry_count = 0, next_attempt_at = ?, last_error = ''
		WHERE status = 'failed'`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return res.RowsAffected()
}

// PendingCount counts operations still awaiting successful remote
// application, including failed and conflicted ones that need attention.
func (s *SQLiteStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_operations WHERE status != 'completed'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// HasFailed reports whether any operation has exhausted its retries.
func (s *SQLiteStore) HasFailed(ctx context.Context) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_operations WHERE status = 'failed'`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count failed: %w", err)
	}
	return n > 0, nil
}

func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*types.SyncOperation, error) {
	var op types.SyncOperation
	var payload sql.NullString
	var kind, status, createdAt, nextAttemptAt string

	if err := row.Scan(&op.ID, &op.EntityType, &op.EntityID, &kind, &op.Sequence,
		&payload, &op.OriginNodeID, &createdAt, &status, &op.RetryCount,
		&nextAttemptAt, &op.LastError); err != nil {
		return nil, err
	}

	op.Kind = types.OperationKind(kind)
	op.Status = types.OperationStatus(status)
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}

	var err error
	if op.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if op.NextAttemptAt, err = parseTime(nextAttemptAt); err != nil {
		return nil, fmt.Errorf("parse next_attempt_at: %w", err)
	}
	return &op, nil
}

func scanOperations(rows *sql.Rows) ([]types.SyncOperation, error) {
	ops := make([]types.SyncOperation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}
