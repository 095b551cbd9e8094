package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forecourt/syncd/internal/types"
	"github.com/oklog/ulid/v2"
)

const selectConflictColumns = `
	SELECT id, entity_type, entity_id, local_version, remote_version,
	       strategy_used, resolved_value, auto_resolved, detected_at, resolved_at
	FROM conflict_records`

// InsertConflict persists a conflict record. Every resolver invocation
// produces one, resolved or not, so the audit trail stays complete.
func (s *SQLiteStore) InsertConflict(ctx context.Context, rec types.ConflictRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_records
			(id, entity_type, entity_id, local_version, remote_version,
			 strategy_used, resolved_value, auto_resolved, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntityType, rec.EntityID,
		string(rec.LocalVersion), string(rec.RemoteVersion),
		string(rec.StrategyUsed), nullablePayload(rec.ResolvedValue),
		boolToInt(rec.AutoResolved), formatTime(rec.DetectedAt),
		nullableTime(rec.ResolvedAt))
	if err != nil {
		return "", fmt.Errorf("insert conflict record: %w", err)
	}
	return rec.ID, nil
}

// GetConflict returns one conflict record by ID.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*types.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, selectConflictColumns+` WHERE id = ?`, id)
	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return rec, nil
}

// ListConflicts returns conflict records, newest first. When pendingOnly
// is set, only records awaiting manual resolution are returned.
func (s *SQLiteStore) ListConflicts(ctx context.Context, pendingOnly bool) ([]types.ConflictRecord, error) {
	query := selectConflictColumns
	if pendingOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	records := make([]types.ConflictRecord, 0)
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ResolveConflictManually finalizes a pending conflict with the value a
// human chose: the record becomes immutable, the local entity copy takes
// the chosen value, the change is audited, and operations parked behind
// the conflict return to pending so the next cycle pushes the choice out.
func (s *SQLiteStore) ResolveConflictManually(ctx context.Context, id string, chosenValue json.RawMessage, actorID, storeID, nodeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectConflictColumns+` WHERE id = ?`, id)
	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get conflict: %w", err)
	}
	if rec.ResolvedAt != nil {
		return ErrConflictResolved
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE conflict_records
		SET resolved_value = ?, resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL`,
		string(chosenValue), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("finalize conflict: %w", err)
	}

	var before sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT payload FROM entities WHERE entity_type = ? AND entity_id = ?`,
		rec.EntityType, rec.EntityID).Scan(&before)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read entity: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities
			(entity_type, entity_id, payload, version_timestamp, version_node_id, field_times, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload,
			version_timestamp = excluded.version_timestamp,
			version_node_id = excluded.version_node_id,
			updated_at = excluded.updated_at`,
		rec.EntityType, rec.EntityID, string(chosenValue),
		formatTime(now), nodeID, formatTime(now))
	if err != nil {
		return fmt.Errorf("apply chosen value: %w", err)
	}

	audit := types.AuditLogEntry{
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Action:     types.ActionManualResolution,
		ActorID:    actorID,
		StoreID:    storeID,
		AfterValue: chosenValue,
		RecordedAt: now,
	}
	if before.Valid {
		audit.BeforeValue = json.RawMessage(before.String)
	}
	if err := insertAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}

	// Unpark operations blocked behind this conflict.
	_, err = tx.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = 'pending', next_attempt_at = ?
		WHERE entity_type = ? AND entity_id = ? AND status = 'conflicted'`,
		formatTime(now), rec.EntityType, rec.EntityID)
	if err != nil {
		return fmt.Errorf("unpark conflicted operations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func scanConflict(row rowScanner) (*types.ConflictRecord, error) {
	var rec types.ConflictRecord
	var local, remote string
	var resolved sql.NullString
	var strategy, detectedAt string
	var resolvedAt sql.NullString
	var auto int

	if err := row.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &local, &remote,
		&strategy, &resolved, &auto, &detectedAt, &resolvedAt); err != nil {
		return nil, err
	}

	rec.LocalVersion = json.RawMessage(local)
	rec.RemoteVersion = json.RawMessage(remote)
	rec.StrategyUsed = types.ResolutionStrategy(strategy)
	rec.AutoResolved = auto != 0
	if resolved.Valid {
		rec.ResolvedValue = json.RawMessage(resolved.String)
	}

	var err error
	if rec.DetectedAt, err = parseTime(detectedAt); err != nil {
		return nil, fmt.Errorf("parse detected_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse resolved_at: %w", err)
		}
		rec.ResolvedAt = &t
	}
	return &rec, nil
}
