package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forecourt/syncd/internal/types"
	"github.com/oklog/ulid/v2"
)

const insertAuditSQL = `
	INSERT INTO audit_log
		(id, entity_type, entity_id, action, actor_id, store_id, station_id,
		 before_value, after_value, is_offline, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// insertAuditTx appends one audit entry inside an existing transaction.
// An ID is assigned when the caller leaves it empty.
func insertAuditTx(ctx context.Context, tx *sql.Tx, e types.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, insertAuditSQL,
		e.ID, e.EntityType, e.EntityID, e.Action, e.ActorID, e.StoreID, e.StationID,
		nullablePayload(e.BeforeValue), nullablePayload(e.AfterValue),
		boolToInt(e.IsOffline), formatTime(e.RecordedAt))
	return err
}

// AppendAudit appends one audit entry. The trail is append-only; there is
// no update or delete path anywhere in this package.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e types.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, insertAuditSQL,
		e.ID, e.EntityType, e.EntityID, e.Action, e.ActorID, e.StoreID, e.StationID,
		nullablePayload(e.BeforeValue), nullablePayload(e.AfterValue),
		boolToInt(e.IsOffline), formatTime(e.RecordedAt))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// AuditFilter narrows ListAudit. Zero values mean "no constraint".
type AuditFilter struct {
	EntityType string
	EntityID   string
	ActorID    string
	From       time.Time
	To         time.Time
	Limit      int
}

// ListAudit returns audit entries matching the filter, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, f AuditFilter) ([]types.AuditLogEntry, error) {
	query := `
		SELECT id, entity_type, entity_id, action, actor_id, store_id, station_id,
		       before_value, after_value, is_offline, recorded_at
		FROM audit_log WHERE 1=1`
	args := make([]any, 0, 6)

	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, f.ActorID)
	}
	if !f.From.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		query += ` AND recorded_at <= ?`
		args = append(args, formatTime(f.To))
	}
	query += ` ORDER BY recorded_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]types.AuditLogEntry, 0)
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// ListAuditAfter returns audit entries with an ID greater than afterID,
// oldest first. ULIDs sort lexicographically by creation time, which makes
// the ID a natural export cursor for the archive worker.
func (s *SQLiteStore) ListAuditAfter(ctx context.Context, afterID string, limit int) ([]types.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, actor_id, store_id, station_id,
		       before_value, after_value, is_offline, recorded_at
		FROM audit_log WHERE id > ?
		ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]types.AuditLogEntry, 0)
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// SumAuditedDelta re-derives a numeric running total for one entity by
// summing the per-entry change of the named field across the audit trail.
// Used for totals like loyalty points that must never be merged directly,
// because a field-level merge of two divergent totals double-counts.
func (s *SQLiteStore) SumAuditedDelta(ctx context.Context, entityType, entityID, field string) (float64, error) {
	entries, err := s.ListAudit(ctx, AuditFilter{EntityType: entityType, EntityID: entityID})
	if err != nil {
		return 0, err
	}

	var total float64
	for _, e := range entries {
		before := numericField(e.BeforeValue, field)
		after := numericField(e.AfterValue, field)
		total += after - before
	}
	return total, nil
}

// numericField extracts a top-level numeric field from a JSON payload,
// returning 0 when absent or non-numeric.
func numericField(payload json.RawMessage, field string) float64 {
	if len(payload) == 0 {
		return 0
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return 0
	}
	raw, ok := obj[field]
	if !ok {
		return 0
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return v
}

func scanAuditEntry(rows *sql.Rows) (*types.AuditLogEntry, error) {
	var e types.AuditLogEntry
	var before, after sql.NullString
	var isOffline int
	var recordedAt string

	if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID,
		&e.StoreID, &e.StationID, &before, &after, &isOffline, &recordedAt); err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}

	if before.Valid {
		e.BeforeValue = json.RawMessage(before.String)
	}
	if after.Valid {
		e.AfterValue = json.RawMessage(after.String)
	}
	e.IsOffline = isOffline != 0

	var err error
	if e.RecordedAt, err = parseTime(recordedAt); err != nil {
		return nil, fmt.Errorf("parse recorded_at: %w", err)
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
