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

// applyEntityTx performs the optimistic local apply of an operation inside
// the enqueue transaction. Creates and updates upsert the payload and stamp
// each touched field's modification time; deletes remove the row. Returns
// the entity payload as it was before the change, for the audit entry.
func applyEntityTx(ctx context.Context, tx *sql.Tx, op types.SyncOperation) (json.RawMessage, error) {
	var before sql.NullString
	var fieldTimesJSON sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT payload, field_times FROM entities
		WHERE entity_type = ? AND entity_id = ?`,
		op.EntityType, op.EntityID).Scan(&before, &fieldTimesJSON)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read entity: %w", err)
	}

	var beforeValue json.RawMessage
	if before.Valid {
		beforeValue = json.RawMessage(before.String)
	}

	if op.Kind == types.OpDelete {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM entities WHERE entity_type = ? AND entity_id = ?`,
			op.EntityType, op.EntityID); err != nil {
			return nil, fmt.Errorf("delete entity: %w", err)
		}
		return beforeValue, nil
	}

	fieldTimes, err := decodeFieldTimes(fieldTimesJSON)
	if err != nil {
		return nil, err
	}
	fieldTimes, err = stampFieldTimes(fieldTimes, op.Payload, op.CreatedAt)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeFieldTimes(fieldTimes)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities
			(entity_type, entity_id, payload, version_timestamp, version_node_id, field_times, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload,
			version_timestamp = excluded.version_timestamp,
			version_node_id = excluded.version_node_id,
			field_times = excluded.field_times,
			updated_at = excluded.updated_at`,
		op.EntityType, op.EntityID, string(op.Payload),
		formatTime(op.CreatedAt), op.OriginNodeID, encoded, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("upsert entity: %w", err)
	}
	return beforeValue, nil
}

// GetEntityVersion returns the local copy of an entity as a comparable
// version. ErrNotFound when no local copy exists.
func (s *SQLiteStore) GetEntityVersion(ctx context.Context, entityType, entityID string) (*types.EntityVersion, error) {
	var payload string
	var versionTS, versionNode string
	var fieldTimesJSON sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT payload, version_timestamp, version_node_id, field_times
		FROM entities WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&payload, &versionTS, &versionNode, &fieldTimesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}

	ts, err := parseTime(versionTS)
	if err != nil {
		return nil, fmt.Errorf("parse version_timestamp: %w", err)
	}
	fieldTimes, err := decodeFieldTimes(fieldTimesJSON)
	if err != nil {
		return nil, err
	}

	return &types.EntityVersion{
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    json.RawMessage(payload),
		Timestamp:  ts,
		NodeID:     versionNode,
		FieldTimes: fieldTimes,
	}, nil
}

// PutEntityVersion overwrites the local entity copy with a resolved
// version and writes the accompanying audit entry in one transaction.
func (s *SQLiteStore) PutEntityVersion(ctx context.Context, v types.EntityVersion, audit types.AuditLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	encoded, err := encodeFieldTimes(v.FieldTimes)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities
			(entity_type, entity_id, payload, version_timestamp, version_node_id, field_times, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload,
			version_timestamp = excluded.version_timestamp,
			version_node_id = excluded.version_node_id,
			field_times = excluded.field_times,
			updated_at = excluded.updated_at`,
		v.EntityType, v.EntityID, string(v.Payload),
		formatTime(v.Timestamp), v.NodeID, encoded, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}

	if err := insertAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// stampFieldTimes records t as the modification time of every top-level
// field present in payload. Non-object payloads carry no field times.
func stampFieldTimes(existing map[string]time.Time, payload json.RawMessage, t time.Time) (map[string]time.Time, error) {
	if len(payload) == 0 {
		return existing, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return existing, nil //nolint:nilerr // scalar payloads have no per-field times
	}
	if existing == nil {
		existing = make(map[string]time.Time, len(fields))
	}
	for name := range fields {
		existing[name] = t.UTC()
	}
	return existing, nil
}

func decodeFieldTimes(col sql.NullString) (map[string]time.Time, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(col.String), &raw); err != nil {
		return nil, fmt.Errorf("decode field_times: %w", err)
	}
	out := make(map[string]time.Time, len(raw))
	for name, v := range raw {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse field time %q: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func encodeFieldTimes(times map[string]time.Time) (any, error) {
	if len(times) == 0 {
		return nil, nil
	}
	raw := make(map[string]string, len(times))
	for name, t := range times {
		raw[name] = t.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode field_times: %w", err)
	}
	return string(data), nil
}
