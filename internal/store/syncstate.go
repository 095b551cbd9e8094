package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forecourt/syncd/internal/types"
)

// GetSyncState returns the per-node sync health record.
func (s *SQLiteStore) GetSyncState(ctx context.Context, nodeID string) (*types.SyncState, error) {
	var st types.SyncState
	var lastSync sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id, last_successful_sync_at, pending_count, last_error, status
		FROM sync_state WHERE node_id = ?`, nodeID).
		Scan(&st.NodeID, &lastSync, &st.PendingCount, &st.LastError, &st.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}
	if lastSync.Valid {
		t, err := parseTime(lastSync.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_successful_sync_at: %w", err)
		}
		st.LastSuccessfulSyncAt = &t
	}
	return &st, nil
}

// UpsertSyncState writes the node's sync health record. Called only by
// the orchestrator; everything else reads.
func (s *SQLiteStore) UpsertSyncState(ctx context.Context, st types.SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (node_id, last_successful_sync_at, pending_count, last_error, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			last_successful_sync_at = excluded.last_successful_sync_at,
			pending_count = excluded.pending_count,
			last_error = excluded.last_error,
			status = excluded.status`,
		st.NodeID, nullableTime(st.LastSuccessfulSyncAt), st.PendingCount,
		st.LastError, string(st.Status))
	if err != nil {
		return fmt.Errorf("upsert sync state: %w", err)
	}
	return nil
}
