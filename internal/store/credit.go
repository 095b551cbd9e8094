package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forecourt/syncd/internal/types"
	"github.com/oklog/ulid/v2"
)

const selectVerificationColumns = `
	SELECT id, transaction_id, account_id, offline_approved_amount,
	       snapshot_balance, credit_limit, verified, verification_outcome,
	       created_at, verified_at
	FROM credit_verifications`

// insertVerificationTx writes a verification record inside an existing
// transaction (the enqueue transaction, for offline approvals).
func insertVerificationTx(ctx context.Context, tx *sql.Tx, v types.CreditVerification) error {
	if v.ID == "" {
		v.ID = ulid.Make().String()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_verifications
			(id, transaction_id, account_id, offline_approved_amount,
			 snapshot_balance, credit_limit, verified, verification_outcome,
			 created_at, verified_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, '', ?, NULL)`,
		v.ID, v.TransactionID, v.AccountID, v.OfflineApprovedAmount,
		v.SnapshotBalance, v.CreditLimit, formatTime(v.CreatedAt))
	return err
}

// UnverifiedVerifications returns verification records still awaiting
// re-check, in creation order. Order matters: re-verification accumulates
// offline charges against the authoritative balance as they happened.
func (s *SQLiteStore) UnverifiedVerifications(ctx context.Context) ([]types.CreditVerification, error) {
	rows, err := s.db.QueryContext(ctx, selectVerificationColumns+`
		WHERE verified IS NULL ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unverified: %w", err)
	}
	defer rows.Close()
	return scanVerifications(rows)
}

// ListFlaggedCredit returns verifications flagged for back-office review:
// exceeded or unknown outcomes. Optional account filter.
func (s *SQLiteStore) ListFlaggedCredit(ctx context.Context, accountID string) ([]types.CreditVerification, error) {
	query := selectVerificationColumns + ` WHERE verification_outcome IN ('exceeded', 'unknown')`
	args := []any{}
	if accountID != "" {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flagged credit: %w", err)
	}
	defer rows.Close()
	return scanVerifications(rows)
}

// FinalizeVerification records the re-verification outcome. Verified moves
// exactly once, from NULL to the given value; finalizing an already
// finalized record returns ErrAlreadyVerified so the transition can never
// run backward.
func (s *SQLiteStore) FinalizeVerification(ctx context.Context, id string, verified bool, outcome types.VerificationOutcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_verifications
		SET verified = ?, verification_outcome = ?, verified_at = ?
		WHERE id = ? AND verified IS NULL`,
		boolToInt(verified), string(outcome), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("finalize verification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize verification: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM credit_verifications WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("finalize verification: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrAlreadyVerified
	}
	return nil
}

// GetAccountSnapshot returns the last credit position synchronized from
// the authoritative source for the given account.
func (s *SQLiteStore) GetAccountSnapshot(ctx context.Context, accountID string) (*types.AccountSnapshot, error) {
	var snap types.AccountSnapshot
	var syncedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, snapshot_balance, credit_limit, synced_at
		FROM account_snapshots WHERE account_id = ?`, accountID).
		Scan(&snap.AccountID, &snap.SnapshotBalance, &snap.CreditLimit, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account snapshot: %w", err)
	}
	if snap.SyncedAt, err = parseTime(syncedAt); err != nil {
		return nil, fmt.Errorf("parse synced_at: %w", err)
	}
	return &snap, nil
}

// PutAccountSnapshot refreshes the stored credit position for an account.
func (s *SQLiteStore) PutAccountSnapshot(ctx context.Context, snap types.AccountSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_snapshots (account_id, snapshot_balance, credit_limit, synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			snapshot_balance = excluded.snapshot_balance,
			credit_limit = excluded.credit_limit,
			synced_at = excluded.synced_at`,
		snap.AccountID, snap.SnapshotBalance, snap.CreditLimit, formatTime(snap.SyncedAt))
	if err != nil {
		return fmt.Errorf("put account snapshot: %w", err)
	}
	return nil
}

// ListSnapshotAccounts returns the IDs of all accounts with a stored
// snapshot, for the post-sync refresh pass.
func (s *SQLiteStore) ListSnapshotAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id FROM account_snapshots ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list snapshot accounts: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PendingOfflineCharges sums the approved amounts of unverified offline
// charges for an account. The guard counts these toward the running total
// so a second offline charge cannot ride on a stale snapshot.
func (s *SQLiteStore) PendingOfflineCharges(ctx context.Context, accountID string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(offline_approved_amount) FROM credit_verifications
		WHERE account_id = ? AND verified IS NULL`, accountID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum pending charges: %w", err)
	}
	return total.Int64, nil
}

func scanVerifications(rows *sql.Rows) ([]types.CreditVerification, error) {
	out := make([]types.CreditVerification, 0)
	for rows.Next() {
		var v types.CreditVerification
		var verified sql.NullInt64
		var outcome, createdAt string
		var verifiedAt sql.NullString

		if err := rows.Scan(&v.ID, &v.TransactionID, &v.AccountID,
			&v.OfflineApprovedAmount, &v.SnapshotBalance, &v.CreditLimit,
			&verified, &outcome, &createdAt, &verifiedAt); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}

		if verified.Valid {
			b := verified.Int64 != 0
			v.Verified = &b
		}
		v.VerificationOutcome = types.VerificationOutcome(outcome)

		var err error
		if v.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if verifiedAt.Valid {
			t, err := parseTime(verifiedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse verified_at: %w", err)
			}
			v.VerifiedAt = &t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
