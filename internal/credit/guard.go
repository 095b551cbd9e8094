// Package credit implements the offline credit-limit guard and the
// post-reconnection re-verification of offline approvals.
package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forecourt/syncd/internal/remote"
	"github.com/forecourt/syncd/internal/store"
	"github.com/forecourt/syncd/internal/types"
)

// ErrNoSnapshot is returned when no balance has ever been synchronized
// for the account; the guard denies rather than guess.
var ErrNoSnapshot = errors.New("no synchronized balance for account")

// SnapshotStore is the slice of the store the guard reads.
type SnapshotStore interface {
	GetAccountSnapshot(ctx context.Context, accountID string) (*types.AccountSnapshot, error)
	PendingOfflineCharges(ctx context.Context, accountID string) (int64, error)
}

// Guard approves or denies credit charges against the last balance
// synchronized from the authoritative source. It never approves over the
// limit: when in doubt it denies, because a denied sale can be re-rung
// but an over-limit charge may be unrecoverable.
type Guard struct {
	store SnapshotStore
}

// NewGuard creates a guard over the given snapshot store.
func NewGuard(s SnapshotStore) *Guard {
	return &Guard{store: s}
}

// Decision is the guard's verdict, carrying the inputs it was made from
// so every offline approval is reproducible from its own record.
type Decision struct {
	Approved        bool
	SnapshotBalance int64
	CreditLimit     int64
	PendingCharges  int64
}

// Check decides whether a charge of amount (integer cents) against the
// account fits within the credit limit. Unverified offline charges already
// in the queue count toward the running total, so a second offline charge
// cannot ride on a stale snapshot.
func (g *Guard) Check(ctx context.Context, accountID string, amount int64) (Decision, error) {
	snap, err := g.store.GetAccountSnapshot(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return Decision{}, ErrNoSnapshot
	}
	if err != nil {
		return Decision{}, fmt.Errorf("read account snapshot: %w", err)
	}

	pending, err := g.store.PendingOfflineCharges(ctx, accountID)
	if err != nil {
		return Decision{}, fmt.Errorf("sum pending charges: %w", err)
	}

	d := Decision{
		SnapshotBalance: snap.SnapshotBalance,
		CreditLimit:     snap.CreditLimit,
		PendingCharges:  pending,
	}
	d.Approved = snap.SnapshotBalance+pending+amount <= snap.CreditLimit
	return d, nil
}

// NewVerification builds the CreditVerification recorded alongside an
// offline approval, with Verified unset until the sync loop re-checks it.
func NewVerification(transactionID, accountID string, amount int64, d Decision, at time.Time) *types.CreditVerification {
	return &types.CreditVerification{
		ID:                    ulid.Make().String(),
		TransactionID:         transactionID,
		AccountID:             accountID,
		OfflineApprovedAmount: amount,
		SnapshotBalance:       d.SnapshotBalance,
		CreditLimit:           d.CreditLimit,
		CreatedAt:             at,
	}
}

// VerificationStore is the slice of the store re-verification writes.
type VerificationStore interface {
	UnverifiedVerifications(ctx context.Context) ([]types.CreditVerification, error)
	FinalizeVerification(ctx context.Context, id string, verified bool, outcome types.VerificationOutcome) error
	AppendAudit(ctx context.Context, e types.AuditLogEntry) error
}

// BalanceReader reads the authoritative credit position of an account.
type BalanceReader interface {
	AccountBalance(ctx context.Context, accountID string) (*types.AccountSnapshot, error)
}

// Reverifier re-checks offline approvals against the authoritative
// balance once connectivity returns.
type Reverifier struct {
	store     VerificationStore
	authority BalanceReader
	storeID   string
}

// NewReverifier creates a re-verifier writing flag audits under storeID.
func NewReverifier(s VerificationStore, a BalanceReader, storeID string) *Reverifier {
	return &Reverifier{store: s, authority: a, storeID: storeID}
}

// Run walks unverified records in creation order, accumulating each
// account's offline charges on top of its authoritative balance. A charge
// that would have pushed the running total over the limit is marked
// exceeded and flagged for manual review, never reversed, because the
// underlying sale may already be physically fulfilled. Returns the number
// of flagged records.
func (r *Reverifier) Run(ctx context.Context) (int, error) {
	records, err := r.store.UnverifiedVerifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unverified: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	running := make(map[string]int64)     // accountID → balance + applied offline charges
	limits := make(map[string]int64)      // accountID → authoritative limit
	unreachable := make(map[string]error) // accounts whose balance read failed this pass

	var flagged int
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return flagged, err
		}
		if _, skip := unreachable[rec.AccountID]; skip {
			continue
		}

		if _, ok := running[rec.AccountID]; !ok {
			snap, err := r.authority.AccountBalance(ctx, rec.AccountID)
			if errors.Is(err, remote.ErrAccountNotFound) {
				// The authority no longer knows this account. The decision
				// can never be re-checked, so flag it for a human.
				if err := r.finalize(ctx, rec, false, types.OutcomeUnknown); err != nil {
					return flagged, err
				}
				flagged++
				continue
			}
			if err != nil {
				// Transient: leave the whole account's records unverified
				// for the next cycle.
				unreachable[rec.AccountID] = err
				slog.Warn("balance read failed, deferring verification",
					"component", "credit",
					"account_id", rec.AccountID,
					"error", err,
				)
				continue
			}
			running[rec.AccountID] = snap.SnapshotBalance
			limits[rec.AccountID] = snap.CreditLimit
		}

		total := running[rec.AccountID] + rec.OfflineApprovedAmount
		if total > limits[rec.AccountID] {
			if err := r.finalize(ctx, rec, false, types.OutcomeExceeded); err != nil {
				return flagged, err
			}
			flagged++
			// The charge happened regardless; it still occupies the balance
			// for every later offline charge being verified.
			running[rec.AccountID] = total
			continue
		}

		if err := r.store.FinalizeVerification(ctx, rec.ID, true, types.OutcomeOK); err != nil {
			return flagged, fmt.Errorf("finalize verification %s: %w", rec.ID, err)
		}
		running[rec.AccountID] = total
	}
	return flagged, nil
}

func (r *Reverifier) finalize(ctx context.Context, rec types.CreditVerification, verified bool, outcome types.VerificationOutcome) error {
	if err := r.store.FinalizeVerification(ctx, rec.ID, verified, outcome); err != nil {
		return fmt.Errorf("finalize verification %s: %w", rec.ID, err)
	}

	detail, _ := json.Marshal(map[string]any{
		"verification_id": rec.ID,
		"transaction_id":  rec.TransactionID,
		"account_id":      rec.AccountID,
		"amount":          rec.OfflineApprovedAmount,
		"outcome":         string(outcome),
	})
	audit := types.AuditLogEntry{
		EntityType: "credit_transaction",
		EntityID:   rec.TransactionID,
		Action:     types.ActionCreditFlagged,
		ActorID:    "system",
		StoreID:    r.storeID,
		AfterValue: detail,
		RecordedAt: time.Now(),
	}
	if err := r.store.AppendAudit(ctx, audit); err != nil {
		return fmt.Errorf("audit flagged credit: %w", err)
	}

	slog.Warn("offline credit charge flagged",
		"component", "credit",
		"action", "credit_flagged",
		"account_id", rec.AccountID,
		"transaction_id", rec.TransactionID,
		"amount", rec.OfflineApprovedAmount,
		"outcome", string(outcome),
	)
	return nil
}
