package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecourt/syncd/internal/netmon"
	"github.com/forecourt/syncd/internal/remote"
	"github.com/forecourt/syncd/internal/store"
	"github.com/forecourt/syncd/internal/types"
)

// fakeAuthority is a scriptable in-memory Authority.
type fakeAuthority struct {
	mu          sync.Mutex
	applyFn     func(op types.SyncOperation) (*remote.ApplyResult, error)
	applied     []types.SyncOperation
	putResolved []types.EntityVersion
	balances    map[string]types.AccountSnapshot
}

func (f *fakeAuthority) Ping(context.Context) error { return nil }

func (f *fakeAuthority) Apply(_ context.Context, op types.SyncOperation) (*remote.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, op)
	if f.applyFn != nil {
		return f.applyFn(op)
	}
	return &remote.ApplyResult{}, nil
}

func (f *fakeAuthority) FetchVersion(context.Context, string, string) (*types.EntityVersion, error) {
	return nil, remote.ErrEntityNotFound
}

func (f *fakeAuthority) PutResolved(_ context.Context, v types.EntityVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putResolved = append(f.putResolved, v)
	return nil
}

func (f *fakeAuthority) AccountBalance(_ context.Context, accountID string) (*types.AccountSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.balances[accountID]
	if !ok {
		return nil, remote.ErrAccountNotFound
	}
	return &snap, nil
}

func (f *fakeAuthority) appliedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.applied))
	for i, op := range f.applied {
		ids[i] = op.ID
	}
	return ids
}

func newTestOrchestrator(t *testing.T, authority *fakeAuthority, opts store.Options) (*Orchestrator, *store.SQLiteStore, *netmon.Monitor) {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "syncd.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	monitor := netmon.NewMonitor()
	orch := New(db, authority, monitor, Config{
		NodeID:  "node-a",
		StoreID: "store-7",
	})
	return orch, db, monitor
}

func mutation(entityType, entityID, payload string) types.Mutation {
	return types.Mutation{
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       types.OpCreate,
		Payload:    json.RawMessage(payload),
		ActorID:    "cashier-1",
		StoreID:    "store-7",
	}
}

func seedSnapshot(t *testing.T, db *store.SQLiteStore, accountID string, balance, limit int64) {
	t.Helper()
	require.NoError(t, db.PutAccountSnapshot(context.Background(), types.AccountSnapshot{
		AccountID:       accountID,
		SnapshotBalance: balance,
		CreditLimit:     limit,
		SyncedAt:        time.Now(),
	}))
}

func TestOrchestrator_EnqueueQueuesAndAppliesLocally(t *testing.T) {
	authority := &fakeAuthority{}
	orch, db, _ := newTestOrchestrator(t, authority, store.Options{})
	ctx := context.Background()

	id, err := orch.Enqueue(ctx, mutation("transaction", "tx-1", `{"amount":100}`), "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	op, err := db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, op.Status)
	assert.Equal(t, int64(1), op.Sequence)

	v, err := db.GetEntityVersion(ctx, "transaction", "tx-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":100}`, string(v.Payload))

	// Nothing hit the network.
	assert.Empty(t, authority.appliedIDs())
}

func TestOrchestrator_EnqueueIdempotencyKeyReplay(t *testing.T) {
	authority := &fakeAuthority{}
	orch, db, _ := newTestOrchestrator(t, authority, store.Options{})
	ctx := context.Background()

	first, err := orch.Enqueue(ctx, mutation("transaction", "tx-1", `{"amount":100}`), "01HZXF0001TESTKEY000000000")
	require.NoError(t, err)
	replay, err := orch.Enqueue(ctx, mutation("transaction", "tx-1", `{"amount":100}`), "01HZXF0001TESTKEY000000000")
	require.NoError(t, err)

	assert.Equal(t, first, replay)
	n, err := db.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOrchestrator_EnqueueDeniesOverLimitCharge(t *testing.T) {
	authority := &fakeAuthority{}
	orch, db, _ := newTestOrchestrator(t, authority, store.Options{})
	ctx := context.Background()

	seedSnapshot(t, db, "acct-1", 9000, 10000)

	_, err := orch.Enqueue(ctx, mutation("credit_transaction", "tx-1",
		`{"account_id":"acct-1","amount":1500}`), "")
	assert.ErrorIs(t, err, ErrCreditDenied)

	// Denied charges are never queued.
	n, err := db.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOrchestrator_EnqueueDeniesChargeWithoutSnapshot(t *testing.T) {
	authority := &fakeAuthority{}
	orch, _, _ := newTestOrchestrator(t, authority, store.Options{})

	_, err := orch.Enqueue(context.Background(), mutation("credit_transaction", "tx-1",
		`{"account_id":"acct-unknown","amount":100}`), "")
	assert.ErrorIs(t, err, ErrCreditDenied)
}

func TestOrchestrator_OfflineChargeRecordsVerification(t *testing.T) {
	authority := &fakeAuthority{}
	orch, db, monitor := newTestOrchestrator(t, authority, store.Options{})
	ctx := context.Background()

	seedSnapshot(t, db, "acct-1", 0, 10000)
	monitor.SetConnected(false)

	_, err := orch.Enqueue(ctx, mutation("credit_transaction", "tx-1",
		`{"account_id":"acct-1","amount":8000,"transaction_id":"tx-1"}`), "")
	require.NoError(t, err)

	records, err := db.UnverifiedVerifications(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "acct-1", records[0].AccountID)
	assert.Equal(t, int64(8000), records[0].OfflineApprovedAmount)
	assert.Nil(t, records[0].Verified)

	// The pending offline charge counts against the next decision.
	_, err = orch.Enqueue(ctx, mutation("credit_transaction", "tx-2",
		`{"account_id":"acct-1","amount":5000,"transaction_id":"tx-2"}`), "")
	assert.ErrorIs(t, err, ErrCreditDenied)

	// Online charges within the limit need no verification record.
	monitor.SetConnected(true)
	_, err = orch.Enqueue(ctx, mutation("credit_transaction", "tx-3",
		`{"account_id":"acct-1","amount":1000,"transaction_id":"tx-3"}`), "")
	require.NoError(t, err)
	records, err = db.UnverifiedVerifications(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestOrchestrator_CycleCompletesQueuedOperations(t *testing.T) {
	authority := &fakeAuthority{}
	orch, db, _ := newTestOrchestrator(t, authority, store.Options{})
	ctx := context.Background()

	id1, err := orch.Enqueue(ctx, mutation("transaction", "tx-1", `{"amount":100}`), "")
	require.NoError(t, err)
	id2, err := orch.Enqueue(ctx, mutation("transaction", "tx-2", `{"amount":200}`), "")
	require.NoError(t, err)

	orch.runCycle(ctx)

	for _, id := range []string{id1, id2} {
		op, err := db.GetOperation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, op.Status, "operation %s", id)
	}
	assert.Len(t, authority.appliedIDs(), 2)

	state, err := db.GetSyncState(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeIdle, state.Status)
	assert.Zero(t, state.PendingCount)
	require.NotNil(t, state.LastSuccessfulSyncAt)
}

func TestOrchestrator_CyclePreservesSequenceOrder(t *testing.T) {
	authority := &fakeAuthority{}
	orch, db, _ := newTestOrchestrator(t, authority, store.Options{})
	ctx := context.Background()

	for _, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		mut := mutation("transaction", "tx-1", payload)
		mut.Kind = types.OpUpdate
		_, err := orch.Enqueue(ctx, mut, "")
		require.NoError(t, err)
	}

	orch.runCycle(ctx)

	require.Len(t, authority.applied, 3)
	for i, op := range authority.applied {
		assert.Equal(t, int64(i+1), op.Sequence)
	}

	n, err := db.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOrchestrator_CycleSkipsWhileDisconnected(t *testing.T) {
	authority := &fakeAuthority{}
	orch, db, monitor := newTestOrchestrator(t, authority, store.Options{})
	ctx := context.Background()

	id, err := orch.Enqueue(ctx, mutation("transaction", "tx-1", `{"amount":100}`), "")
	require.NoError(t, err)

	monitor.SetConnected(false)
	orch.runCycle(ctx)

	op, err := db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, op.Status)
	assert.Empty(t, authority.appliedIDs())
}

func TestOrchestrator_RetryExhaustionDegradesThenResyncRecovers(t *testing.T) {
	authority := &fakeAuthority{
		applyFn: func(types.SyncOperation) (*remote.ApplyResult, error) {
			return nil, errors.New("boom")
		},
	}
	orch, db, _ := newTestOrchestrator(t, authority, store.Options{
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
	})
	ctx := context.Background()

	id, err := orch.Enqueue(ctx, mutation("transaction", "tx-1", `{"amount":100}`), "")
	require.NoError(t, err)

	orch.runCycle(ctx)
	time.Sleep(5 * time.Millisecond) // let the 1ms backoff elapse
	orch.runCycle(ctx)

	op, err := db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, op.Status)

	state, err := db.GetSyncState(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeDegraded, state.Status)
	assert.NotEmpty(t, state.LastError)

	// Manual resync with a healthy authority drains the queue.
	authority.mu.Lock()
	authority.applyFn = nil
	authority.mu.Unlock()

	n, err := orch.TriggerResync(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	orch.runCycle(ctx)

	op, err = db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, op.Status)

	state, err = db.GetSyncState(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeIdle, state.Status)
}

func TestOrchestrator_AutoResolvesFinancialConflict(t *testing.T) {
	remoteVersion := types.EntityVersion{
		EntityType: "transaction",
		EntityID:   "tx-1",
		Payload:    json.RawMessage(`{"amount":250}`),
		Timestamp:  time.Now().Add(-time.Hour), // remote is older; local wins
		NodeID:     "central",
	}
	conflictOnce := true
	authority := &fakeAuthority{}
	authority.applyFn = func(types.SyncOperation) (*remote.ApplyResult, error) {
		if conflictOnce {
			conflictOnce = false
			return nil, &remote.ConflictError{Remote: remoteVersion}
		}
		return &remote.ApplyResult{}, nil
	}

	orch, db, _ := newTestOrchestrator(t, authority, store.Options{})
	ctx := context.Background()

	id, err := orch.Enqueue(ctx, mutation("transaction", "tx-1", `{"amount":100}`), "")
	require.NoError(t, err)

	orch.runCycle(ctx)

	op, err := db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, op.Status)

	// The conflict was recorded as auto-resolved.
	records, err := db.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].AutoResolved)
	assert.Equal(t, types.StrategyLastWriteWins, records[0].StrategyUsed)
	require.NotNil(t, records[0].ResolvedAt)
	assert.JSONEq(t, `{"amount":100}`, string(records[0].ResolvedValue))

	// The resolved value was pushed back to the authority.
	authority.mu.Lock()
	defer authority.mu.Unlock()
	require.Len(t, authority.putResolved, 1)
	assert.JSONEq(t, `{"amount":100}`, string(authority.putResolved[0].Payload))

	// And the resolution is audited.
	entries, err := db.ListAudit(ctx, store.AuditFilter{EntityType: "transaction", EntityID: "tx-1"})
	require.NoError(t, err)
	var resolved bool
	for _, e := range entries {
		if e.Action == types.ActionConflictResolved {
			resolved = true
		}
	}
	assert.True(t, resolved, "expected a conflict_resolved audit entry")
}

func TestOrchestrator_AmbiguousConflictParksEntityUntilManualResolution(t *testing.T) {
	authority := &fakeAuthority{}
	orch, db, _ := newTestOrchestrator(t, authority, store.Options{})
	ctx := context.Background()

	id, err := orch.Enqueue(ctx, mutation("customer", "c-1", `{"name":"Ada L."}`), "")
	require.NoError(t, err)

	// Remote edited the same field at the exact same instant.
	local, err := db.GetEntityVersion(ctx, "customer", "c-1")
	require.NoError(t, err)
	remoteVersion := types.EntityVersion{
		EntityType: "customer",
		EntityID:   "c-1",
		Payload:    json.RawMessage(`{"name":"A. Lovelace"}`),
		Timestamp:  local.Timestamp,
		NodeID:     "central",
		FieldTimes: map[string]time.Time{"name": local.FieldTimes["name"]},
	}
	conflictOnce := true
	authority.mu.Lock()
	authority.applyFn = func(types.SyncOperation) (*remote.ApplyResult, error) {
		if conflictOnce {
			conflictOnce = false
			return nil, &remote.ConflictError{Remote: remoteVersion}
		}
		return &remote.ApplyResult{}, nil
	}
	authority.mu.Unlock()

	orch.runCycle(ctx)

	op, err := db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConflicted, op.Status)

	pending, err := db.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].AutoResolved)

	// The entity stays blocked across cycles until a human decides.
	orch.runCycle(ctx)
	op, err = db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConflicted, op.Status)

	require.NoError(t, db.ResolveConflictManually(ctx, pending[0].ID,
		json.RawMessage(`{"name":"Ada Lovelace"}`), "manager-1", "store-7", "node-a"))

	orch.runCycle(ctx)

	op, err = db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, op.Status)
}

func TestOrchestrator_MergeRederivesLoyaltyFromAudit(t *testing.T) {
	authority := &fakeAuthority{}
	orch, db, _ := newTestOrchestrator(t, authority, store.Options{})
	ctx := context.Background()

	// Local history: points earned in two audited steps, net 150.
	id, err := orch.Enqueue(ctx, mutation("customer", "c-1",
		`{"name":"Ada","loyalty_points":100}`), "")
	require.NoError(t, err)
	require.NoError(t, db.AppendAudit(ctx, types.AuditLogEntry{
		EntityType:  "customer",
		EntityID:    "c-1",
		Action:      types.ActionLocalApply,
		ActorID:     "cashier-1",
		StoreID:     "store-7",
		BeforeValue: json.RawMessage(`{"loyalty_points":100}`),
		AfterValue:  json.RawMessage(`{"loyalty_points":150}`),
	}))

	local, err := db.GetEntityVersion(ctx, "customer", "c-1")
	require.NoError(t, err)
	remoteVersion := types.EntityVersion{
		EntityType: "customer",
		EntityID:   "c-1",
		Payload:    json.RawMessage(`{"name":"Ada","loyalty_points":130}`),
		Timestamp:  local.Timestamp.Add(-time.Minute),
		NodeID:     "central",
		FieldTimes: map[string]time.Time{
			"name":           local.FieldTimes["name"].Add(-time.Minute),
			"loyalty_points": local.FieldTimes["loyalty_points"].Add(-time.Minute),
		},
	}
	conflictOnce := true
	authority.mu.Lock()
	authority.applyFn = func(types.SyncOperation) (*remote.ApplyResult, error) {
		if conflictOnce {
			conflictOnce = false
			return nil, &remote.ConflictError{Remote: remoteVersion}
		}
		return &remote.ApplyResult{}, nil
	}
	authority.mu.Unlock()

	orch.runCycle(ctx)

	op, err := db.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, op.Status)

	// The merged entity carries the audit-derived total, not either input.
	v, err := db.GetEntityVersion(ctx, "customer", "c-1")
	require.NoError(t, err)
	var merged struct {
		LoyaltyPoints float64 `json:"loyalty_points"`
	}
	require.NoError(t, json.Unmarshal(v.Payload, &merged))
	assert.Equal(t, float64(150), merged.LoyaltyPoints)
}

func TestOrchestrator_CycleReverifiesOfflineCharges(t *testing.T) {
	authority := &fakeAuthority{
		balances: map[string]types.AccountSnapshot{
			"acct-1": {AccountID: "acct-1", SnapshotBalance: 9000, CreditLimit: 10000},
		},
	}
	orch, db, monitor := newTestOrchestrator(t, authority, store.Options{})
	ctx := context.Background()

	// The stale snapshot allowed the charge offline.
	seedSnapshot(t, db, "acct-1", 0, 10000)
	monitor.SetConnected(false)
	_, err := orch.Enqueue(ctx, mutation("credit_transaction", "tx-1",
		`{"account_id":"acct-1","amount":5000,"transaction_id":"tx-1"}`), "")
	require.NoError(t, err)

	monitor.SetConnected(true)
	orch.runCycle(ctx)

	// Against the authoritative 9000 balance the charge exceeds the limit.
	flagged, err := db.ListFlaggedCredit(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, types.OutcomeExceeded, flagged[0].VerificationOutcome)

	// The snapshot was refreshed for the next offline decision.
	snap, err := db.GetAccountSnapshot(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), snap.SnapshotBalance)
}
