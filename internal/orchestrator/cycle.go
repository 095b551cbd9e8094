package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forecourt/syncd/internal/remote"
	"github.com/forecourt/syncd/internal/resolve"
	"github.com/forecourt/syncd/internal/types"
)

// entityKey identifies one serialization domain: operations sharing a key
// are applied strictly in sequence order, different keys run concurrently.
type entityKey struct {
	entityType string
	entityID   string
}

// cycleResult accumulates outcomes across the worker pool.
type cycleResult struct {
	mu        sync.Mutex
	failed    bool
	lastError string
}

func (r *cycleResult) recordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
	if err != nil {
		r.lastError = err.Error()
	}
}

// runCycle drains one batch. Skipped entirely while disconnected; local
// mutations keep queueing and the next reconnect picks them up.
func (o *Orchestrator) runCycle(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	if !o.monitor.Connected() {
		o.publishState(ctx, "", "")
		return
	}

	start := time.Now()
	o.publishState(ctx, types.NodeSyncing, "")

	ops, err := o.store.DequeueBatch(ctx, o.cfg.BatchSize)
	if err != nil {
		slog.Error("dequeue failed",
			"component", "orchestrator",
			"error", err,
		)
		o.publishState(ctx, "", err.Error())
		return
	}

	var result cycleResult
	o.processBatch(ctx, ops, &result)

	// Offline credit approvals are re-checked once the authority is
	// reachable again, before snapshots are refreshed underneath them.
	if _, err := o.reverifier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("credit re-verification failed",
			"component", "orchestrator",
			"error", err,
		)
	}
	o.refreshSnapshots(ctx)

	o.finishCycle(ctx, &result)

	slog.Info("sync cycle complete",
		"component", "orchestrator",
		"action", "sync_cycle",
		"operations", len(ops),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// processBatch fans entity groups out over the bounded worker pool.
// Ordering within a group is preserved because each group is handled by
// exactly one goroutine, in sequence order.
func (o *Orchestrator) processBatch(ctx context.Context, ops []types.SyncOperation, result *cycleResult) {
	groups := make(map[entityKey][]types.SyncOperation)
	order := make([]entityKey, 0)
	for _, op := range ops {
		key := entityKey{op.EntityType, op.EntityID}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], op)
	}

	sem := make(chan struct{}, o.cfg.Workers)
	var wg sync.WaitGroup
	for _, key := range order {
		group := groups[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			o.processGroup(ctx, group, result)
		}()
	}
	wg.Wait()
}

// processGroup applies one entity's operations serially. The group stops
// at the first operation that cannot complete; a later sequence must
// never overtake an earlier one.
func (o *Orchestrator) processGroup(ctx context.Context, group []types.SyncOperation, result *cycleResult) {
	for _, op := range group {
		if ctx.Err() != nil {
			return
		}
		if !o.applyOne(ctx, op, result) {
			return
		}
	}
}

// applyOne pushes a single operation to the authority. Returns true when
// the group may continue to the next sequence.
func (o *Orchestrator) applyOne(ctx context.Context, op types.SyncOperation, result *cycleResult) bool {
	if err := o.store.MarkInFlight(ctx, op.ID); err != nil {
		slog.Error("mark in_flight failed",
			"component", "orchestrator",
			"operation_id", op.ID,
			"error", err,
		)
		result.recordFailure(err)
		return false
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.RemoteTimeout)
	res, err := o.authority.Apply(attemptCtx, op)
	cancel()

	var conflict *remote.ConflictError
	switch {
	case errors.As(err, &conflict):
		return o.resolveConflict(ctx, op, conflict.Remote, result)

	case err != nil:
		// Transient or terminal; MarkFailed decides which by retry count.
		// A timeout is a retryable failure, never a conflict.
		status, markErr := o.store.MarkFailed(ctx, op.ID, err)
		if markErr != nil {
			slog.Error("mark failed errored",
				"component", "orchestrator",
				"operation_id", op.ID,
				"error", markErr,
			)
			result.recordFailure(markErr)
			return false
		}
		result.recordFailure(err)
		if status == types.StatusFailed {
			slog.Error("operation exhausted retries",
				"component", "orchestrator",
				"action", "operation_failed",
				"operation_id", op.ID,
				"entity_type", op.EntityType,
				"entity_id", op.EntityID,
				"retries", op.RetryCount+1,
				"error", err,
			)
		} else {
			slog.Warn("remote apply failed, will retry",
				"component", "orchestrator",
				"operation_id", op.ID,
				"retry_count", op.RetryCount+1,
				"error", err,
			)
		}
		return false

	default:
		if res.Duplicate {
			slog.Debug("remote apply was idempotent replay",
				"component", "orchestrator",
				"operation_id", op.ID,
			)
		}
		if err := o.store.MarkCompleted(ctx, op.ID); err != nil {
			result.recordFailure(err)
			return false
		}
		return true
	}
}

// resolveConflict runs the resolver against the diverged remote version,
// persists the conflict record either way, and, when a deterministic
// strategy applied, installs the resolved value locally, re-derives any
// audited totals, pushes the value to the authority, and completes the
// operation. Returns true when the group may continue.
func (o *Orchestrator) resolveConflict(ctx context.Context, op types.SyncOperation, remoteVersion types.EntityVersion, result *cycleResult) bool {
	local, err := o.store.GetEntityVersion(ctx, op.EntityType, op.EntityID)
	if err != nil {
		// Deleted locally after the operation queued; resolve against an
		// empty local version so the remote side wins deterministically.
		local = &types.EntityVersion{EntityType: op.EntityType, EntityID: op.EntityID}
	}

	resolution, err := resolve.Resolve(op.EntityType, *local, remoteVersion)
	if err != nil {
		if _, markErr := o.store.MarkFailed(ctx, op.ID, err); markErr != nil {
			result.recordFailure(markErr)
		}
		result.recordFailure(err)
		return false
	}

	localJSON, _ := json.Marshal(local)
	remoteJSON, _ := json.Marshal(remoteVersion)
	record := types.ConflictRecord{
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		LocalVersion:  localJSON,
		RemoteVersion: remoteJSON,
		StrategyUsed:  resolution.Strategy,
		AutoResolved:  resolution.AutoResolved,
		DetectedAt:    time.Now(),
	}

	if !resolution.AutoResolved {
		// No deterministic winner. The record stays pending for a human
		// and the entity is blocked from automatic sync until then.
		if _, err := o.store.InsertConflict(ctx, record); err != nil {
			result.recordFailure(err)
			return false
		}
		if err := o.store.MarkConflicted(ctx, op.ID); err != nil {
			result.recordFailure(err)
			return false
		}
		slog.Warn("conflict requires manual resolution",
			"component", "orchestrator",
			"action", "conflict_pending",
			"entity_type", op.EntityType,
			"entity_id", op.EntityID,
			"operation_id", op.ID,
		)
		return false
	}

	value := resolution.Value
	for _, field := range resolution.DerivedFields {
		total, err := o.store.SumAuditedDelta(ctx, op.EntityType, op.EntityID, field)
		if err != nil {
			result.recordFailure(err)
			return false
		}
		if value, err = setNumericField(value, field, total); err != nil {
			result.recordFailure(err)
			return false
		}
	}

	now := time.Now()
	record.ResolvedValue = value
	record.ResolvedAt = &now
	if _, err := o.store.InsertConflict(ctx, record); err != nil {
		result.recordFailure(err)
		return false
	}

	ts, node := versionStamp(*local, remoteVersion)
	resolved := types.EntityVersion{
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Payload:    value,
		Timestamp:  ts,
		NodeID:     node,
		FieldTimes: resolution.FieldTimes,
	}

	audit := types.AuditLogEntry{
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Action:      types.ActionConflictResolved,
		ActorID:     "system",
		StoreID:     o.cfg.StoreID,
		BeforeValue: local.Payload,
		AfterValue:  value,
		RecordedAt:  now,
	}
	if err := o.store.PutEntityVersion(ctx, resolved, audit); err != nil {
		result.recordFailure(err)
		return false
	}

	pushCtx, cancel := context.WithTimeout(ctx, o.cfg.RemoteTimeout)
	err = o.authority.PutResolved(pushCtx, resolved)
	cancel()
	if err != nil {
		// Local state holds the resolved value; the operation retries the
		// remote push with queue-level backoff.
		if _, markErr := o.store.MarkFailed(ctx, op.ID, err); markErr != nil {
			result.recordFailure(markErr)
		}
		result.recordFailure(err)
		return false
	}

	if err := o.store.MarkCompleted(ctx, op.ID); err != nil {
		result.recordFailure(err)
		return false
	}

	slog.Info("conflict auto-resolved",
		"component", "orchestrator",
		"action", "conflict_resolved",
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"strategy", string(resolution.Strategy),
	)
	return true
}

// refreshSnapshots pulls the authoritative credit position for every
// account the guard knows, so the next offline decision starts from the
// freshest balance connectivity allowed.
func (o *Orchestrator) refreshSnapshots(ctx context.Context) {
	accounts, err := o.store.ListSnapshotAccounts(ctx)
	if err != nil {
		slog.Error("list snapshot accounts failed",
			"component", "orchestrator",
			"error", err,
		)
		return
	}

	for _, accountID := range accounts {
		if ctx.Err() != nil {
			return
		}
		fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.RemoteTimeout)
		snap, err := o.authority.AccountBalance(fetchCtx, accountID)
		cancel()
		if err != nil {
			slog.Warn("balance refresh failed",
				"component", "orchestrator",
				"account_id", accountID,
				"error", err,
			)
			continue
		}
		snap.SyncedAt = time.Now()
		if err := o.store.PutAccountSnapshot(ctx, *snap); err != nil {
			slog.Error("store snapshot failed",
				"component", "orchestrator",
				"account_id", accountID,
				"error", err,
			)
		}
	}
}

// finishCycle lands the node in idle or degraded and records the sync
// state monitoring reads.
func (o *Orchestrator) finishCycle(ctx context.Context, result *cycleResult) {
	status := types.NodeIdle
	hasFailed, err := o.store.HasFailed(ctx)
	if err != nil {
		slog.Error("failed-count check errored",
			"component", "orchestrator",
			"error", err,
		)
	}
	if hasFailed {
		status = types.NodeDegraded
	}

	pending, err := o.store.PendingCount(ctx)
	if err != nil {
		slog.Error("pending-count check errored",
			"component", "orchestrator",
			"error", err,
		)
	}

	state := types.SyncState{
		NodeID:       o.cfg.NodeID,
		PendingCount: pending,
		LastError:    result.lastError,
		Status:       status,
	}
	if !result.failed {
		now := time.Now()
		state.LastSuccessfulSyncAt = &now
	} else if prev, err := o.store.GetSyncState(ctx, o.cfg.NodeID); err == nil {
		state.LastSuccessfulSyncAt = prev.LastSuccessfulSyncAt
	}

	if err := o.store.UpsertSyncState(ctx, state); err != nil {
		slog.Error("sync state update failed",
			"component", "orchestrator",
			"error", err,
		)
	}
}

// publishState updates the persisted sync state mid-cycle. Empty status
// keeps the stored one (degraded survives a disconnected tick).
func (o *Orchestrator) publishState(ctx context.Context, status types.NodeStatus, lastError string) {
	pending, err := o.store.PendingCount(ctx)
	if err != nil {
		slog.Error("pending-count check errored",
			"component", "orchestrator",
			"error", err,
		)
	}

	prev, err := o.store.GetSyncState(ctx, o.cfg.NodeID)
	if err != nil {
		prev = &types.SyncState{NodeID: o.cfg.NodeID, Status: types.NodeIdle}
	}
	if status == "" {
		status = prev.Status
		if status == types.NodeSyncing {
			status = types.NodeIdle
		}
	}
	if lastError == "" {
		lastError = prev.LastError
	}

	state := types.SyncState{
		NodeID:               o.cfg.NodeID,
		LastSuccessfulSyncAt: prev.LastSuccessfulSyncAt,
		PendingCount:         pending,
		LastError:            lastError,
		Status:               status,
	}
	if err := o.store.UpsertSyncState(ctx, state); err != nil {
		slog.Error("sync state update failed",
			"component", "orchestrator",
			"error", err,
		)
	}
}

// versionStamp derives the version metadata of a resolved entity
// deterministically from its two inputs, so concurrent resolution on two
// nodes converges on identical version vectors.
func versionStamp(local, remote types.EntityVersion) (time.Time, string) {
	if local.NewerThan(remote) {
		return local.Timestamp, local.NodeID
	}
	return remote.Timestamp, remote.NodeID
}

// setNumericField overwrites one top-level numeric field in a JSON object
// payload without disturbing the encoding of the others.
func setNumericField(payload json.RawMessage, field string, v float64) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", field, err)
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", field, err)
	}
	obj[field] = encoded
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}
