// Package orchestrator drives the sync loop: it owns every write to the
// queue and the sync state, consults the conflict resolver and the credit
// guard, and is the only component that talks to the authority.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forecourt/syncd/internal/credit"
	"github.com/forecourt/syncd/internal/netmon"
	"github.com/forecourt/syncd/internal/remote"
	"github.com/forecourt/syncd/internal/store"
	"github.com/forecourt/syncd/internal/types"
)

// ErrCreditDenied is returned by Enqueue when the credit guard rejects a
// charge. Nothing is queued; the originating request fails.
var ErrCreditDenied = errors.New("credit limit exceeded")

// Config tunes the sync loop.
type Config struct {
	NodeID        string
	StoreID       string
	Interval      time.Duration // background drain interval
	BatchSize     int           // operations per drain
	Workers       int           // concurrent entity groups
	RemoteTimeout time.Duration // bound on each remote application attempt
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = 30 * time.Second
	}
	return c
}

// Orchestrator is the per-node sync driver.
type Orchestrator struct {
	store      *store.SQLiteStore
	authority  remote.Authority
	monitor    *netmon.Monitor
	guard      *credit.Guard
	reverifier *credit.Reverifier
	cfg        Config

	trigger chan struct{} // manual resync kicks

	mu      sync.Mutex // serializes cycles; ticker and reconnect may race
	running bool
}

// New wires an orchestrator over its collaborators.
func New(s *store.SQLiteStore, authority remote.Authority, monitor *netmon.Monitor, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		store:      s,
		authority:  authority,
		monitor:    monitor,
		guard:      credit.NewGuard(s),
		reverifier: credit.NewReverifier(s, authority, cfg.StoreID),
		cfg:        cfg,
		trigger:    make(chan struct{}, 1),
	}
}

// chargeFields is the slice of a credit-bearing payload the guard needs.
type chargeFields struct {
	AccountID     string `json:"account_id"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id"`
}

// creditBearing reports whether operations on this entity type move money
// against a credit account.
func creditBearing(entityType string) bool {
	return entityType == "credit_transaction"
}

// Enqueue accepts a validated mutation: the operation is queued and
// applied to the local entity copy atomically, audited, and, for credit
// charges, checked against the guard first. opID may carry a
// caller-supplied idempotency key; re-submitting the same key returns the
// original operation without a second apply or audit entry. Empty opID
// gets a fresh ULID.
//
// This is the synchronous fast path: it touches only local storage, never
// the network.
func (o *Orchestrator) Enqueue(ctx context.Context, mut types.Mutation, opID string) (string, error) {
	if opID == "" {
		opID = ulid.Make().String()
	}
	offline := !o.monitor.Connected()
	now := time.Now()

	var verification *types.CreditVerification
	if creditBearing(mut.EntityType) && mut.Kind != types.OpDelete {
		var charge chargeFields
		if err := json.Unmarshal(mut.Payload, &charge); err != nil {
			return "", fmt.Errorf("decode charge payload: %w", err)
		}
		if charge.TransactionID == "" {
			charge.TransactionID = mut.EntityID
		}

		// Refunds and zero-amount adjustments free balance; only positive
		// charges consume the limit.
		if charge.Amount > 0 {
			decision, err := o.guard.Check(ctx, charge.AccountID, charge.Amount)
			if errors.Is(err, credit.ErrNoSnapshot) {
				return "", fmt.Errorf("%w: %v", ErrCreditDenied, err)
			}
			if err != nil {
				return "", fmt.Errorf("credit check: %w", err)
			}
			if !decision.Approved {
				return "", fmt.Errorf("%w: account %s", ErrCreditDenied, charge.AccountID)
			}
			if offline {
				verification = credit.NewVerification(
					charge.TransactionID, charge.AccountID, charge.Amount, decision, now)
			}
		}
	}

	op := types.SyncOperation{
		ID:           opID,
		EntityType:   mut.EntityType,
		EntityID:     mut.EntityID,
		Kind:         mut.Kind,
		Payload:      mut.Payload,
		OriginNodeID: o.cfg.NodeID,
		CreatedAt:    now,
	}

	id, err := o.store.EnqueueMutation(ctx, store.EnqueueRequest{
		Op:           op,
		ActorID:      mut.ActorID,
		StoreID:      mut.StoreID,
		StationID:    mut.StationID,
		IsOffline:    offline,
		Verification: verification,
	})
	if err != nil {
		return "", err
	}

	slog.Info("mutation enqueued",
		"component", "orchestrator",
		"action", "enqueue",
		"operation_id", id,
		"entity_type", mut.EntityType,
		"entity_id", mut.EntityID,
		"offline", offline,
	)
	return id, nil
}

// TriggerResync is the explicit manual recovery path for a degraded node:
// failed operations return to pending with a fresh retry budget and the
// loop is kicked immediately. Returns the number of requeued operations.
func (o *Orchestrator) TriggerResync(ctx context.Context) (int64, error) {
	n, err := o.store.RequeueFailed(ctx)
	if err != nil {
		return 0, err
	}
	select {
	case o.trigger <- struct{}{}:
	default:
	}
	slog.Info("manual resync triggered",
		"component", "orchestrator",
		"action", "resync",
		"requeued", n,
	)
	return n, nil
}

// Kick requests an immediate sync cycle without touching failed
// operations. Used after manual conflict resolution.
func (o *Orchestrator) Kick() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Run starts the sync loop: an immediate cycle, then one per interval,
// plus one for every reconnect event and manual trigger. Blocks until ctx
// is cancelled; operations mid-flight at shutdown either finish inside
// their remote timeout or are reset to pending on the next start.
func (o *Orchestrator) Run(ctx context.Context) {
	if n, err := o.store.ResetInFlight(ctx); err != nil {
		slog.Error("reset in_flight failed",
			"component", "orchestrator",
			"error", err,
		)
	} else if n > 0 {
		slog.Info("reset stranded operations",
			"component", "orchestrator",
			"action", "reset_in_flight",
			"count", n,
		)
	}

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	o.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runCycle(ctx)
		case <-o.monitor.Reconnects():
			o.runCycle(ctx)
		case <-o.trigger:
			o.runCycle(ctx)
		}
	}
}
