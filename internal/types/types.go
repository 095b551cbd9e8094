// Package types defines the domain records shared by the queue, resolver,
// credit guard, orchestrator, and API layers.
package types

import (
	"encoding/json"
	"time"
)

// OperationKind is the kind of mutation carried by a SyncOperation.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInFlight   OperationStatus = "in_flight"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusConflicted OperationStatus = "conflicted"
)

// Mutation is the validated descriptor handed to the core by the
// request-handling layer. Authorization and business validation have
// already happened by the time one of these arrives.
type Mutation struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Kind       OperationKind   `json:"operation_kind"`
	Payload    json.RawMessage `json:"payload"`
	ActorID    string          `json:"actor_id"`
	StoreID    string          `json:"store_id"`
	StationID  string          `json:"station_id,omitempty"`
}

// SyncOperation is a queued mutation awaiting remote application.
// The ID doubles as the idempotency key: a completed operation is
// never re-applied, locally or remotely.
type SyncOperation struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Kind          OperationKind   `json:"operation_kind"`
	Sequence      int64           `json:"sequence"`
	Payload       json.RawMessage `json:"payload"`
	OriginNodeID  string          `json:"origin_node_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Status        OperationStatus `json:"status"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// ResolutionStrategy names the rule a conflict was settled by.
type ResolutionStrategy string

const (
	StrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	StrategyLocalWins     ResolutionStrategy = "local_wins"
	StrategyRemoteWins    ResolutionStrategy = "remote_wins"
	StrategyMerge         ResolutionStrategy = "merge"
)

// ConflictRecord is the persisted outcome of a detected divergence.
// Immutable once ResolvedAt is set; records with a nil ResolvedAt are
// pending manual resolution and block automatic sync of their entity.
type ConflictRecord struct {
	ID            string             `json:"id"`
	EntityType    string             `json:"entity_type"`
	EntityID      string             `json:"entity_id"`
	LocalVersion  json.RawMessage    `json:"local_version"`
	RemoteVersion json.RawMessage    `json:"remote_version"`
	StrategyUsed  ResolutionStrategy `json:"strategy_used"`
	ResolvedValue json.RawMessage    `json:"resolved_value,omitempty"`
	AutoResolved  bool               `json:"auto_resolved"`
	DetectedAt    time.Time          `json:"detected_at"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`
}

// AuditLogEntry is one row of the append-only audit trail. Entries are
// never updated or deleted; exactly one is written per observable change.
type AuditLogEntry struct {
	ID          string          `json:"id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Action      string          `json:"action"`
	ActorID     string          `json:"actor_id"`
	StoreID     string          `json:"store_id"`
	StationID   string          `json:"station_id,omitempty"`
	BeforeValue json.RawMessage `json:"before_value,omitempty"`
	AfterValue  json.RawMessage `json:"after_value,omitempty"`
	IsOffline   bool            `json:"is_offline"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// Audit actions written by the core.
const (
	ActionLocalApply       = "local_apply"
	ActionConflictResolved = "conflict_resolved"
	ActionManualResolution = "manual_resolution"
	ActionCreditFlagged    = "credit_flagged"
)

// NodeStatus is the health state of a sync node.
type NodeStatus string

const (
	NodeIdle     NodeStatus = "idle"
	NodeSyncing  NodeStatus = "syncing"
	NodeDegraded NodeStatus = "degraded"
)

// SyncState is the per-node sync health record, updated only by the
// orchestrator and read by health/monitoring collaborators.
type SyncState struct {
	NodeID               string     `json:"node_id"`
	LastSuccessfulSyncAt *time.Time `json:"last_successful_sync_at,omitempty"`
	PendingCount         int64      `json:"pending_count"`
	LastError            string     `json:"last_error,omitempty"`
	Status               NodeStatus `json:"status"`
}

// VerificationOutcome is the result of re-checking an offline credit
// approval against the authoritative balance.
type VerificationOutcome string

const (
	OutcomeOK       VerificationOutcome = "ok"
	OutcomeExceeded VerificationOutcome = "exceeded"
	OutcomeUnknown  VerificationOutcome = "unknown"
)

// CreditVerification records an offline credit approval and its later
// re-verification. Verified stays nil until the sync loop re-checks the
// charge; it then transitions exactly once, to true or false.
type CreditVerification struct {
	ID                    string              `json:"id"`
	TransactionID         string              `json:"transaction_id"`
	AccountID             string              `json:"account_id"`
	OfflineApprovedAmount int64               `json:"offline_approved_amount"`
	SnapshotBalance       int64               `json:"snapshot_balance"`
	CreditLimit           int64               `json:"credit_limit"`
	Verified              *bool               `json:"verified"`
	VerificationOutcome   VerificationOutcome `json:"verification_outcome,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	VerifiedAt            *time.Time          `json:"verified_at,omitempty"`
}

// AccountSnapshot is the last credit position synchronized from the
// authoritative source. Amounts are integer cents.
type AccountSnapshot struct {
	AccountID       string    `json:"account_id"`
	SnapshotBalance int64     `json:"snapshot_balance"`
	CreditLimit     int64     `json:"credit_limit"`
	SyncedAt        time.Time `json:"synced_at"`
}

// EntityVersion is the unit the conflict resolver compares: a full entity
// payload plus the version metadata needed for last-write-wins and
// field-level merge. FieldTimes is nil for legacy entities that predate
// per-field timestamps.
type EntityVersion struct {
	EntityType string               `json:"entity_type"`
	EntityID   string               `json:"entity_id"`
	Payload    json.RawMessage      `json:"payload"`
	Timestamp  time.Time            `json:"timestamp"`
	NodeID     string               `json:"node_id"`
	FieldTimes map[string]time.Time `json:"field_times,omitempty"`
}

// NewerThan reports whether v dominates other under last-write-wins:
// later timestamp wins, with node ID breaking exact ties so every node
// picks the same winner.
func (v EntityVersion) NewerThan(other EntityVersion) bool {
	if !v.Timestamp.Equal(other.Timestamp) {
		return v.Timestamp.After(other.Timestamp)
	}
	return v.NodeID > other.NodeID
}
