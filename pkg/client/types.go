package client

import (
	"encoding/json"
	"time"
)

// Mutation is a business-level change submitted to the local node.
type Mutation struct {
	// OperationID is an optional client-supplied idempotency key (ULID).
	// Retries carrying the same key return the original acknowledgement.
	OperationID string          `json:"operation_id,omitempty"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Kind        string          `json:"operation_kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ActorID     string          `json:"actor_id"`
	StoreID     string          `json:"store_id"`
	StationID   string          `json:"station_id,omitempty"`
}

// EnqueueAck acknowledges a queued mutation.
type EnqueueAck struct {
	OperationID string `json:"operation_id"`
	Offline     bool   `json:"offline"`
}

// Health is the node health payload.
type Health struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	NodeID       string `json:"node_id"`
	Connected    bool   `json:"connected"`
	PendingCount int64  `json:"pending_count"`
}

// SyncState describes a node's synchronization status.
type SyncState struct {
	NodeID               string     `json:"node_id"`
	LastSuccessfulSyncAt *time.Time `json:"last_successful_sync_at,omitempty"`
	PendingCount         int64      `json:"pending_count"`
	LastError            string     `json:"last_error,omitempty"`
	Status               string     `json:"status"`
}

// Conflict is a recorded divergence between local and remote versions.
type Conflict struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	LocalVersion  json.RawMessage `json:"local_version"`
	RemoteVersion json.RawMessage `json:"remote_version"`
	StrategyUsed  string          `json:"strategy_used"`
	ResolvedValue json.RawMessage `json:"resolved_value,omitempty"`
	AutoResolved  bool            `json:"auto_resolved"`
	DetectedAt    time.Time       `json:"detected_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// Resolution is an operator's manual conflict decision.
type Resolution struct {
	ChosenValue json.RawMessage `json:"chosen_value"`
	ActorID     string          `json:"actor_id"`
	StoreID     string          `json:"store_id,omitempty"`
}

// FlaggedCharge is an offline credit charge that failed verification.
type FlaggedCharge struct {
	ID                    string     `json:"id"`
	TransactionID         string     `json:"transaction_id"`
	AccountID             string     `json:"account_id"`
	OfflineApprovedAmount int64      `json:"offline_approved_amount"`
	SnapshotBalance       int64      `json:"snapshot_balance"`
	CreditLimit           int64      `json:"credit_limit"`
	VerificationOutcome   string     `json:"verification_outcome,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	VerifiedAt            *time.Time `json:"verified_at,omitempty"`
}
