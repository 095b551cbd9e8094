// Package remote is the authoritative read/write capability the
// orchestrator drains the queue against. The transport is a collaborator;
// this package owns only the contract and an HTTP client for it.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/forecourt/syncd/internal/types"
)

var (
	// ErrEntityNotFound indicates the authority has no version of the entity.
	ErrEntityNotFound = errors.New("entity not found at authority")

	// ErrAccountNotFound indicates the authority does not know the account.
	ErrAccountNotFound = errors.New("account not found at authority")

	// ErrUnavailable wraps transport failures: timeouts, refused
	// connections, 5xx responses. Always retryable.
	ErrUnavailable = errors.New("authority unavailable")
)

// ConflictError is returned by Apply when the remote entity's current
// version does not match what the operation was based on. It carries the
// remote version so the resolver can be invoked without a second fetch.
type ConflictError struct {
	Remote types.EntityVersion
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s", e.Remote.EntityType, e.Remote.EntityID)
}

// ApplyResult reports the outcome of a successful remote application.
type ApplyResult struct {
	// Duplicate is true when the authority had already applied an
	// operation with this ID; the replay changed nothing.
	Duplicate bool `json:"duplicate"`
}

// Authority is the remote capability consumed by the orchestrator. Every
// method honors context cancellation and deadlines.
type Authority interface {
	// Ping checks reachability. Used by the connectivity prober.
	Ping(ctx context.Context) error

	// Apply applies one queued operation. The operation ID is the
	// idempotency key; re-applying a completed operation must be a no-op
	// on the authority's side. A diverged remote version surfaces as
	// *ConflictError.
	Apply(ctx context.Context, op types.SyncOperation) (*ApplyResult, error)

	// FetchVersion reads the authority's current version of an entity.
	FetchVersion(ctx context.Context, entityType, entityID string) (*types.EntityVersion, error)

	// PutResolved writes a conflict-resolved version back to the authority.
	PutResolved(ctx context.Context, v types.EntityVersion) error

	// AccountBalance reads the authoritative credit position of an account.
	AccountBalance(ctx context.Context, accountID string) (*types.AccountSnapshot, error)
}
