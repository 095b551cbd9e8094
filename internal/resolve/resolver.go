// Package resolve implements the conflict-resolution decision function.
// Resolve is pure: the same pair of versions yields the same outcome on
// every node, which is what lets disconnected nodes converge without
// coordination.
package resolve

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/forecourt/syncd/internal/types"
)

// Category selects the resolution strategy family for an entity type.
type Category int

const (
	// CategoryFinancial entities are append-style money records. They are
	// taken wholesale from the winning side, never merged field by field:
	// a payment stitched together from two versions is a payment nobody
	// ever made.
	CategoryFinancial Category = iota

	// CategoryReference entities are profile-like records where concurrent
	// edits to different fields are both legitimate and should both survive.
	CategoryReference
)

var referenceTypes = map[string]bool{
	"customer": true,
	"vehicle":  true,
	"profile":  true,
}

// derivedTotals lists fields that are running totals re-derived from the
// audit trail instead of merged; merging two divergent totals double
// counts.
var derivedTotals = map[string][]string{
	"customer": {"loyalty_points"},
	"profile":  {"loyalty_points"},
}

// CategoryOf returns the strategy family for an entity type. Unknown
// types resolve as financial: whole-record last-write-wins is the safe
// default for anything we cannot prove mergeable.
func CategoryOf(entityType string) Category {
	if referenceTypes[entityType] {
		return CategoryReference
	}
	return CategoryFinancial
}

// DerivedTotals returns the field names the orchestrator must re-derive
// from the audit trail after a merge of the given entity type.
func DerivedTotals(entityType string) []string {
	return derivedTotals[entityType]
}

// Resolution is the outcome of one resolver invocation.
type Resolution struct {
	Value         json.RawMessage
	FieldTimes    map[string]time.Time
	Strategy      types.ResolutionStrategy
	AutoResolved  bool
	DerivedFields []string
}

// Resolve decides between two divergent versions of an entity. It never
// touches storage and never consults the clock; everything it needs is in
// its arguments, so replaying a recorded conflict reproduces the decision.
//
// AutoResolved is false only when no deterministic strategy applies
// (two contradictory non-null field values with equal timestamps), and the
// returned Value is nil in that case.
func Resolve(entityType string, local, remote types.EntityVersion) (Resolution, error) {
	// A version missing on one side is not a tie to break: the side that
	// has the entity wins outright.
	if len(remote.Payload) == 0 && len(local.Payload) > 0 {
		return Resolution{
			Value:        local.Payload,
			FieldTimes:   local.FieldTimes,
			Strategy:     types.StrategyLocalWins,
			AutoResolved: true,
		}, nil
	}
	if len(local.Payload) == 0 && len(remote.Payload) > 0 {
		return Resolution{
			Value:        remote.Payload,
			FieldTimes:   remote.FieldTimes,
			Strategy:     types.StrategyRemoteWins,
			AutoResolved: true,
		}, nil
	}

	switch CategoryOf(entityType) {
	case CategoryReference:
		// Field-level merge needs per-field timestamps on both sides;
		// legacy entities without them fall back to whole-record LWW.
		if local.FieldTimes == nil || remote.FieldTimes == nil {
			return lastWriteWins(local, remote), nil
		}
		return mergeFields(entityType, local, remote)
	default:
		return lastWriteWins(local, remote), nil
	}
}

// lastWriteWins takes the dominating version wholesale. Timestamp first,
// origin node ID breaking exact ties the same way on every node.
func lastWriteWins(local, remote types.EntityVersion) Resolution {
	winner := remote
	if local.NewerThan(remote) {
		winner = local
	}
	return Resolution{
		Value:        winner.Payload,
		FieldTimes:   winner.FieldTimes,
		Strategy:     types.StrategyLastWriteWins,
		AutoResolved: true,
	}
}

// decodeObject parses a JSON object payload into raw fields.
func decodeObject(payload json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode entity payload: %w", err)
	}
	return fields, nil
}
