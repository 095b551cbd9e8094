package resolve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/forecourt/syncd/internal/types"
)

// mergeFields merges two reference-entity versions field by field:
// a non-null value beats a null one, and when both sides are non-null and
// differ, the later per-field modification time wins. Two contradictory
// non-null values with equal timestamps cannot be ordered, so the merge
// comes back AutoResolved=false for manual resolution.
func mergeFields(entityType string, local, remote types.EntityVersion) (Resolution, error) {
	localFields, err := decodeObject(local.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("local version: %w", err)
	}
	remoteFields, err := decodeObject(remote.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("remote version: %w", err)
	}

	merged := make(map[string]json.RawMessage, len(localFields)+len(remoteFields))
	mergedTimes := make(map[string]time.Time, len(localFields)+len(remoteFields))
	derived := DerivedTotals(entityType)

	for _, name := range fieldUnion(localFields, remoteFields) {
		lv, lok := nonNull(localFields, name)
		rv, rok := nonNull(remoteFields, name)

		switch {
		case lok && !rok:
			merged[name] = lv
			mergedTimes[name] = fieldTime(local, name)
		case rok && !lok:
			merged[name] = rv
			mergedTimes[name] = fieldTime(remote, name)
		case !lok && !rok:
			// Both null; carry the null through.
			merged[name] = json.RawMessage("null")
		default:
			if bytes.Equal(compact(lv), compact(rv)) {
				merged[name] = lv
				mergedTimes[name] = laterTime(fieldTime(local, name), fieldTime(remote, name))
				continue
			}
			if isDerivedTotal(derived, name) {
				// Divergent running totals are the orchestrator's problem:
				// it re-derives them from the audit trail. Any placeholder
				// here is overwritten, so take the LWW side deterministically.
				merged[name], mergedTimes[name] = pickLater(local, remote, name, lv, rv)
				continue
			}

			lt, rt := fieldTime(local, name), fieldTime(remote, name)
			if lt.Equal(rt) {
				// Contradictory non-null values, identical timestamps:
				// no deterministic winner exists.
				return Resolution{
					Strategy:      types.StrategyMerge,
					AutoResolved:  false,
					DerivedFields: derivedPresent(derived, localFields, remoteFields),
				}, nil
			}
			merged[name], mergedTimes[name] = pickLater(local, remote, name, lv, rv)
		}
	}

	value, err := json.Marshal(merged)
	if err != nil {
		return Resolution{}, fmt.Errorf("encode merged payload: %w", err)
	}

	return Resolution{
		Value:         value,
		FieldTimes:    mergedTimes,
		Strategy:      types.StrategyMerge,
		AutoResolved:  true,
		DerivedFields: derivedPresent(derived, localFields, remoteFields),
	}, nil
}

// fieldUnion returns the union of field names from both sides in sorted
// order, so the merge walks fields identically on every node.
func fieldUnion(a, b map[string]json.RawMessage) []string {
	seen := make(map[string]bool, len(a)+len(b))
	names := make([]string, 0, len(a)+len(b))
	for name := range a {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range b {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// nonNull returns the field value when present and not JSON null.
func nonNull(fields map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	v, ok := fields[name]
	if !ok || len(v) == 0 || bytes.Equal(compact(v), []byte("null")) {
		return nil, false
	}
	return v, true
}

// fieldTime returns the per-field modification time, falling back to the
// version timestamp for fields the map does not cover.
func fieldTime(v types.EntityVersion, name string) time.Time {
	if t, ok := v.FieldTimes[name]; ok {
		return t
	}
	return v.Timestamp
}

func laterTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// pickLater takes the side whose field changed later; equal times fall to
// the node ID tie-break so the choice is still deterministic.
func pickLater(local, remote types.EntityVersion, name string, lv, rv json.RawMessage) (json.RawMessage, time.Time) {
	lt, rt := fieldTime(local, name), fieldTime(remote, name)
	if lt.After(rt) {
		return lv, lt
	}
	if rt.After(lt) {
		return rv, rt
	}
	if local.NodeID > remote.NodeID {
		return lv, lt
	}
	return rv, rt
}

func compact(v json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}

func isDerivedTotal(derived []string, name string) bool {
	for _, d := range derived {
		if d == name {
			return true
		}
	}
	return false
}

// derivedPresent filters the derived-total list to fields actually present
// on either side, so the orchestrator only re-derives what exists.
func derivedPresent(derived []string, a, b map[string]json.RawMessage) []string {
	out := make([]string, 0, len(derived))
	for _, name := range derived {
		if _, ok := a[name]; ok {
			out = append(out, name)
			continue
		}
		if _, ok := b[name]; ok {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
