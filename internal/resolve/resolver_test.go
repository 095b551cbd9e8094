package resolve

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecourt/syncd/internal/types"
)

func version(nodeID string, ts time.Time, payload string) types.EntityVersion {
	return types.EntityVersion{
		EntityType: "transaction",
		EntityID:   "tx-1",
		Payload:    json.RawMessage(payload),
		Timestamp:  ts,
		NodeID:     nodeID,
	}
}

func TestResolve_FinancialLastWriteWins(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := version("node-a", base.Add(time.Minute), `{"amount":100}`)
	remote := version("node-b", base, `{"amount":200}`)

	res, err := Resolve("transaction", local, remote)
	require.NoError(t, err)
	assert.True(t, res.AutoResolved)
	assert.Equal(t, types.StrategyLastWriteWins, res.Strategy)
	assert.JSONEq(t, `{"amount":100}`, string(res.Value))
}

func TestResolve_TimestampTieBreaksOnNodeID(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := version("node-a", base, `{"amount":100}`)
	b := version("node-b", base, `{"amount":200}`)

	// Both orderings must pick the same winner.
	resAB, err := Resolve("transaction", a, b)
	require.NoError(t, err)
	resBA, err := Resolve("transaction", b, a)
	require.NoError(t, err)

	assert.JSONEq(t, `{"amount":200}`, string(resAB.Value))
	assert.JSONEq(t, string(resAB.Value), string(resBA.Value))
}

func TestResolve_MissingSideWinsOutright(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := version("node-a", base, `{"amount":100}`)
	empty := types.EntityVersion{EntityType: "transaction", EntityID: "tx-1"}

	res, err := Resolve("transaction", local, empty)
	require.NoError(t, err)
	assert.True(t, res.AutoResolved)
	assert.Equal(t, types.StrategyLocalWins, res.Strategy)
	assert.JSONEq(t, `{"amount":100}`, string(res.Value))

	res, err = Resolve("transaction", empty, local)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyRemoteWins, res.Strategy)
	assert.JSONEq(t, `{"amount":100}`, string(res.Value))
}

func TestResolve_ReferenceMergeKeepsBothEdits(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	local := types.EntityVersion{
		EntityType: "customer", EntityID: "c-1", NodeID: "node-a",
		Timestamp: base.Add(2 * time.Minute),
		Payload:   json.RawMessage(`{"name":"Ada","phone":"555-0100","email":"ada@old.example"}`),
		FieldTimes: map[string]time.Time{
			"name":  base,
			"phone": base.Add(2 * time.Minute),
			"email": base,
		},
	}
	remote := types.EntityVersion{
		EntityType: "customer", EntityID: "c-1", NodeID: "node-b",
		Timestamp: base.Add(time.Minute),
		Payload:   json.RawMessage(`{"name":"Ada","phone":"555-0000","email":"ada@new.example"}`),
		FieldTimes: map[string]time.Time{
			"name":  base,
			"phone": base,
			"email": base.Add(time.Minute),
		},
	}

	res, err := Resolve("customer", local, remote)
	require.NoError(t, err)
	require.True(t, res.AutoResolved)
	assert.Equal(t, types.StrategyMerge, res.Strategy)

	// The later edit wins per field: local phone, remote email.
	assert.JSONEq(t,
		`{"name":"Ada","phone":"555-0100","email":"ada@new.example"}`,
		string(res.Value))
	assert.Equal(t, base.Add(2*time.Minute), res.FieldTimes["phone"])
	assert.Equal(t, base.Add(time.Minute), res.FieldTimes["email"])
}

func TestResolve_MergeNonNullBeatsNull(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	local := types.EntityVersion{
		EntityType: "customer", EntityID: "c-1", NodeID: "node-a",
		Timestamp:  base,
		Payload:    json.RawMessage(`{"name":"Ada","phone":null}`),
		FieldTimes: map[string]time.Time{"name": base, "phone": base.Add(time.Hour)},
	}
	remote := types.EntityVersion{
		EntityType: "customer", EntityID: "c-1", NodeID: "node-b",
		Timestamp:  base,
		Payload:    json.RawMessage(`{"name":"Ada","phone":"555-0100"}`),
		FieldTimes: map[string]time.Time{"name": base, "phone": base},
	}

	res, err := Resolve("customer", local, remote)
	require.NoError(t, err)
	require.True(t, res.AutoResolved)
	// Non-null wins even though the null is newer.
	assert.JSONEq(t, `{"name":"Ada","phone":"555-0100"}`, string(res.Value))
}

func TestResolve_MergeAmbiguityNeedsManualResolution(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	local := types.EntityVersion{
		EntityType: "customer", EntityID: "c-1", NodeID: "node-a",
		Timestamp:  base,
		Payload:    json.RawMessage(`{"name":"Ada L."}`),
		FieldTimes: map[string]time.Time{"name": base},
	}
	remote := types.EntityVersion{
		EntityType: "customer", EntityID: "c-1", NodeID: "node-b",
		Timestamp:  base,
		Payload:    json.RawMessage(`{"name":"A. Lovelace"}`),
		FieldTimes: map[string]time.Time{"name": base},
	}

	res, err := Resolve("customer", local, remote)
	require.NoError(t, err)
	assert.False(t, res.AutoResolved)
	assert.Equal(t, types.StrategyMerge, res.Strategy)
	assert.Nil(t, res.Value)
}

func TestResolve_LegacyEntityFallsBackToLWW(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// No per-field timestamps on the remote side.
	local := types.EntityVersion{
		EntityType: "customer", EntityID: "c-1", NodeID: "node-a",
		Timestamp:  base.Add(time.Minute),
		Payload:    json.RawMessage(`{"name":"Ada","phone":"555-0100"}`),
		FieldTimes: map[string]time.Time{"name": base, "phone": base},
	}
	remote := types.EntityVersion{
		EntityType: "customer", EntityID: "c-1", NodeID: "node-b",
		Timestamp:  base,
		Payload:    json.RawMessage(`{"name":"Grace","phone":"555-0200"}`),
	}

	res, err := Resolve("customer", local, remote)
	require.NoError(t, err)
	assert.True(t, res.AutoResolved)
	assert.Equal(t, types.StrategyLastWriteWins, res.Strategy)
	assert.JSONEq(t, `{"name":"Ada","phone":"555-0100"}`, string(res.Value))
}

func TestResolve_DerivedTotalsFlaggedForRederivation(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	local := types.EntityVersion{
		EntityType: "customer", EntityID: "c-1", NodeID: "node-a",
		Timestamp:  base,
		Payload:    json.RawMessage(`{"name":"Ada","loyalty_points":150}`),
		FieldTimes: map[string]time.Time{"name": base, "loyalty_points": base},
	}
	remote := types.EntityVersion{
		EntityType: "customer", EntityID: "c-1", NodeID: "node-b",
		Timestamp:  base,
		Payload:    json.RawMessage(`{"name":"Ada","loyalty_points":130}`),
		FieldTimes: map[string]time.Time{"name": base, "loyalty_points": base},
	}

	// Divergent totals with equal timestamps do not make the record
	// ambiguous: the total is re-derived from the audit trail.
	res, err := Resolve("customer", local, remote)
	require.NoError(t, err)
	assert.True(t, res.AutoResolved)
	assert.Equal(t, []string{"loyalty_points"}, res.DerivedFields)
}

func TestCategoryOf_UnknownTypesAreFinancial(t *testing.T) {
	assert.Equal(t, CategoryReference, CategoryOf("customer"))
	assert.Equal(t, CategoryReference, CategoryOf("vehicle"))
	assert.Equal(t, CategoryFinancial, CategoryOf("transaction"))
	assert.Equal(t, CategoryFinancial, CategoryOf("something_new"))
}
