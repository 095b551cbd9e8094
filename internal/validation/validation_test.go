package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/forecourt/syncd/internal/types"
)

func TestValidateMutation_Valid(t *testing.T) {
	mut := types.Mutation{
		EntityType: "transaction",
		EntityID:   "tx-1",
		Kind:       types.OpCreate,
		Payload:    json.RawMessage(`{"amount":100}`),
		ActorID:    "cashier-1",
		StoreID:    "store-7",
	}
	if errs := ValidateMutation(mut); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}

	// Deletes carry no payload.
	mut.Kind = types.OpDelete
	mut.Payload = nil
	if errs := ValidateMutation(mut); len(errs) != 0 {
		t.Errorf("expected no errors for payload-less delete, got %v", errs)
	}
}

func TestValidateMutation_CollectsAllFailures(t *testing.T) {
	mut := types.Mutation{
		EntityType: strings.Repeat("x", 65),
		Kind:       types.OperationKind("upsert"),
		Payload:    json.RawMessage(`{not json`),
	}
	errs := ValidateMutation(mut)

	fields := map[string]int{}
	for _, e := range errs {
		fields[e.Field]++
	}
	for _, want := range []string{"entity_type", "entity_id", "operation_kind", "actor_id", "store_id", "payload"} {
		if fields[want] == 0 {
			t.Errorf("expected an error for %s, got %v", want, errs)
		}
	}
}

func TestValidateMutation_PayloadRequiredForWrites(t *testing.T) {
	mut := types.Mutation{
		EntityType: "transaction",
		EntityID:   "tx-1",
		Kind:       types.OpUpdate,
		ActorID:    "cashier-1",
		StoreID:    "store-7",
	}
	errs := ValidateMutation(mut)
	if len(errs) != 1 || errs[0].Field != "payload" {
		t.Errorf("expected a single payload error, got %v", errs)
	}
}

func TestValidateULID(t *testing.T) {
	if err := ValidateULID("operation_id", "01HZXF0001TESTKEY000000000"); err != nil {
		t.Errorf("expected valid ULID, got %v", err)
	}
	if err := ValidateULID("operation_id", "too-short"); err == nil {
		t.Error("expected length error")
	}
	// I, L, O, U are excluded from Crockford Base32.
	if err := ValidateULID("operation_id", "01HZXF0001TESTKEYILOU00000"); err == nil {
		t.Error("expected alphabet error")
	}
}

func TestCollector(t *testing.T) {
	var c Collector
	c.Add(nil)
	if c.HasErrors() {
		t.Error("nil adds must be ignored")
	}
	c.Add(&ValidationError{Field: "a", Message: "is required"})
	c.Add(ValidateRequired("b", "  "))
	if len(c.Errors()) != 2 {
		t.Errorf("expected 2 errors, got %d", len(c.Errors()))
	}
}
