// Package validation provides request-level field validation helpers.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/forecourt/syncd/internal/types"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateRequired returns an error when the value is empty.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateJSON returns an error when the value is not well-formed JSON.
func ValidateJSON(field string, value json.RawMessage) *ValidationError {
	if len(value) == 0 {
		return nil
	}
	if !json.Valid(value) {
		return &ValidationError{Field: field, Message: "must be valid JSON"}
	}
	return nil
}

// ValidateOperationKind returns an error for unknown mutation kinds.
func ValidateOperationKind(field string, kind types.OperationKind) *ValidationError {
	switch kind {
	case types.OpCreate, types.OpUpdate, types.OpDelete:
		return nil
	default:
		return &ValidationError{
			Field:   field,
			Message: "must be one of create, update, delete",
		}
	}
}

// ValidateMutation checks the structural validity of a mutation
// descriptor. Business validation happened upstream; this guards only
// against malformed requests.
func ValidateMutation(mut types.Mutation) []ValidationError {
	var c Collector
	c.Add(ValidateRequired("entity_type", mut.EntityType))
	c.Add(ValidateMaxLength("entity_type", mut.EntityType, 64))
	c.Add(ValidateRequired("entity_id", mut.EntityID))
	c.Add(ValidateMaxLength("entity_id", mut.EntityID, 128))
	c.Add(ValidateOperationKind("operation_kind", mut.Kind))
	c.Add(ValidateRequired("actor_id", mut.ActorID))
	c.Add(ValidateRequired("store_id", mut.StoreID))
	c.Add(ValidateJSON("payload", mut.Payload))
	if mut.Kind != types.OpDelete && len(mut.Payload) == 0 {
		c.Add(&ValidationError{Field: "payload", Message: "is required for create and update"})
	}
	return c.Errors()
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{
			Field:   field,
			Message: "must be a valid ULID (26 characters)",
		}
	}
	const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range value {
		if !strings.ContainsRune(alphabet, r) {
			return &ValidationError{
				Field:   field,
				Message: "must use Crockford Base32 characters",
			}
		}
	}
	return nil
}
