// Package validate defines the pluggable payload validation contract.
// Schemas are opaque handles: the registry stores them, the router hands
// them to the configured Validator, and only the validator implementation
// knows their concrete type.
package validate

import "encoding/json"

// Schema is an opaque schema handle interpreted by a Validator.
type Schema any

// Validator checks a raw JSON payload against a schema and returns the
// value to pass on, which may be a normalized copy of the input.
// Implementations must be safe for concurrent use.
type Validator interface {
	Validate(schema Schema, value json.RawMessage) (json.RawMessage, error)
}

// Error describes a schema violation. Diagnostic is validator-specific
// JSON surfaced to callers in the error details.
type Error struct {
	Message    string
	Diagnostic json.RawMessage
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Exporter is implemented by validators that can render their schemas as
// JSON Schema documents, e.g. for documentation endpoints.
type Exporter interface {
	ToJSONSchema(schema Schema) (json.RawMessage, error)
}
