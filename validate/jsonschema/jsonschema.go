// Package jsonschema adapts github.com/santhosh-tekuri/jsonschema to the
// validate.Validator contract.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/raffelio/raffel/validate"
)

// Compile parses and compiles one inline JSON Schema document into a
// schema handle accepted by Validator.
func Compile(doc json.RawMessage) (validate.Schema, error) {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inline.json", v); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("inline.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// MustCompile is Compile for registration-time schemas that are known to
// be valid; it panics on error.
func MustCompile(doc string) validate.Schema {
	s, err := Compile(json.RawMessage(doc))
	if err != nil {
		panic(err)
	}
	return s
}

// Validator validates payloads against compiled JSON Schema handles.
type Validator struct{}

// New returns a ready Validator.
func New() *Validator { return &Validator{} }

// Validate implements validate.Validator. The input is returned unchanged
// on success; JSON Schema validation never rewrites values.
func (*Validator) Validate(schema validate.Schema, value json.RawMessage) (json.RawMessage, error) {
	s, ok := schema.(*jsonschema.Schema)
	if !ok {
		return nil, &validate.Error{Message: fmt.Sprintf("schema handle is %T, not a compiled JSON Schema", schema)}
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(value))
	if err != nil {
		return nil, &validate.Error{Message: "payload is not valid JSON"}
	}
	if err := s.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			diag, merr := json.Marshal(ve.BasicOutput())
			if merr != nil {
				diag = nil
			}
			return nil, &validate.Error{Message: "payload does not match schema", Diagnostic: diag}
		}
		return nil, &validate.Error{Message: err.Error()}
	}
	return value, nil
}
