// Package envelope defines the wire message shared by every Raffel
// transport: a typed, correlated JSON object carrying one request,
// response, event, or stream frame.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies the role of an envelope within a call.
type Type string

const (
	TypeRequest     Type = "request"
	TypeResponse    Type = "response"
	TypeEvent       Type = "event"
	TypeStreamStart Type = "stream:start"
	TypeStreamData  Type = "stream:data"
	TypeStreamEnd   Type = "stream:end"
	TypeStreamError Type = "stream:error"
	TypeError       Type = "error"
)

// Valid reports whether t is one of the eight wire types.
func (t Type) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeEvent,
		TypeStreamStart, TypeStreamData, TypeStreamEnd, TypeStreamError,
		TypeError:
		return true
	}
	return false
}

// Stream reports whether t is one of the stream:* frame types.
func (t Type) Stream() bool {
	switch t {
	case TypeStreamStart, TypeStreamData, TypeStreamEnd, TypeStreamError:
		return true
	}
	return false
}

const (
	// ResponseSuffix is appended to a request id to form its response id.
	ResponseSuffix = ":response"
	// ErrorSuffix is appended to a request id to form its error id.
	ErrorSuffix = ":error"
)

var (
	// ErrMalformed indicates the bytes were not valid JSON.
	ErrMalformed = errors.New("malformed envelope")
	// ErrInvalid indicates valid JSON that violates the envelope contract.
	ErrInvalid = errors.New("invalid envelope")
)

// Envelope is the uniform message exchanged on every transport.
//
// Unknown top-level JSON fields are ignored on decode. Payload is kept
// opaque; handlers and validators interpret it.
type Envelope struct {
	ID        string            `json:"id,omitempty"`
	Procedure string            `json:"procedure,omitempty"`
	Type      Type              `json:"type"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ResponseID derives the response id for a request id.
func ResponseID(requestID string) string { return requestID + ResponseSuffix }

// ErrorID derives the error id for a request id.
func ErrorID(requestID string) string { return requestID + ErrorSuffix }

// ValidName reports whether name is a well-formed procedure, event, or
// stream name: dot-separated segments, each starting with a letter
// followed by letters, digits, or underscores.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	segStart := true
	for i := 0; i < len(name); i++ {
		c := name[i]
		if segStart {
			if !isAlpha(c) {
				return false
			}
			segStart = false
			continue
		}
		if c == '.' {
			segStart = true
			continue
		}
		if !isAlpha(c) && !isDigit(c) && c != '_' {
			return false
		}
	}
	return !segStart
}

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// Validate checks the structural contract for e's type. Violations wrap
// ErrInvalid so transports can distinguish them from JSON syntax errors.
func (e *Envelope) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, string(e.Type))
	}
	switch e.Type {
	case TypeRequest, TypeStreamStart:
		if e.ID == "" {
			return fmt.Errorf("%w: %s requires id", ErrInvalid, e.Type)
		}
		if e.Procedure == "" {
			return fmt.Errorf("%w: %s requires procedure", ErrInvalid, e.Type)
		}
	case TypeEvent:
		if e.Procedure == "" {
			return fmt.Errorf("%w: event requires procedure", ErrInvalid)
		}
	case TypeStreamData, TypeStreamEnd, TypeStreamError, TypeResponse, TypeError:
		if e.ID == "" {
			return fmt.Errorf("%w: %s requires id", ErrInvalid, e.Type)
		}
	}
	if e.Procedure != "" && !ValidName(e.Procedure) {
		return fmt.Errorf("%w: bad procedure name %q", ErrInvalid, e.Procedure)
	}
	return nil
}

// Decode parses and validates one wire envelope. JSON syntax errors wrap
// ErrMalformed; contract violations wrap ErrInvalid.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Encode marshals e to its wire form.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// NewRequest builds a request envelope.
func NewRequest(id, procedure string, payload json.RawMessage) *Envelope {
	return &Envelope{ID: id, Procedure: procedure, Type: TypeRequest, Payload: payload}
}

// NewResponse builds the response envelope for a request.
func NewResponse(requestID, procedure string, payload json.RawMessage) *Envelope {
	return &Envelope{ID: ResponseID(requestID), Procedure: procedure, Type: TypeResponse, Payload: payload}
}

// NewEvent builds an event envelope.
func NewEvent(id, name string, payload json.RawMessage) *Envelope {
	return &Envelope{ID: id, Procedure: name, Type: TypeEvent, Payload: payload}
}

// CloneMetadata returns a copy of e's metadata, never nil.
func (e *Envelope) CloneMetadata() map[string]string {
	out := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		out[k] = v
	}
	return out
}
