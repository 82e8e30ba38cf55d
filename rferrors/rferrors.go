// Package rferrors defines the error taxonomy shared by every Raffel
// transport and the mappings onto HTTP statuses and JSON-RPC codes.
package rferrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/raffelio/raffel/envelope"
)

// Code is a stable, programmatic error identifier carried on error
// envelopes across all transports.
type Code string

const (
	CodeNotFound              Code = "NOT_FOUND"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeValidationError       Code = "VALIDATION_ERROR"
	CodeOutputValidationError Code = "OUTPUT_VALIDATION_ERROR"
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodePermissionDenied      Code = "PERMISSION_DENIED"
	CodeAlreadyExists         Code = "ALREADY_EXISTS"
	CodeFailedPrecondition    Code = "FAILED_PRECONDITION"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeResourceExhausted     Code = "RESOURCE_EXHAUSTED"
	CodeDeadlineExceeded      Code = "DEADLINE_EXCEEDED"
	CodeUnimplemented         Code = "UNIMPLEMENTED"
	CodeUnavailable           Code = "UNAVAILABLE"
	CodeCancelled             Code = "CANCELLED"
	CodeDataLoss              Code = "DATA_LOSS"
	CodeInternal              Code = "INTERNAL_ERROR"

	// Transport-local codes, produced by adapters rather than handlers.
	CodeParseError           Code = "PARSE_ERROR"
	CodeInvalidEnvelope      Code = "INVALID_ENVELOPE"
	CodeMessageTooLarge      Code = "MESSAGE_TOO_LARGE"
	CodeMethodNotAllowed     Code = "METHOD_NOT_ALLOWED"
	CodeUnsupportedMediaType Code = "UNSUPPORTED_MEDIA_TYPE"
	CodeNotAcceptable        Code = "NOT_ACCEPTABLE"
)

// Error is a structured error with a taxonomy code. Details is an opaque
// JSON value surfaced verbatim on the wire, e.g. validator diagnostics.
type Error struct {
	Code    Code
	Message string
	Details json.RawMessage
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details json.RawMessage) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// New builds an *Error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that wraps err for errors.Is/As chains.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Classify normalizes any error to an *Error. Context cancellation and
// deadline errors map to their taxonomy codes; unknown errors become
// INTERNAL_ERROR with a generic message so internals never reach the wire.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(CodeCancelled, "call cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeDeadlineExceeded, "deadline exceeded", err)
	}
	return Wrap(CodeInternal, "internal error", err)
}

// CodeOf reports the taxonomy code for err.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return Classify(err).Code
}

// Body is the wire payload of an error envelope and of stream:error frames.
type Body struct {
	Code    Code            `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// BodyOf renders err as its wire payload.
func BodyOf(err error) Body {
	e := Classify(err)
	return Body{Code: e.Code, Message: e.Message, Details: e.Details}
}

// MarshalBody renders err as wire payload bytes. It never fails.
func MarshalBody(err error) json.RawMessage {
	b, mErr := json.Marshal(BodyOf(err))
	if mErr != nil {
		return json.RawMessage(`{"code":"INTERNAL_ERROR","message":"internal error"}`)
	}
	return b
}

// ToEnvelope renders err as the error envelope answering requestID.
func ToEnvelope(requestID string, err error) *envelope.Envelope {
	env := &envelope.Envelope{Type: envelope.TypeError, Payload: MarshalBody(err)}
	if requestID != "" {
		env.ID = envelope.ErrorID(requestID)
	}
	return env
}

// ToStreamError renders err as the stream:error frame for requestID.
func ToStreamError(requestID string, err error) *envelope.Envelope {
	return &envelope.Envelope{ID: requestID, Type: envelope.TypeStreamError, Payload: MarshalBody(err)}
}

// HTTPStatus maps a taxonomy code to its HTTP response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument, CodeValidationError, CodeParseError, CodeInvalidEnvelope:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case CodeRateLimited, CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case CodeUnimplemented:
		return http.StatusNotImplemented
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeCancelled:
		return 499
	case CodeMessageTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case CodeNotAcceptable:
		return http.StatusNotAcceptable
	default:
		return http.StatusInternalServerError
	}
}

// JSON-RPC 2.0 error codes. The -32000 range carries taxonomy codes that
// have no standard equivalent.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// JSONRPCCode maps a taxonomy code to its JSON-RPC error code.
func JSONRPCCode(code Code) int {
	switch code {
	case CodeNotFound, CodeUnimplemented:
		return JSONRPCMethodNotFound
	case CodeInvalidArgument, CodeValidationError:
		return JSONRPCInvalidParams
	case CodeUnauthenticated:
		return -32002
	case CodePermissionDenied:
		return -32003
	case CodeAlreadyExists:
		return -32004
	case CodeRateLimited, CodeResourceExhausted:
		return -32005
	case CodeUnavailable:
		return -32000
	case CodeParseError:
		return JSONRPCParseError
	case CodeInvalidEnvelope, CodeMessageTooLarge, CodeMethodNotAllowed,
		CodeUnsupportedMediaType, CodeNotAcceptable:
		return JSONRPCInvalidRequest
	default:
		return JSONRPCInternalError
	}
}
