// Package jsonrpc adapts the router to JSON-RPC 2.0 over HTTP POST: one
// endpoint accepting single requests, batches, and notifications.
//
// The wire format is plain JSON-RPC 2.0 plus one extension: an optional
// `_meta` object of string pairs forwarded into envelope metadata.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/internal/defaults"
	"github.com/raffelio/raffel/internal/requestid"
	"github.com/raffelio/raffel/protocolio"
	"github.com/raffelio/raffel/registry"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
)

// Config controls the JSON-RPC adapter.
type Config struct {
	// MaxBodyBytes caps request bodies; <= 0 selects the 1 MiB default.
	MaxBodyBytes int64
	// Logger receives adapter faults (dropped notifications, write failures).
	Logger zerolog.Logger
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{MaxBodyBytes: defaults.MaxBodyBytes}
}

// Handler serves JSON-RPC 2.0 over one router. Mount it at the RPC
// endpoint path; the handler itself is path-agnostic.
type Handler struct {
	router *router.Router
	cfg    Config
	log    zerolog.Logger
}

// New returns the JSON-RPC adapter for r.
func New(r *router.Router, cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	return &Handler{router: r, cfg: cfg, log: cfg.Logger}
}

// wireRequest is one JSON-RPC 2.0 request object. ID distinguishes calls
// from notifications: nil means the member was absent.
type wireRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  json.RawMessage   `json:"params"`
	Meta    map[string]string `json:"_meta"`
}

// wireResponse is one JSON-RPC 2.0 response object. A nil ID marshals as
// null, the JSON-RPC 2.0 rule for undetectable request ids.
type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

// wireError is the error member of a response. Data carries the taxonomy
// body so clients can recover the stable code across transports.
type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const version = "2.0"

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		h.writeRejection(w, http.StatusMethodNotAllowed, rferrors.New(rferrors.CodeMethodNotAllowed, "JSON-RPC requests use POST"))
		return
	}
	if !isJSONContent(r) {
		h.writeRejection(w, http.StatusUnsupportedMediaType, rferrors.New(rferrors.CodeUnsupportedMediaType, "content type must be application/json"))
		return
	}
	body, err := protocolio.ReadAllLimit(r.Body, h.cfg.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, protocolio.ErrInputTooLarge) {
			h.writeRejection(w, http.StatusRequestEntityTooLarge, rferrors.New(rferrors.CodeMessageTooLarge, "request body too large"))
			return
		}
		h.writeRejection(w, http.StatusInternalServerError, rferrors.Wrap(rferrors.CodeInternal, "read request body", err))
		return
	}

	switch firstByte(body) {
	case '[':
		h.serveBatch(w, r, body)
	default:
		h.serveSingle(w, r, body)
	}
}

func (h *Handler) serveSingle(w http.ResponseWriter, r *http.Request, body []byte) {
	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		h.writeJSON(w, http.StatusOK, errorResponse(nil, rferrors.New(rferrors.CodeParseError, "request is not valid JSON")))
		return
	}
	resp := h.dispatch(r, raw)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) serveBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		h.writeJSON(w, http.StatusOK, errorResponse(nil, rferrors.New(rferrors.CodeParseError, "batch is not valid JSON")))
		return
	}
	if len(entries) == 0 {
		h.writeJSON(w, http.StatusOK, errorResponse(nil, rferrors.New(rferrors.CodeInvalidEnvelope, "empty batch")))
		return
	}

	// One goroutine per entry; responses collect in completion order.
	var (
		mu        sync.Mutex
		responses = make([]*wireResponse, 0, len(entries))
		wg        sync.WaitGroup
	)
	for _, entry := range entries {
		wg.Add(1)
		go func(raw json.RawMessage) {
			defer wg.Done()
			if resp := h.dispatch(r, raw); resp != nil {
				mu.Lock()
				responses = append(responses, resp)
				mu.Unlock()
			}
		}(entry)
	}
	wg.Wait()

	if len(responses) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, responses)
}

// dispatch routes one request object and renders its response. It returns
// nil for notifications, which never produce a response entry.
func (h *Handler) dispatch(r *http.Request, raw json.RawMessage) *wireResponse {
	var req wireRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, rferrors.New(rferrors.CodeInvalidEnvelope, "request must be an object"))
	}
	id := req.ID
	if !validID(id) {
		return errorResponse(nil, rferrors.New(rferrors.CodeInvalidEnvelope, "id must be a string, number, or null"))
	}
	if req.JSONRPC != version {
		return errorResponse(id, rferrors.Newf(rferrors.CodeInvalidEnvelope, "jsonrpc must be %q", version))
	}
	if req.Method == "" {
		return errorResponse(id, rferrors.New(rferrors.CodeInvalidEnvelope, "method is required"))
	}
	notification := id == nil

	payload, err := foldParams(req.Params)
	if err != nil {
		if notification {
			h.log.Debug().Err(err).Str("method", req.Method).Msg("notification dropped")
			return nil
		}
		return errorResponse(id, err)
	}

	reqID := idText(id)
	if notification {
		reqID = requestid.New("rpc")
	}

	// The wire carries no envelope type; the handler kind picks one, so
	// an id-bearing call to an event name is acknowledged like any event.
	typ := envelope.TypeRequest
	if reg, ok := h.router.Registry().Lookup(req.Method); ok {
		switch reg.Def.Kind {
		case registry.KindEvent:
			typ = envelope.TypeEvent
		case registry.KindStream:
			if notification {
				h.log.Debug().Str("method", req.Method).Msg("stream notification dropped")
				return nil
			}
			return errorResponse(id, rferrors.New(rferrors.CodeUnimplemented, "streams require a streaming transport"))
		}
	}

	in := h.callInfo(r, reqID, req.Meta)
	env := &envelope.Envelope{ID: reqID, Procedure: req.Method, Type: typ, Payload: payload, Metadata: in.Metadata}

	res, routeErr := h.router.Handle(call.NewContext(r.Context(), in), env)
	if notification {
		if routeErr != nil {
			h.log.Warn().Err(routeErr).Str("method", req.Method).Msg("notification failed")
		}
		return nil
	}
	if routeErr != nil {
		return errorResponse(id, routeErr)
	}
	result := res.Payload
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return &wireResponse{JSONRPC: version, ID: id, Result: result}
}

// callInfo builds the per-call record: authorization and x-* headers plus
// the request's _meta pairs, which win on key collisions.
func (h *Handler) callInfo(r *http.Request, reqID string, meta map[string]string) *call.Info {
	md := make(map[string]string, len(meta)+4)
	for k, vv := range r.Header {
		if len(vv) == 0 {
			continue
		}
		lk := strings.ToLower(k)
		if lk == "authorization" || strings.HasPrefix(lk, "x-") {
			md[lk] = vv[0]
		}
	}
	for k, v := range meta {
		md[k] = v
	}
	md["x-request-id"] = reqID
	return &call.Info{
		RequestID:  reqID,
		Transport:  call.TransportJSONRPC,
		RemoteAddr: r.RemoteAddr,
		Metadata:   md,
	}
}

// foldParams maps the params member onto an envelope payload: an object
// passes through, a one-element array unwraps, a longer array stays an
// array. Other types are invalid per JSON-RPC 2.0.
func foldParams(params json.RawMessage) (json.RawMessage, error) {
	switch firstByte(params) {
	case 0:
		return nil, nil
	case '{':
		return params, nil
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(params, &elems); err != nil {
			return nil, rferrors.New(rferrors.CodeParseError, "params is not valid JSON")
		}
		if len(elems) == 1 {
			return elems[0], nil
		}
		return params, nil
	case 'n':
		if string(params) == "null" {
			return nil, nil
		}
	}
	return nil, rferrors.New(rferrors.CodeInvalidArgument, "params must be an object or array")
}

// validID admits absent, string, number, and null ids.
func validID(id json.RawMessage) bool {
	switch firstByte(id) {
	case '{', '[':
		return false
	}
	return true
}

// idText renders a present id as the envelope request id: strings unwrap,
// numbers and null keep their JSON text.
func idText(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

func errorResponse(id json.RawMessage, err error) *wireResponse {
	e := rferrors.Classify(err)
	return &wireResponse{
		JSONRPC: version,
		ID:      id,
		Error: &wireError{
			Code:    rferrors.JSONRPCCode(e.Code),
			Message: e.Message,
			Data:    rferrors.MarshalBody(e),
		},
	}
}

// writeRejection renders a transport-level refusal (bad method, media
// type, size) as an error response with a non-200 status.
func (h *Handler) writeRejection(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse(nil, err))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug().Err(err).Msg("response write failed")
	}
}

func isJSONContent(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return r.ContentLength == 0
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json"
}

// firstByte returns the first non-whitespace byte, or 0 for blank input.
func firstByte(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c
	}
	return 0
}
