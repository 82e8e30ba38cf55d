// Package httpsrv adapts the router to HTTP: procedures as plain REST
// calls, streams as Server-Sent Events, events as fire-and-forget posts.
//
// URL grammar under the optional base path:
//
//	POST /<name>            procedure call, body = input payload
//	GET|POST /streams/<name>  stream call (SSE); GET folds query params
//	POST /events/<name>     event, acknowledged with 202
package httpsrv

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/internal/defaults"
	"github.com/raffelio/raffel/internal/requestid"
	"github.com/raffelio/raffel/origin"
	"github.com/raffelio/raffel/protocolio"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
)

// Config controls the HTTP adapter.
type Config struct {
	// BasePath is stripped from every request path. Empty mounts the
	// adapter at the server root.
	BasePath string
	// MaxBodyBytes caps request bodies; <= 0 selects the 1 MiB default.
	MaxBodyBytes int64
	// AllowedOrigins is the CORS allowlist (see origin.Allowed). Empty
	// denies every browser origin.
	AllowedOrigins []string
	// AllowNoOrigin admits requests that carry no Origin header.
	// Non-browser clients send none.
	AllowNoOrigin bool
	// Heartbeat is the SSE comment cadence while a stream is idle;
	// <= 0 selects the default.
	Heartbeat time.Duration
	// Logger receives adapter faults (dropped events, write failures).
	Logger zerolog.Logger
}

// DefaultConfig returns the adapter defaults: 1 MiB bodies, no browser
// origins, non-browser clients admitted.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:  defaults.MaxBodyBytes,
		AllowNoOrigin: true,
		Heartbeat:     defaults.StreamHeartbeat,
	}
}

// Handler serves the REST surface over one router.
type Handler struct {
	router *router.Router
	cfg    Config
	log    zerolog.Logger
}

// New returns the HTTP adapter for r.
func New(r *router.Router, cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaults.StreamHeartbeat
	}
	cfg.BasePath = normalizeBasePath(cfg.BasePath)
	return &Handler{router: r, cfg: cfg, log: cfg.Logger}
}

func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

type routeKind int

const (
	routeProcedure routeKind = iota
	routeStream
	routeEvent
)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.preflight(w, r)
		return
	}
	if !h.admitOrigin(w, r) {
		h.writeError(w, nil, "", rferrors.New(rferrors.CodePermissionDenied, "origin not allowed"))
		return
	}
	kind, name, ok := h.route(r.URL.Path)
	if !ok {
		h.writeError(w, nil, "", rferrors.New(rferrors.CodeNotFound, "no such route"))
		return
	}
	switch kind {
	case routeStream:
		h.serveStream(w, r, name)
	case routeEvent:
		h.serveEvent(w, r, name)
	default:
		h.serveProcedure(w, r, name)
	}
}

// route resolves a request path to a call kind and handler name.
func (h *Handler) route(path string) (routeKind, string, bool) {
	p := path
	if h.cfg.BasePath != "" {
		var ok bool
		p, ok = strings.CutPrefix(p, h.cfg.BasePath)
		if !ok {
			return 0, "", false
		}
	}
	p = strings.Trim(p, "/")
	if rest, ok := strings.CutPrefix(p, "streams/"); ok {
		return routeStream, rest, envelope.ValidName(rest)
	}
	if rest, ok := strings.CutPrefix(p, "events/"); ok {
		return routeEvent, rest, envelope.ValidName(rest)
	}
	return routeProcedure, p, envelope.ValidName(p)
}

func (h *Handler) serveProcedure(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		h.writeError(w, nil, "", rferrors.New(rferrors.CodeMethodNotAllowed, "procedures are called with POST"))
		return
	}
	if !isJSONContent(r) {
		h.writeError(w, nil, "", rferrors.New(rferrors.CodeUnsupportedMediaType, "content type must be application/json"))
		return
	}
	if !acceptable(r.Header.Get("Accept"), "application/json") {
		h.writeError(w, nil, "", rferrors.New(rferrors.CodeNotAcceptable, "responses are application/json"))
		return
	}

	in := h.callInfo(r)
	payload, err := h.readBody(r)
	if err != nil {
		h.writeError(w, in, in.RequestID, err)
		return
	}
	env := envelope.NewRequest(in.RequestID, name, payload)
	env.Metadata = in.Metadata

	res, err := h.router.Handle(call.NewContext(r.Context(), in), env)
	if err != nil {
		h.writeError(w, in, in.RequestID, err)
		return
	}
	h.writeResult(w, in, res.Payload)
}

func (h *Handler) serveEvent(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		h.writeError(w, nil, "", rferrors.New(rferrors.CodeMethodNotAllowed, "events are posted with POST"))
		return
	}
	if !isJSONContent(r) {
		h.writeError(w, nil, "", rferrors.New(rferrors.CodeUnsupportedMediaType, "content type must be application/json"))
		return
	}

	in := h.callInfo(r)
	payload, err := h.readBody(r)
	if err != nil {
		h.writeError(w, in, in.RequestID, err)
		return
	}
	env := envelope.NewEvent(in.RequestID, name, payload)
	env.Metadata = in.Metadata

	// Fire-and-forget: routing and handler outcomes stay server-side.
	if _, err := h.router.Handle(call.NewContext(r.Context(), in), env); err != nil {
		h.log.Warn().Err(err).Str("event", name).Str("request_id", in.RequestID).Msg("event dropped")
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "application/json")
	hdr.Set("X-Request-Id", in.RequestID)
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(router.EventAck)
}

// callInfo builds the per-call record from request headers. Lower-cased
// x-* headers and authorization travel as metadata.
func (h *Handler) callInfo(r *http.Request) *call.Info {
	reqID := requestid.Normalize(r.Header.Get("X-Request-Id"))
	if requestid.Validate(reqID) != nil {
		reqID = requestid.New("req")
	}
	md := make(map[string]string, 8)
	for k, vv := range r.Header {
		if len(vv) == 0 {
			continue
		}
		lk := strings.ToLower(k)
		if lk == "authorization" || strings.HasPrefix(lk, "x-") {
			md[lk] = vv[0]
		}
	}
	md["x-request-id"] = reqID
	return &call.Info{
		RequestID:  reqID,
		Transport:  call.TransportHTTP,
		RemoteAddr: r.RemoteAddr,
		Metadata:   md,
	}
}

func (h *Handler) readBody(r *http.Request) (json.RawMessage, error) {
	body, err := protocolio.ReadAllLimit(r.Body, h.cfg.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, protocolio.ErrInputTooLarge) {
			return nil, rferrors.New(rferrors.CodeMessageTooLarge, "request body too large")
		}
		return nil, rferrors.Wrap(rferrors.CodeInternal, "read request body", err)
	}
	if len(body) > 0 && !json.Valid(body) {
		return nil, rferrors.New(rferrors.CodeParseError, "request body is not valid JSON")
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

func (h *Handler) writeResult(w http.ResponseWriter, in *call.Info, payload json.RawMessage) {
	hdr := w.Header()
	for k, v := range in.ReplyMeta() {
		hdr.Set(http.CanonicalHeaderKey(k), v)
	}
	hdr.Set("Content-Type", "application/json")
	hdr.Set("X-Request-Id", in.RequestID)
	w.WriteHeader(http.StatusOK)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	_, _ = w.Write(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, in *call.Info, requestID string, err error) {
	e := rferrors.Classify(err)
	hdr := w.Header()
	if in != nil {
		for k, v := range in.ReplyMeta() {
			hdr.Set(http.CanonicalHeaderKey(k), v)
		}
	}
	if requestID != "" {
		hdr.Set("X-Request-Id", requestID)
	}
	hdr.Set("Content-Type", "application/json")
	w.WriteHeader(rferrors.HTTPStatus(e.Code))
	_, _ = w.Write(rferrors.MarshalBody(e))
}

// admitOrigin enforces the CORS allowlist and sets the response origin
// headers for admitted browser requests.
func (h *Handler) admitOrigin(w http.ResponseWriter, r *http.Request) bool {
	o := r.Header.Get("Origin")
	if !origin.Allowed(o, h.cfg.AllowedOrigins, h.cfg.AllowNoOrigin) {
		return false
	}
	if o != "" {
		hdr := w.Header()
		hdr.Set("Access-Control-Allow-Origin", o)
		hdr.Add("Vary", "Origin")
	}
	return true
}

func (h *Handler) preflight(w http.ResponseWriter, r *http.Request) {
	if !h.admitOrigin(w, r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	reqHeaders := r.Header.Get("Access-Control-Request-Headers")
	if reqHeaders == "" {
		reqHeaders = "Authorization, Content-Type, X-Request-Id"
	}
	hdr.Set("Access-Control-Allow-Headers", reqHeaders)
	hdr.Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// isJSONContent reports whether the request body, if any, is declared as
// application/json.
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

// acceptable reports whether the Accept header admits mediaType. Absent
// headers accept everything.
func acceptable(header, mediaType string) bool {
	if strings.TrimSpace(header) == "" {
		return true
	}
	want := strings.SplitN(mediaType, "/", 2)
	for _, part := range strings.Split(header, ",") {
		mt := strings.TrimSpace(part)
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		if mt == "*/*" || strings.EqualFold(mt, mediaType) {
			return true
		}
		if got := strings.SplitN(mt, "/", 2); len(got) == 2 && got[1] == "*" && strings.EqualFold(got[0], want[0]) {
			return true
		}
	}
	return false
}

// foldQuery builds a stream input payload from URL query parameters.
// Values that parse as JSON literals keep their type; everything else
// folds in as a string. Repeated keys keep the last value.
func foldQuery(q url.Values) json.RawMessage {
	if len(q) == 0 {
		return nil
	}
	obj := make(map[string]json.RawMessage, len(q))
	for k, vv := range q {
		if len(vv) == 0 {
			continue
		}
		v := vv[len(vv)-1]
		if json.Valid([]byte(v)) {
			obj[k] = json.RawMessage(v)
			continue
		}
		s, err := json.Marshal(v)
		if err != nil {
			continue
		}
		obj[k] = s
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	return b
}
