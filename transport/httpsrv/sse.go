package httpsrv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/envelope"
	"github.com/raffelio/raffel/rferrors"
)

// SSE event names, derived from the stream frame types.
const (
	sseEventData  = "data"
	sseEventEnd   = "end"
	sseEventError = "error"
)

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		h.writeError(w, nil, "", rferrors.New(rferrors.CodeMethodNotAllowed, "streams are opened with GET or POST"))
		return
	}
	if !acceptable(r.Header.Get("Accept"), "text/event-stream") {
		h.writeError(w, nil, "", rferrors.New(rferrors.CodeNotAcceptable, "streams are text/event-stream"))
		return
	}

	in := h.callInfo(r)
	var payload json.RawMessage
	if r.Method == http.MethodPost {
		if !isJSONContent(r) {
			h.writeError(w, in, in.RequestID, rferrors.New(rferrors.CodeUnsupportedMediaType, "content type must be application/json"))
			return
		}
		body, err := h.readBody(r)
		if err != nil {
			h.writeError(w, in, in.RequestID, err)
			return
		}
		payload = body
	} else {
		payload = foldQuery(r.URL.Query())
	}

	env := &envelope.Envelope{
		ID:        in.RequestID,
		Procedure: name,
		Type:      envelope.TypeStreamStart,
		Payload:   payload,
		Metadata:  in.Metadata,
	}

	// The request context ends when the client disconnects; that is the
	// consumer-gone signal for the whole stream.
	ctx := call.NewContext(r.Context(), in)
	res, err := h.router.HandleStream(ctx, env, nil)
	if err != nil {
		h.writeError(w, in, in.RequestID, err)
		return
	}
	src := res.Stream
	if src == nil {
		h.writeError(w, in, in.RequestID, rferrors.New(rferrors.CodeInternal, "stream handler returned no source"))
		return
	}
	defer src.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, in, in.RequestID, rferrors.New(rferrors.CodeUnimplemented, "response writer cannot stream"))
		return
	}

	hdr := w.Header()
	for k, v := range in.ReplyMeta() {
		hdr.Set(http.CanonicalHeaderKey(k), v)
	}
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	hdr.Set("X-Request-Id", in.RequestID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sw := &sseWriter{w: w, flusher: flusher}

	// Comment heartbeats keep proxies from timing out idle streams. The
	// ticker goroutine shares the writer lock with the event loop.
	if h.cfg.Heartbeat > 0 {
		hbCtx, hbCancel := context.WithCancel(ctx)
		defer hbCancel()
		go func() {
			ticker := time.NewTicker(h.cfg.Heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-hbCtx.Done():
					return
				case <-ticker.C:
					_ = sw.comment("ping")
				}
			}
		}()
	}

	for {
		item, err := src.Next(ctx)
		switch {
		case err == nil:
			if werr := sw.event(sseEventData, item); werr != nil {
				h.log.Debug().Err(werr).Str("stream", name).Msg("sse write failed")
				return
			}
		case errors.Is(err, io.EOF):
			_ = sw.event(sseEventEnd, nil)
			return
		case ctx.Err() != nil:
			// Client gone; nothing left to write to.
			return
		default:
			_ = sw.event(sseEventError, rferrors.MarshalBody(err))
			return
		}
	}
}

// sseWriter serializes one SSE frame per call. The mutex covers the
// heartbeat goroutine racing the event loop.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// event writes one "event:"/"data:" pair. A nil payload renders as null
// so EventSource consumers still dispatch the frame.
func (s *sseWriter) event(name string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, "event: "+name+"\ndata: "); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, "\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, ": "+text+"\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
