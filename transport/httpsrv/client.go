package httpsrv

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Exported SSE event names as emitted by the stream endpoint.
const (
	StreamEventData  = "data"
	StreamEventEnd   = "end"
	StreamEventError = "error"
)

// StreamEvent is one decoded server-sent event.
type StreamEvent struct {
	// Name is the event: field; "message" when the server left it unset.
	Name string
	// Data is the data: payload, multi-line values joined with newlines.
	Data json.RawMessage
}

// StreamScanner decodes a text/event-stream body into events. It is the
// client-side counterpart of the stream endpoint: comment heartbeats are
// skipped, and each blank-line-terminated block yields one event.
type StreamScanner struct {
	sc  *bufio.Scanner
	err error
}

const maxStreamEventBytes = 1 << 20

// NewStreamScanner wraps the response body of a stream request.
func NewStreamScanner(r io.Reader) *StreamScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStreamEventBytes)
	return &StreamScanner{sc: sc}
}

// Next returns the next event, or io.EOF once the body is exhausted.
func (s *StreamScanner) Next() (*StreamEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	var name string
	var data []string
	flush := func() *StreamEvent {
		if name == "" && data == nil {
			return nil
		}
		ev := &StreamEvent{Name: name}
		if ev.Name == "" {
			ev.Name = "message"
		}
		if data != nil {
			ev.Data = json.RawMessage(strings.Join(data, "\n"))
		}
		return ev
	}
	for s.sc.Scan() {
		line := s.sc.Text()
		if line == "" {
			if ev := flush(); ev != nil {
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := s.sc.Err(); err != nil {
		s.err = err
		return nil, err
	}
	s.err = io.EOF
	// A final block without the trailing blank line still dispatches.
	if ev := flush(); ev != nil {
		return ev, nil
	}
	return nil, io.EOF
}
