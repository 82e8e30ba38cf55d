// Command raffel-call issues calls to a raffel server from the shell.
//
// Usage:
//
//	raffel-call [options] <address> <name> [<params>]
//
// The address form depends on the transport: a base URL for http
// (http://host:port[/base]), the endpoint URL for jsonrpc
// (http://host:port/rpc), a websocket URL for ws (ws://host:port/ws),
// and host:port for tcp. Params must be a JSON value; results print to
// stdout, one JSON document per line.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/raffelio/raffel/internal/contextutil"
	"github.com/raffelio/raffel/internal/defaults"
	rfversion "github.com/raffelio/raffel/internal/version"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/transport/httpsrv"
	"github.com/raffelio/raffel/transport/tcp"
	"github.com/raffelio/raffel/transport/ws"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func versionString() string {
	return rfversion.String(version, commit, date)
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// callSpec carries one resolved invocation across the transport runners.
type callSpec struct {
	addr    string
	name    string
	params  json.RawMessage
	notify  bool
	stream  bool
	pretty  bool
	headers http.Header
	dial    time.Duration
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("raffel-call", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := fs.Bool("version", false, "print version and exit")
	transport := fs.String("transport", "http", "transport to call over: http, jsonrpc, ws, or tcp")
	notify := fs.Bool("notify", false, "fire an event instead of a request (no result expected)")
	streamMode := fs.Bool("stream", false, "open a server stream and print each item on its own line")
	timeout := fs.Duration("timeout", 0, "overall call deadline (0 disables)")
	dialTimeout := fs.Duration("dial", defaults.ConnectTimeout, "connection timeout")
	pretty := fs.Bool("pretty", false, "indent JSON results")
	var meta stringSliceFlag
	fs.Var(&meta, "meta", "metadata header as key=value, http and jsonrpc transports only (repeatable)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: raffel-call [options] <address> <name> [<params>]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		_, _ = fmt.Fprintln(stdout, versionString())
		return 0
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 2
	}

	rest := fs.Args()
	if len(rest) < 2 || len(rest) > 3 {
		return usageErr("arguments are <address> <name> [<params>]")
	}
	spec := callSpec{
		addr:   rest[0],
		name:   rest[1],
		notify: *notify,
		stream: *streamMode,
		pretty: *pretty,
		dial:   *dialTimeout,
	}
	if len(rest) == 3 && rest[2] != "" {
		if !json.Valid([]byte(rest[2])) {
			return usageErr("params must be a valid JSON value")
		}
		spec.params = json.RawMessage(rest[2])
	}
	if spec.notify && spec.stream {
		return usageErr("-notify and -stream are mutually exclusive")
	}

	headers, err := parseMeta(meta)
	if err != nil {
		return usageErr(err.Error())
	}
	spec.headers = headers

	ctx, cancel := contextutil.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *transport {
	case "http":
		return callHTTP(ctx, spec, stdout, stderr)
	case "jsonrpc":
		if spec.stream {
			return usageErr("-stream is not available over jsonrpc; use http, ws, or tcp")
		}
		return callJSONRPC(ctx, spec, stdout, stderr)
	case "ws":
		if len(spec.headers) > 0 {
			return usageErr("-meta is not available over ws")
		}
		return callWS(ctx, spec, stdout, stderr)
	case "tcp":
		if len(spec.headers) > 0 {
			return usageErr("-meta is not available over tcp")
		}
		return callTCP(ctx, spec, stdout, stderr)
	default:
		return usageErr(fmt.Sprintf("unknown transport %q", *transport))
	}
}

// parseMeta turns key=value pairs into headers.
func parseMeta(pairs []string) (http.Header, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	h := make(http.Header, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid -meta %q, want key=value", p)
		}
		h.Set(k, strings.TrimSpace(v))
	}
	return h, nil
}

func printJSON(w io.Writer, raw json.RawMessage, pretty bool) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err == nil {
			_, _ = fmt.Fprintln(w, buf.String())
			return
		}
	}
	_, _ = fmt.Fprintln(w, string(bytes.TrimSpace(raw)))
}

// failBody renders a server error body to stderr; non-envelope bodies
// fall back to the raw status line.
func failBody(stderr io.Writer, status int, body []byte) int {
	var b rferrors.Body
	if err := json.Unmarshal(body, &b); err == nil && b.Code != "" {
		fmt.Fprintf(stderr, "%s: %s\n", b.Code, b.Message)
		if len(b.Details) > 0 {
			fmt.Fprintf(stderr, "details: %s\n", b.Details)
		}
		return 1
	}
	fmt.Fprintf(stderr, "http status %d: %s\n", status, bytes.TrimSpace(body))
	return 1
}

func callHTTP(ctx context.Context, spec callSpec, stdout io.Writer, stderr io.Writer) int {
	base := strings.TrimRight(spec.addr, "/")
	client := &http.Client{}

	if spec.stream {
		return streamHTTP(ctx, client, base, spec, stdout, stderr)
	}

	url := base + "/" + spec.name
	if spec.notify {
		url = base + "/events/" + spec.name
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(spec.params))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	for k, vv := range spec.headers {
		req.Header[k] = vv
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if resp.StatusCode >= 300 {
		return failBody(stderr, resp.StatusCode, body)
	}
	if spec.notify {
		return 0
	}
	printJSON(stdout, body, spec.pretty)
	return 0
}

func streamHTTP(ctx context.Context, client *http.Client, base string, spec callSpec, stdout io.Writer, stderr io.Writer) int {
	url := base + "/streams/" + spec.name
	method := http.MethodGet
	var body io.Reader
	if len(spec.params) > 0 {
		method = http.MethodPost
		body = bytes.NewReader(spec.params)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	for k, vv := range spec.headers {
		req.Header[k] = vv
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return failBody(stderr, resp.StatusCode, raw)
	}

	sc := httpsrv.NewStreamScanner(resp.Body)
	for {
		ev, err := sc.Next()
		if err == io.EOF {
			// Server closed without a terminal frame; treat as done.
			return 0
		}
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		switch ev.Name {
		case httpsrv.StreamEventData:
			printJSON(stdout, ev.Data, spec.pretty)
		case httpsrv.StreamEventEnd:
			return 0
		case httpsrv.StreamEventError:
			return failBody(stderr, http.StatusOK, ev.Data)
		}
	}
}

// jsonrpc wire shapes, client side.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func callJSONRPC(ctx context.Context, spec callSpec, stdout io.Writer, stderr io.Writer) int {
	reqBody := rpcRequest{JSONRPC: "2.0", Method: spec.name, Params: spec.params}
	if !spec.notify {
		id := int64(1)
		reqBody.ID = &id
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.addr, bytes.NewReader(raw))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	for k, vv := range spec.headers {
		req.Header[k] = vv
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if spec.notify {
		if resp.StatusCode >= 300 {
			return failBody(stderr, resp.StatusCode, body)
		}
		return 0
	}
	var out rpcResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return failBody(stderr, resp.StatusCode, body)
	}
	if out.Error != nil {
		fmt.Fprintf(stderr, "jsonrpc error %d: %s\n", out.Error.Code, out.Error.Message)
		if len(out.Error.Data) > 0 {
			fmt.Fprintf(stderr, "data: %s\n", out.Error.Data)
		}
		return 1
	}
	printJSON(stdout, out.Result, spec.pretty)
	return 0
}

func callWS(ctx context.Context, spec callSpec, stdout io.Writer, stderr io.Writer) int {
	c, err := ws.Connect(ctx, spec.addr, ws.ClientConfig{HandshakeTimeout: spec.dial})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer c.Close()
	return invoke(ctx, c, spec, stdout, stderr)
}

func callTCP(ctx context.Context, spec callSpec, stdout io.Writer, stderr io.Writer) int {
	c, err := tcp.Dial(ctx, spec.addr, tcp.ClientConfig{DialTimeout: spec.dial})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer c.Close()
	return invoke(ctx, c, spec, stdout, stderr)
}

// conn is the shared surface of the ws and tcp clients.
type conn interface {
	Call(ctx context.Context, procedure string, payload json.RawMessage) (json.RawMessage, error)
	Notify(ctx context.Context, name string, payload json.RawMessage) error
}

// itemSource is the stream surface shared by the two RemoteStream
// types; they are distinct structs, so the item loop works against
// Next/Close alone.
type itemSource interface {
	Next(ctx context.Context) (json.RawMessage, error)
	Close() error
}

func invoke(ctx context.Context, c conn, spec callSpec, stdout io.Writer, stderr io.Writer) int {
	switch {
	case spec.notify:
		if err := c.Notify(ctx, spec.name, spec.params); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	case spec.stream:
		var src itemSource
		var err error
		switch cl := c.(type) {
		case *ws.Client:
			src, err = cl.Stream(ctx, spec.name, spec.params)
		case *tcp.Client:
			src, err = cl.Stream(ctx, spec.name, spec.params)
		default:
			err = fmt.Errorf("transport cannot stream")
		}
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		defer src.Close()
		for {
			item, err := src.Next(ctx)
			if err == io.EOF {
				return 0
			}
			if err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
			printJSON(stdout, item, spec.pretty)
		}
	default:
		out, err := c.Call(ctx, spec.name, spec.params)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		printJSON(stdout, out, spec.pretty)
		return 0
	}
}
