// Command raffel-server boots the full multi-transport service suite
// with a small demo surface registered: typed procedures, a countdown
// stream, a running-totals stream, an audit event sink, and a pair of
// pub/sub channels. It is the reference deployment of the framework
// and doubles as the interop target for the raffel-call tool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/raffelio/raffel/internal/cmdutil"
	"github.com/raffelio/raffel/internal/logutil"
	rfversion "github.com/raffelio/raffel/internal/version"
	"github.com/raffelio/raffel/server"
	"github.com/raffelio/raffel/trace/oteltrace"
	"github.com/raffelio/raffel/validate/jsonschema"
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

// ready is the one-line JSON blob printed to stdout once every listener
// is bound. Harnesses parse it to discover the ephemeral ports.
type ready struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	Listen     string `json:"listen"`
	BasePath   string `json:"base_path,omitempty"`
	HTTPURL    string `json:"http_url"`
	RPCURL     string `json:"rpc_url"`
	WSURL      string `json:"ws_url"`
	HealthzURL string `json:"healthz_url"`
	TCPAddr    string `json:"tcp_addr,omitempty"`
	UDPAddr    string `json:"udp_addr,omitempty"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func writeReadyJSON(w io.Writer, v ready, pretty bool) error {
	return cmdutil.WriteJSON(w, v, pretty)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	cfg := server.DefaultConfig()

	host := cmdutil.EnvString("RAFFEL_HOST", cfg.Host)
	basePath := cmdutil.EnvString("RAFFEL_BASE_PATH", "")
	rpcPath := cmdutil.EnvString("RAFFEL_RPC_PATH", cfg.RPCPath)
	wsPath := cmdutil.EnvString("RAFFEL_WS_PATH", cfg.WSPath)
	tcpListen := cmdutil.EnvString("RAFFEL_TCP_LISTEN", "")
	udpListen := cmdutil.EnvString("RAFFEL_UDP_LISTEN", "")
	metricsListen := cmdutil.EnvString("RAFFEL_METRICS_LISTEN", "")
	logLevel := cmdutil.EnvString("RAFFEL_LOG_LEVEL", "info")

	port, err := cmdutil.EnvInt("RAFFEL_PORT", 8080)
	if err != nil {
		fmt.Fprintf(stderr, "invalid RAFFEL_PORT: %v\n", err)
		return 2
	}
	maxBody, err := cmdutil.EnvInt64("RAFFEL_MAX_BODY_SIZE", cfg.MaxBodyBytes)
	if err != nil {
		fmt.Fprintf(stderr, "invalid RAFFEL_MAX_BODY_SIZE: %v\n", err)
		return 2
	}
	shutdownGrace, err := cmdutil.EnvDuration("RAFFEL_SHUTDOWN_GRACE", cfg.ShutdownGrace)
	if err != nil {
		fmt.Fprintf(stderr, "invalid RAFFEL_SHUTDOWN_GRACE: %v\n", err)
		return 2
	}
	allowNoOrigin, err := cmdutil.EnvBool("RAFFEL_ALLOW_NO_ORIGIN", cfg.AllowNoOrigin)
	if err != nil {
		fmt.Fprintf(stderr, "invalid RAFFEL_ALLOW_NO_ORIGIN: %v\n", err)
		return 2
	}
	traceEnabled, err := cmdutil.EnvBool("RAFFEL_TRACE", false)
	if err != nil {
		fmt.Fprintf(stderr, "invalid RAFFEL_TRACE: %v\n", err)
		return 2
	}
	allowedOrigins := stringSliceFlag(cmdutil.SplitCSVEnv("RAFFEL_ALLOW_ORIGIN"))

	fs := flag.NewFlagSet("raffel-server", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	readyPretty := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&host, "host", host, "bind host (env: RAFFEL_HOST)")
	fs.IntVar(&port, "port", port, "bind port for the HTTP listener; 0 picks an ephemeral port (env: RAFFEL_PORT)")
	fs.StringVar(&basePath, "base-path", basePath, "path prefix for all HTTP routes (env: RAFFEL_BASE_PATH)")
	fs.Int64Var(&maxBody, "max-body-size", maxBody, "max HTTP request body bytes (env: RAFFEL_MAX_BODY_SIZE)")
	fs.StringVar(&rpcPath, "rpc-path", rpcPath, "JSON-RPC 2.0 endpoint path under the base path (env: RAFFEL_RPC_PATH)")
	fs.StringVar(&wsPath, "ws-path", wsPath, "websocket endpoint path under the base path (env: RAFFEL_WS_PATH)")
	fs.StringVar(&tcpListen, "tcp-listen", tcpListen, "listen address for the raw TCP transport (empty disables) (env: RAFFEL_TCP_LISTEN)")
	fs.StringVar(&udpListen, "udp-listen", udpListen, "listen address for the UDP transport (empty disables) (env: RAFFEL_UDP_LISTEN)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for the Prometheus metrics server (empty disables) (env: RAFFEL_METRICS_LISTEN)")
	fs.Var(&allowedOrigins, "allow-origin", "allowed Origin value (repeatable): full Origin, hostname, hostname:port, or wildcard hostname (*.example.com) (env: RAFFEL_ALLOW_ORIGIN)")
	fs.BoolVar(&allowNoOrigin, "allow-no-origin", allowNoOrigin, "allow requests without an Origin header (non-browser clients) (env: RAFFEL_ALLOW_NO_ORIGIN)")
	fs.BoolVar(&traceEnabled, "trace", traceEnabled, "record an OpenTelemetry span per call, exported via the global tracer provider (env: RAFFEL_TRACE)")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: trace, debug, info, warn, error (env: RAFFEL_LOG_LEVEL)")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", shutdownGrace, "how long in-flight calls may drain on shutdown (env: RAFFEL_SHUTDOWN_GRACE)")
	fs.BoolVar(&readyPretty, "ready-pretty", readyPretty, "indent the ready JSON printed on startup")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
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

	if port < 0 || port > 65535 {
		return usageErr(fmt.Sprintf("invalid --port %d", port))
	}
	level, err := logutil.ParseLevel(logLevel)
	if err != nil {
		return usageErr(err.Error())
	}
	logger := logutil.New(stderr, level)

	cfg.Host = host
	cfg.Port = port
	cfg.BasePath = basePath
	cfg.RPCPath = rpcPath
	cfg.WSPath = wsPath
	cfg.TCPAddr = tcpListen
	cfg.UDPAddr = udpListen
	cfg.MetricsAddr = metricsListen
	cfg.MaxBodyBytes = maxBody
	cfg.AllowedOrigins = allowedOrigins
	cfg.AllowNoOrigin = allowNoOrigin
	cfg.ShutdownGrace = shutdownGrace
	cfg.Logger = logger
	cfg.Validator = jsonschema.New()
	if traceEnabled {
		cfg.Tracer = oteltrace.New("github.com/raffelio/raffel")
	}

	suite := server.New(cfg)
	registerDemo(suite, logger)

	if err := suite.Start(context.Background()); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	out := ready{
		Version:  version,
		Commit:   commit,
		Date:     date,
		Listen:   suite.HTTPAddr().String(),
		BasePath: basePath,
	}
	httpBase := "http://" + out.Listen + joinURLPath(basePath, "")
	out.HTTPURL = httpBase
	out.RPCURL = "http://" + out.Listen + joinURLPath(basePath, rpcPath)
	out.WSURL = "ws://" + out.Listen + joinURLPath(basePath, wsPath)
	out.HealthzURL = "http://" + out.Listen + "/healthz"
	if addr := suite.TCPAddr(); addr != nil {
		out.TCPAddr = addr.String()
	}
	if addr := suite.UDPAddr(); addr != nil {
		out.UDPAddr = addr.String()
	}
	if addr := suite.MetricsAddr(); addr != nil {
		out.MetricsURL = "http://" + addr.String() + "/metrics"
	}
	_ = writeReadyJSON(stdout, out, readyPretty)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info().Msg("shutdown signal received")
	case <-suite.Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace+time.Second)
	_ = suite.Shutdown(ctx)
	cancel()

	if err := suite.Err(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// joinURLPath joins a base path and a route path into a single
// slash-prefixed path ("" stays "").
func joinURLPath(base string, p string) string {
	base = strings.Trim(base, "/")
	p = strings.Trim(p, "/")
	switch {
	case base == "" && p == "":
		return ""
	case base == "":
		return "/" + p
	case p == "":
		return "/" + base
	default:
		return "/" + base + "/" + p
	}
}
