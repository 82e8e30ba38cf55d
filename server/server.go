// Package server assembles the transport adapters over one registry and
// runs their shared lifecycle: bind, serve, drain, stop.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/raffelio/raffel/interceptors/tracing"
	"github.com/raffelio/raffel/internal/defaults"
	"github.com/raffelio/raffel/observability"
	"github.com/raffelio/raffel/observability/prom"
	"github.com/raffelio/raffel/realtime"
	"github.com/raffelio/raffel/registry"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
	"github.com/raffelio/raffel/trace"
	"github.com/raffelio/raffel/transport/httpsrv"
	"github.com/raffelio/raffel/transport/jsonrpc"
	"github.com/raffelio/raffel/transport/tcp"
	"github.com/raffelio/raffel/transport/udp"
	"github.com/raffelio/raffel/transport/ws"
	"github.com/raffelio/raffel/validate"
)

const (
	httpReadHeaderTimeout = 5 * time.Second
	httpIdleTimeout       = 60 * time.Second
	httpMaxHeaderBytes    = 32 << 10
)

// Config selects which listeners the suite binds and how the adapters
// behave. The zero value is not usable; start from DefaultConfig.
type Config struct {
	// Host and Port form the main HTTP listen address. Port 0 picks an
	// ephemeral port; read it back from HTTPAddr after Start.
	Host string
	Port int
	// BasePath prefixes the REST, RPC, and WS mounts uniformly.
	BasePath string
	// RPCPath is the JSON-RPC endpoint under BasePath.
	RPCPath string
	// WSPath is the WebSocket endpoint under BasePath.
	WSPath string
	// TCPAddr enables the raw TCP listener when non-empty.
	TCPAddr string
	// UDPAddr enables the UDP listener when non-empty.
	UDPAddr string
	// MetricsAddr enables a separate Prometheus listener when non-empty.
	MetricsAddr string

	// MaxBodyBytes caps HTTP and JSON-RPC request bodies.
	MaxBodyBytes int64
	// MaxMessageBytes caps one inbound WebSocket message.
	MaxMessageBytes int64
	// MaxFrameBytes caps one TCP frame.
	MaxFrameBytes int
	// MaxDatagramBytes caps one UDP datagram and one UDP reply.
	MaxDatagramBytes int

	// AllowedOrigins is the browser origin allowlist shared by the HTTP
	// and WebSocket adapters (see origin.Allowed).
	AllowedOrigins []string
	// AllowNoOrigin admits requests without an Origin header.
	AllowNoOrigin bool

	// PingInterval is the WebSocket heartbeat period.
	PingInterval time.Duration
	// StreamHeartbeat is the SSE comment cadence on idle streams.
	StreamHeartbeat time.Duration
	// TCPIdleTimeout closes silent TCP connections; 0 disables.
	TCPIdleTimeout time.Duration
	// ShutdownGrace bounds the drain phase of Shutdown.
	ShutdownGrace time.Duration

	// IncludePublisher delivers channel publishes back to the publisher.
	IncludePublisher bool

	// Logger is shared by the router, hub, and adapters.
	Logger zerolog.Logger
	// Validator applies registered schemas; nil skips validation.
	Validator validate.Validator
	// Tracer installs the tracing interceptor outermost; nil disables.
	Tracer trace.Tracer

	// RouterObserver, TransportObserver, and ChannelObserver override the
	// metric sinks. When nil and MetricsAddr is set, Prometheus observers
	// are installed; otherwise the no-op observers.
	RouterObserver    observability.RouterObserver
	TransportObserver observability.TransportObserver
	ChannelObserver   observability.ChannelObserver
}

// DefaultConfig returns the suite defaults: loopback HTTP on an
// ephemeral port, /rpc and /ws mounts, TCP/UDP/metrics disabled,
// non-browser clients admitted.
func DefaultConfig() Config {
	return Config{
		Host:             "127.0.0.1",
		RPCPath:          "/rpc",
		WSPath:           "/ws",
		MaxBodyBytes:     defaults.MaxBodyBytes,
		MaxMessageBytes:  defaults.MaxMessageBytes,
		MaxFrameBytes:    defaults.MaxFrameBytes,
		MaxDatagramBytes: defaults.MaxDatagramBytes,
		PingInterval:     defaults.PingInterval,
		StreamHeartbeat:  defaults.StreamHeartbeat,
		ShutdownGrace:    defaults.ShutdownGrace,
		AllowNoOrigin:    true,
	}
}

// Suite owns one registry, one router, one channel hub, and every
// listener serving them. Register handlers and channels before Start;
// the registry freezes when the suite starts serving.
type Suite struct {
	cfg Config
	log zerolog.Logger

	reg *registry.Registry
	rt  *router.Router
	hub *realtime.Hub

	promReg *prometheus.Registry

	mu        sync.Mutex
	started   bool
	runCtx    context.Context
	runCancel context.CancelCauseFunc
	stopWatch func() bool

	httpSrv    *http.Server
	httpLn     net.Listener
	metricsSrv *http.Server
	metricsLn  net.Listener
	tcpLn      net.Listener
	udpPC      net.PacketConn
	tcpSrv     *tcp.Server
	udpSrv     *udp.Server

	wg   sync.WaitGroup
	done chan struct{}

	errMu    sync.Mutex
	firstErr error

	stopOnce sync.Once
}

// New builds the suite: registry, router, hub, and adapter configs, all
// sharing cfg's logger, validator, and observers.
func New(cfg Config) *Suite {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.RPCPath == "" {
		cfg.RPCPath = "/rpc"
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaults.MaxFrameBytes
	}
	if cfg.MaxDatagramBytes <= 0 {
		cfg.MaxDatagramBytes = defaults.MaxDatagramBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = defaults.StreamHeartbeat
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaults.ShutdownGrace
	}

	var promReg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		promReg = prom.NewRegistry()
		if cfg.RouterObserver == nil {
			cfg.RouterObserver = prom.NewRouterObserver(promReg)
		}
		if cfg.TransportObserver == nil {
			cfg.TransportObserver = prom.NewTransportObserver(promReg)
		}
		if cfg.ChannelObserver == nil {
			cfg.ChannelObserver = prom.NewChannelObserver(promReg)
		}
	}

	s := &Suite{cfg: cfg, log: cfg.Logger, promReg: promReg, done: make(chan struct{})}
	s.reg = registry.New()
	s.rt = router.New(s.reg, router.Config{
		Logger:    cfg.Logger,
		Validator: cfg.Validator,
		Observer:  cfg.RouterObserver,
	})
	s.hub = realtime.NewHub(realtime.Config{
		IncludePublisher: cfg.IncludePublisher,
		Validator:        cfg.Validator,
		Logger:           cfg.Logger,
		Observer:         cfg.ChannelObserver,
	})
	if cfg.Tracer != nil {
		s.rt.Use(tracing.New(cfg.Tracer))
	}
	return s
}

// Registry returns the suite's registry for handler registration.
func (s *Suite) Registry() *registry.Registry { return s.reg }

// Router returns the suite's router.
func (s *Suite) Router() *router.Router { return s.rt }

// Hub returns the suite's channel hub for channel definitions.
func (s *Suite) Hub() *realtime.Hub { return s.hub }

// Use appends interceptors to the router chain.
func (s *Suite) Use(ics ...router.Interceptor) { s.rt.Use(ics...) }

// Start freezes the registry, binds every configured listener, and
// serves in the background. A bind failure releases whatever was bound
// and returns UNAVAILABLE. Cancelling ctx triggers a graceful Shutdown.
func (s *Suite) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return rferrors.New(rferrors.CodeFailedPrecondition, "suite already started")
	}

	s.reg.Freeze()
	runCtx, runCancel := context.WithCancelCause(ctx)
	s.runCtx, s.runCancel = runCtx, runCancel

	if err := s.bind(); err != nil {
		s.closeListeners()
		runCancel(err)
		return err
	}
	s.started = true

	s.serveHTTP()
	s.serveTCP(runCtx)
	s.serveUDP(runCtx)
	s.serveMetrics()

	go func() {
		s.wg.Wait()
		close(s.done)
	}()
	s.stopWatch = context.AfterFunc(ctx, func() {
		_ = s.Shutdown(context.Background())
	})
	return nil
}

func (s *Suite) bind() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return rferrors.Wrap(rferrors.CodeUnavailable, "http listen failed", err)
	}
	s.httpLn = ln

	if s.cfg.TCPAddr != "" {
		s.tcpLn, err = net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return rferrors.Wrap(rferrors.CodeUnavailable, "tcp listen failed", err)
		}
	}
	if s.cfg.UDPAddr != "" {
		s.udpPC, err = net.ListenPacket("udp", s.cfg.UDPAddr)
		if err != nil {
			return rferrors.Wrap(rferrors.CodeUnavailable, "udp listen failed", err)
		}
	}
	if s.cfg.MetricsAddr != "" {
		s.metricsLn, err = net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			return rferrors.Wrap(rferrors.CodeUnavailable, "metrics listen failed", err)
		}
	}
	return nil
}

func (s *Suite) closeListeners() {
	for _, c := range []io.Closer{s.httpLn, s.tcpLn, s.metricsLn, s.udpPC} {
		if c != nil {
			_ = c.Close()
		}
	}
	s.httpLn, s.tcpLn, s.metricsLn, s.udpPC = nil, nil, nil, nil
}

func (s *Suite) serveHTTP() {
	mux := http.NewServeMux()
	rest := httpsrv.New(s.rt, httpsrv.Config{
		BasePath:       s.cfg.BasePath,
		MaxBodyBytes:   s.cfg.MaxBodyBytes,
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowNoOrigin:  s.cfg.AllowNoOrigin,
		Heartbeat:      s.cfg.StreamHeartbeat,
		Logger:         s.log,
	})
	rpc := jsonrpc.New(s.rt, jsonrpc.Config{
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.log,
	})
	wsh := ws.New(s.rt, s.hub, ws.Config{
		MaxMessageBytes: s.cfg.MaxMessageBytes,
		PingInterval:    s.cfg.PingInterval,
		AllowedOrigins:  s.cfg.AllowedOrigins,
		AllowNoOrigin:   s.cfg.AllowNoOrigin,
		Logger:          s.log,
		Observer:        s.cfg.TransportObserver,
	})

	mux.Handle(joinPath(s.cfg.BasePath, s.cfg.RPCPath), rpc)
	mux.Handle(joinPath(s.cfg.BasePath, s.cfg.WSPath), wsh)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", rest)

	// Read and write timeouts stay unset: SSE responses and WebSocket
	// connections are unbounded in time.
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return s.runCtx },
	}
	ln := s.httpLn
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fail(err)
		}
	}()
}

func (s *Suite) serveTCP(ctx context.Context) {
	if s.tcpLn == nil {
		return
	}
	s.tcpSrv = tcp.NewServer(s.rt, tcp.Config{
		MaxFrameBytes: s.cfg.MaxFrameBytes,
		IdleTimeout:   s.cfg.TCPIdleTimeout,
		Logger:        s.log,
		Observer:      s.cfg.TransportObserver,
	})
	ln := s.tcpLn
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.tcpSrv.Serve(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(err)
		}
	}()
}

func (s *Suite) serveUDP(ctx context.Context) {
	if s.udpPC == nil {
		return
	}
	s.udpSrv = udp.NewServer(s.rt, udp.Config{
		MaxDatagramBytes: s.cfg.MaxDatagramBytes,
		Logger:           s.log,
		Observer:         s.cfg.TransportObserver,
	})
	pc := s.udpPC
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.udpSrv.Serve(ctx, pc); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(err)
		}
	}()
}

func (s *Suite) serveMetrics() {
	if s.metricsLn == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler(s.promReg))
	s.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
	}
	ln := s.metricsLn
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fail(err)
		}
	}()
}

func (s *Suite) fail(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
	s.log.Error().Err(err).Msg("serve failed")
	s.runCancel(err)
}

// HTTPAddr returns the bound HTTP address, nil before Start.
func (s *Suite) HTTPAddr() net.Addr { return lnAddr(s.httpLn) }

// TCPAddr returns the bound TCP address, nil when disabled.
func (s *Suite) TCPAddr() net.Addr { return lnAddr(s.tcpLn) }

// MetricsAddr returns the bound metrics address, nil when disabled.
func (s *Suite) MetricsAddr() net.Addr { return lnAddr(s.metricsLn) }

// UDPAddr returns the bound UDP address, nil when disabled.
func (s *Suite) UDPAddr() net.Addr {
	if s.udpPC == nil {
		return nil
	}
	return s.udpPC.LocalAddr()
}

// UDP returns the UDP server for unsolicited pushes, nil when disabled.
func (s *Suite) UDP() *udp.Server { return s.udpSrv }

func lnAddr(ln net.Listener) net.Addr {
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

// Done is closed once every serve loop has exited.
func (s *Suite) Done() <-chan struct{} { return s.done }

// Err reports the first serve failure; nil after a clean shutdown.
func (s *Suite) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

// Shutdown drains the suite: stop accepting, cancel in-flight call
// contexts, wait up to the grace period for handlers to unwind, then
// close what remains. Safe to call more than once; ctx without a
// deadline is bounded by Config.ShutdownGrace.
func (s *Suite) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	httpSrv, metricsSrv := s.httpSrv, s.metricsSrv
	s.mu.Unlock()
	if !started {
		return nil
	}

	var err error
	s.stopOnce.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
		}
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownGrace)
			defer cancel()
		}

		// Stop accepting while in-flight requests keep their sockets.
		httpDone := make(chan struct{})
		go func() {
			defer close(httpDone)
			_ = httpSrv.Shutdown(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
		}()

		// Cancel every in-flight call so handlers and streams unwind.
		s.runCancel(rferrors.New(rferrors.CodeUnavailable, "server shutting down"))

		select {
		case <-s.done:
			<-httpDone
		case <-ctx.Done():
			err = ctx.Err()
		}

		_ = httpSrv.Close()
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
	})
	return err
}

func joinPath(base, p string) string {
	base = strings.Trim(strings.TrimSpace(base), "/")
	p = "/" + strings.Trim(strings.TrimSpace(p), "/")
	if base == "" {
		return p
	}
	return "/" + base + p
}
