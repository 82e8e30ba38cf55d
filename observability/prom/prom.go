package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raffelio/raffel/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RouterObserver exports request pipeline metrics to Prometheus.
type RouterObserver struct {
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	streamItems    prometheus.Counter
	streamEnds     *prometheus.CounterVec
	panics         prometheus.Counter
}

// NewRouterObserver registers request pipeline metrics on the registry.
func NewRouterObserver(reg *prometheus.Registry) *RouterObserver {
	o := &RouterObserver{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raffel_requests_total",
			Help: "Routed calls by handler kind and result.",
		}, []string{"kind", "result"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "raffel_request_latency_seconds",
			Help:    "Routed call latency by handler kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		streamItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raffel_stream_items_total",
			Help: "Items produced by stream handlers.",
		}),
		streamEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raffel_stream_ends_total",
			Help: "Stream completions by result.",
		}, []string{"result"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raffel_handler_panics_total",
			Help: "Handler panics recovered by the router.",
		}),
	}
	reg.MustRegister(
		o.requests,
		o.requestLatency,
		o.streamItems,
		o.streamEnds,
		o.panics,
	)
	return o
}

func (o *RouterObserver) Request(kind observability.RequestKind, result observability.RequestResult, d time.Duration) {
	o.requests.WithLabelValues(string(kind), string(result)).Inc()
	o.requestLatency.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (o *RouterObserver) StreamItem() {
	o.streamItems.Inc()
}

func (o *RouterObserver) StreamEnd(result observability.StreamResult) {
	o.streamEnds.WithLabelValues(string(result)).Inc()
}

func (o *RouterObserver) Panic() {
	o.panics.Inc()
}

// TransportObserver exports connection-level metrics to Prometheus.
type TransportObserver struct {
	connGauge   *prometheus.GaugeVec
	closeTotal  *prometheus.CounterVec
	frameErrors *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

// NewTransportObserver registers connection metrics on the registry.
func NewTransportObserver(reg *prometheus.Registry) *TransportObserver {
	o := &TransportObserver{
		connGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "raffel_connections",
			Help: "Current connection count by transport.",
		}, []string{"transport"}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raffel_connection_closes_total",
			Help: "Connection close reasons by transport.",
		}, []string{"transport", "reason"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raffel_frame_errors_total",
			Help: "Frame read/write errors by transport.",
		}, []string{"transport", "direction"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raffel_frames_dropped_total",
			Help: "Outbound frames dropped by slow-consumer policy.",
		}, []string{"transport"}),
	}
	reg.MustRegister(
		o.connGauge,
		o.closeTotal,
		o.frameErrors,
		o.dropped,
	)
	return o
}

func (o *TransportObserver) ConnCount(transport string, n int64) {
	o.connGauge.WithLabelValues(transport).Set(float64(n))
}

func (o *TransportObserver) Close(transport string, reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(transport, string(reason)).Inc()
}

func (o *TransportObserver) FrameError(transport string, direction observability.FrameDirection) {
	o.frameErrors.WithLabelValues(transport, string(direction)).Inc()
}

func (o *TransportObserver) Dropped(transport string) {
	o.dropped.WithLabelValues(transport).Inc()
}

// ChannelObserver exports pub/sub channel metrics to Prometheus.
type ChannelObserver struct {
	channelGauge prometheus.Gauge
	memberGauge  prometheus.Gauge
	subscribes   *prometheus.CounterVec
	publishes    *prometheus.CounterVec
	fanout       prometheus.Counter
	dropped      prometheus.Counter
}

// NewChannelObserver registers channel engine metrics on the registry.
func NewChannelObserver(reg *prometheus.Registry) *ChannelObserver {
	o := &ChannelObserver{
		channelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raffel_channels",
			Help: "Current channels with at least one subscriber.",
		}),
		memberGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raffel_presence_members",
			Help: "Current presence members across all channels.",
		}),
		subscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raffel_channel_subscribes_total",
			Help: "Subscribe attempts by result.",
		}, []string{"result"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raffel_channel_publishes_total",
			Help: "Publish attempts by result.",
		}, []string{"result"}),
		fanout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raffel_channel_fanout_total",
			Help: "Frames fanned out to channel subscribers.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raffel_channel_dropped_total",
			Help: "Frames dropped at the per-connection mailbox high-water mark.",
		}),
	}
	reg.MustRegister(
		o.channelGauge,
		o.memberGauge,
		o.subscribes,
		o.publishes,
		o.fanout,
		o.dropped,
	)
	return o
}

func (o *ChannelObserver) ChannelCount(n int) {
	o.channelGauge.Set(float64(n))
}

func (o *ChannelObserver) MemberCount(n int) {
	o.memberGauge.Set(float64(n))
}

func (o *ChannelObserver) Subscribe(result observability.SubscribeResult) {
	o.subscribes.WithLabelValues(string(result)).Inc()
}

func (o *ChannelObserver) Publish(result observability.PublishResult) {
	o.publishes.WithLabelValues(string(result)).Inc()
}

func (o *ChannelObserver) Fanout(n int) {
	o.fanout.Add(float64(n))
}

func (o *ChannelObserver) Dropped() {
	o.dropped.Inc()
}
