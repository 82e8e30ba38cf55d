// Package observability defines the metric observer contracts the router,
// transport adapters, and channel engine report into. Implementations live
// in subpackages; the no-op observers make metrics strictly opt-in.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type RequestKind string

const (
	RequestKindProcedure RequestKind = "procedure"
	RequestKindStream    RequestKind = "stream"
	RequestKindEvent     RequestKind = "event"
)

// RequestResult labels a finished request: "ok" or the taxonomy code.
type RequestResult string

const RequestResultOK RequestResult = "ok"

type StreamResult string

const (
	StreamResultOK        StreamResult = "ok"
	StreamResultError     StreamResult = "error"
	StreamResultCancelled StreamResult = "cancelled"
)

type FrameDirection string

const (
	FrameRead  FrameDirection = "read"
	FrameWrite FrameDirection = "write"
)

type CloseReason string

const (
	CloseReasonPeerClosed      CloseReason = "peer_closed"
	CloseReasonReadError       CloseReason = "read_error"
	CloseReasonWriteError      CloseReason = "write_error"
	CloseReasonFrameTooLarge   CloseReason = "frame_too_large"
	CloseReasonHeartbeatFailed CloseReason = "heartbeat_failed"
	CloseReasonShutdown        CloseReason = "shutdown"
)

type SubscribeResult string

const (
	SubscribeResultOK           SubscribeResult = "ok"
	SubscribeResultDenied       SubscribeResult = "denied"
	SubscribeResultUnknown      SubscribeResult = "unknown_channel"
	SubscribeResultInvalidState SubscribeResult = "invalid_state"
)

type PublishResult string

const (
	PublishResultOK            PublishResult = "ok"
	PublishResultDenied        PublishResult = "denied"
	PublishResultNotSubscribed PublishResult = "not_subscribed"
	PublishResultInvalid       PublishResult = "invalid"
)

// RouterObserver receives request pipeline metric events.
type RouterObserver interface {
	Request(kind RequestKind, result RequestResult, d time.Duration)
	StreamItem()
	StreamEnd(result StreamResult)
	Panic()
}

// TransportObserver receives connection-level metric events from the
// WebSocket, TCP, and UDP adapters.
type TransportObserver interface {
	ConnCount(transport string, n int64)
	Close(transport string, reason CloseReason)
	FrameError(transport string, direction FrameDirection)
	Dropped(transport string)
}

// ChannelObserver receives pub/sub channel engine metric events.
type ChannelObserver interface {
	ChannelCount(n int)
	MemberCount(n int)
	Subscribe(result SubscribeResult)
	Publish(result PublishResult)
	Fanout(n int)
	Dropped()
}

type noopRouterObserver struct{}

func (noopRouterObserver) Request(RequestKind, RequestResult, time.Duration) {}
func (noopRouterObserver) StreamItem()                                       {}
func (noopRouterObserver) StreamEnd(StreamResult)                            {}
func (noopRouterObserver) Panic()                                            {}

type noopTransportObserver struct{}

func (noopTransportObserver) ConnCount(string, int64)           {}
func (noopTransportObserver) Close(string, CloseReason)         {}
func (noopTransportObserver) FrameError(string, FrameDirection) {}
func (noopTransportObserver) Dropped(string)                    {}

type noopChannelObserver struct{}

func (noopChannelObserver) ChannelCount(int)          {}
func (noopChannelObserver) MemberCount(int)           {}
func (noopChannelObserver) Subscribe(SubscribeResult) {}
func (noopChannelObserver) Publish(PublishResult)     {}
func (noopChannelObserver) Fanout(int)                {}
func (noopChannelObserver) Dropped()                  {}

// NoopRouterObserver is a zero-cost observer used when metrics are disabled.
var NoopRouterObserver RouterObserver = noopRouterObserver{}

// NoopTransportObserver is a zero-cost observer used when metrics are disabled.
var NoopTransportObserver TransportObserver = noopTransportObserver{}

// NoopChannelObserver is a zero-cost observer used when metrics are disabled.
var NoopChannelObserver ChannelObserver = noopChannelObserver{}

// AtomicRouterObserver swaps its delegate at runtime.
type AtomicRouterObserver struct {
	once sync.Once
	v    atomic.Value
}

type routerObserverHolder struct {
	obs RouterObserver
}

// NewAtomicRouterObserver returns an initialized atomic observer.
func NewAtomicRouterObserver() *AtomicRouterObserver {
	a := &AtomicRouterObserver{}
	a.once.Do(func() { a.v.Store(&routerObserverHolder{obs: NoopRouterObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicRouterObserver) Set(obs RouterObserver) {
	if obs == nil {
		obs = NoopRouterObserver
	}
	a.once.Do(func() { a.v.Store(&routerObserverHolder{obs: NoopRouterObserver}) })
	a.v.Store(&routerObserverHolder{obs: obs})
}

func (a *AtomicRouterObserver) load() RouterObserver {
	a.once.Do(func() { a.v.Store(&routerObserverHolder{obs: NoopRouterObserver}) })
	return a.v.Load().(*routerObserverHolder).obs
}

func (a *AtomicRouterObserver) Request(kind RequestKind, result RequestResult, d time.Duration) {
	a.load().Request(kind, result, d)
}
func (a *AtomicRouterObserver) StreamItem()                   { a.load().StreamItem() }
func (a *AtomicRouterObserver) StreamEnd(result StreamResult) { a.load().StreamEnd(result) }
func (a *AtomicRouterObserver) Panic()                        { a.load().Panic() }

// AtomicTransportObserver swaps its delegate at runtime.
type AtomicTransportObserver struct {
	once sync.Once
	v    atomic.Value
}

type transportObserverHolder struct {
	obs TransportObserver
}

// NewAtomicTransportObserver returns an initialized atomic observer.
func NewAtomicTransportObserver() *AtomicTransportObserver {
	a := &AtomicTransportObserver{}
	a.once.Do(func() { a.v.Store(&transportObserverHolder{obs: NoopTransportObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicTransportObserver) Set(obs TransportObserver) {
	if obs == nil {
		obs = NoopTransportObserver
	}
	a.once.Do(func() { a.v.Store(&transportObserverHolder{obs: NoopTransportObserver}) })
	a.v.Store(&transportObserverHolder{obs: obs})
}

func (a *AtomicTransportObserver) load() TransportObserver {
	a.once.Do(func() { a.v.Store(&transportObserverHolder{obs: NoopTransportObserver}) })
	return a.v.Load().(*transportObserverHolder).obs
}

func (a *AtomicTransportObserver) ConnCount(transport string, n int64) {
	a.load().ConnCount(transport, n)
}
func (a *AtomicTransportObserver) Close(transport string, reason CloseReason) {
	a.load().Close(transport, reason)
}
func (a *AtomicTransportObserver) FrameError(transport string, direction FrameDirection) {
	a.load().FrameError(transport, direction)
}
func (a *AtomicTransportObserver) Dropped(transport string) { a.load().Dropped(transport) }

// AtomicChannelObserver swaps its delegate at runtime.
type AtomicChannelObserver struct {
	once sync.Once
	v    atomic.Value
}

type channelObserverHolder struct {
	obs ChannelObserver
}

// NewAtomicChannelObserver returns an initialized atomic observer.
func NewAtomicChannelObserver() *AtomicChannelObserver {
	a := &AtomicChannelObserver{}
	a.once.Do(func() { a.v.Store(&channelObserverHolder{obs: NoopChannelObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicChannelObserver) Set(obs ChannelObserver) {
	if obs == nil {
		obs = NoopChannelObserver
	}
	a.once.Do(func() { a.v.Store(&channelObserverHolder{obs: NoopChannelObserver}) })
	a.v.Store(&channelObserverHolder{obs: obs})
}

func (a *AtomicChannelObserver) load() ChannelObserver {
	a.once.Do(func() { a.v.Store(&channelObserverHolder{obs: NoopChannelObserver}) })
	return a.v.Load().(*channelObserverHolder).obs
}

func (a *AtomicChannelObserver) ChannelCount(n int)               { a.load().ChannelCount(n) }
func (a *AtomicChannelObserver) MemberCount(n int)                { a.load().MemberCount(n) }
func (a *AtomicChannelObserver) Subscribe(result SubscribeResult) { a.load().Subscribe(result) }
func (a *AtomicChannelObserver) Publish(result PublishResult)     { a.load().Publish(result) }
func (a *AtomicChannelObserver) Fanout(n int)                     { a.load().Fanout(n) }
func (a *AtomicChannelObserver) Dropped()                         { a.load().Dropped() }
