package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/raffelio/raffel/internal/defaults"
	"github.com/raffelio/raffel/internal/requestid"
	"github.com/raffelio/raffel/observability"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/validate"
)

// Config controls the hub.
type Config struct {
	// MailboxSize caps each session's outbound queue; <= 0 selects the
	// shared default.
	MailboxSize int
	// IncludePublisher delivers publishes back to the publishing session.
	IncludePublisher bool
	// Validator applies event schemas from channel definitions; nil
	// skips event validation.
	Validator validate.Validator
	// Logger receives engine faults (drops, marshal failures).
	Logger zerolog.Logger
	// Observer receives channel metrics; nil installs the no-op observer.
	Observer observability.ChannelObserver
}

// subState tracks the subscription lifecycle per (session, channel).
// Absence from the session's channel map means unsubscribed.
type subState int

const (
	stateSubscribing subState = iota + 1
	stateSubscribed
	stateUnsubscribing
)

type session struct {
	id   string
	mbox *Mailbox
	md   map[string]string

	mu       sync.Mutex
	closed   bool
	channels map[string]subState
}

type channel struct {
	name string
	typ  ChannelType
	def  *ChannelDef

	mu      sync.Mutex
	dead    bool // garbage-collected; a fresh object replaces it
	subs    map[string]*session
	members map[string]Member // session id → member (presence only)
	order   []string          // presence join order (session ids)
}

// Hub owns the channel tables and every session's fan-out mailbox.
// Sessions attach once per connection; subscribe, unsubscribe, and
// publish run on the connection's read loop; fan-out enqueues onto
// subscriber mailboxes without blocking.
//
// Lock order is hub → channel and hub → session; channel and session
// locks are never held together.
type Hub struct {
	cfg Config
	log zerolog.Logger
	obs observability.ChannelObserver

	memberTotal atomic.Int64

	mu       sync.RWMutex
	defs     []*ChannelDef
	sessions map[string]*session
	channels map[string]*channel
}

// NewHub returns an empty hub.
func NewHub(cfg Config) *Hub {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaults.MailboxSize
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopChannelObserver
	}
	return &Hub{
		cfg:      cfg,
		log:      cfg.Logger,
		obs:      obs,
		sessions: make(map[string]*session),
		channels: make(map[string]*channel),
	}
}

// Define registers channel definitions. The first definition whose
// pattern matches a channel name governs that channel.
func (h *Hub) Define(defs ...ChannelDef) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range defs {
		def := defs[i]
		if !validPattern(def.Pattern) {
			return rferrors.Newf(rferrors.CodeInvalidArgument, "invalid channel pattern %q", def.Pattern)
		}
		for _, existing := range h.defs {
			if existing.Pattern == def.Pattern {
				return rferrors.Newf(rferrors.CodeAlreadyExists, "channel pattern %q is already defined", def.Pattern)
			}
		}
		h.defs = append(h.defs, &def)
	}
	return nil
}

// MustDefine is Define that panics on error, for startup wiring.
func (h *Hub) MustDefine(defs ...ChannelDef) {
	if err := h.Define(defs...); err != nil {
		panic(err)
	}
}

func (h *Hub) lookupDef(name string) (*ChannelDef, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, def := range h.defs {
		if def.Match(name) {
			return def, true
		}
	}
	return nil, false
}

// Attach registers a connection and returns its outbound mailbox. The
// metadata travels into Authorize and CanPublish callbacks.
func (h *Hub) Attach(id string, md map[string]string) (*Mailbox, error) {
	if id == "" {
		return nil, rferrors.New(rferrors.CodeInvalidArgument, "empty session id")
	}
	s := &session{
		id:       id,
		mbox:     NewMailbox(h.cfg.MailboxSize),
		md:       md,
		channels: make(map[string]subState),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.sessions[id]; dup {
		return nil, rferrors.Newf(rferrors.CodeAlreadyExists, "session %q is already attached", id)
	}
	h.sessions[id] = s
	return s.mbox, nil
}

// Detach removes the session from every channel it joined, then delivers
// member_removed to the remaining presence subscribers. Removal from all
// channels completes before any broadcast, so no frame can observe a
// half-departed connection. Detach closes the mailbox and is idempotent.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, id)
	h.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	s.channels = nil
	s.mu.Unlock()

	type removal struct {
		channel string
		member  Member
		present bool
		targets []*session
	}
	removals := make([]removal, 0, len(names))
	for _, name := range names {
		ch := h.liveChannel(name)
		if ch == nil {
			continue
		}
		ch.mu.Lock()
		delete(ch.subs, id)
		member, present := ch.members[id]
		if present {
			delete(ch.members, id)
			ch.removeOrder(id)
			h.memberTotal.Add(-1)
		}
		targets := ch.snapshot()
		empty := len(ch.subs) == 0
		ch.mu.Unlock()
		removals = append(removals, removal{channel: name, member: member, present: present, targets: targets})
		if empty {
			h.dropChannelIfEmpty(name)
		}
	}

	for _, rm := range removals {
		if !rm.present {
			continue
		}
		m := rm.member
		h.fanout(rm.targets, &Frame{Type: FrameMemberRemoved, Channel: rm.channel, Member: &m}, "")
	}

	s.mbox.Close()
	h.obs.MemberCount(int(h.memberTotal.Load()))
}

// Subscribe processes one subscribe frame for session sid. On success
// the subscribed ack — carrying the member snapshot on presence
// channels — enqueues onto the session's mailbox before any channel
// frame the new subscription can observe; presence joins then broadcast
// member_added to the other subscribers.
func (h *Hub) Subscribe(ctx context.Context, sid string, f *Frame) error {
	name := f.Channel
	if !ValidChannelName(name) {
		h.obs.Subscribe(observability.SubscribeResultUnknown)
		return rferrors.Newf(rferrors.CodeInvalidArgument, "invalid channel name %q", name)
	}
	s := h.session(sid)
	if s == nil {
		h.obs.Subscribe(observability.SubscribeResultInvalidState)
		return rferrors.New(rferrors.CodeFailedPrecondition, "connection is not attached")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.obs.Subscribe(observability.SubscribeResultInvalidState)
		return rferrors.New(rferrors.CodeCancelled, "connection closed")
	}
	if _, busy := s.channels[name]; busy {
		s.mu.Unlock()
		h.obs.Subscribe(observability.SubscribeResultInvalidState)
		return rferrors.Newf(rferrors.CodeFailedPrecondition, "already subscribed to %q", name)
	}
	s.channels[name] = stateSubscribing
	s.mu.Unlock()

	rollback := func() {
		s.mu.Lock()
		if !s.closed {
			delete(s.channels, name)
		}
		s.mu.Unlock()
	}

	def, known := h.lookupDef(name)
	if !known {
		rollback()
		h.obs.Subscribe(observability.SubscribeResultUnknown)
		return rferrors.Newf(rferrors.CodeNotFound, "unknown channel %q", name)
	}

	typ := TypeOf(name)
	if typ != ChannelPublic {
		if def.Authorize == nil {
			rollback()
			h.obs.Subscribe(observability.SubscribeResultDenied)
			return rferrors.Newf(rferrors.CodePermissionDenied, "channel %q does not admit subscribers", name)
		}
		sub := Subscription{
			SessionID:  sid,
			Channel:    name,
			Type:       typ,
			Auth:       f.Auth,
			MemberInfo: memberInfo(f),
			Metadata:   s.md,
		}
		if err := def.Authorize(ctx, sub); err != nil {
			rollback()
			h.obs.Subscribe(observability.SubscribeResultDenied)
			e := rferrors.Classify(err)
			if e.Code == rferrors.CodeInternal {
				return rferrors.Wrap(rferrors.CodePermissionDenied, "subscription denied", err)
			}
			return e
		}
	}

	// Acquire the live channel; retry when the garbage collector raced
	// the lookup and replaced the object.
	var ch *channel
	for {
		ch = h.getOrCreateChannel(name, typ, def)
		ch.mu.Lock()
		if !ch.dead {
			break
		}
		ch.mu.Unlock()
	}

	var added *Member
	var targets []*session
	ch.subs[sid] = s
	ack := &Frame{Type: FrameSubscribed, ID: f.ID, Channel: name}
	if typ == ChannelPresence {
		m := Member{ID: requestid.New("member"), Info: memberInfo(f)}
		ch.members[sid] = m
		ch.order = append(ch.order, sid)
		h.memberTotal.Add(1)
		ack.Members = ch.memberSnapshot()
		added = &m
		targets = ch.snapshotExcept(sid)
	}
	h.enqueue(s, ack)
	ch.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		// Disconnected while subscribing: undo the membership so the
		// channel never retains a dead session.
		s.mu.Unlock()
		h.evict(ch, sid)
		return rferrors.New(rferrors.CodeCancelled, "connection closed")
	}
	s.channels[name] = stateSubscribed
	s.mu.Unlock()

	if added != nil {
		h.fanout(targets, &Frame{Type: FrameMemberAdded, Channel: name, Member: added}, "")
		h.obs.MemberCount(int(h.memberTotal.Load()))
	}
	h.obs.Subscribe(observability.SubscribeResultOK)
	return nil
}

// Unsubscribe processes one unsubscribe frame for session sid. The
// unsubscribed ack enqueues before the presence broadcast, mirroring
// Subscribe.
func (h *Hub) Unsubscribe(sid string, f *Frame) error {
	name := f.Channel
	s := h.session(sid)
	if s == nil {
		return rferrors.New(rferrors.CodeFailedPrecondition, "connection is not attached")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return rferrors.New(rferrors.CodeCancelled, "connection closed")
	}
	if s.channels[name] != stateSubscribed {
		s.mu.Unlock()
		return rferrors.Newf(rferrors.CodeFailedPrecondition, "not subscribed to %q", name)
	}
	s.channels[name] = stateUnsubscribing
	s.mu.Unlock()

	ch := h.liveChannel(name)
	var member Member
	var present bool
	var targets []*session
	if ch != nil {
		ch.mu.Lock()
		delete(ch.subs, sid)
		member, present = ch.members[sid]
		if present {
			delete(ch.members, sid)
			ch.removeOrder(sid)
			h.memberTotal.Add(-1)
		}
		targets = ch.snapshot()
		empty := len(ch.subs) == 0
		h.enqueue(s, &Frame{Type: FrameUnsubscribed, ID: f.ID, Channel: name})
		ch.mu.Unlock()
		if empty {
			h.dropChannelIfEmpty(name)
		}
	} else {
		h.enqueue(s, &Frame{Type: FrameUnsubscribed, ID: f.ID, Channel: name})
	}

	s.mu.Lock()
	if !s.closed {
		delete(s.channels, name)
	}
	s.mu.Unlock()

	if present {
		h.fanout(targets, &Frame{Type: FrameMemberRemoved, Channel: name, Member: &member}, "")
		h.obs.MemberCount(int(h.memberTotal.Load()))
	}
	return nil
}

// Publish processes one publish frame for session sid: the publisher
// must hold a subscription, pass the channel's publish policy, and, when
// the definition constrains events, name a known event with valid data.
// Successful publishes fan out to every subscriber, excluding the
// publisher unless the hub includes it.
func (h *Hub) Publish(ctx context.Context, sid string, f *Frame) error {
	name := f.Channel
	s := h.session(sid)
	if s == nil {
		h.obs.Publish(observability.PublishResultNotSubscribed)
		return rferrors.New(rferrors.CodeFailedPrecondition, "connection is not attached")
	}

	s.mu.Lock()
	subscribed := s.channels[name] == stateSubscribed
	s.mu.Unlock()
	if !subscribed {
		h.obs.Publish(observability.PublishResultNotSubscribed)
		return rferrors.Newf(rferrors.CodeFailedPrecondition, "not subscribed to %q", name)
	}
	if f.Event == "" {
		h.obs.Publish(observability.PublishResultInvalid)
		return rferrors.New(rferrors.CodeInvalidArgument, "event name is required")
	}

	def, known := h.lookupDef(name)
	if !known {
		h.obs.Publish(observability.PublishResultInvalid)
		return rferrors.Newf(rferrors.CodeNotFound, "unknown channel %q", name)
	}
	typ := TypeOf(name)

	pub := Publication{
		SessionID: sid,
		Channel:   name,
		Type:      typ,
		Event:     f.Event,
		Data:      f.Data,
		Metadata:  s.md,
	}
	if def.CanPublish != nil {
		if err := def.CanPublish(ctx, pub); err != nil {
			h.obs.Publish(observability.PublishResultDenied)
			e := rferrors.Classify(err)
			if e.Code == rferrors.CodeInternal {
				return rferrors.Wrap(rferrors.CodePermissionDenied, "publish denied", err)
			}
			return e
		}
	} else if typ != ChannelPublic {
		h.obs.Publish(observability.PublishResultDenied)
		return rferrors.Newf(rferrors.CodePermissionDenied, "channel %q does not accept client publishes", name)
	}

	if def.Events != nil {
		schema, ok := def.Events[f.Event]
		if !ok {
			h.obs.Publish(observability.PublishResultInvalid)
			return rferrors.Newf(rferrors.CodeInvalidArgument, "unknown event %q on channel %q", f.Event, name)
		}
		if schema != nil && h.cfg.Validator != nil {
			if _, err := h.cfg.Validator.Validate(schema, f.Data); err != nil {
				h.obs.Publish(observability.PublishResultInvalid)
				return rferrors.Wrap(rferrors.CodeValidationError, "event data failed validation", err)
			}
		}
	}

	ch := h.liveChannel(name)
	if ch == nil {
		h.obs.Publish(observability.PublishResultOK)
		return nil
	}
	ch.mu.Lock()
	targets := ch.snapshot()
	ch.mu.Unlock()

	exclude := sid
	if h.cfg.IncludePublisher {
		exclude = ""
	}
	h.fanout(targets, &Frame{Type: FrameEvent, Channel: name, Event: f.Event, Data: f.Data}, exclude)
	h.obs.Publish(observability.PublishResultOK)
	return nil
}

// Broadcast delivers a server-originated event to every subscriber of
// channel and returns the number of mailboxes it reached. Unknown or
// empty channels broadcast to nobody.
func (h *Hub) Broadcast(channel, event string, data json.RawMessage) int {
	ch := h.liveChannel(channel)
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	targets := ch.snapshot()
	ch.mu.Unlock()
	return h.fanout(targets, &Frame{Type: FrameEvent, Channel: channel, Event: event, Data: data}, "")
}

// Members returns the presence members of channel in join order.
func (h *Hub) Members(channel string) []Member {
	ch := h.liveChannel(channel)
	if ch == nil {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.memberSnapshot()
}

// Sessions returns the number of attached sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) session(id string) *session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

func (h *Hub) liveChannel(name string) *channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[name]
}

func (h *Hub) getOrCreateChannel(name string, typ ChannelType, def *ChannelDef) *channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[name]; ok {
		return ch
	}
	ch := &channel{
		name:    name,
		typ:     typ,
		def:     def,
		subs:    make(map[string]*session),
		members: make(map[string]Member),
	}
	h.channels[name] = ch
	h.obs.ChannelCount(len(h.channels))
	return ch
}

// dropChannelIfEmpty garbage-collects a drained channel. The dead mark
// tells racing subscribers to acquire a fresh object.
func (h *Hub) dropChannelIfEmpty(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[name]
	if !ok {
		return
	}
	ch.mu.Lock()
	empty := len(ch.subs) == 0
	if empty {
		ch.dead = true
	}
	ch.mu.Unlock()
	if empty {
		delete(h.channels, name)
		h.obs.ChannelCount(len(h.channels))
	}
}

// evict undoes a subscription that lost the race with Detach.
func (h *Hub) evict(ch *channel, sid string) {
	ch.mu.Lock()
	delete(ch.subs, sid)
	if _, present := ch.members[sid]; present {
		delete(ch.members, sid)
		ch.removeOrder(sid)
		h.memberTotal.Add(-1)
	}
	empty := len(ch.subs) == 0
	ch.mu.Unlock()
	if empty {
		h.dropChannelIfEmpty(ch.name)
	}
}

// fanout marshals frame once and enqueues it onto every target mailbox
// except the excluded session. It returns the number of deliveries.
func (h *Hub) fanout(targets []*session, frame *Frame, exclude string) int {
	if len(targets) == 0 {
		return 0
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Str("frame", frame.Type).Msg("frame marshal failed")
		return 0
	}
	n := 0
	for _, t := range targets {
		if exclude != "" && t.id == exclude {
			continue
		}
		if t.mbox.Enqueue(raw) {
			h.obs.Dropped()
			h.log.Debug().Str("session", t.id).Str("frame", frame.Type).Msg("slow consumer dropped frame")
		}
		n++
	}
	h.obs.Fanout(n)
	return n
}

// enqueue delivers one frame to a single session.
func (h *Hub) enqueue(s *session, frame *Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Str("frame", frame.Type).Msg("frame marshal failed")
		return
	}
	if s.mbox.Enqueue(raw) {
		h.obs.Dropped()
	}
}

func memberInfo(f *Frame) json.RawMessage {
	if f.Member != nil {
		return f.Member.Info
	}
	return nil
}

func (ch *channel) snapshot() []*session {
	out := make([]*session, 0, len(ch.subs))
	for _, s := range ch.subs {
		out = append(out, s)
	}
	return out
}

func (ch *channel) snapshotExcept(sid string) []*session {
	out := make([]*session, 0, len(ch.subs))
	for id, s := range ch.subs {
		if id == sid {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (ch *channel) memberSnapshot() []Member {
	out := make([]Member, 0, len(ch.order))
	for _, sid := range ch.order {
		if m, ok := ch.members[sid]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (ch *channel) removeOrder(sid string) {
	for i, id := range ch.order {
		if id == sid {
			ch.order = append(ch.order[:i], ch.order[i+1:]...)
			return
		}
	}
}
