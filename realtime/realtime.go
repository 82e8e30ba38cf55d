// Package realtime is the pub/sub channel engine behind the WebSocket
// adapter: channel definitions, subscription state, presence membership,
// and per-connection fan-out mailboxes.
//
// Channel names are dot-separated and carry their authorization class as
// a prefix: `private-` names require the definition's Authorize callback
// to admit the subscriber, `presence-` names additionally track an
// ordered member list, and everything else is public.
package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/validate"
)

// ChannelType classifies a channel's authorization behavior, derived
// from the channel name prefix.
type ChannelType string

const (
	ChannelPublic   ChannelType = "public"
	ChannelPrivate  ChannelType = "private"
	ChannelPresence ChannelType = "presence"
)

// TypeOf returns the channel type encoded in a channel name.
func TypeOf(name string) ChannelType {
	switch {
	case strings.HasPrefix(name, "private-"):
		return ChannelPrivate
	case strings.HasPrefix(name, "presence-"):
		return ChannelPresence
	default:
		return ChannelPublic
	}
}

// Frame type verbs of the channel protocol. Client→server: subscribe,
// unsubscribe, publish, ping. Server→client: the rest.
const (
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FramePublish       = "publish"
	FramePing          = "ping"
	FrameSubscribed    = "subscribed"
	FrameUnsubscribed  = "unsubscribed"
	FrameEvent         = "event"
	FrameMemberAdded   = "member_added"
	FrameMemberRemoved = "member_removed"
	FrameError         = "error"
	FramePong          = "pong"
)

// Member is one presence channel occupant. Clients supply Info at
// subscribe time; the engine assigns the id.
type Member struct {
	ID   string          `json:"id"`
	Info json.RawMessage `json:"info,omitempty"`
}

// Frame is one channel protocol message. Fields are populated per verb:
// acks echo the request id, event frames carry channel/event/data,
// presence frames carry the member, subscribed acks on presence channels
// carry the full member snapshot in join order.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Member  *Member         `json:"member,omitempty"`
	Members []Member        `json:"members,omitempty"`
	Auth    json.RawMessage `json:"auth,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ErrorFrame renders err as the error frame answering id.
func ErrorFrame(id string, err error) *Frame {
	e := rferrors.Classify(err)
	return &Frame{Type: FrameError, ID: id, Code: string(e.Code), Message: e.Message}
}

// Subscription describes one subscribe attempt to an Authorize callback.
type Subscription struct {
	SessionID  string
	Channel    string
	Type       ChannelType
	Auth       json.RawMessage
	MemberInfo json.RawMessage
	Metadata   map[string]string
}

// Publication describes one client publish to a CanPublish callback.
type Publication struct {
	SessionID string
	Channel   string
	Type      ChannelType
	Event     string
	Data      json.RawMessage
	Metadata  map[string]string
}

// ChannelDef declares one channel family by name pattern.
type ChannelDef struct {
	// Pattern is a dot-separated channel name pattern; `*` matches
	// exactly one segment ("room.*" admits "room.42"). Literal patterns
	// match themselves. First matching definition wins.
	Pattern string
	// Authorize admits subscribers on private and presence channels.
	// nil denies every subscriber; public channels never consult it.
	Authorize func(ctx context.Context, sub Subscription) error
	// CanPublish decides client publishes. nil selects the default
	// policy: allow on public channels, deny on private and presence.
	CanPublish func(ctx context.Context, pub Publication) error
	// Events optionally constrains publishable event names. A nil map
	// admits any event; otherwise the event must be a key, and a non-nil
	// schema value validates the data payload.
	Events map[string]validate.Schema
}

// Match reports whether the definition's pattern covers name.
func (d *ChannelDef) Match(name string) bool {
	return matchPattern(d.Pattern, name)
}

func matchPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if !strings.ContainsRune(pattern, '*') {
		return false
	}
	ps := strings.Split(pattern, ".")
	ns := strings.Split(name, ".")
	if len(ps) != len(ns) {
		return false
	}
	for i := range ps {
		if ps[i] == "*" {
			continue
		}
		if ps[i] != ns[i] {
			return false
		}
	}
	return true
}

const maxChannelNameLen = 128

// ValidChannelName reports whether name is a well-formed channel name:
// non-empty dot-separated segments of letters, digits, '-', and '_'.
func ValidChannelName(name string) bool {
	if name == "" || len(name) > maxChannelNameLen {
		return false
	}
	for _, seg := range strings.Split(name, ".") {
		if seg == "" {
			return false
		}
		for i := 0; i < len(seg); i++ {
			c := seg[i]
			switch {
			case c >= 'a' && c <= 'z':
			case c >= 'A' && c <= 'Z':
			case c >= '0' && c <= '9':
			case c == '-' || c == '_':
			default:
				return false
			}
		}
	}
	return true
}

// validPattern additionally admits `*` segments.
func validPattern(pattern string) bool {
	if pattern == "" || len(pattern) > maxChannelNameLen {
		return false
	}
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "*" {
			continue
		}
		if seg == "" || !ValidChannelName(seg) {
			return false
		}
	}
	return true
}
