package ami

import (
	"strconv"
	"strings"
)

// Event is a parsed switch event. Each kind the dialer acts on has its own
// type; everything else is an UnknownEvent.
type Event interface {
	Name() string
	Raw() *Message
}

type raw struct {
	name string
	msg  *Message
}

func (r raw) Name() string  { return r.name }
func (r raw) Raw() *Message { return r.msg }

// DialEvent is the start (SubEvent "Begin") or end of an outbound leg.
type DialEvent struct {
	raw
	SubEvent     string
	Channel      string
	Destination  string
	UniqueID     string
	DestUniqueID string
	DialStatus   string
}

func (e DialEvent) Begin() bool { return strings.EqualFold(e.SubEvent, "Begin") }

// BridgeEvent reports two channels being linked or unlinked.
type BridgeEvent struct {
	raw
	State     string
	Channel1  string
	Channel2  string
	UniqueID1 string
	UniqueID2 string
}

func (e BridgeEvent) Linked() bool { return strings.EqualFold(e.State, "Link") }

type HangupEvent struct {
	raw
	Channel   string
	UniqueID  string
	Cause     int
	CauseText string
}

type VarSetEvent struct {
	raw
	Channel  string
	UniqueID string
	Variable string
	Value    string
}

type NewstateEvent struct {
	raw
	Channel   string
	UniqueID  string
	State     int
	StateDesc string
}

// OriginateResponseEvent is the asynchronous result of an Async Originate,
// correlated by the ActionID the originator chose.
type OriginateResponseEvent struct {
	raw
	ActionID string
	Response string
	Channel  string
	UniqueID string
	Reason   int
}

func (e OriginateResponseEvent) Success() bool { return strings.EqualFold(e.Response, "Success") }

type PeerStatusEvent struct {
	raw
	Peer   string
	Status string
	Cause  string
}

// QueueMemberEvent covers the QueueMember* family (added, removed, paused,
// status).
type QueueMemberEvent struct {
	raw
	Queue     string
	Interface string
	Member    string
	Status    int
	Paused    bool
}

type UnknownEvent struct {
	raw
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// first returns the value of the first key present, for fields whose name
// changed across switch versions.
func first(m *Message, keys ...string) string {
	for _, k := range keys {
		if v := m.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// ParseEvent turns an event message into its typed form. It never fails:
// unrecognised events become UnknownEvent.
func ParseEvent(m *Message) Event {
	name := m.Get("Event")
	r := raw{name: name, msg: m}

	switch strings.ToLower(name) {
	case "dial", "dialbegin", "dialend":
		sub := m.Get("SubEvent")
		switch strings.ToLower(name) {
		case "dialbegin":
			sub = "Begin"
		case "dialend":
			sub = "End"
		}
		return DialEvent{
			raw:          r,
			SubEvent:     sub,
			Channel:      m.Get("Channel"),
			Destination:  first(m, "Destination", "DestChannel"),
			UniqueID:     first(m, "UniqueID", "Uniqueid"),
			DestUniqueID: first(m, "DestUniqueID", "DestUniqueid"),
			DialStatus:   m.Get("DialStatus"),
		}
	case "bridge":
		return BridgeEvent{
			raw:       r,
			State:     m.Get("Bridgestate"),
			Channel1:  m.Get("Channel1"),
			Channel2:  m.Get("Channel2"),
			UniqueID1: m.Get("Uniqueid1"),
			UniqueID2: m.Get("Uniqueid2"),
		}
	case "bridgeenter":
		return BridgeEvent{
			raw:       r,
			State:     "Link",
			Channel1:  m.Get("Channel"),
			UniqueID1: m.Get("Uniqueid"),
		}
	case "hangup":
		return HangupEvent{
			raw:       r,
			Channel:   m.Get("Channel"),
			UniqueID:  m.Get("Uniqueid"),
			Cause:     atoi(m.Get("Cause")),
			CauseText: m.Get("Cause-txt"),
		}
	case "varset":
		return VarSetEvent{
			raw:      r,
			Channel:  m.Get("Channel"),
			UniqueID: m.Get("Uniqueid"),
			Variable: m.Get("Variable"),
			Value:    m.Get("Value"),
		}
	case "newstate":
		return NewstateEvent{
			raw:       r,
			Channel:   m.Get("Channel"),
			UniqueID:  m.Get("Uniqueid"),
			State:     atoi(m.Get("ChannelState")),
			StateDesc: m.Get("ChannelStateDesc"),
		}
	case "originateresponse":
		return OriginateResponseEvent{
			raw:      r,
			ActionID: m.Get("ActionID"),
			Response: m.Get("Response"),
			Channel:  m.Get("Channel"),
			UniqueID: m.Get("Uniqueid"),
			Reason:   atoi(m.Get("Reason")),
		}
	case "peerstatus":
		return PeerStatusEvent{
			raw:    r,
			Peer:   m.Get("Peer"),
			Status: m.Get("PeerStatus"),
			Cause:  m.Get("Cause"),
		}
	case "queuememberadded", "queuememberremoved", "queuememberpaused", "queuememberstatus", "queuemember":
		return QueueMemberEvent{
			raw:       r,
			Queue:     m.Get("Queue"),
			Interface: first(m, "Interface", "Location"),
			Member:    first(m, "MemberName", "Name"),
			Status:    atoi(m.Get("Status")),
			Paused:    m.Get("Paused") == "1",
		}
	}
	return UnknownEvent{raw: r}
}
