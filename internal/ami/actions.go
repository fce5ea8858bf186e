package ami

import (
	"sort"
	"strconv"
	"time"
)

func Login(username, secret string) *Message {
	return NewAction("Login").
		Add("Username", username).
		Add("Secret", secret).
		Add("Events", "on")
}

func Ping() *Message { return NewAction("Ping") }

func Logoff() *Message { return NewAction("Logoff") }

// OriginateParams describes a call the switch should place.
type OriginateParams struct {
	ActionID  string
	Channel   string
	Context   string
	Exten     string
	Priority  int
	CallerID  string
	Timeout   time.Duration
	Variables map[string]string
}

// Originate builds an asynchronous Originate. The immediate Response only
// says whether the request was queued; the call's fate arrives later as an
// OriginateResponse event carrying the same ActionID.
func Originate(p OriginateParams) *Message {
	m := NewAction("Originate")
	if p.ActionID != "" {
		m.Add("ActionID", p.ActionID)
	}
	m.Add("Channel", p.Channel).
		Add("Context", p.Context).
		Add("Exten", p.Exten)
	priority := p.Priority
	if priority <= 0 {
		priority = 1
	}
	m.Add("Priority", strconv.Itoa(priority))
	if p.CallerID != "" {
		m.Add("CallerID", p.CallerID)
	}
	if p.Timeout > 0 {
		m.Add("Timeout", strconv.FormatInt(p.Timeout.Milliseconds(), 10))
	}
	m.Add("Async", "true")

	keys := make([]string, 0, len(p.Variables))
	for k := range p.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.Add("Variable", k+"="+p.Variables[k])
	}
	return m
}
