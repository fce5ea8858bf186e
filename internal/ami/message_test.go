package ami

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderFramesMessages(t *testing.T) {
	stream := "Asterisk Call Manager/5.0.1\r\n" +
		"Response: Success\r\nActionID: a-1\r\nMessage: Authentication accepted\r\n\r\n" +
		"\r\n" +
		"Event: VarSet\nchannel: SIP/100-0001\nVariable: AMDSTATUS\nValue: MACHINE:long greeting\n\n" +
		"Response: Follows\r\nsome raw output\r\n\r\n"

	r := NewReader(strings.NewReader(stream))
	banner, err := r.ReadBanner()
	require.NoError(t, err)
	assert.Equal(t, "Asterisk Call Manager/5.0.1", banner)

	m, err := r.ReadMessage()
	require.NoError(t, err)
	assert.True(t, m.IsResponse())
	assert.True(t, m.Success())
	assert.Equal(t, "a-1", m.ActionID())

	m, err = r.ReadMessage()
	require.NoError(t, err)
	assert.True(t, m.IsEvent())
	assert.Equal(t, "SIP/100-0001", m.Get("Channel"), "keys are case-insensitive")
	assert.Equal(t, "MACHINE:long greeting", m.Get("value"), "only the first colon separates")

	m, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "some raw output", m.Get("Output"))

	_, err = r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderReportsTruncatedMessage(t *testing.T) {
	r := NewReader(strings.NewReader("Event: Hangup\r\nCause: 16\r\n"))
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOriginateEncoding(t *testing.T) {
	m := Originate(OriginateParams{
		ActionID:  "dial-1",
		Channel:   "SIP/trunk/5551234",
		Context:   "outbound",
		Exten:     "s",
		CallerID:  "Acme <100>",
		Timeout:   30 * time.Second,
		Variables: map[string]string{"DIALER_DIAL": "dial-1", "DIALER_CAMPAIGN": "c1"},
	})
	want := "Action: Originate\r\n" +
		"ActionID: dial-1\r\n" +
		"Channel: SIP/trunk/5551234\r\n" +
		"Context: outbound\r\n" +
		"Exten: s\r\n" +
		"Priority: 1\r\n" +
		"CallerID: Acme <100>\r\n" +
		"Timeout: 30000\r\n" +
		"Async: true\r\n" +
		"Variable: DIALER_CAMPAIGN=c1\r\n" +
		"Variable: DIALER_DIAL=dial-1\r\n" +
		"\r\n"
	assert.Equal(t, want, string(m.Encode()))
	assert.Len(t, m.All("variable"), 2)
}

func TestEncodeKeepsValuesOnOneLine(t *testing.T) {
	m := NewAction("Command").Add("Command", "core show\r\nchannels")
	assert.Equal(t, "Action: Command\r\nCommand: core show  channels\r\n\r\n", string(m.Encode()))
}

func TestParseEvent(t *testing.T) {
	parse := func(lines ...string) Event {
		m := NewMessage()
		for _, l := range lines {
			k, v, _ := strings.Cut(l, ": ")
			m.Add(k, v)
		}
		return ParseEvent(m)
	}

	dial, ok := parse("Event: Dial", "SubEvent: Begin", "Channel: Local/1", "Destination: SIP/2-01",
		"UniqueID: 1.1", "DestUniqueID: 1.2").(DialEvent)
	require.True(t, ok)
	assert.True(t, dial.Begin())
	assert.Equal(t, "1.2", dial.DestUniqueID)

	dialBegin, ok := parse("Event: DialBegin", "Uniqueid: 2.1", "DestUniqueid: 2.2", "DestChannel: SIP/3-02").(DialEvent)
	require.True(t, ok)
	assert.True(t, dialBegin.Begin())
	assert.Equal(t, "SIP/3-02", dialBegin.Destination)

	bridge, ok := parse("Event: Bridge", "Bridgestate: Link", "Uniqueid1: 1.1", "Uniqueid2: 1.2").(BridgeEvent)
	require.True(t, ok)
	assert.True(t, bridge.Linked())
	assert.Equal(t, "1.2", bridge.UniqueID2)

	hangup, ok := parse("Event: Hangup", "Uniqueid: 1.2", "Cause: 17", "Cause-txt: User busy").(HangupEvent)
	require.True(t, ok)
	assert.Equal(t, 17, hangup.Cause)
	assert.Equal(t, "User busy", hangup.CauseText)

	vs, ok := parse("Event: VarSet", "Uniqueid: 1.2", "Variable: DIALER_DIAL", "Value: d-9").(VarSetEvent)
	require.True(t, ok)
	assert.Equal(t, "DIALER_DIAL", vs.Variable)
	assert.Equal(t, "d-9", vs.Value)

	ns, ok := parse("Event: Newstate", "Uniqueid: 1.2", "ChannelState: 5", "ChannelStateDesc: Ringing").(NewstateEvent)
	require.True(t, ok)
	assert.Equal(t, 5, ns.State)

	or, ok := parse("Event: OriginateResponse", "ActionID: d-9", "Response: Failure", "Reason: 3").(OriginateResponseEvent)
	require.True(t, ok)
	assert.False(t, or.Success())
	assert.Equal(t, 3, or.Reason)

	ps, ok := parse("Event: PeerStatus", "Peer: SIP/trunk", "PeerStatus: Unreachable").(PeerStatusEvent)
	require.True(t, ok)
	assert.Equal(t, "Unreachable", ps.Status)

	qm, ok := parse("Event: QueueMemberPaused", "Queue: sales", "Interface: SIP/200", "Paused: 1").(QueueMemberEvent)
	require.True(t, ok)
	assert.True(t, qm.Paused)

	unknown := parse("Event: FullyBooted", "Status: Fully Booted")
	_, ok = unknown.(UnknownEvent)
	assert.True(t, ok)
	assert.Equal(t, "FullyBooted", unknown.Name())
	assert.Equal(t, "Fully Booted", unknown.Raw().Get("Status"))
}
