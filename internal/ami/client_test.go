package ami

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSwitch is a minimal management-interface server.
type fakeSwitch struct {
	ln     net.Listener
	logins atomic.Int32
	secret string

	mu    sync.Mutex
	conns []*switchConn
	wg    sync.WaitGroup
}

type switchConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (s *switchConn) write(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.conn.Write(m.Encode())
}

func newFakeSwitch(t *testing.T, secret string) *fakeSwitch {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeSwitch{ln: ln, secret: secret}

	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			sc := &switchConn{conn: conn}
			fs.mu.Lock()
			fs.conns = append(fs.conns, sc)
			fs.mu.Unlock()
			fs.wg.Add(1)
			go func() {
				defer fs.wg.Done()
				fs.serve(sc)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		fs.drop()
		fs.wg.Wait()
	})
	return fs
}

func (fs *fakeSwitch) serve(sc *switchConn) {
	defer sc.conn.Close()
	if _, err := sc.conn.Write([]byte("Asterisk Call Manager/5.0.1\r\n")); err != nil {
		return
	}
	r := NewReader(sc.conn)
	for {
		m, err := r.ReadMessage()
		if err != nil {
			return
		}
		id := m.ActionID()
		resp := NewMessage().Add("Response", "Success").Add("ActionID", id)
		switch strings.ToLower(m.Get("Action")) {
		case "login":
			fs.logins.Add(1)
			if m.Get("Secret") != fs.secret {
				sc.write(NewMessage().Add("Response", "Error").Add("ActionID", id).Add("Message", "Authentication failed"))
				return
			}
			resp.Add("Message", "Authentication accepted")
		case "ping":
			resp.Add("Ping", "Pong")
		case "originate":
			if strings.Contains(m.Get("Channel"), "bad") {
				sc.write(NewMessage().Add("Response", "Error").Add("ActionID", id).Add("Message", "Originate failed"))
				continue
			}
			sc.write(resp.Add("Message", "Originate successfully queued"))
			sc.write(NewMessage().
				Add("Event", "OriginateResponse").
				Add("ActionID", id).
				Add("Response", "Success").
				Add("Channel", m.Get("Channel")).
				Add("Uniqueid", "1700000000.1"))
			continue
		case "logoff":
			sc.write(NewMessage().Add("Response", "Goodbye").Add("ActionID", id))
			return
		default:
			resp.Set("Response", "Error").Add("Message", "Invalid/unknown command")
		}
		sc.write(resp)
	}
}

func (fs *fakeSwitch) push(m *Message) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, sc := range fs.conns {
		sc.write(m)
	}
}

// drop closes every accepted connection.
func (fs *fakeSwitch) drop() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, sc := range fs.conns {
		_ = sc.conn.Close()
	}
	fs.conns = nil
}

func startClient(t *testing.T, fs *fakeSwitch, secret string) *Client {
	t.Helper()
	c := NewClient(Config{
		Addr:           fs.ln.Addr().String(),
		Username:       "dialer",
		Secret:         secret,
		ActionTimeout:  time.Second,
		PingInterval:   50 * time.Millisecond,
		ReconnectDelay: 20 * time.Millisecond,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})
	return c
}

func TestClientLogsInAndPings(t *testing.T) {
	fs := newFakeSwitch(t, "s3cret")
	c := startClient(t, fs, "s3cret")

	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	resp, err := c.Send(context.Background(), Ping())
	require.NoError(t, err)
	assert.Equal(t, "Pong", resp.Get("Ping"))
	assert.Equal(t, int32(1), fs.logins.Load())
}

func TestClientRetriesRejectedLogin(t *testing.T) {
	fs := newFakeSwitch(t, "s3cret")
	c := startClient(t, fs, "wrong")

	require.Eventually(t, func() bool { return fs.logins.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.Connected())

	_, err := c.Send(context.Background(), Ping())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientCorrelatesOriginateResponse(t *testing.T) {
	fs := newFakeSwitch(t, "s3cret")
	c := startClient(t, fs, "s3cret")
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	_, err := c.Send(context.Background(), Originate(OriginateParams{ActionID: "dial-1", Channel: "SIP/trunk/100", Context: "out", Exten: "s"}))
	require.NoError(t, err)

	select {
	case ev := <-c.Events():
		or, ok := ev.(OriginateResponseEvent)
		require.True(t, ok, "got %T", ev)
		assert.Equal(t, "dial-1", or.ActionID)
		assert.True(t, or.Success())
	case <-time.After(2 * time.Second):
		t.Fatal("no OriginateResponse event")
	}

	_, err = c.Send(context.Background(), Originate(OriginateParams{ActionID: "dial-2", Channel: "SIP/bad/100"}))
	assert.ErrorIs(t, err, ErrActionFailed)

	_, err = c.Send(context.Background(), NewAction("Bogus"))
	assert.ErrorIs(t, err, ErrActionFailed)
}

func TestClientDeliversUnsolicitedEvents(t *testing.T) {
	fs := newFakeSwitch(t, "s3cret")
	c := startClient(t, fs, "s3cret")
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	fs.push(NewMessage().Add("Event", "Hangup").Add("Uniqueid", "1.2").Add("Cause", "17"))
	fs.push(NewMessage().Add("Event", "SomethingNew").Add("Extra", "x"))

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-c.Events():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d events", len(got))
		}
	}
	h, ok := got[0].(HangupEvent)
	require.True(t, ok)
	assert.Equal(t, 17, h.Cause)
	_, ok = got[1].(UnknownEvent)
	assert.True(t, ok)
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	fs := newFakeSwitch(t, "s3cret")
	c := startClient(t, fs, "s3cret")
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	fs.drop()

	require.Eventually(t, func() bool { return fs.logins.Load() >= 2 && c.Connected() }, 2*time.Second, 5*time.Millisecond)
	var err error
	require.Eventually(t, func() bool {
		_, err = c.Send(context.Background(), Ping())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, errors.Is(err, ErrNotConnected))
}
