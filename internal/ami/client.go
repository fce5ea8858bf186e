package ami

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotConnected = errors.New("ami: not connected")
	ErrActionFailed = errors.New("ami: action failed")
)

type Config struct {
	Addr           string
	Username       string
	Secret         string
	DialTimeout    time.Duration
	ActionTimeout  time.Duration
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	EventBuffer    int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

// Client keeps one authenticated connection to the switch, re-dialing and
// re-authenticating whenever it drops. Actions may be sent from any
// goroutine; events are delivered in arrival order on Events.
type Client struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan *Message

	idBase string
	seq    atomic.Uint64
	events chan Event
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		log:     log.With(zap.String("switch", cfg.Addr)),
		pending: make(map[string]chan *Message),
		idBase:  uuid.NewString()[:8],
		events:  make(chan Event, cfg.EventBuffer),
	}
}

// Events is closed when Run returns.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) nextID() string {
	return fmt.Sprintf("%s-%d", c.idBase, c.seq.Add(1))
}

// Run connects and serves the connection until ctx is done, reconnecting
// after ReconnectDelay on any failure. It must be called once.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("switch connection lost", zap.Error(err), zap.Duration("retry_in", c.cfg.ReconnectDelay))

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	r := NewReader(conn)
	if err := c.login(conn, r); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer c.detach()
	c.log.Info("switch connected")

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		if ctx.Err() != nil {
			c.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = conn.Write(Logoff().Encode())
			c.mu.Unlock()
		}
		conn.Close()
	})
	defer stop()

	g.Go(func() error { return c.readLoop(gctx, r) })
	g.Go(func() error { return c.pingLoop(gctx) })
	return g.Wait()
}

func (c *Client) login(conn net.Conn, r *Reader) error {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.ActionTimeout))
	defer conn.SetDeadline(time.Time{})

	banner, err := r.ReadBanner()
	if err != nil {
		return err
	}
	id := c.nextID()
	if _, err := conn.Write(Login(c.cfg.Username, c.cfg.Secret).Set("ActionID", id).Encode()); err != nil {
		return fmt.Errorf("send login: %w", err)
	}
	for {
		m, err := r.ReadMessage()
		if err != nil {
			return fmt.Errorf("read login response: %w", err)
		}
		if !m.IsResponse() || m.ActionID() != id {
			continue
		}
		if !m.Success() {
			return fmt.Errorf("%w: login: %s", ErrActionFailed, m.Get("Message"))
		}
		c.log.Debug("switch login accepted", zap.String("banner", banner))
		return nil
	}
}

// detach forgets the connection and fails every waiting action.
func (c *Client) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) readLoop(ctx context.Context, r *Reader) error {
	for {
		m, err := r.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch {
		case m.IsEvent():
			select {
			case c.events <- ParseEvent(m):
			case <-ctx.Done():
				return ctx.Err()
			}
		case m.IsResponse():
			c.deliver(m)
		}
	}
}

func (c *Client) deliver(m *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[m.ActionID()]
	if !ok {
		return
	}
	delete(c.pending, m.ActionID())
	ch <- m
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Send(ctx, Ping()); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// Send writes an action and waits for its Response. An ActionID is assigned
// unless the action already carries one. A non-success Response is returned
// along with ErrActionFailed.
func (c *Client) Send(ctx context.Context, action *Message) (*Message, error) {
	id := action.ActionID()
	if id == "" {
		id = c.nextID()
		action.Set("ActionID", id)
	}
	name := action.Get("Action")
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: action id %s already in flight", name, id)
	}
	c.pending[id] = ch
	conn := c.conn
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ActionTimeout))
	_, err := conn.Write(action.Encode())
	c.mu.Unlock()
	if err != nil {
		c.forget(id)
		conn.Close()
		return nil, fmt.Errorf("%w: write %s: %v", ErrNotConnected, name, err)
	}

	timer := time.NewTimer(c.cfg.ActionTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !resp.Success() {
			return resp, fmt.Errorf("%w: %s: %s", ErrActionFailed, name, resp.Get("Message"))
		}
		return resp, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%s: no response within %s", name, c.cfg.ActionTimeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}
