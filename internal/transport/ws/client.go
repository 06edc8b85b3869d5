// Package ws is the websocket transport for the push channel. A Client
// dials the endpoint, reads frames into decoded events, keeps the socket
// alive with pings, and redials after drops until closed.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/lingolive/internal/realtime"
	"github.com/user/lingolive/internal/types"
)

var ErrClosed = errors.New("transport closed")

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Option configures a Dialer.
type Option func(*Dialer)

// WithPingInterval sets how often keepalive pings are written. The read
// deadline is twice this interval.
func WithPingInterval(d time.Duration) Option {
	return func(dl *Dialer) {
		if d > 0 {
			dl.pingInterval = d
		}
	}
}

// WithDialTimeout bounds each handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(dl *Dialer) {
		if d > 0 {
			dl.dialTimeout = d
		}
	}
}

// WithRetryPolicy replaces the reconnect backoff.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(dl *Dialer) {
		if p != nil {
			dl.retry = p
		}
	}
}

// Dialer opens websocket Clients. It implements realtime.Dialer.
type Dialer struct {
	pingInterval time.Duration
	dialTimeout  time.Duration
	retry        *RetryPolicy
}

// NewDialer creates a Dialer with 25s pings, 10s handshakes and the
// default retry policy.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		pingInterval: 25 * time.Second,
		dialTimeout:  10 * time.Second,
		retry:        DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open starts a Client in the background and returns immediately.
func (d *Dialer) Open(ctx context.Context, endpoint string, session types.Session, listener realtime.Listener) (realtime.Transport, error) {
	target, err := authURL(endpoint, session)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		dialer:   d,
		target:   target,
		session:  session,
		listener: listener,
		ctx:      runCtx,
		cancel:   cancel,
	}
	c.wg.Add(1)
	go c.run()
	return c, nil
}

func authURL(endpoint string, session types.Session) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("endpoint scheme %q is not ws or wss", u.Scheme)
	}
	q := u.Query()
	q.Set("token", session.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Client is one logical push connection.
type Client struct {
	dialer   *Dialer
	target   string
	session  types.Session
	listener realtime.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *Client) run() {
	defer c.wg.Done()

	attempt := 0
	for {
		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			attempt++
			if !c.dialer.retry.ShouldRetry(err, attempt) {
				slog.Error("giving up on push connection", "user_id", string(c.session.UserID), "error", err)
				return
			}
			delay := c.dialer.retry.NextDelay(attempt)
			slog.Debug("dial failed", "attempt", attempt, "retry_in", delay, "error", err)
			if !c.sleep(delay) {
				return
			}
			continue
		}
		attempt = 0

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.listener.Connected()
		err = c.serve(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.listener.Disconnected(err)
		if !c.sleep(c.dialer.retry.NextDelay(1)) {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.dialer.dialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.session.Token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial push endpoint: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial push endpoint: %w", err)
	}
	return conn, nil
}

func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve pumps frames until the socket fails. Ping writes run alongside.
func (c *Client) serve(conn *websocket.Conn) error {
	readWait := 2 * c.dialer.pingInterval
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("push connection read failed", "error", err)
			}
			return err
		}
		event, err := types.DecodeEvent(data)
		if err != nil {
			slog.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.listener.Event(event)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.dialer.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// Send writes one text frame on the live socket.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close stops the reconnect loop and closes the socket. It blocks until the
// background goroutines exit.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.wg.Wait()
	return nil
}
