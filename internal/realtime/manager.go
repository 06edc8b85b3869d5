// Package realtime owns the single push connection of a process and tracks
// its lifecycle for the bound session.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/user/lingolive/internal/types"
)

var (
	ErrInvalidSession = errors.New("session requires user id and token")
	ErrNotConnected   = errors.New("not connected")
	ErrSuperseded     = errors.New("bind superseded by a newer session")
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithOnConnect registers a callback run after every successful connect,
// including reconnects.
func WithOnConnect(fn func(types.Session)) Option {
	return func(m *Manager) { m.onConnect = fn }
}

// WithOnDisconnect registers a callback run when a live connection drops.
func WithOnDisconnect(fn func(types.Session, error)) Option {
	return func(m *Manager) { m.onDisconnect = fn }
}

// Manager binds at most one transport to one session at a time.
type Manager struct {
	dialer   Dialer
	endpoint string
	handler  EventHandler

	onConnect    func(types.Session)
	onDisconnect func(types.Session, error)

	group     singleflight.Group
	connected atomic.Bool

	mu         sync.Mutex
	state      State
	session    types.Session
	transport  Transport
	generation uint64
}

// New creates a Manager. Nothing is dialed until Bind.
func New(dialer Dialer, endpoint string, handler EventHandler, opts ...Option) *Manager {
	m := &Manager{
		dialer:   dialer,
		endpoint: endpoint,
		handler:  handler,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bind opens a transport for session. Binding the session that is already
// bound is a no-op; binding a different session tears the old transport
// down first. Concurrent binds of the same session share one attempt.
func (m *Manager) Bind(ctx context.Context, session types.Session) error {
	if !session.Valid() {
		return ErrInvalidSession
	}
	_, err, _ := m.group.Do(session.Key(), func() (any, error) {
		return nil, m.bind(ctx, session)
	})
	return err
}

func (m *Manager) bind(ctx context.Context, session types.Session) error {
	m.mu.Lock()
	if m.session == session && m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	old := m.detachLocked()
	m.generation++
	gen := m.generation
	m.session = session
	m.state = StateConnecting
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Debug("closing previous transport", "error", err)
		}
	}

	transport, err := m.dialer.Open(ctx, m.endpoint, session, &listener{m: m, gen: gen})
	if err != nil {
		m.mu.Lock()
		if m.generation == gen {
			m.state = StateDisconnected
			m.session = types.Session{}
		}
		m.mu.Unlock()
		return fmt.Errorf("open transport: %w", err)
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		transport.Close()
		return ErrSuperseded
	}
	m.transport = transport
	m.mu.Unlock()

	slog.Info("connection bound", "user_id", string(session.UserID), "endpoint", m.endpoint)
	return nil
}

// Unbind closes the transport and forgets the session.
func (m *Manager) Unbind() {
	m.mu.Lock()
	old := m.detachLocked()
	m.generation++
	userID := m.session.UserID
	m.session = types.Session{}
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Debug("closing transport", "error", err)
		}
		slog.Info("connection unbound", "user_id", string(userID))
	}
}

func (m *Manager) detachLocked() Transport {
	t := m.transport
	m.transport = nil
	m.state = StateDisconnected
	m.connected.Store(false)
	return t
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the bound session, or the zero value.
func (m *Manager) Session() types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// IsConnected reports whether the transport currently has a live socket.
func (m *Manager) IsConnected() bool {
	return m.connected.Load()
}

// Send encodes a command and writes it on the live transport.
func (m *Manager) Send(ctx context.Context, kind types.EventKind, payload any) error {
	data, err := types.EncodeCommand(kind, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil || !m.connected.Load() {
		return ErrNotConnected
	}
	if err := t.Send(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

// listener ties transport callbacks to the bind that opened it so a torn
// down transport cannot flip state for its successor.
type listener struct {
	m   *Manager
	gen uint64
}

func (l *listener) Connected() {
	m := l.m
	m.mu.Lock()
	if m.generation != l.gen {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.connected.Store(true)
	session := m.session
	m.mu.Unlock()

	slog.Info("connected", "user_id", string(session.UserID))
	if m.onConnect != nil {
		m.onConnect(session)
	}
}

func (l *listener) Disconnected(err error) {
	m := l.m
	m.mu.Lock()
	if m.generation != l.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.connected.Store(false)
	session := m.session
	m.mu.Unlock()

	slog.Warn("connection dropped", "user_id", string(session.UserID), "error", err)
	if m.onDisconnect != nil {
		m.onDisconnect(session, err)
	}
}

func (l *listener) Event(event *types.InboundEvent) {
	m := l.m
	m.mu.Lock()
	current := m.generation == l.gen
	m.mu.Unlock()
	if !current || m.handler == nil {
		return
	}
	if err := m.handler.Dispatch(event); err != nil {
		slog.Warn("dropping event", "kind", string(event.Kind), "event_id", string(event.ID), "error", err)
	}
}
