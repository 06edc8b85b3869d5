// Package client wires the connection manager, event router and the
// per-user aggregates into one object a UI or CLI can drive.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/lingolive/internal/badge"
	"github.com/user/lingolive/internal/composer"
	"github.com/user/lingolive/internal/config"
	"github.com/user/lingolive/internal/dedup"
	"github.com/user/lingolive/internal/dispatch"
	"github.com/user/lingolive/internal/messages"
	"github.com/user/lingolive/internal/presence"
	"github.com/user/lingolive/internal/realtime"
	"github.com/user/lingolive/internal/types"
)

var (
	ErrNotBound    = errors.New("no session bound")
	ErrRoomNotOpen = errors.New("room is not open")
)

const loadTimeout = 15 * time.Second

// API is the collaborator REST surface the client needs.
type API interface {
	types.UnreadFetcher
	types.RoomAPI
	SetSession(session types.Session)
}

// Option configures a Client.
type Option func(*Client)

func WithNameResolver(fn presence.NameResolver) Option {
	return func(c *Client) { c.names = fn }
}

// WithOnBadgeChange observes unread count changes.
func WithOnBadgeChange(fn func(count int)) Option {
	return func(c *Client) { c.onBadge = fn }
}

// WithOnRoomChange observes presence and typing changes.
func WithOnRoomChange(fn func(roomID types.RoomID)) Option {
	return func(c *Client) { c.onRoom = fn }
}

// WithOnConnectionChange observes the connected flag.
func WithOnConnectionChange(fn func(connected bool)) Option {
	return func(c *Client) { c.onConn = fn }
}

// WithEventObserver sees every decoded inbound event before it is routed.
func WithEventObserver(fn func(event *types.InboundEvent)) Option {
	return func(c *Client) { c.observer = fn }
}

// WithComposerClock replaces the composers' timer source.
func WithComposerClock(clock composer.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

type openRoom struct {
	composer *composer.Controller
	typing   *typingSender
}

// Client is one user's realtime view: unread badge, open rooms, their
// presence and typing state, message history and composers.
type Client struct {
	api      API
	manager  *realtime.Manager
	router   *dispatch.Router
	badge    *badge.Aggregator
	presence *presence.Tracker
	store    *messages.Store

	idle     time.Duration
	clock    composer.Clock
	names    presence.NameResolver
	onBadge  func(int)
	onRoom   func(types.RoomID)
	onConn   func(bool)
	observer func(*types.InboundEvent)

	mu    sync.Mutex
	rooms map[types.RoomID]*openRoom
	wg    sync.WaitGroup
}

// New builds a Client. It fails with config.ErrMissingAPIBase when no API
// origin is configured. Nothing connects until Bind.
func New(cfg *config.Config, dialer realtime.Dialer, api API, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	endpoint, err := config.SocketURL(cfg.APIBaseURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		api:   api,
		idle:  cfg.TypingIdle(),
		rooms: make(map[types.RoomID]*openRoom),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.badge = badge.New(api,
		badge.WithSeenSet(dedup.New(cfg.Realtime.SeenCapacity, cfg.Realtime.SeenEvict)),
		badge.WithOnChange(c.onBadge),
	)
	c.presence = presence.New(
		presence.WithNameResolver(c.names),
		presence.WithOnChange(c.onRoom),
	)
	c.store = messages.New(api, cfg.Realtime.PageSize)

	c.router = dispatch.New(int64(cfg.Realtime.MaxConcurrentRooms))
	c.registerHandlers()
	c.router.Start(context.Background())

	c.manager = realtime.New(dialer, endpoint, realtime.HandlerFunc(c.route),
		realtime.WithOnConnect(c.connected),
		realtime.WithOnDisconnect(c.disconnected),
	)
	return c, nil
}

func (c *Client) route(event *types.InboundEvent) error {
	if c.observer != nil {
		c.observer(event)
	}
	return c.router.Dispatch(event)
}

// Bind attaches the client to session and opens the push connection.
// Binding a different user first drops everything held for the previous
// one. The badge is reconciled right away. If the connection cannot be
// opened the client is left unbound.
func (c *Client) Bind(ctx context.Context, session types.Session) error {
	if !session.Valid() {
		return realtime.ErrInvalidSession
	}
	if prev := c.manager.Session(); prev.UserID != "" && prev.UserID != session.UserID {
		c.teardown()
	}

	c.api.SetSession(session)
	c.badge.Bind(session.UserID)
	c.presence.SetSelf(session.UserID)

	if err := c.manager.Bind(ctx, session); err != nil {
		// A superseding bind owns the state now; anything else leaves the
		// manager unbound, so drop what was set up for session.
		if !errors.Is(err, realtime.ErrSuperseded) {
			c.teardown()
		}
		return fmt.Errorf("bind session: %w", err)
	}
	c.badge.ScheduleReconcile()
	return nil
}

// Unbind closes every room, emits pending typing stops, closes the
// connection and zeroes all derived state.
func (c *Client) Unbind() {
	c.teardown()
}

func (c *Client) teardown() {
	c.mu.Lock()
	rooms := c.rooms
	c.rooms = make(map[types.RoomID]*openRoom)
	c.mu.Unlock()

	for roomID, room := range rooms {
		room.composer.Close()
		room.typing.close()
		c.router.CloseLane(dispatch.RoomLane(&types.InboundEvent{RoomID: roomID}))
	}

	c.manager.Unbind()
	c.badge.Reset()
	c.presence.Reset()
	c.store.Reset()
	c.api.SetSession(types.Session{})
	c.notifyConn(false)
}

// Close unbinds and stops background work.
func (c *Client) Close() {
	c.teardown()
	c.wg.Wait()
	c.badge.Wait()
	c.router.Stop()
}

// Foreground reconciles the badge when the app becomes visible again.
func (c *Client) Foreground() {
	c.badge.ScheduleReconcile()
}

// OpenRoom subscribes to a room, asks the server to scope pushes to it and
// loads the latest page in the background. Opening an open room is a no-op.
func (c *Client) OpenRoom(ctx context.Context, roomID types.RoomID) error {
	if c.manager.Session().UserID == "" {
		return ErrNotBound
	}

	c.mu.Lock()
	if _, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return nil
	}
	typing := newTypingSender(c.api, roomID)
	emitter := &roomEmitter{client: c, roomID: roomID, typing: typing}
	opts := []composer.Option{composer.WithIdle(c.idle)}
	if c.clock != nil {
		opts = append(opts, composer.WithClock(c.clock))
	}
	c.rooms[roomID] = &openRoom{composer: composer.New(emitter, opts...), typing: typing}
	c.presence.Subscribe(roomID)
	c.store.Open(roomID)
	c.mu.Unlock()

	c.sendRoomCommand(ctx, types.CommandRoomJoin, roomID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		loadCtx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		if err := c.store.LoadInitial(loadCtx, roomID); err != nil {
			slog.Warn("initial message load failed", "room_id", string(roomID), "error", err)
		}
	}()
	return nil
}

// CloseRoom releases the composer, drops the room's state and tells the
// server to stop scoping pushes to it.
func (c *Client) CloseRoom(ctx context.Context, roomID types.RoomID) {
	c.mu.Lock()
	room, ok := c.rooms[roomID]
	delete(c.rooms, roomID)
	c.mu.Unlock()
	if !ok {
		return
	}

	room.composer.Close()
	room.typing.close()
	c.presence.Unsubscribe(roomID)
	c.store.Close(roomID)
	c.router.CloseLane(dispatch.RoomLane(&types.InboundEvent{RoomID: roomID}))
	c.sendRoomCommand(ctx, types.CommandRoomLeave, roomID)
}

func (c *Client) sendRoomCommand(ctx context.Context, kind types.EventKind, roomID types.RoomID) {
	err := c.manager.Send(ctx, kind, types.RoomPayload{RoomID: roomID})
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrNotConnected):
		slog.Debug("room command deferred until connected", "kind", string(kind), "room_id", string(roomID))
	default:
		slog.Warn("room command failed", "kind", string(kind), "room_id", string(roomID), "error", err)
	}
}

// Composer returns the open room's composer.
func (c *Client) Composer(roomID types.RoomID) (*composer.Controller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotOpen
	}
	return room.composer, nil
}

// LoadOlder fetches the page before the oldest loaded message.
func (c *Client) LoadOlder(ctx context.Context, roomID types.RoomID) error {
	return c.store.LoadOlder(ctx, roomID)
}

// ToggleReaction flips the user's reaction and applies the returned set.
func (c *Client) ToggleReaction(ctx context.Context, roomID types.RoomID, messageID types.MessageID, emoji string) error {
	users, err := c.api.ToggleReaction(ctx, roomID, messageID, emoji)
	if err != nil {
		return err
	}
	c.store.ApplyReaction(roomID, messageID, emoji, users)
	return nil
}

func (c *Client) Badge() *badge.Aggregator { return c.badge }
func (c *Client) Presence() *presence.Tracker { return c.presence }
func (c *Client) Messages() *messages.Store { return c.store }
func (c *Client) Manager() *realtime.Manager { return c.manager }
func (c *Client) IsConnected() bool { return c.manager.IsConnected() }

// WaitIdle blocks until routed events are handled and background loads
// and reconciliations have returned.
func (c *Client) WaitIdle(timeout time.Duration) bool {
	if !c.router.WaitIdle(timeout) {
		return false
	}
	c.wg.Wait()
	c.badge.Wait()
	return true
}

func (c *Client) connected(session types.Session) {
	c.notifyConn(true)
	c.badge.ScheduleReconcile()
	for _, roomID := range c.presence.Rooms() {
		c.sendRoomCommand(context.Background(), types.CommandRoomJoin, roomID)
	}
}

func (c *Client) disconnected(session types.Session, err error) {
	c.notifyConn(false)
}

func (c *Client) notifyConn(connected bool) {
	if c.onConn != nil {
		c.onConn(connected)
	}
}
