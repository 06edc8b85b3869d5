// Package presence keeps per-room online counts and typing sets for the
// rooms the user is currently viewing.
package presence

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/user/lingolive/internal/types"
)

// NameResolver maps a user id to a display name. An empty result falls
// back to a generic label.
type NameResolver func(types.UserID) string

// Option configures a Tracker.
type Option func(*Tracker)

func WithNameResolver(fn NameResolver) Option {
	return func(t *Tracker) { t.names = fn }
}

// WithOnChange registers a callback fired after a room's presence or typing
// state changes. It runs outside the tracker's lock.
func WithOnChange(fn func(roomID types.RoomID)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

type roomState struct {
	onlineCount int
	typing      map[types.UserID]struct{}
}

// Tracker holds presence and typing state per subscribed room. Events for
// rooms that are not subscribed are dropped.
type Tracker struct {
	names    NameResolver
	onChange func(types.RoomID)

	mu    sync.RWMutex
	self  types.UserID
	rooms map[types.RoomID]*roomState
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		rooms: make(map[types.RoomID]*roomState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetSelf sets the bound user; typing events about this user are ignored.
func (t *Tracker) SetSelf(userID types.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self = userID
}

// Subscribe registers interest in a room. Subscribing twice keeps the
// existing state.
func (t *Tracker) Subscribe(roomID types.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rooms[roomID]; ok {
		return
	}
	t.rooms[roomID] = &roomState{typing: make(map[types.UserID]struct{})}
}

// Unsubscribe drops the room and all of its state.
func (t *Tracker) Unsubscribe(roomID types.RoomID) {
	t.mu.Lock()
	_, ok := t.rooms[roomID]
	delete(t.rooms, roomID)
	t.mu.Unlock()
	if ok {
		t.notify(roomID)
	}
}

func (t *Tracker) Subscribed(roomID types.RoomID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.rooms[roomID]
	return ok
}

// Rooms returns the subscribed room ids in sorted order.
func (t *Tracker) Rooms() []types.RoomID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.RoomID, 0, len(t.rooms))
	for id := range t.rooms {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ApplyPresence replaces the room's online count.
func (t *Tracker) ApplyPresence(p types.PresencePayload) {
	count := p.OnlineCount
	if count < 0 {
		count = 0
	}
	t.mu.Lock()
	room, ok := t.rooms[p.RoomID]
	if ok {
		room.onlineCount = count
	}
	t.mu.Unlock()

	if !ok {
		slog.Debug("presence for unsubscribed room dropped", "room_id", string(p.RoomID))
		return
	}
	t.notify(p.RoomID)
}

// ApplyTyping adds or removes the sender from the room's typing set.
func (t *Tracker) ApplyTyping(p types.TypingPayload) error {
	if p.Status != types.TypingStart && p.Status != types.TypingStop {
		return fmt.Errorf("unknown typing status %q", p.Status)
	}

	t.mu.Lock()
	room, ok := t.rooms[p.RoomID]
	if !ok || p.UserID == "" || p.UserID == t.self {
		t.mu.Unlock()
		return nil
	}
	_, was := room.typing[p.UserID]
	if p.Status == types.TypingStart {
		room.typing[p.UserID] = struct{}{}
	} else {
		delete(room.typing, p.UserID)
	}
	changed := was != (p.Status == types.TypingStart)
	t.mu.Unlock()

	if changed {
		t.notify(p.RoomID)
	}
	return nil
}

// ObserveMessage treats a message from sender as an implicit typing stop.
func (t *Tracker) ObserveMessage(roomID types.RoomID, sender types.UserID) {
	t.mu.Lock()
	room, ok := t.rooms[roomID]
	changed := false
	if ok {
		if _, typing := room.typing[sender]; typing {
			delete(room.typing, sender)
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.notify(roomID)
	}
}

func (t *Tracker) OnlineCount(roomID types.RoomID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if room, ok := t.rooms[roomID]; ok {
		return room.onlineCount
	}
	return 0
}

// TypingUsers returns the room's typing users in sorted order.
func (t *Tracker) TypingUsers(roomID types.RoomID) []types.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]types.UserID, 0, len(room.typing))
	for id := range room.typing {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TypingText renders the typing indicator line for a room.
func (t *Tracker) TypingText(roomID types.RoomID) string {
	users := t.TypingUsers(roomID)
	switch len(users) {
	case 0:
		return ""
	case 1:
		name := ""
		if t.names != nil {
			name = t.names(users[0])
		}
		if name == "" {
			name = "Someone"
		}
		return name + " is typing…"
	default:
		return fmt.Sprintf("%d people are typing…", len(users))
	}
}

// Reset drops every room.
func (t *Tracker) Reset() {
	t.mu.Lock()
	rooms := make([]types.RoomID, 0, len(t.rooms))
	for id := range t.rooms {
		rooms = append(rooms, id)
	}
	t.rooms = make(map[types.RoomID]*roomState)
	t.self = ""
	t.mu.Unlock()

	for _, id := range rooms {
		t.notify(id)
	}
}

func (t *Tracker) notify(roomID types.RoomID) {
	if t.onChange != nil {
		t.onChange(roomID)
	}
}
