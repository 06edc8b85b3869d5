// Package messages holds the client-side view of each open room's message
// list, merged from paginated fetches and live pushes.
package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/user/lingolive/internal/types"
)

var (
	// ErrUnknownRoom is returned for operations on a room that is not open.
	ErrUnknownRoom = errors.New("room is not open")
	ErrEmptyBody   = errors.New("message body is empty")
)

const DefaultPageSize = 30

type roomLog struct {
	messages []*types.RoomMessage
	byID     map[types.MessageID]*types.RoomMessage
	hasMore  bool
	loaded   bool
}

// Store keeps one ordered message list per open room. Order is createdAt
// ascending with ties broken by id ascending, and ids are unique within a
// room.
type Store struct {
	api      types.RoomAPI
	pageSize int

	mu    sync.RWMutex
	rooms map[types.RoomID]*roomLog
}

func New(api types.RoomAPI, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{
		api:      api,
		pageSize: pageSize,
		rooms:    make(map[types.RoomID]*roomLog),
	}
}

// Open starts tracking a room. Opening an already-open room is a no-op.
func (s *Store) Open(roomID types.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		s.rooms[roomID] = &roomLog{byID: make(map[types.MessageID]*types.RoomMessage)}
	}
}

// Close forgets a room and its messages.
func (s *Store) Close(roomID types.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// LoadInitial fetches the latest page and merges it into the room. Live
// messages that arrived while the fetch was in flight are kept.
func (s *Store) LoadInitial(ctx context.Context, roomID types.RoomID) error {
	return s.load(ctx, roomID, 0)
}

// LoadOlder fetches the page before the oldest message held for the room.
func (s *Store) LoadOlder(ctx context.Context, roomID types.RoomID) error {
	s.mu.RLock()
	room, ok := s.rooms[roomID]
	var before types.MessageID
	if ok && len(room.messages) > 0 {
		before = oldestID(room.messages)
	}
	s.mu.RUnlock()

	if !ok {
		return ErrUnknownRoom
	}
	return s.load(ctx, roomID, before)
}

func (s *Store) load(ctx context.Context, roomID types.RoomID, before types.MessageID) error {
	if !s.isOpen(roomID) {
		return ErrUnknownRoom
	}

	page, err := s.api.ListMessages(ctx, roomID, before, s.pageSize)
	if err != nil {
		return fmt.Errorf("list messages for %s: %w", roomID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		// Closed while the fetch was in flight.
		return nil
	}
	for i := range page.Messages {
		msg := page.Messages[i]
		if msg.RoomID == "" {
			msg.RoomID = roomID
		}
		if msg.RoomID != roomID {
			slog.Warn("message from another room in page", "room_id", string(roomID), "message_room_id", string(msg.RoomID))
			continue
		}
		room.upsert(&msg)
	}
	if before != 0 || !room.loaded {
		room.hasMore = page.HasMore
	}
	room.loaded = true
	return nil
}

// AppendLive inserts a pushed message. A message whose id is already held
// (for example the echo of our own send) updates the existing entry. It
// returns false when the room is not open.
func (s *Store) AppendLive(msg types.RoomMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[msg.RoomID]
	if !ok {
		return false
	}
	room.upsert(&msg)
	return true
}

// ApplyReaction replaces the user set for one emoji on one message. An
// empty set removes the emoji. It returns false when the room is not open
// or the message is not held.
func (s *Store) ApplyReaction(roomID types.RoomID, messageID types.MessageID, emoji string, userIDs []types.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	msg, ok := room.byID[messageID]
	if !ok {
		return false
	}
	users := types.UniqueUsers(append([]types.UserID(nil), userIDs...))
	if len(users) == 0 {
		delete(msg.Reactions, emoji)
		return true
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]types.UserID)
	}
	msg.Reactions[emoji] = users
	return true
}

// Send posts a message through the collaborator API and folds the
// returned message into the room. The later message:new echo is merged by
// id.
func (s *Store) Send(ctx context.Context, roomID types.RoomID, body string) (*types.RoomMessage, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}
	msg, err := s.api.SendMessage(ctx, roomID, body)
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w", roomID, err)
	}
	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	s.AppendLive(*msg)
	return msg, nil
}

// Messages returns a copy of the room's ordered list.
func (s *Store) Messages(roomID types.RoomID) []types.RoomMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]types.RoomMessage, len(room.messages))
	for i, m := range room.messages {
		out[i] = m.Clone()
	}
	return out
}

// Message returns a copy of one message.
func (s *Store) Message(roomID types.RoomID, id types.MessageID) (types.RoomMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return types.RoomMessage{}, false
	}
	m, ok := room.byID[id]
	if !ok {
		return types.RoomMessage{}, false
	}
	return m.Clone(), true
}

// HasMore reports whether older history is available per the last fetch.
func (s *Store) HasMore(roomID types.RoomID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	return ok && room.hasMore
}

// Reset closes every room.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[types.RoomID]*roomLog)
}

func (s *Store) isOpen(roomID types.RoomID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// upsert inserts msg in order, or updates the held message with the same id.
func (r *roomLog) upsert(msg *types.RoomMessage) {
	stored := msg.Clone()
	for emoji, users := range stored.Reactions {
		stored.Reactions[emoji] = types.UniqueUsers(users)
	}

	if existing, ok := r.byID[stored.ID]; ok {
		moved := !existing.CreatedAt.Equal(stored.CreatedAt)
		existing.SenderID = stored.SenderID
		existing.Body = stored.Body
		existing.CreatedAt = stored.CreatedAt
		if stored.Reactions != nil {
			existing.Reactions = stored.Reactions
		}
		if moved {
			sort.SliceStable(r.messages, func(i, j int) bool { return r.messages[i].Before(r.messages[j]) })
		}
		return
	}

	i := sort.Search(len(r.messages), func(i int) bool { return !r.messages[i].Before(&stored) })
	r.messages = append(r.messages, nil)
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = &stored
	r.byID[stored.ID] = &stored
}

func oldestID(msgs []*types.RoomMessage) types.MessageID {
	oldest := msgs[0].ID
	for _, m := range msgs[1:] {
		if m.ID < oldest {
			oldest = m.ID
		}
	}
	return oldest
}
