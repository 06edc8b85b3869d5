package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Session is the authenticated identity the realtime layer binds to. It is
// owned by the auth collaborator and only read here.
type Session struct {
	UserID UserID `json:"user_id"`
	Token  string `json:"token"`
}

// Key identifies a session for single-flight and staleness checks. A token
// refresh yields a different key.
func (s Session) Key() string {
	return strings.Join([]string{string(s.UserID), s.Token}, ":")
}

func (s Session) Valid() bool {
	return s.UserID != "" && s.Token != ""
}

type EventKind string

const (
	KindNotificationNew EventKind = "notification:new"
	KindPresenceUpdate  EventKind = "presence:update"
	KindTypingUpdate    EventKind = "typing:update"
	KindMessageNew      EventKind = "message:new"
	KindReactionUpdate  EventKind = "reaction:update"
)

// Outbound commands sent over the socket.
const (
	CommandRoomJoin  EventKind = "room:join"
	CommandRoomLeave EventKind = "room:leave"
)

// Envelope is the wire format for every frame on the socket, in both
// directions.
type Envelope struct {
	Type EventKind       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// InboundEvent is a decoded push event. ID is only populated for
// notification:new; the other kinds replace state wholesale and need no
// tracking.
type InboundEvent struct {
	ID         EventID         `json:"id,omitempty"`
	Kind       EventKind       `json:"kind"`
	RoomID     RoomID          `json:"room_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

type Notification struct {
	ID        EventID   `json:"id"`
	Type      string    `json:"type,omitempty"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type NotificationPayload struct {
	Notification Notification `json:"notification"`
}

type PresencePayload struct {
	RoomID      RoomID `json:"roomId"`
	OnlineCount int    `json:"onlineCount"`
}

type TypingStatus string

const (
	TypingStart TypingStatus = "start"
	TypingStop  TypingStatus = "stop"
)

type TypingPayload struct {
	RoomID RoomID       `json:"roomId"`
	UserID UserID       `json:"userId"`
	Status TypingStatus `json:"status"`
}

type MessagePayload struct {
	Message RoomMessage `json:"message"`
}

type ReactionPayload struct {
	RoomID    RoomID    `json:"roomId"`
	MessageID MessageID `json:"messageId"`
	Emoji     string    `json:"emoji"`
	UserIDs   []UserID  `json:"userIds"`
}

type RoomPayload struct {
	RoomID RoomID `json:"roomId"`
}

// RoomMessage is one chat message in a room. Reactions maps an emoji to the
// set of users who reacted with it; each set is kept sorted and unique.
type RoomMessage struct {
	ID        MessageID           `json:"id"`
	RoomID    RoomID              `json:"roomId"`
	SenderID  UserID              `json:"senderId"`
	Body      string              `json:"body"`
	CreatedAt time.Time           `json:"createdAt"`
	Reactions map[string][]UserID `json:"reactions,omitempty"`
}

// Before reports whether m sorts ahead of other: createdAt ascending, ties
// broken by id ascending.
func (m *RoomMessage) Before(other *RoomMessage) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Clone returns a deep copy so callers can read without holding store locks.
func (m *RoomMessage) Clone() RoomMessage {
	out := *m
	if m.Reactions != nil {
		out.Reactions = make(map[string][]UserID, len(m.Reactions))
		for emoji, users := range m.Reactions {
			out.Reactions[emoji] = append([]UserID(nil), users...)
		}
	}
	return out
}

// UniqueUsers sorts ids in place and drops duplicates.
func UniqueUsers(ids []UserID) []UserID {
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	last := ids[0]
	j := 1
	for _, id := range ids[1:] {
		if id != last {
			ids[j] = id
			last = id
			j++
		}
	}
	return ids[:j]
}

// DecodeEvent parses a raw socket frame into an InboundEvent, extracting the
// dedup id and room scope where the kind carries them.
func DecodeEvent(raw []byte) (*InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	event := &InboundEvent{
		Kind:       env.Type,
		Payload:    env.Data,
		ReceivedAt: time.Now(),
	}

	switch env.Type {
	case KindNotificationNew:
		var p NotificationPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		if p.Notification.ID == "" {
			return nil, fmt.Errorf("%s without notification id", env.Type)
		}
		event.ID = p.Notification.ID
	case KindMessageNew:
		var p MessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		event.RoomID = p.Message.RoomID
	case KindPresenceUpdate, KindTypingUpdate, KindReactionUpdate:
		var p RoomPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		event.RoomID = p.RoomID
	}
	return event, nil
}

// EncodeCommand builds an outbound frame.
func EncodeCommand(kind EventKind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Type: kind, Data: data})
}
