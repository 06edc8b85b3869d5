package types

import (
	"context"
)

// UnreadFetcher returns the authoritative unread notification count.
type UnreadFetcher interface {
	UnreadCount(ctx context.Context, userID UserID) (int, error)
}

// MessagePage is one page of room history, oldest first.
type MessagePage struct {
	Messages []RoomMessage `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}

// RoomAPI is the collaborator API for room history and actions.
type RoomAPI interface {
	ListMessages(ctx context.Context, roomID RoomID, before MessageID, limit int) (*MessagePage, error)
	SendMessage(ctx context.Context, roomID RoomID, body string) (*RoomMessage, error)
	SendTyping(ctx context.Context, roomID RoomID, typing bool) error
	ToggleReaction(ctx context.Context, roomID RoomID, messageID MessageID, emoji string) ([]UserID, error)
}
