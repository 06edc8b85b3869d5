package types

import (
	"strconv"

	"github.com/google/uuid"
)

type UserID string
type RoomID string
type EventID string
type RequestID string

// MessageID is issued monotonically by the server, so numeric order is
// issue order.
type MessageID int64

func (id MessageID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseMessageID parses the decimal form produced by MessageID.String.
func ParseMessageID(s string) (MessageID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return MessageID(n), nil
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}
