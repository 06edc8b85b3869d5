package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/lingolive/internal/types"
)

const typingTimeout = 5 * time.Second

// typingSender forwards one room's typing state to the API from a single
// goroutine. Only the latest wanted state matters, so bursts coalesce and
// the server never sees start and stop out of order.
type typingSender struct {
	api    types.RoomAPI
	roomID types.RoomID

	mu   sync.Mutex
	want bool
	wake chan struct{}
	done chan struct{}
}

func newTypingSender(api types.RoomAPI, roomID types.RoomID) *typingSender {
	s := &typingSender{
		api:    api,
		roomID: roomID,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *typingSender) set(typing bool) {
	s.mu.Lock()
	s.want = typing
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *typingSender) run() {
	defer close(s.done)
	sent := false
	for range s.wake {
		s.mu.Lock()
		want := s.want
		s.mu.Unlock()
		if want == sent {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), typingTimeout)
		err := s.api.SendTyping(ctx, s.roomID, want)
		cancel()
		if err != nil {
			slog.Warn("typing signal failed", "room_id", string(s.roomID), "typing", want, "error", err)
			continue
		}
		sent = want
	}
}

// close flushes the pending state and waits for the goroutine to exit.
func (s *typingSender) close() {
	close(s.wake)
	<-s.done
}

// roomEmitter connects a room's composer to the typing sender and the
// message store.
type roomEmitter struct {
	client *Client
	roomID types.RoomID
	typing *typingSender
}

func (e *roomEmitter) TypingStart() { e.typing.set(true) }

func (e *roomEmitter) TypingStop() { e.typing.set(false) }

func (e *roomEmitter) Send(ctx context.Context, body string) error {
	_, err := e.client.store.Send(ctx, e.roomID, body)
	return err
}
