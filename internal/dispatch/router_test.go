package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/lingolive/internal/types"
)

func event(kind types.EventKind, room string, seq int) *types.InboundEvent {
	return &types.InboundEvent{
		ID:     types.EventID(fmt.Sprintf("%s-%d", room, seq)),
		Kind:   kind,
		RoomID: types.RoomID(room),
	}
}

func TestRouterSameRoomOrdering(t *testing.T) {
	router := New(4)
	router.Start(context.Background())
	defer router.Stop()

	var mu sync.Mutex
	var order []types.EventID

	router.Register(types.KindMessageNew, RoomLane, func(ctx context.Context, e *types.InboundEvent) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		order = append(order, e.ID)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 10; i++ {
		if err := router.Dispatch(event(types.KindMessageNew, "r1", i)); err != nil {
			t.Fatal(err)
		}
	}
	if !router.WaitIdle(2 * time.Second) {
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 10 {
		t.Fatalf("expected 10 handled events, got %d", len(order))
	}
	for i, id := range order {
		if want := types.EventID(fmt.Sprintf("r1-%d", i)); id != want {
			t.Errorf("order[%d] = %s, want %s", i, id, want)
		}
	}
}

func TestRouterConcurrencyBound(t *testing.T) {
	router := New(2)
	router.Start(context.Background())
	defer router.Stop()

	var running, maxSeen int32
	router.Register(types.KindPresenceUpdate, RoomLane, func(ctx context.Context, e *types.InboundEvent) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	for i := 0; i < 6; i++ {
		if err := router.Dispatch(event(types.KindPresenceUpdate, fmt.Sprintf("room-%d", i), 0)); err != nil {
			t.Fatal(err)
		}
	}
	if !router.WaitIdle(2 * time.Second) {
		t.Fatal("timed out waiting for events")
	}
	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestRouterHandlerFailureDoesNotStopLane(t *testing.T) {
	router := New(1)
	router.Start(context.Background())
	defer router.Stop()

	var handled int32
	router.Register(types.KindReactionUpdate, RoomLane, func(ctx context.Context, e *types.InboundEvent) error {
		n := atomic.AddInt32(&handled, 1)
		switch n {
		case 1:
			return errors.New("malformed payload")
		case 2:
			panic("boom")
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := router.Dispatch(event(types.KindReactionUpdate, "r1", i)); err != nil {
			t.Fatal(err)
		}
	}
	if !router.WaitIdle(2 * time.Second) {
		t.Fatal("timed out waiting for events")
	}
	if got := atomic.LoadInt32(&handled); got != 3 {
		t.Errorf("expected 3 handled events, got %d", got)
	}
}

func TestRouterUnknownKind(t *testing.T) {
	router := New(1)
	router.Start(context.Background())
	defer router.Stop()

	err := router.Dispatch(event("chat:unknown", "r1", 0))
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestRouterDispatchBeforeStart(t *testing.T) {
	router := New(1)
	router.Register(types.KindMessageNew, RoomLane, func(context.Context, *types.InboundEvent) error { return nil })
	if err := router.Dispatch(event(types.KindMessageNew, "r1", 0)); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestRouterDispatchAfterStop(t *testing.T) {
	router := New(1)
	router.Register(types.KindMessageNew, RoomLane, func(context.Context, *types.InboundEvent) error { return nil })
	router.Start(context.Background())
	if err := router.Dispatch(event(types.KindMessageNew, "r1", 0)); err != nil {
		t.Fatal(err)
	}
	router.Stop()

	if err := router.Dispatch(event(types.KindMessageNew, "r1", 1)); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestRouterCloseLaneDrainsQueued(t *testing.T) {
	router := New(1)
	router.Start(context.Background())
	defer router.Stop()

	release := make(chan struct{})
	var handled int32
	router.Register(types.KindTypingUpdate, RoomLane, func(ctx context.Context, e *types.InboundEvent) error {
		<-release
		atomic.AddInt32(&handled, 1)
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := router.Dispatch(event(types.KindTypingUpdate, "r1", i)); err != nil {
			t.Fatal(err)
		}
	}
	router.CloseLane("room:r1")
	close(release)

	if !router.WaitIdle(2 * time.Second) {
		t.Fatal("timed out waiting for events")
	}
	if got := atomic.LoadInt32(&handled); got != 3 {
		t.Errorf("expected 3 handled events, got %d", got)
	}

	// A new event recreates the lane.
	if err := router.Dispatch(event(types.KindTypingUpdate, "r1", 3)); err != nil {
		t.Fatal(err)
	}
	if !router.WaitIdle(2 * time.Second) {
		t.Fatal("timed out waiting for recreated lane")
	}
	if got := atomic.LoadInt32(&handled); got != 4 {
		t.Errorf("expected 4 handled events, got %d", got)
	}
}

func TestRouterFullLaneBlocksInsteadOfDropping(t *testing.T) {
	router := New(1)
	router.Start(context.Background())
	defer router.Stop()

	release := make(chan struct{})
	var handled int32
	router.Register(types.KindMessageNew, RoomLane, func(ctx context.Context, e *types.InboundEvent) error {
		<-release
		atomic.AddInt32(&handled, 1)
		return nil
	})

	const total = laneBuffer + 44
	errs := make(chan error, 1)
	go func() {
		for i := 0; i < total; i++ {
			if err := router.Dispatch(event(types.KindMessageNew, "r1", i)); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	select {
	case err := <-errs:
		t.Fatalf("dispatch returned while the lane was full: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-errs:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch stayed blocked after the lane drained")
	}
	if !router.WaitIdle(2 * time.Second) {
		t.Fatal("timed out waiting for events")
	}
	if got := atomic.LoadInt32(&handled); got != total {
		t.Errorf("expected %d handled events, got %d", total, got)
	}
}

func TestRouterStopReleasesBlockedDispatch(t *testing.T) {
	router := New(1)
	router.Start(context.Background())

	release := make(chan struct{})
	defer close(release)
	router.Register(types.KindMessageNew, RoomLane, func(ctx context.Context, e *types.InboundEvent) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	errs := make(chan error, 1)
	go func() {
		for i := 0; ; i++ {
			if err := router.Dispatch(event(types.KindMessageNew, "r1", i)); err != nil {
				errs <- err
				return
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	router.Stop()
	select {
	case err := <-errs:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("expected ErrStopped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked dispatch not released by Stop")
	}
}

func TestRouterReopenedLaneWaitsForRetired(t *testing.T) {
	router := New(4)
	router.Start(context.Background())
	defer router.Stop()

	release := make(chan struct{})
	var running, maxSeen int32
	var mu sync.Mutex
	var order []types.EventID
	router.Register(types.KindPresenceUpdate, RoomLane, func(ctx context.Context, e *types.InboundEvent) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		if e.ID == "r1-0" {
			<-release
		}
		mu.Lock()
		order = append(order, e.ID)
		mu.Unlock()
		atomic.AddInt32(&running, -1)
		return nil
	})

	for i := 0; i < 2; i++ {
		if err := router.Dispatch(event(types.KindPresenceUpdate, "r1", i)); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	router.CloseLane("room:r1")
	if err := router.Dispatch(event(types.KindPresenceUpdate, "r1", 2)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	if !router.WaitIdle(2 * time.Second) {
		t.Fatal("timed out waiting for events")
	}

	if m := atomic.LoadInt32(&maxSeen); m != 1 {
		t.Errorf("expected one handler at a time on room r1, saw %d", m)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []types.EventID{"r1-0", "r1-1", "r1-2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestLaneFuncs(t *testing.T) {
	if got := RoomLane(event(types.KindMessageNew, "abc", 0)); got != "room:abc" {
		t.Errorf("RoomLane = %q", got)
	}
	if got := RoomLane(event(types.KindNotificationNew, "", 0)); got != GlobalLane {
		t.Errorf("RoomLane without room = %q", got)
	}
	if got := Global(event(types.KindMessageNew, "abc", 0)); got != GlobalLane {
		t.Errorf("Global = %q", got)
	}
}
