// Package dispatch routes inbound events to per-kind handlers. Events are
// grouped into lanes; each lane is drained by one goroutine in arrival
// order, and a semaphore bounds how many lanes run at once. A full lane
// blocks its producer instead of dropping events.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/lingolive/internal/types"
)

var (
	ErrUnknownKind = errors.New("no handler for event kind")
	ErrStopped     = errors.New("router is stopped")
	ErrLaneClosed  = errors.New("lane is closed")
)

// GlobalLane carries events that are not scoped to a room.
const GlobalLane = "global"

const laneBuffer = 256

// Handler processes one event. Returned errors are logged; they never stop
// the lane.
type Handler func(ctx context.Context, event *types.InboundEvent) error

// LaneFunc picks the lane an event is processed on.
type LaneFunc func(event *types.InboundEvent) string

// RoomLane keys events by room so one room's events stay ordered while
// different rooms proceed independently.
func RoomLane(event *types.InboundEvent) string {
	if event.RoomID == "" {
		return GlobalLane
	}
	return "room:" + string(event.RoomID)
}

// Global puts every event on the shared lane.
func Global(*types.InboundEvent) string {
	return GlobalLane
}

type route struct {
	lane    LaneFunc
	handler Handler
}

// lane is a bounded FIFO drained by one goroutine. Producers block while it
// is full. A retired lane keeps draining what it already holds; a lane
// recreated for the same key waits for it to finish first.
type lane struct {
	key      string
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    []*types.InboundEvent
	closed   bool
	prev     <-chan struct{}
	done     chan struct{}
}

func newLane(key string, prev <-chan struct{}) *lane {
	l := &lane{key: key, prev: prev, done: make(chan struct{})}
	l.notEmpty = sync.NewCond(&l.mu)
	l.notFull = sync.NewCond(&l.mu)
	return l
}

// push appends event, waiting for room. It returns false once the lane is
// closed.
func (l *lane) push(event *types.InboundEvent, pending *atomic.Int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) >= laneBuffer && !l.closed {
		l.notFull.Wait()
	}
	if l.closed {
		return false
	}
	pending.Add(1)
	l.queue = append(l.queue, event)
	l.notEmpty.Signal()
	return true
}

// pop returns the next event, or false when the lane is closed and empty.
func (l *lane) pop() (*types.InboundEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) == 0 && !l.closed {
		l.notEmpty.Wait()
	}
	if len(l.queue) == 0 {
		return nil, false
	}
	event := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	l.notFull.Signal()
	return event, true
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.notEmpty.Broadcast()
	l.notFull.Broadcast()
}

// Router owns the lanes and the handler table.
type Router struct {
	routes    map[types.EventKind]route
	lanes     map[string]*lane
	retired   map[string]*lane
	semaphore *semaphore.Weighted
	pending   atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// New creates a Router that runs at most maxConcurrent lanes at a time.
func New(maxConcurrent int64) *Router {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Router{
		routes:    make(map[types.EventKind]route),
		lanes:     make(map[string]*lane),
		retired:   make(map[string]*lane),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Register sets the handler and lane for a kind, replacing any previous one.
func (r *Router) Register(kind types.EventKind, lane LaneFunc, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[kind] = route{lane: lane, handler: handler}
}

// Start initialises the router's context. Must be called before Dispatch.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.stopped = false
}

// Stop cancels the router, closes every lane and waits for lane goroutines
// to exit. Producers blocked on a full lane return ErrStopped.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	for key, l := range r.lanes {
		l.close()
		delete(r.lanes, key)
	}
	r.stopped = true
	r.mu.Unlock()
	r.wg.Wait()
}

// Dispatch enqueues event on its lane, creating the lane (and its
// goroutine) on first use. When the lane is full it blocks until the lane
// drains; events are never dropped for lack of space.
func (r *Router) Dispatch(event *types.InboundEvent) error {
	r.mu.Lock()
	if r.stopped || r.ctx == nil {
		r.mu.Unlock()
		return ErrStopped
	}
	rt, ok := r.routes[event.Kind]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKind, event.Kind)
	}

	key := rt.lane(event)
	l, exists := r.lanes[key]
	if !exists {
		var prev <-chan struct{}
		if old, ok := r.retired[key]; ok {
			prev = old.done
		}
		l = newLane(key, prev)
		r.lanes[key] = l
		r.wg.Add(1)
		go r.processLane(l)
	}
	r.mu.Unlock()

	if !l.push(event, &r.pending) {
		r.mu.RLock()
		stopped := r.stopped
		r.mu.RUnlock()
		if stopped {
			return ErrStopped
		}
		return fmt.Errorf("%w: %s", ErrLaneClosed, key)
	}
	return nil
}

// CloseLane retires a lane. Events already queued on it are still handled,
// and a lane later created for the same key starts only after they are.
func (r *Router) CloseLane(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.lanes[key]; ok {
		l.close()
		delete(r.lanes, key)
		r.retired[key] = l
	}
}

func (r *Router) processLane(l *lane) {
	defer r.wg.Done()
	defer func() {
		close(l.done)
		r.mu.Lock()
		if r.retired[l.key] == l {
			delete(r.retired, l.key)
		}
		r.mu.Unlock()
	}()

	if l.prev != nil {
		<-l.prev
	}
	for {
		event, ok := l.pop()
		if !ok {
			return
		}
		if err := r.semaphore.Acquire(r.ctx, 1); err != nil {
			r.pending.Add(-1)
			continue
		}
		r.handle(l.key, event)
		r.semaphore.Release(1)
		r.pending.Add(-1)
	}
}

func (r *Router) handle(key string, event *types.InboundEvent) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("event handler panicked", "lane", key, "kind", string(event.Kind), "panic", p)
		}
	}()

	r.mu.RLock()
	rt, ok := r.routes[event.Kind]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := rt.handler(r.ctx, event); err != nil {
		slog.Warn("event handling failed", "lane", key, "kind", string(event.Kind), "event_id", string(event.ID), "error", err)
	}
}

// WaitIdle blocks until no events are queued or running, or the timeout
// expires. Returns true if idle, false if timed out.
func (r *Router) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if r.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}
