package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/lingolive/internal/types"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (t *fakeTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("closed")
	}
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type opened struct {
	session   types.Session
	listener  Listener
	transport *fakeTransport
}

type fakeDialer struct {
	mu    sync.Mutex
	opens []opened
	delay time.Duration
	err   error
	calls atomic.Int32
}

func (d *fakeDialer) Open(ctx context.Context, endpoint string, session types.Session, l Listener) (Transport, error) {
	d.calls.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return nil, d.err
	}
	t := &fakeTransport{}
	d.mu.Lock()
	d.opens = append(d.opens, opened{session: session, listener: l, transport: t})
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) last() opened {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[len(d.opens)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opens)
}

type recordingHandler struct {
	mu     sync.Mutex
	events []*types.InboundEvent
}

func (h *recordingHandler) Dispatch(event *types.InboundEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandler) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

var alice = types.Session{UserID: "alice", Token: "t1"}

func TestBindRejectsInvalidSession(t *testing.T) {
	m := New(&fakeDialer{}, "ws://x/ws", nil)
	if err := m.Bind(context.Background(), types.Session{UserID: "alice"}); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("expected ErrInvalidSession, got %v", err)
	}
}

func TestStateMachine(t *testing.T) {
	dialer := &fakeDialer{}
	var connects, drops int32
	m := New(dialer, "ws://x/ws", nil,
		WithOnConnect(func(types.Session) { atomic.AddInt32(&connects, 1) }),
		WithOnDisconnect(func(types.Session, error) { atomic.AddInt32(&drops, 1) }),
	)

	if m.State() != StateDisconnected {
		t.Fatalf("initial state = %s", m.State())
	}
	if err := m.Bind(context.Background(), alice); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateConnecting || m.IsConnected() {
		t.Fatalf("after bind: state=%s connected=%v", m.State(), m.IsConnected())
	}

	l := dialer.last().listener
	l.Connected()
	if m.State() != StateConnected || !m.IsConnected() {
		t.Fatalf("after connect: state=%s connected=%v", m.State(), m.IsConnected())
	}

	l.Disconnected(errors.New("connection reset"))
	if m.State() != StateConnecting || m.IsConnected() {
		t.Fatalf("after drop: state=%s connected=%v", m.State(), m.IsConnected())
	}
	if m.Session() != alice {
		t.Error("a drop must keep the bound session")
	}

	l.Connected()
	if !m.IsConnected() {
		t.Error("expected reconnect to flip connected")
	}
	if got := atomic.LoadInt32(&connects); got != 2 {
		t.Errorf("expected 2 connect callbacks, got %d", got)
	}
	if got := atomic.LoadInt32(&drops); got != 1 {
		t.Errorf("expected 1 drop callback, got %d", got)
	}

	m.Unbind()
	if m.State() != StateDisconnected || m.IsConnected() {
		t.Fatalf("after unbind: state=%s connected=%v", m.State(), m.IsConnected())
	}
	if !dialer.last().transport.isClosed() {
		t.Error("unbind must close the transport")
	}
	if m.Session() != (types.Session{}) {
		t.Error("unbind must clear the session")
	}
}

func TestBindSameSessionIsNoop(t *testing.T) {
	dialer := &fakeDialer{}
	m := New(dialer, "ws://x/ws", nil)

	for i := 0; i < 3; i++ {
		if err := m.Bind(context.Background(), alice); err != nil {
			t.Fatal(err)
		}
	}
	if got := dialer.count(); got != 1 {
		t.Errorf("expected 1 transport, got %d", got)
	}
}

func TestConcurrentBindSingleFlight(t *testing.T) {
	dialer := &fakeDialer{delay: 50 * time.Millisecond}
	m := New(dialer, "ws://x/ws", nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Bind(context.Background(), alice); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := dialer.calls.Load(); got != 1 {
		t.Errorf("expected 1 open, got %d", got)
	}
}

func TestBindNewSessionTearsDownOld(t *testing.T) {
	dialer := &fakeDialer{}
	m := New(dialer, "ws://x/ws", nil)

	if err := m.Bind(context.Background(), alice); err != nil {
		t.Fatal(err)
	}
	first := dialer.last()
	first.listener.Connected()

	refreshed := types.Session{UserID: "alice", Token: "t2"}
	if err := m.Bind(context.Background(), refreshed); err != nil {
		t.Fatal(err)
	}
	if !first.transport.isClosed() {
		t.Error("old transport must be closed before the new one opens")
	}
	if m.IsConnected() {
		t.Error("new transport has not connected yet")
	}
	if m.Session() != refreshed {
		t.Errorf("session = %+v", m.Session())
	}

	// Late callbacks from the old transport are ignored.
	first.listener.Connected()
	if m.IsConnected() {
		t.Error("stale transport flipped connected")
	}
	second := dialer.last()
	second.listener.Connected()
	if !m.IsConnected() {
		t.Error("expected new transport to connect")
	}
	first.listener.Disconnected(errors.New("gone"))
	if !m.IsConnected() {
		t.Error("stale drop flipped connected")
	}
}

func TestBindOpenFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("dial refused")}
	m := New(dialer, "ws://x/ws", nil)

	if err := m.Bind(context.Background(), alice); err == nil {
		t.Fatal("expected error")
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %s", m.State())
	}

	dialer.err = nil
	if err := m.Bind(context.Background(), alice); err != nil {
		t.Fatalf("retry bind: %v", err)
	}
}

func TestEventsForwardedFromCurrentTransportOnly(t *testing.T) {
	dialer := &fakeDialer{}
	handler := &recordingHandler{}
	m := New(dialer, "ws://x/ws", handler)

	if err := m.Bind(context.Background(), alice); err != nil {
		t.Fatal(err)
	}
	first := dialer.last().listener
	first.Event(&types.InboundEvent{ID: "n1", Kind: types.KindNotificationNew})

	if err := m.Bind(context.Background(), types.Session{UserID: "bob", Token: "t"}); err != nil {
		t.Fatal(err)
	}
	first.Event(&types.InboundEvent{ID: "n2", Kind: types.KindNotificationNew})
	dialer.last().listener.Event(&types.InboundEvent{ID: "n3", Kind: types.KindNotificationNew})

	if got := handler.len(); got != 2 {
		t.Errorf("expected 2 forwarded events, got %d", got)
	}
}

func TestSend(t *testing.T) {
	dialer := &fakeDialer{}
	m := New(dialer, "ws://x/ws", nil)

	payload := types.RoomPayload{RoomID: "r1"}
	if err := m.Send(context.Background(), types.CommandRoomJoin, payload); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before bind, got %v", err)
	}

	if err := m.Bind(context.Background(), alice); err != nil {
		t.Fatal(err)
	}
	if err := m.Send(context.Background(), types.CommandRoomJoin, payload); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while connecting, got %v", err)
	}

	o := dialer.last()
	o.listener.Connected()
	if err := m.Send(context.Background(), types.CommandRoomJoin, payload); err != nil {
		t.Fatal(err)
	}

	o.transport.mu.Lock()
	defer o.transport.mu.Unlock()
	if len(o.transport.sent) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(o.transport.sent))
	}
	var env types.Envelope
	if err := json.Unmarshal(o.transport.sent[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != types.CommandRoomJoin {
		t.Errorf("type = %s", env.Type)
	}
}

func TestStateString(t *testing.T) {
	if StateConnecting.String() != "connecting" {
		t.Errorf("got %s", StateConnecting)
	}
}
