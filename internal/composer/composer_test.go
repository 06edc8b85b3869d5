package composer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type recorder struct {
	mu      sync.Mutex
	events  []string
	sendErr error
}

func (r *recorder) TypingStart() { r.add("start") }
func (r *recorder) TypingStop()  { r.add("stop") }

func (r *recorder) Send(_ context.Context, body string) error {
	r.add("send:" + body)
	return r.sendErr
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(e string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.events {
		if got == e {
			n++
		}
	}
	return n
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestController() (*Controller, *recorder, *fakeClock) {
	rec := &recorder{}
	clock := &fakeClock{}
	return New(rec, WithClock(clock)), rec, clock
}

func TestTypingDebounce(t *testing.T) {
	c, rec, clock := newTestController()

	draft := ""
	for elapsed := time.Duration(0); elapsed <= 3*time.Second; elapsed += 500 * time.Millisecond {
		draft += "a"
		c.SetText(draft)
		clock.Advance(500 * time.Millisecond)
	}
	if n := rec.count("start"); n != 1 {
		t.Fatalf("expected exactly 1 typing:start, got %d", n)
	}
	if n := rec.count("stop"); n != 0 {
		t.Fatalf("expected no typing:stop while typing, got %d", n)
	}

	clock.Advance(700 * time.Millisecond)
	if n := rec.count("stop"); n != 1 {
		t.Fatalf("expected exactly 1 typing:stop after 1200ms idle, got %d", n)
	}
	if c.Signaled() {
		t.Error("expected signal cleared after idle expiry")
	}

	clock.Advance(5 * time.Second)
	if n := rec.count("stop"); n != 1 {
		t.Errorf("expected no further stops, got %d", n)
	}
}

func TestClearingTextStopsTyping(t *testing.T) {
	c, rec, clock := newTestController()

	c.SetText("h")
	c.SetText("")
	if n := rec.count("stop"); n != 1 {
		t.Fatalf("expected stop on clear, got %d", n)
	}
	if clock.pending() != 0 {
		t.Error("expected idle timer cancelled on clear")
	}
	clock.Advance(2 * time.Second)
	if n := rec.count("stop"); n != 1 {
		t.Errorf("expected no duplicate stop from timer, got %d", n)
	}
}

func TestTypingResumesAfterIdleStop(t *testing.T) {
	c, rec, clock := newTestController()
	c.SetText("h")
	clock.Advance(DefaultIdle)
	c.SetText("he")
	if n := rec.count("start"); n != 2 {
		t.Errorf("expected a fresh start after idle stop, got %d", n)
	}
}

func TestSendPreemptsTimer(t *testing.T) {
	c, rec, clock := newTestController()

	c.SetText("hola")
	if err := c.Send(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Second)

	want := []string{"start", "stop", "send:hola"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if c.Text() != "" {
		t.Error("expected draft cleared after send")
	}
	if clock.pending() != 0 {
		t.Error("expected no pending timer after send")
	}
}

func TestSendAfterIdleStopDoesNotStopAgain(t *testing.T) {
	c, rec, clock := newTestController()
	c.SetText("hola")
	clock.Advance(DefaultIdle)
	if err := c.Send(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := rec.count("stop"); n != 1 {
		t.Errorf("expected a single stop, got %d", n)
	}
}

func TestSendEmptyDraft(t *testing.T) {
	c, _, _ := newTestController()
	c.SetText("   ")
	if err := c.Send(context.Background()); !errors.Is(err, ErrEmptyDraft) {
		t.Fatalf("expected ErrEmptyDraft, got %v", err)
	}
}

func TestSendFailureRestoresDraft(t *testing.T) {
	c, rec, _ := newTestController()
	rec.sendErr = errors.New("connection refused")
	c.SetText("hola")
	if err := c.Send(context.Background()); err == nil {
		t.Fatal("expected send error")
	}
	if c.Text() != "hola" {
		t.Errorf("expected draft restored, got %q", c.Text())
	}
}

func TestCloseReleasesTypingSignal(t *testing.T) {
	c, rec, clock := newTestController()
	c.SetText("h")
	c.Close()
	c.Close()

	if n := rec.count("stop"); n != 1 {
		t.Fatalf("expected exactly 1 stop on close, got %d", n)
	}
	if clock.pending() != 0 {
		t.Error("expected no schedulable timer after close")
	}

	c.SetText("more")
	if n := rec.count("start"); n != 1 {
		t.Error("expected closed controller to ignore edits")
	}
	if err := c.Send(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestCloseWithoutSignalEmitsNothing(t *testing.T) {
	c, rec, _ := newTestController()
	c.Close()
	if len(rec.snapshot()) != 0 {
		t.Errorf("expected no events, got %v", rec.snapshot())
	}
}

func TestStaleTimerCallbackIgnored(t *testing.T) {
	rec := &recorder{}
	clock := &fakeClock{}
	c := New(rec, WithClock(clock), WithIdle(time.Second))

	c.SetText("a")
	clock.mu.Lock()
	stale := clock.timers[0]
	clock.mu.Unlock()

	c.SetText("ab")
	stale.f()

	if n := rec.count("stop"); n != 0 {
		t.Errorf("expected stale callback to be ignored, got %d stops", n)
	}
}

func TestWhitespaceDraftSignalsTyping(t *testing.T) {
	c, rec, clock := newTestController()
	c.SetText(" ")
	if n := rec.count("start"); n != 1 {
		t.Fatalf("expected a start for a non-empty draft, got %d", n)
	}
	if err := c.Send(context.Background()); !errors.Is(err, ErrEmptyDraft) {
		t.Fatalf("expected ErrEmptyDraft, got %v", err)
	}
	clock.Advance(DefaultIdle)
	if n := rec.count("stop"); n != 1 {
		t.Errorf("expected idle stop, got %d", n)
	}
	if c.Signaled() {
		t.Error("still signaled after idle")
	}
}
