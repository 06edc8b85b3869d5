// Package composer turns raw draft edits into typing-start/stop signals and
// discrete sends.
package composer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrClosed     = errors.New("composer is closed")
	ErrEmptyDraft = errors.New("draft is empty")
)

// DefaultIdle is how long a typing signal survives without a keystroke.
const DefaultIdle = 1200 * time.Millisecond

// Emitter receives the composer's intents. TypingStart and TypingStop are
// called with the controller's lock held and must not call back into it.
type Emitter interface {
	TypingStart()
	TypingStop()
	Send(ctx context.Context, body string) error
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(c Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

func WithIdle(d time.Duration) Option {
	return func(ctl *Controller) {
		if d > 0 {
			ctl.idle = d
		}
	}
}

// Controller tracks one room's draft. While a typing signal is active a
// single idle timer is pending; every keystroke restarts it and its expiry
// emits the stop.
type Controller struct {
	emitter Emitter
	clock   Clock
	idle    time.Duration

	mu       sync.Mutex
	text     string
	signaled bool
	timer    Timer
	timerGen uint64
	closed   bool
}

func New(emitter Emitter, opts ...Option) *Controller {
	c := &Controller{
		emitter: emitter,
		clock:   realClock{},
		idle:    DefaultIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetText records a draft edit.
func (c *Controller) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.text = text

	empty := text == ""
	switch {
	case !empty && !c.signaled:
		c.signaled = true
		c.armLocked()
		c.emitter.TypingStart()
	case !empty && c.signaled:
		c.armLocked()
	case empty && c.signaled:
		c.signaled = false
		c.cancelLocked()
		c.emitter.TypingStop()
	}
}

// Send emits the draft. An active typing signal is stopped first, the draft
// is cleared and the idle timer cancelled. If the send fails and the draft
// is still empty, the body is put back.
func (c *Controller) Send(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	body := c.text
	if strings.TrimSpace(body) == "" {
		c.mu.Unlock()
		return ErrEmptyDraft
	}
	c.stopLocked()
	c.text = ""
	c.mu.Unlock()

	if err := c.emitter.Send(ctx, body); err != nil {
		c.mu.Lock()
		if !c.closed && c.text == "" {
			c.text = body
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Close releases the controller. An active typing signal is stopped and no
// timer is left pending. Close is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopLocked()
}

func (c *Controller) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Signaled reports whether a typing signal is currently active.
func (c *Controller) Signaled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaled
}

func (c *Controller) stopLocked() {
	c.cancelLocked()
	if c.signaled {
		c.signaled = false
		c.emitter.TypingStop()
	}
}

func (c *Controller) armLocked() {
	c.cancelLocked()
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(c.idle, func() { c.expire(gen) })
}

// cancelLocked stops the pending timer. Bumping the generation also defuses
// a callback that already started running.
func (c *Controller) cancelLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.timerGen || c.closed || !c.signaled {
		return
	}
	c.timer = nil
	c.signaled = false
	c.emitter.TypingStop()
}
