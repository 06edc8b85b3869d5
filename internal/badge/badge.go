// Package badge maintains the unread notification count: optimistic bumps on
// fresh notifications, overwritten by authoritative reconciliation fetches.
package badge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/lingolive/internal/dedup"
	"github.com/user/lingolive/internal/types"
)

// ErrUnbound is returned by Reconcile when no user is bound.
var ErrUnbound = errors.New("badge: no user bound")

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithSeenSet replaces the default dedup set.
func WithSeenSet(s *dedup.SeenSet) Option {
	return func(a *Aggregator) { a.seen = s }
}

// WithOnChange registers a callback invoked with the new count after every
// change. It runs outside the aggregator's lock.
func WithOnChange(fn func(count int)) Option {
	return func(a *Aggregator) { a.onChange = fn }
}

// WithFetchTimeout bounds each scheduled reconciliation.
func WithFetchTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.fetchTimeout = d }
}

// Aggregator holds the unread count for the bound user.
type Aggregator struct {
	fetcher      types.UnreadFetcher
	seen         *dedup.SeenSet
	onChange     func(int)
	fetchTimeout time.Duration

	mu         sync.Mutex
	userID     types.UserID
	count      int
	generation uint64

	wg sync.WaitGroup
}

func New(fetcher types.UnreadFetcher, opts ...Option) *Aggregator {
	a := &Aggregator{
		fetcher:      fetcher,
		fetchTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.seen == nil {
		a.seen = dedup.New(dedup.DefaultCapacity, dedup.DefaultEvict)
	}
	return a
}

// Bind attaches the aggregator to a user. Switching to a different user
// discards the previous user's count and seen ids; rebinding the same user
// keeps them.
func (a *Aggregator) Bind(userID types.UserID) {
	a.mu.Lock()
	if a.userID == userID {
		a.mu.Unlock()
		return
	}
	changed := a.count != 0
	a.userID = userID
	a.count = 0
	a.generation++
	a.mu.Unlock()

	a.seen.Reset()
	if changed {
		a.notify(0)
	}
}

// HandleNotification applies an inbound notification:new. It returns false
// when id was already seen or no user is bound, in which case nothing
// changes.
func (a *Aggregator) HandleNotification(id types.EventID) bool {
	a.mu.Lock()
	bound := a.userID != ""
	a.mu.Unlock()
	if !bound {
		return false
	}
	if !a.seen.Add(id) {
		slog.Debug("duplicate notification dropped", "event_id", string(id))
		return false
	}

	a.mu.Lock()
	a.count++
	count := a.count
	a.mu.Unlock()

	a.notify(count)
	a.ScheduleReconcile()
	return true
}

// Reconcile fetches the authoritative count and replaces the local value
// unconditionally. Concurrent reconciliations are not ordered against each
// other: whichever completes last wins. A result that lands after Reset or
// a user switch is dropped.
func (a *Aggregator) Reconcile(ctx context.Context) error {
	a.mu.Lock()
	userID, generation := a.userID, a.generation
	a.mu.Unlock()

	if userID == "" {
		return ErrUnbound
	}

	n, err := a.fetcher.UnreadCount(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch unread count: %w", err)
	}
	if n < 0 {
		n = 0
	}

	a.mu.Lock()
	if a.generation != generation {
		a.mu.Unlock()
		slog.Debug("stale reconciliation dropped", "user_id", string(userID))
		return nil
	}
	a.count = n
	a.mu.Unlock()

	a.notify(n)
	return nil
}

// ScheduleReconcile runs Reconcile in the background. Failures are logged
// and otherwise ignored; the optimistic count stands until the next
// successful reconciliation.
func (a *Aggregator) ScheduleReconcile() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.fetchTimeout)
		defer cancel()
		if err := a.Reconcile(ctx); err != nil && !errors.Is(err, ErrUnbound) {
			slog.Warn("unread reconciliation failed", "error", err)
		}
	}()
}

// Count returns the current unread count.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Reset clears the count, the seen ids and the bound user. In-flight
// reconciliations will not write back.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.userID = ""
	a.count = 0
	a.generation++
	a.mu.Unlock()

	a.seen.Reset()
	a.notify(0)
}

// Wait blocks until all scheduled reconciliations have returned.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

func (a *Aggregator) notify(count int) {
	if a.onChange != nil {
		a.onChange(count)
	}
}
