// Package dedup tracks recently seen event ids so at-least-once delivery
// never double-counts.
package dedup

import (
	"sync"

	"github.com/user/lingolive/internal/types"
)

const (
	DefaultCapacity = 200
	DefaultEvict    = 100
)

// SeenSet is a bounded, insertion-ordered set of event ids. When an insert
// finds the set at capacity, the oldest evict ids are dropped in one batch
// before the new id is added.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	evict    int
	order    []types.EventID
	index    map[types.EventID]struct{}
}

// New creates a SeenSet. Non-positive arguments fall back to the defaults;
// evict is clamped to capacity.
func New(capacity, evict int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if evict <= 0 {
		evict = DefaultEvict
	}
	if evict > capacity {
		evict = capacity
	}
	return &SeenSet{
		capacity: capacity,
		evict:    evict,
		order:    make([]types.EventID, 0, capacity),
		index:    make(map[types.EventID]struct{}, capacity),
	}
}

// Add records id. It returns false, and changes nothing, if id is already
// present.
func (s *SeenSet) Add(id types.EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; ok {
		return false
	}
	if len(s.order) >= s.capacity {
		for _, old := range s.order[:s.evict] {
			delete(s.index, old)
		}
		kept := copy(s.order, s.order[s.evict:])
		s.order = s.order[:kept]
	}
	s.order = append(s.order, id)
	s.index[id] = struct{}{}
	return true
}

func (s *SeenSet) Contains(id types.EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// IDs returns the tracked ids, oldest first.
func (s *SeenSet) IDs() []types.EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.EventID(nil), s.order...)
}

func (s *SeenSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = s.order[:0]
	s.index = make(map[types.EventID]struct{}, s.capacity)
}
