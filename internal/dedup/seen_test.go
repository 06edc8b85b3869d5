package dedup

import (
	"fmt"
	"testing"

	"github.com/user/lingolive/internal/types"
)

func id(i int) types.EventID {
	return types.EventID(fmt.Sprintf("n-%d", i))
}

func TestAddRejectsDuplicate(t *testing.T) {
	s := New(DefaultCapacity, DefaultEvict)
	if !s.Add("a") {
		t.Fatal("expected first add to succeed")
	}
	if s.Add("a") {
		t.Fatal("expected duplicate add to be rejected")
	}
	if s.Len() != 1 {
		t.Errorf("expected len 1, got %d", s.Len())
	}
}

func TestBatchEviction(t *testing.T) {
	s := New(DefaultCapacity, DefaultEvict)
	for i := 0; i < 200; i++ {
		s.Add(id(i))
	}
	if s.Len() != 200 {
		t.Fatalf("expected 200 ids at capacity, got %d", s.Len())
	}

	s.Add(id(200))
	if s.Len() != 101 {
		t.Fatalf("expected 101 ids after batch eviction, got %d", s.Len())
	}

	ids := s.IDs()
	for i, got := range ids {
		want := id(100 + i)
		if got != want {
			t.Fatalf("ids[%d] = %s, want %s", i, got, want)
		}
	}

	for i := 0; i < 100; i++ {
		if s.Contains(id(i)) {
			t.Fatalf("expected %s to be evicted", id(i))
		}
	}
	if !s.Add(id(0)) {
		t.Error("expected evicted id to be treated as unseen")
	}
}

func TestNoEvictionChurnBelowCapacity(t *testing.T) {
	s := New(10, 5)
	for i := 0; i < 10; i++ {
		s.Add(id(i))
	}
	for i := 0; i < 10; i++ {
		if !s.Contains(id(i)) {
			t.Fatalf("expected %s retained below capacity", id(i))
		}
	}
	s.Add(id(10))
	if s.Len() != 6 {
		t.Errorf("expected 6 ids, got %d", s.Len())
	}
}

func TestNewClampsArguments(t *testing.T) {
	s := New(0, 0)
	if s.capacity != DefaultCapacity || s.evict != DefaultEvict {
		t.Errorf("expected defaults, got %d/%d", s.capacity, s.evict)
	}
	s = New(4, 10)
	if s.evict != 4 {
		t.Errorf("expected evict clamped to 4, got %d", s.evict)
	}
}

func TestReset(t *testing.T) {
	s := New(DefaultCapacity, DefaultEvict)
	s.Add("a")
	s.Reset()
	if s.Len() != 0 || s.Contains("a") {
		t.Error("expected empty set after reset")
	}
}
