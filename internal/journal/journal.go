// Package journal appends inbound events to a per-user JSONL log. Each
// entry carries a sequence number that increases by one per user.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/lingolive/internal/types"
)

// Entry is one journaled event.
type Entry struct {
	Seq     int64           `json:"seq"`
	ID      types.EventID   `json:"id,omitempty"`
	Kind    types.EventKind `json:"kind"`
	RoomID  types.RoomID    `json:"room_id,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type userLog struct {
	mu   sync.Mutex
	seq  int64
	read bool
}

// Journal is rooted at a directory; each user gets users/<id>/events.jsonl.
type Journal struct {
	root string
	mu   sync.Mutex
	logs map[types.UserID]*userLog
}

func New(root string) *Journal {
	return &Journal{
		root: root,
		logs: make(map[types.UserID]*userLog),
	}
}

func (j *Journal) log(userID types.UserID) *userLog {
	j.mu.Lock()
	defer j.mu.Unlock()
	if l, ok := j.logs[userID]; ok {
		return l
	}
	l := &userLog{}
	j.logs[userID] = l
	return l
}

// Path returns the journal file for a user.
func (j *Journal) Path(userID types.UserID) string {
	return filepath.Join(j.root, "users", url.PathEscape(string(userID)), "events.jsonl")
}

// count reads the journal and counts lines. Caller must hold the user lock.
func (j *Journal) count(userID types.UserID) (int64, error) {
	f, err := os.Open(j.Path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	return count, nil
}

// Append writes event to userID's journal and returns the stored entry.
func (j *Journal) Append(_ context.Context, userID types.UserID, event *types.InboundEvent) (*Entry, error) {
	l := j.log(userID)
	l.mu.Lock()
	defer l.mu.Unlock()

	path := j.Path(userID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	if !l.read {
		n, err := j.count(userID)
		if err != nil {
			return nil, err
		}
		l.seq = n
		l.read = true
	}

	at := event.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	entry := &Entry{
		Seq:     l.seq + 1,
		ID:      event.ID,
		Kind:    event.Kind,
		RoomID:  event.RoomID,
		At:      at.UTC(),
		Payload: event.Payload,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("write entry: %w", err)
	}
	l.seq = entry.Seq
	return entry, nil
}

// Tail returns the last limit entries for userID.
func (j *Journal) Tail(_ context.Context, userID types.UserID, limit int) ([]*Entry, error) {
	l := j.log(userID)
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(j.Path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Count returns the number of entries for userID.
func (j *Journal) Count(_ context.Context, userID types.UserID) (int64, error) {
	l := j.log(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return j.count(userID)
}
