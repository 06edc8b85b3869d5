package devserver

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/user/lingolive/internal/types"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrMessageNotFound = errors.New("message not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	user_id TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TEXT NOT NULL,
	read INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reactions (
	message_id INTEGER NOT NULL,
	emoji TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (message_id, emoji, user_id),
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, read);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id);
`

// Store is the sqlite persistence behind the dev server.
type Store struct {
	db   *sql.DB
	cost int

	mu       sync.Mutex
	verified map[string]types.UserID
}

// OpenStore opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{
		db:       db,
		cost:     bcrypt.DefaultCost,
		verified: make(map[string]types.UserID),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// IssueToken creates a fresh token for userID, replacing any earlier one.
// Tokens have the form "<userId>.<secret>"; only a bcrypt hash of the
// secret is stored.
func (s *Store) IssueToken(userID types.UserID) (string, error) {
	if userID == "" || strings.Contains(string(userID), ".") {
		return "", fmt.Errorf("invalid user id %q", userID)
	}
	secret := strings.ReplaceAll(uuid.New().String(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO tokens (user_id, secret_hash, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET secret_hash = excluded.secret_hash, created_at = excluded.created_at`,
		string(userID), string(hash), now(),
	)
	if err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}

	s.mu.Lock()
	for tok, uid := range s.verified {
		if uid == userID {
			delete(s.verified, tok)
		}
	}
	s.mu.Unlock()

	return string(userID) + "." + secret, nil
}

// Authenticate resolves a token to its user.
func (s *Store) Authenticate(token string) (types.UserID, error) {
	s.mu.Lock()
	if uid, ok := s.verified[token]; ok {
		s.mu.Unlock()
		return uid, nil
	}
	s.mu.Unlock()

	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", ErrInvalidToken
	}
	userID, secret := token[:i], token[i+1:]

	var hash string
	err := s.db.QueryRow("SELECT secret_hash FROM tokens WHERE user_id = ?", userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("lookup token: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", ErrInvalidToken
	}

	s.mu.Lock()
	s.verified[token] = types.UserID(userID)
	s.mu.Unlock()
	return types.UserID(userID), nil
}

// AddNotification stores an unread notification for userID.
func (s *Store) AddNotification(userID types.UserID, kind, title, body string) (*types.Notification, error) {
	n := &types.Notification{
		ID:        types.NewEventID(),
		Type:      kind,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		"INSERT INTO notifications (id, user_id, type, title, body, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		string(n.ID), string(userID), n.Type, n.Title, n.Body, n.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// UnreadCount returns the number of unread notifications for userID.
func (s *Store) UnreadCount(userID types.UserID) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0", string(userID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// MarkRead marks every notification of userID read.
func (s *Store) MarkRead(userID types.UserID) error {
	if _, err := s.db.Exec("UPDATE notifications SET read = 1 WHERE user_id = ?", string(userID)); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// InsertMessage appends a message to a room.
func (s *Store) InsertMessage(roomID types.RoomID, sender types.UserID, body string) (*types.RoomMessage, error) {
	createdAt := time.Now().UTC()
	result, err := s.db.Exec(
		"INSERT INTO messages (room_id, sender_id, body, created_at) VALUES (?, ?, ?, ?)",
		string(roomID), string(sender), body, createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &types.RoomMessage{
		ID:        types.MessageID(id),
		RoomID:    roomID,
		SenderID:  sender,
		Body:      body,
		CreatedAt: createdAt,
	}, nil
}

// ListMessages returns up to limit messages older than before (the latest
// page when before is zero), oldest first.
func (s *Store) ListMessages(roomID types.RoomID, before types.MessageID, limit int) (*types.MessagePage, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.Query(
		`SELECT id, sender_id, body, created_at FROM messages
		 WHERE room_id = ? AND (? = 0 OR id < ?)
		 ORDER BY id DESC LIMIT ?`,
		string(roomID), int64(before), int64(before), limit+1,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []types.RoomMessage
	for rows.Next() {
		var (
			id        int64
			sender    string
			body      string
			createdAt string
		)
		if err := rows.Scan(&id, &sender, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		msgs = append(msgs, types.RoomMessage{
			ID:        types.MessageID(id),
			RoomID:    roomID,
			SenderID:  types.UserID(sender),
			Body:      body,
			CreatedAt: ts,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	page := &types.MessagePage{Messages: []types.RoomMessage{}}
	if len(msgs) > limit {
		page.HasMore = true
		msgs = msgs[:limit]
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		reactions, err := s.reactions(msgs[i].ID)
		if err != nil {
			return nil, err
		}
		msgs[i].Reactions = reactions
		page.Messages = append(page.Messages, msgs[i])
	}
	return page, nil
}

func (s *Store) reactions(messageID types.MessageID) (map[string][]types.UserID, error) {
	rows, err := s.db.Query("SELECT emoji, user_id FROM reactions WHERE message_id = ?", int64(messageID))
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	var out map[string][]types.UserID
	for rows.Next() {
		var emoji, user string
		if err := rows.Scan(&emoji, &user); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		if out == nil {
			out = make(map[string][]types.UserID)
		}
		out[emoji] = append(out[emoji], types.UserID(user))
	}
	for emoji := range out {
		sort.Slice(out[emoji], func(i, j int) bool { return out[emoji][i] < out[emoji][j] })
	}
	return out, rows.Err()
}

// ToggleReaction adds or removes userID's emoji on a message and returns
// the resulting user set for that emoji.
func (s *Store) ToggleReaction(roomID types.RoomID, messageID types.MessageID, emoji string, userID types.UserID) ([]types.UserID, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow("SELECT COUNT(*) FROM messages WHERE id = ? AND room_id = ?", int64(messageID), string(roomID)).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("lookup message: %w", err)
	}
	if exists == 0 {
		return nil, ErrMessageNotFound
	}

	res, err := tx.Exec("DELETE FROM reactions WHERE message_id = ? AND emoji = ? AND user_id = ?",
		int64(messageID), emoji, string(userID))
	if err != nil {
		return nil, fmt.Errorf("delete reaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.Exec("INSERT INTO reactions (message_id, emoji, user_id) VALUES (?, ?, ?)",
			int64(messageID), emoji, string(userID)); err != nil {
			return nil, fmt.Errorf("insert reaction: %w", err)
		}
	}

	rows, err := tx.Query("SELECT user_id FROM reactions WHERE message_id = ? AND emoji = ? ORDER BY user_id",
		int64(messageID), emoji)
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	users := []types.UserID{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		users = append(users, types.UserID(u))
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return users, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
