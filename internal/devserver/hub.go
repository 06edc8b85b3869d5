package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/lingolive/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub tracks push connections and which rooms each one has joined.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]bool
	rooms   map[types.RoomID]map[*hubClient]bool
	typing  map[types.RoomID]map[types.UserID]bool
	closed  bool
}

type hubClient struct {
	hub    *Hub
	conn   *websocket.Conn
	userID types.UserID
	send   chan []byte
	rooms  map[types.RoomID]bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*hubClient]bool),
		rooms:   make(map[types.RoomID]map[*hubClient]bool),
		typing:  make(map[types.RoomID]map[types.UserID]bool),
	}
}

// ServeWS upgrades an authenticated request and starts its pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID types.UserID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[types.RoomID]bool),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	h.mu.Unlock()
	slog.Debug("push client connected", "user_id", string(userID))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	var left, stopped []types.RoomID
	for roomID := range c.rooms {
		delete(h.rooms[roomID], c)
		if len(h.rooms[roomID]) == 0 {
			delete(h.rooms, roomID)
		}
		left = append(left, roomID)
		if h.releaseTypingLocked(roomID, c.userID) {
			stopped = append(stopped, roomID)
		}
	}
	close(c.send)
	h.mu.Unlock()

	slog.Debug("push client disconnected", "user_id", string(c.userID))
	for _, roomID := range left {
		h.broadcastPresence(roomID)
	}
	for _, roomID := range stopped {
		h.broadcastTyping(roomID, c.userID, types.TypingStop)
	}
}

func (h *Hub) join(c *hubClient, roomID types.RoomID) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*hubClient]bool)
		h.rooms[roomID] = members
	}
	members[c] = true
	c.rooms[roomID] = true
	h.mu.Unlock()

	h.broadcastPresence(roomID)
}

func (h *Hub) leave(c *hubClient, roomID types.RoomID) {
	h.mu.Lock()
	if !c.rooms[roomID] {
		h.mu.Unlock()
		return
	}
	delete(c.rooms, roomID)
	delete(h.rooms[roomID], c)
	if len(h.rooms[roomID]) == 0 {
		delete(h.rooms, roomID)
	}
	stopped := h.releaseTypingLocked(roomID, c.userID)
	h.mu.Unlock()

	h.broadcastPresence(roomID)
	if stopped {
		h.broadcastTyping(roomID, c.userID, types.TypingStop)
	}
}

// SetTyping records whether userID is typing in roomID and relays the
// change to the room.
func (h *Hub) SetTyping(roomID types.RoomID, userID types.UserID, typing bool) {
	h.mu.Lock()
	if typing {
		users, ok := h.typing[roomID]
		if !ok {
			users = make(map[types.UserID]bool)
			h.typing[roomID] = users
		}
		users[userID] = true
	} else {
		h.clearTypingLocked(roomID, userID)
	}
	h.mu.Unlock()

	status := types.TypingStop
	if typing {
		status = types.TypingStart
	}
	h.broadcastTyping(roomID, userID, status)
}

// ClearTyping forgets userID's typing state without telling the room.
// Clients already treat a message from the typist as a stop.
func (h *Hub) ClearTyping(roomID types.RoomID, userID types.UserID) {
	h.mu.Lock()
	h.clearTypingLocked(roomID, userID)
	h.mu.Unlock()
}

// Typing reports whether userID is recorded as typing in roomID.
func (h *Hub) Typing(roomID types.RoomID, userID types.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.typing[roomID][userID]
}

func (h *Hub) clearTypingLocked(roomID types.RoomID, userID types.UserID) bool {
	if !h.typing[roomID][userID] {
		return false
	}
	delete(h.typing[roomID], userID)
	if len(h.typing[roomID]) == 0 {
		delete(h.typing, roomID)
	}
	return true
}

// releaseTypingLocked clears userID's typing state in roomID once none of
// its connections remain in the room. It reports whether a stop is owed.
func (h *Hub) releaseTypingLocked(roomID types.RoomID, userID types.UserID) bool {
	for other := range h.rooms[roomID] {
		if other.userID == userID {
			return false
		}
	}
	return h.clearTypingLocked(roomID, userID)
}

func (h *Hub) broadcastTyping(roomID types.RoomID, userID types.UserID, status types.TypingStatus) {
	h.BroadcastRoom(roomID, types.KindTypingUpdate, types.TypingPayload{
		RoomID: roomID,
		UserID: userID,
		Status: status,
	})
}

// OnlineCount is the number of distinct users with the room joined.
func (h *Hub) OnlineCount(roomID types.RoomID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineCountLocked(roomID)
}

func (h *Hub) onlineCountLocked(roomID types.RoomID) int {
	users := make(map[types.UserID]bool)
	for c := range h.rooms[roomID] {
		users[c.userID] = true
	}
	return len(users)
}

func (h *Hub) broadcastPresence(roomID types.RoomID) {
	h.mu.RLock()
	count := h.onlineCountLocked(roomID)
	h.mu.RUnlock()
	h.BroadcastRoom(roomID, types.KindPresenceUpdate, types.PresencePayload{RoomID: roomID, OnlineCount: count})
}

// BroadcastRoom pushes an event to every connection that joined roomID.
func (h *Hub) BroadcastRoom(roomID types.RoomID, kind types.EventKind, payload any) {
	frame, err := types.EncodeCommand(kind, payload)
	if err != nil {
		slog.Error("encode push frame", "kind", string(kind), "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		c.enqueue(frame)
	}
}

// SendToUser pushes an event to every connection of userID.
func (h *Hub) SendToUser(userID types.UserID, kind types.EventKind, payload any) int {
	frame, err := types.EncodeCommand(kind, payload)
	if err != nil {
		slog.Error("encode push frame", "kind", string(kind), "error", err)
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.userID == userID {
			c.enqueue(frame)
			n++
		}
	}
	return n
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
		c.conn.Close()
	}
}

// enqueue must be called with the hub lock held so send is not closed
// underneath it. Slow clients drop frames.
func (c *hubClient) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		slog.Warn("push client too slow, dropping frame", "user_id", string(c.userID))
	}
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Warn("push client read failed", "user_id", string(c.userID), "error", err)
			}
			return
		}
		// Any data frame counts as liveness.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("invalid frame from client", "error", err)
			continue
		}
		c.handle(env)
	}
}

func (c *hubClient) handle(env types.Envelope) {
	var p types.RoomPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		slog.Debug("command without room", "type", string(env.Type))
		return
	}
	switch env.Type {
	case types.CommandRoomJoin:
		c.hub.join(c, p.RoomID)
	case types.CommandRoomLeave:
		c.hub.leave(c, p.RoomID)
	default:
		slog.Debug("unknown command", "type", string(env.Type))
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
