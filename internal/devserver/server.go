// Package devserver is a local stand-in for the collaborator API and push
// server. It stores notifications, room messages and reactions in sqlite,
// authenticates with dev tokens and fans events out over websockets.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/lingolive/internal/types"
)

type ctxKey struct{}

// Server serves the REST API under /api, the push socket at /ws and dev
// helpers under /dev.
type Server struct {
	store *Store
	hub   *Hub
	mux   *http.ServeMux
}

func New(store *Store) *Server {
	s := &Server{
		store: store,
		hub:   NewHub(),
		mux:   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /ws", s.handleWS)

	s.mux.Handle("GET /api/notifications/{userId}", s.auth(s.handleUnread))
	s.mux.Handle("POST /api/notifications/{userId}/read", s.auth(s.handleMarkRead))
	s.mux.Handle("GET /api/groups/{roomId}/messages", s.auth(s.handleListMessages))
	s.mux.Handle("POST /api/groups/{roomId}/messages", s.auth(s.handleSendMessage))
	s.mux.Handle("POST /api/groups/{roomId}/typing", s.auth(s.handleTyping))
	s.mux.Handle("POST /api/groups/{roomId}/messages/{messageId}/reactions", s.auth(s.handleReaction))

	s.mux.HandleFunc("POST /dev/tokens", s.handleIssueToken)
	s.mux.HandleFunc("POST /dev/notifications", s.handleNotify)
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Hub() *Hub { return s.hub }

// Serve listens on addr until ctx is cancelled, then shuts down the HTTP
// server and disconnects push clients.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("dev server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) authenticate(r *http.Request) (types.UserID, bool) {
	token := bearerToken(r)
	if token == "" {
		return "", false
	}
	userID, err := s.store.Authenticate(token)
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) {
			slog.Error("authenticate", "error", err)
		}
		return "", false
	}
	return userID, true
}

func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(r *http.Request) types.UserID {
	userID, _ := r.Context().Value(ctxKey{}).(types.UserID)
	return userID
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.hub.ServeWS(w, r, userID)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	target := types.UserID(r.PathValue("userId"))
	if target != userFrom(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	n, err := s.store.UnreadCount(target)
	if err != nil {
		slog.Error("unread count", "user_id", string(target), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeData(w, http.StatusOK, map[string]int{"unreadCount": n})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	target := types.UserID(r.PathValue("userId"))
	if target != userFrom(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := s.store.MarkRead(target); err != nil {
		slog.Error("mark read", "user_id", string(target), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeData(w, http.StatusOK, map[string]int{"unreadCount": 0})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	roomID := types.RoomID(r.PathValue("roomId"))
	q := r.URL.Query()

	var before types.MessageID
	if raw := q.Get("before"); raw != "" {
		id, err := types.ParseMessageID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before")
			return
		}
		before = id
	}
	limit := 30
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	page, err := s.store.ListMessages(roomID, before, limit)
	if err != nil {
		slog.Error("list messages", "room_id", string(roomID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeData(w, http.StatusOK, page)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	roomID := types.RoomID(r.PathValue("roomId"))
	var req struct {
		Body string `json:"body"`
	}
	if err := decodeBody(w, r, &req); err != nil || strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}

	msg, err := s.store.InsertMessage(roomID, userFrom(r), req.Body)
	if err != nil {
		slog.Error("insert message", "room_id", string(roomID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.hub.ClearTyping(roomID, msg.SenderID)
	s.hub.BroadcastRoom(roomID, types.KindMessageNew, types.MessagePayload{Message: *msg})
	writeData(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	roomID := types.RoomID(r.PathValue("roomId"))
	var req struct {
		Typing bool `json:"typing"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.hub.SetTyping(roomID, userFrom(r), req.Typing)
	writeData(w, http.StatusOK, nil)
}

func (s *Server) handleReaction(w http.ResponseWriter, r *http.Request) {
	roomID := types.RoomID(r.PathValue("roomId"))
	messageID, err := types.ParseMessageID(r.PathValue("messageId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji is required")
		return
	}

	users, err := s.store.ToggleReaction(roomID, messageID, req.Emoji, userFrom(r))
	if errors.Is(err, ErrMessageNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		slog.Error("toggle reaction", "room_id", string(roomID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.hub.BroadcastRoom(roomID, types.KindReactionUpdate, types.ReactionPayload{
		RoomID:    roomID,
		MessageID: messageID,
		Emoji:     req.Emoji,
		UserIDs:   users,
	})
	writeData(w, http.StatusOK, map[string]any{"userIds": users})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID types.UserID `json:"userId"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	token, err := s.store.IssueToken(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeData(w, http.StatusCreated, map[string]string{"userId": string(req.UserID), "token": token})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID types.UserID `json:"userId"`
		Type   string       `json:"type"`
		Title  string       `json:"title"`
		Body   string       `json:"body"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Type == "" {
		req.Type = "general"
	}

	n, err := s.store.AddNotification(req.UserID, req.Type, req.Title, req.Body)
	if err != nil {
		slog.Error("add notification", "user_id", string(req.UserID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	delivered := s.hub.SendToUser(req.UserID, types.KindNotificationNew, types.NotificationPayload{Notification: *n})
	writeData(w, http.StatusCreated, map[string]any{"notification": n, "delivered": delivered})
}
