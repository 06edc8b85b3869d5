package render

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/user/lingolive/internal/types"
)

func TestBodyPlainPassesThrough(t *testing.T) {
	if got := Body("  hola a todos  "); got != "hola a todos" {
		t.Errorf("got %q", got)
	}
	if got := Body("2 < 3"); got != "2 < 3" {
		t.Errorf("got %q", got)
	}
}

func TestBodyConvertsHTML(t *testing.T) {
	got := Body(`<p>Try <strong>this</strong> phrase</p>`)
	if !strings.Contains(got, "**this**") {
		t.Errorf("expected markdown bold, got %q", got)
	}
	if strings.Contains(got, "<p>") {
		t.Errorf("html left in output: %q", got)
	}
}

func TestBodyTruncation(t *testing.T) {
	got := Body(strings.Repeat("x", maxBodyChars+50))
	if !strings.HasSuffix(got, "[truncated]") {
		t.Error("expected truncation marker")
	}
	if len(got) > maxBodyChars+20 {
		t.Errorf("body too long: %d", len(got))
	}

	got = Body(strings.Repeat("ñ", maxBodyChars+1))
	if !utf8.ValidString(got) {
		t.Error("truncation split a rune")
	}
}

func TestReactionsStableOrder(t *testing.T) {
	got := Reactions(map[string][]types.UserID{
		"🔥": {"a"},
		"👍": {"a", "b"},
	})
	if got != "👍2 🔥1" {
		t.Errorf("got %q", got)
	}
	if Reactions(nil) != "" {
		t.Error("expected empty string for no reactions")
	}
}

func TestMessage(t *testing.T) {
	msg := types.RoomMessage{
		ID:        42,
		SenderID:  "bob",
		Body:      "¿qué tal?",
		CreatedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local),
		Reactions: map[string][]types.UserID{"👍": {"alice"}},
	}
	got := Message(msg)
	if got != "[09:30] #42 bob: ¿qué tal?  👍1" {
		t.Errorf("got %q", got)
	}
}

func TestEvent(t *testing.T) {
	payload, _ := json.Marshal(types.PresencePayload{RoomID: "r1", OnlineCount: 4})
	got := Event(&types.InboundEvent{Kind: types.KindPresenceUpdate, Payload: payload})
	if got != "#r1 4 online" {
		t.Errorf("got %q", got)
	}

	payload, _ = json.Marshal(types.NotificationPayload{Notification: types.Notification{ID: "n1", Title: "Streak", Body: "Keep going"}})
	got = Event(&types.InboundEvent{Kind: types.KindNotificationNew, Payload: payload})
	if got != "🔔 Streak: Keep going" {
		t.Errorf("got %q", got)
	}

	if got := Event(&types.InboundEvent{Kind: "lesson:done"}); got != "lesson:done" {
		t.Errorf("got %q", got)
	}
}

func TestRoom(t *testing.T) {
	if got := Room("r1", 2, "bob is typing…"); got != "#r1 2 online · bob is typing…" {
		t.Errorf("got %q", got)
	}
}
