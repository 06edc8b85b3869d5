// Package render formats realtime state as plain terminal lines.
package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/lingolive/internal/types"
)

const maxBodyChars = 2000

// Body converts rich (HTML) message bodies to markdown and truncates long
// ones. Plain text passes through unchanged.
func Body(body string) string {
	out := body
	if looksLikeHTML(body) {
		md, err := htmltomarkdown.ConvertString(body)
		if err == nil {
			out = md
		}
	}
	out = strings.TrimSpace(out)
	if r := []rune(out); len(r) > maxBodyChars {
		out = string(r[:maxBodyChars]) + " [truncated]"
	}
	return out
}

func looksLikeHTML(s string) bool {
	i := strings.IndexByte(s, '<')
	return i >= 0 && strings.IndexByte(s[i:], '>') > 0
}

// Reactions renders "👍2 🔥1" with emoji in a stable order.
func Reactions(reactions map[string][]types.UserID) string {
	if len(reactions) == 0 {
		return ""
	}
	emoji := make([]string, 0, len(reactions))
	for e := range reactions {
		emoji = append(emoji, e)
	}
	sort.Strings(emoji)

	parts := make([]string, 0, len(emoji))
	for _, e := range emoji {
		parts = append(parts, fmt.Sprintf("%s%d", e, len(reactions[e])))
	}
	return strings.Join(parts, " ")
}

// Message renders one chat line.
func Message(msg types.RoomMessage) string {
	line := fmt.Sprintf("[%s] #%s %s: %s", msg.CreatedAt.Local().Format("15:04"), msg.ID, msg.SenderID, Body(msg.Body))
	if r := Reactions(msg.Reactions); r != "" {
		line += "  " + r
	}
	return line
}

// Notification renders a notification with its title and body.
func Notification(n types.Notification) string {
	text := n.Title
	if body := Body(n.Body); body != "" {
		if text != "" {
			text += ": "
		}
		text += body
	}
	return fmt.Sprintf("🔔 %s", text)
}

// Room renders the presence line for a room.
func Room(roomID types.RoomID, online int, typing string) string {
	line := fmt.Sprintf("#%s %d online", roomID, online)
	if typing != "" {
		line += " · " + typing
	}
	return line
}

// Event renders an inbound event for the listen log. Unknown kinds and
// undecodable payloads fall back to the raw kind.
func Event(event *types.InboundEvent) string {
	switch event.Kind {
	case types.KindNotificationNew:
		var p types.NotificationPayload
		if json.Unmarshal(event.Payload, &p) == nil {
			return Notification(p.Notification)
		}
	case types.KindMessageNew:
		var p types.MessagePayload
		if json.Unmarshal(event.Payload, &p) == nil {
			return fmt.Sprintf("#%s %s", p.Message.RoomID, Message(p.Message))
		}
	case types.KindReactionUpdate:
		var p types.ReactionPayload
		if json.Unmarshal(event.Payload, &p) == nil {
			return fmt.Sprintf("#%s reaction %s on #%s by %d users", p.RoomID, p.Emoji, p.MessageID, len(p.UserIDs))
		}
	case types.KindPresenceUpdate:
		var p types.PresencePayload
		if json.Unmarshal(event.Payload, &p) == nil {
			return Room(p.RoomID, p.OnlineCount, "")
		}
	case types.KindTypingUpdate:
		var p types.TypingPayload
		if json.Unmarshal(event.Payload, &p) == nil {
			return fmt.Sprintf("#%s %s typing %s", p.RoomID, p.UserID, p.Status)
		}
	}
	return string(event.Kind)
}
