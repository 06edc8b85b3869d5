package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/lingolive/internal/dispatch"
	"github.com/user/lingolive/internal/types"
)

func (c *Client) registerHandlers() {
	c.router.Register(types.KindNotificationNew, dispatch.Global, c.handleNotification)
	c.router.Register(types.KindPresenceUpdate, dispatch.RoomLane, c.handlePresence)
	c.router.Register(types.KindTypingUpdate, dispatch.RoomLane, c.handleTyping)
	c.router.Register(types.KindMessageNew, dispatch.RoomLane, c.handleMessage)
	c.router.Register(types.KindReactionUpdate, dispatch.RoomLane, c.handleReaction)
}

func decode(event *types.InboundEvent, v any) error {
	if err := json.Unmarshal(event.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", event.Kind, err)
	}
	return nil
}

func (c *Client) handleNotification(ctx context.Context, event *types.InboundEvent) error {
	c.badge.HandleNotification(event.ID)
	return nil
}

func (c *Client) handlePresence(ctx context.Context, event *types.InboundEvent) error {
	var p types.PresencePayload
	if err := decode(event, &p); err != nil {
		return err
	}
	c.presence.ApplyPresence(p)
	return nil
}

func (c *Client) handleTyping(ctx context.Context, event *types.InboundEvent) error {
	var p types.TypingPayload
	if err := decode(event, &p); err != nil {
		return err
	}
	return c.presence.ApplyTyping(p)
}

func (c *Client) handleMessage(ctx context.Context, event *types.InboundEvent) error {
	var p types.MessagePayload
	if err := decode(event, &p); err != nil {
		return err
	}
	if c.store.AppendLive(p.Message) {
		c.presence.ObserveMessage(p.Message.RoomID, p.Message.SenderID)
	}
	return nil
}

func (c *Client) handleReaction(ctx context.Context, event *types.InboundEvent) error {
	var p types.ReactionPayload
	if err := decode(event, &p); err != nil {
		return err
	}
	c.store.ApplyReaction(p.RoomID, p.MessageID, p.Emoji, p.UserIDs)
	return nil
}
