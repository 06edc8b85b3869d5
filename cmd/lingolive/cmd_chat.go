package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/lingolive/internal/api"
	"github.com/user/lingolive/internal/render"
	"github.com/user/lingolive/internal/types"
)

func init() {
	for _, cmd := range []*cobra.Command{sendCmd, historyCmd, reactCmd, unreadCmd} {
		addSessionFlags(cmd)
		rootCmd.AddCommand(cmd)
	}
	historyCmd.Flags().Int64("before", 0, "only messages older than this id")
	historyCmd.Flags().Int("limit", 0, "page size (default realtime.page_size)")
}

// restClient builds an API client bound to the resolved session.
func restClient(cmd *cobra.Command) (*api.Client, types.Session, error) {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, types.Session{}, err
	}
	session, err := sessionFrom(cmd, cfg)
	if err != nil {
		return nil, types.Session{}, err
	}
	c := api.New(cfg.APIBaseURL)
	c.SetSession(session)
	return c, session, nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

var sendCmd = &cobra.Command{
	Use:   "send <room> <text...>",
	Short: "Send a message to a room",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := restClient(cmd)
		if err != nil {
			return err
		}
		body := strings.TrimSpace(strings.Join(args[1:], " "))
		if body == "" {
			return fmt.Errorf("message is empty")
		}
		ctx, cancel := requestContext()
		defer cancel()

		msg, err := c.SendMessage(ctx, types.RoomID(args[0]), body)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, render.Message(*msg))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <room>",
	Short: "Print a page of room history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := restClient(cmd)
		if err != nil {
			return err
		}
		before, _ := cmd.Flags().GetInt64("before")
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = loadConfig().Realtime.PageSize
		}
		ctx, cancel := requestContext()
		defer cancel()

		page, err := c.ListMessages(ctx, types.RoomID(args[0]), types.MessageID(before), limit)
		if err != nil {
			return err
		}
		for _, msg := range page.Messages {
			fmt.Fprintln(os.Stdout, render.Message(msg))
		}
		if page.HasMore && len(page.Messages) > 0 {
			fmt.Fprintf(os.Stdout, "(more: --before %s)\n", page.Messages[0].ID)
		}
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <room> <message-id> <emoji>",
	Short: "Toggle a reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := restClient(cmd)
		if err != nil {
			return err
		}
		messageID, err := types.ParseMessageID(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		users, err := c.ToggleReaction(ctx, types.RoomID(args[0]), messageID, args[2])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, render.Reactions(map[string][]types.UserID{args[2]: users}))
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the authoritative unread notification count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, session, err := restClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		n, err := c.UnreadCount(ctx, session.UserID)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, n)
		return nil
	},
}
