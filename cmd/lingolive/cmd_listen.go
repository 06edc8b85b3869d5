package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/lingolive/internal/api"
	"github.com/user/lingolive/internal/client"
	"github.com/user/lingolive/internal/journal"
	"github.com/user/lingolive/internal/render"
	"github.com/user/lingolive/internal/scheduler"
	"github.com/user/lingolive/internal/transport/ws"
	"github.com/user/lingolive/internal/types"
)

func init() {
	addSessionFlags(listenCmd)
	listenCmd.Flags().StringSlice("room", nil, "room to open (repeatable)")
	listenCmd.Flags().Bool("journal", false, "append inbound events to the journal under data_dir")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect and print notifications, presence and messages until interrupted",
	Long: `Connect and print notifications, presence and messages until interrupted.

Send SIGUSR1 to trigger a foreground reconciliation of the unread badge.`,
	Args: cobra.NoArgs,
	RunE: runListen,
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	session, err := sessionFrom(cmd, cfg)
	if err != nil {
		return err
	}

	var events *journal.Journal
	if on, _ := cmd.Flags().GetBool("journal"); on {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		events = journal.New(cfg.DataDir)
		slog.Info("journaling events", "path", events.Path(session.UserID))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var c *client.Client
	observer := func(event *types.InboundEvent) {
		fmt.Fprintln(os.Stdout, render.Event(event))
		if events != nil {
			if _, err := events.Append(ctx, session.UserID, event); err != nil {
				slog.Warn("journal append failed", "error", err)
			}
		}
	}

	restClient := api.New(cfg.APIBaseURL)
	dialer := ws.NewDialer(
		ws.WithPingInterval(cfg.PingInterval()),
		ws.WithDialTimeout(cfg.DialTimeout()),
	)
	c, err = client.New(cfg, dialer, restClient,
		client.WithEventObserver(observer),
		client.WithOnBadgeChange(func(count int) {
			fmt.Fprintf(os.Stdout, "unread: %d\n", count)
		}),
		client.WithOnRoomChange(func(roomID types.RoomID) {
			p := c.Presence()
			fmt.Fprintln(os.Stdout, render.Room(roomID, p.OnlineCount(roomID), p.TypingText(roomID)))
		}),
		client.WithOnConnectionChange(func(connected bool) {
			slog.Info("connection changed", "connected", connected)
		}),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Bind(ctx, session); err != nil {
		return err
	}

	rooms, _ := cmd.Flags().GetStringSlice("room")
	for _, room := range rooms {
		if err := c.OpenRoom(ctx, types.RoomID(room)); err != nil {
			return fmt.Errorf("open room %s: %w", room, err)
		}
	}

	sched := scheduler.New(scheduler.Job{
		Name:     "reconcile-unread",
		Schedule: cfg.Realtime.ReconcileSchedule,
		Run:      c.Foreground,
	})
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	foreground := make(chan os.Signal, 1)
	signal.Notify(foreground, syscall.SIGUSR1)
	defer signal.Stop(foreground)

	slog.Info("listening", "user_id", string(session.UserID), "rooms", len(rooms))
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			for _, room := range rooms {
				c.CloseRoom(context.Background(), types.RoomID(room))
			}
			return nil
		case <-foreground:
			c.Foreground()
		}
	}
}
