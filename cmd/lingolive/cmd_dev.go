package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/lingolive/internal/config"
	"github.com/user/lingolive/internal/devserver"
	"github.com/user/lingolive/internal/types"
)

func init() {
	devNotifyCmd.Flags().String("title", "New notification", "notification title")
	devNotifyCmd.Flags().String("body", "", "notification body")
	devNotifyCmd.Flags().String("type", "general", "notification type")
	devTokenCmd.Flags().Bool("save", false, "store the user and token as the configured session")

	devCmd.AddCommand(devServeCmd, devNotifyCmd, devTokenCmd)
	rootCmd.AddCommand(devCmd)
}

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Local development server and helpers",
}

func openDevStore(cfg *config.Config) (*devserver.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Dev.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return devserver.OpenStore(cfg.Dev.DBPath)
}

var devServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API and push server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		store, err := openDevStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(os.Stdout, "API base: http://%s/api\n", cfg.Dev.Listen)
		return devserver.New(store).Serve(ctx, cfg.Dev.Listen)
	},
}

var devTokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a dev token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		store, err := openDevStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		token, err := store.IssueToken(types.UserID(args[0]))
		if err != nil {
			return err
		}

		if save, _ := cmd.Flags().GetBool("save"); save {
			cfg.Session.UserID = args[0]
			cfg.Session.Token = token
			if cfg.APIBaseURL == "" {
				cfg.APIBaseURL = "http://" + cfg.Dev.Listen + "/api"
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "Session saved to", cfgPath)
			return nil
		}
		fmt.Fprintln(os.Stdout, token)
		return nil
	},
}

var devNotifyCmd = &cobra.Command{
	Use:   "notify <user-id>",
	Short: "Create a notification on the running dev server and push it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		kind, _ := cmd.Flags().GetString("type")

		payload, err := json.Marshal(map[string]string{
			"userId": args[0],
			"title":  title,
			"body":   body,
			"type":   kind,
		})
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()
		url := "http://" + cfg.Dev.Listen + "/dev/notifications"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		var out struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
			Data    struct {
				Notification types.Notification `json:"notification"`
				Delivered    int                `json:"delivered"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		if !out.Success {
			return fmt.Errorf("dev server: %s", out.Error)
		}
		fmt.Fprintf(os.Stdout, "notification %s pushed to %d connection(s)\n", out.Data.Notification.ID, out.Data.Delivered)
		return nil
	},
}
