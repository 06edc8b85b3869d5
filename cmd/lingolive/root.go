package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/lingolive/internal/config"
	"github.com/user/lingolive/internal/types"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "lingolive",
	Short:        "Realtime notifications and group chat for lingolive",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".lingolive", "config.json"), "config file path")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// sessionFrom resolves the session from flags, falling back to config.
func sessionFrom(cmd *cobra.Command, cfg *config.Config) (types.Session, error) {
	session := types.Session{
		UserID: types.UserID(cfg.Session.UserID),
		Token:  cfg.Session.Token,
	}
	if v, _ := cmd.Flags().GetString("user"); v != "" {
		session.UserID = types.UserID(v)
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		session.Token = v
	}
	if !session.Valid() {
		return session, fmt.Errorf("no session: set session.user_id and session.token or pass --user and --token")
	}
	return session, nil
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("user", "", "user id (overrides session.user_id)")
	cmd.Flags().String("token", "", "auth token (overrides session.token)")
}
