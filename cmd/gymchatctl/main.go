package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/gymlink/gymchat/internal/config"
	"github.com/gymlink/gymchat/internal/rpc"
	"github.com/gymlink/gymchat/internal/session"
)

var (
	sessionFlag string
	configFlag  string
	jsonOutput  bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "gymchatctl",
	Short:         "Control a running gymchatd",
	Long:          "Command-line client for the gymchat daemon: list conversations, read and send messages, watch live changes.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.gymchat/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 15*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	return session.ConfigPath()
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithEnv(configPath())
}

func resolveSession() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return session.Resolve(sessionFlag, cfg)
}

// connect dials the daemon of the resolved session.
func connect() (*rpc.Client, string, error) {
	name, err := resolveSession()
	if err != nil {
		return nil, "", err
	}
	c, err := rpc.Dial(session.SocketPath(name))
	if err != nil {
		return nil, name, fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	return c, name, nil
}

// withClient runs fn with a connected client and a request timeout.
func withClient(fn func(ctx context.Context, c *rpc.Client) error) error {
	c, _, err := connect()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}

func parseConversationID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", s)
	}
	return id, nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
