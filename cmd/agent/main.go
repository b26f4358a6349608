package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/duskline/tunnelgate/internal/agent"
	"github.com/duskline/tunnelgate/internal/protocol"
	"github.com/duskline/tunnelgate/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	configPath string
	logLevel   string
	tunnelID   string
)

var rootCmd = &cobra.Command{
	Use:     "agent",
	Short:   "Agent that exposes a local origin server through the gateway",
	Long:    `Agent dials the gateway, advertises a tunnel id, and serves forwarded requests against a local origin server.`,
	Version: version.Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "configs/agent.yaml", "path to agent configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.Flags().StringVar(&tunnelID, "tunnel-id", "", "tunnel id to advertise, of the form agent_<uuid>_<purpose> (required)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	if tunnelID == "" {
		return fmt.Errorf("--tunnel-id is required")
	}
	if !protocol.ValidateTunnelID(tunnelID) {
		return fmt.Errorf("--tunnel-id %q is not of the form agent_<uuid>_<purpose>", tunnelID)
	}

	logCfg, err := agent.LoadLogConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(logCfg.Level),
	})))

	cfg := &agent.Config{
		TunnelID:   tunnelID,
		GatewayURL: agent.GatewayURLFromEnv(),
		Log:        logCfg,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("agent starting", "tunnel_id", cfg.TunnelID, "gateway_url", cfg.GatewayURL)
	sup := agent.New(cfg)
	code := sup.Run(ctx)
	cancel()
	os.Exit(code)
	return nil
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
