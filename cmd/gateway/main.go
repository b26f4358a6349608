package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/duskline/tunnelgate/internal/gateway"
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
)

var rootCmd = &cobra.Command{
	Use:     "gateway",
	Short:   "Public gateway for reverse-tunnelled agents",
	Long:    `Gateway accepts agent websocket connections and forwards public requests to them over a persistent tunnel.`,
	Version: version.Version,
	RunE:    runGateway,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "configs/gateway.yaml", "path to gateway configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := gateway.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := gateway.NewServer()
	if err := srv.Run(ctx); err != nil {
		slog.Error("gateway exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
	return nil
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
