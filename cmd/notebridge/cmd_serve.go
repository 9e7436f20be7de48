package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lakeview-labs/notebridge/internal/config"
	"github.com/lakeview-labs/notebridge/internal/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Start the notebridge gateway: serve the signaling endpoint, admit
browser peers, and bridge their frames to the local Jupyter server.

The Jupyter URL and token come from the config file or from
NOTEBRIDGE_JUPYTER_URL / NOTEBRIDGE_JUPYTER_TOKEN.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g := gateway.New(cfg, logger)

	logger.Info("starting notebridge",
		"listen_addr", cfg.Signaling.ListenAddr,
		"jupyter_url", cfg.Jupyter.URL,
		"version", version)

	if err := g.Run(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("notebridge stopped")
			return nil
		}
		return fmt.Errorf("gateway error: %w", err)
	}
	return nil
}

// buildLogger returns the serve logger, writing to <log.dir>/notebridge.log
// when a log directory is configured and to stderr otherwise.
func buildLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if globalVerbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	closeLog := func() {}
	if cfg.Log.Dir != "" {
		if err := os.MkdirAll(cfg.Log.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		path := filepath.Join(cfg.Log.Dir, "notebridge.log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeLog = func() { _ = f.Close() }
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closeLog, nil
}
