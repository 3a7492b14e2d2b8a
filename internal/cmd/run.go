package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/magi-network/brainproxy/internal/config"
	"github.com/magi-network/brainproxy/internal/proxy"
)

const defaultConfigPath = "brain-proxy.yaml"

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the proxy (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, explicit := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := proxy.New(ctx, cfg, version, logger)
	if err != nil {
		return fmt.Errorf("initialize proxy: %w", err)
	}

	logger.Info("brain proxy starting", "version", version, "config", configPath)
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("proxy: %w", err)
	}
	logger.Info("proxy stopped")
	return nil
}

// loadConfig reads the config file. A missing default file is not an error:
// the proxy starts with built-in defaults.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// resolveConfigPath returns the config file path from, in priority order, the
// positional argument, the --config flag, or defaultPath. explicit is false
// only for the default.
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) (path string, explicit bool) {
	if len(args) > 0 {
		return args[0], true
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String(), true
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String(), true
	}
	return defaultPath, false
}
