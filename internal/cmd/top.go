package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/magi-network/brainproxy/internal/tui"
	"github.com/magi-network/brainproxy/pkg/cli"
)

func newTopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of connected brains and audit events",
		Long: "Shows the proxy's health and routes. With --username it logs in to the " +
			"admin API and also shows offline brains and recent audit events. The " +
			"password is read from BRAIN_PROXY_ADMIN_PASSWORD or prompted for.",
		RunE: runTop,
	}
	cmd.Flags().String("url", "http://localhost:8080", "proxy base URL")
	cmd.Flags().String("username", "", "admin username")
	cmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
	return cmd
}

func runTop(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("url")
	username, _ := cmd.Flags().GetString("username")
	interval, _ := cmd.Flags().GetDuration("interval")
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := tui.NewClient(base)
	if username != "" {
		password := os.Getenv("BRAIN_PROXY_ADMIN_PASSWORD")
		if password == "" {
			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			password = p.AskSecret("Admin password", 0)
		}
		if err := client.Login(ctx, username, password); err != nil {
			return err
		}
	}
	return tui.Run(ctx, client, interval)
}
