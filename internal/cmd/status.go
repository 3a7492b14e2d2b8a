package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/magi-network/brainproxy/internal/tui"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of a running proxy",
		RunE:  runStatus,
	}
	cmd.Flags().String("url", "http://localhost:8080", "proxy base URL")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("url")

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	h, err := tui.NewClient(base).Health(ctx)
	if err != nil {
		return fmt.Errorf("query proxy: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", h.Status)
	if h.Version != "" {
		_, _ = fmt.Fprintf(w, "Version:\t%s\n", h.Version)
	}
	_, _ = fmt.Fprintf(w, "Uptime:\t%s\n", h.UptimeDuration())
	_, _ = fmt.Fprintf(w, "Requests:\t%d (%d offline)\n", h.TotalRequests, h.OfflineResponses)
	_, _ = fmt.Fprintf(w, "Brains:\t%d\n", h.ConnectedBrains)
	for _, route := range h.Routes {
		_, _ = fmt.Fprintf(w, "\t%s\n", route)
	}
	return w.Flush()
}
