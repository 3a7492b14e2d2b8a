package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/magi-network/brainproxy/internal/session"
)

func newDailyCodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daily-code",
		Short: "Print the code that pairs a /claude session with a brain",
		Long: "Prints the six-character code for a route and secret. Codes change at " +
			"midnight UTC. The secret may also be given in BRAIN_PROXY_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			route, _ := cmd.Flags().GetString("route")
			secret, _ := cmd.Flags().GetString("secret")
			date, _ := cmd.Flags().GetString("date")

			if secret == "" {
				secret = os.Getenv("BRAIN_PROXY_SECRET")
			}
			if route == "" || secret == "" {
				return fmt.Errorf("--route and --secret (or BRAIN_PROXY_SECRET) are required")
			}

			day := time.Now()
			if date != "" {
				var err error
				if day, err = time.Parse(time.DateOnly, date); err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), session.DailyCode(route, secret, day))
			return nil
		},
	}
	cmd.Flags().String("route", "", "brain route")
	cmd.Flags().String("secret", "", "brain secret")
	cmd.Flags().String("date", "", "UTC date as YYYY-MM-DD (default: today)")
	return cmd
}
