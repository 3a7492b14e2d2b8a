// Package cmd implements the brain-proxy command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for brain-proxy. Invoked without
// a subcommand it behaves as "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "brain-proxy",
		Short: "Brain proxy, a public gateway for brains behind NAT",
		Long: "brain-proxy accepts outbound WebSocket connections from local brains and " +
			"exposes them over HTTP as /rpc, /mcp and /claude endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newTopCmd())
	root.AddCommand(newDailyCodeCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (.json, .jsonc, .yaml)")

	return root
}
