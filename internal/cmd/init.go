package cmd

import (
	"github.com/spf13/cobra"

	"github.com/magi-network/brainproxy/internal/wizard"
	"github.com/magi-network/brainproxy/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			w := wizard.New(p)
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./brain-proxy.yaml)")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively from BRAIN_PROXY_* env vars")
	return cmd
}
