package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-switchfs/pkg/app/keyinfo"
)

var keysCmd = &cobra.Command{
	Use:   "keys [key-file]",
	Short: "Check a BIS key dump",
	Long: `Parse a BIS key dump and report which key pairs it provides and which
partitions they unlock. Without an argument the --keys flag, the config file
and the default locations ($HOME/.switch/prod.keys) are tried in that order.

Examples:
  switchfs keys biskeydump.txt
  switchfs keys -o yaml`,

	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := keysPath
		if len(args) == 1 {
			path = args[0]
		}
		return runKeys(cmd, path)
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
}

func runKeys(cmd *cobra.Command, path string) error {
	ctx := newContext(cmd)

	response, err := keyinfo.Handle(ctx, &keyinfo.Request{Path: path})
	if err != nil {
		return err
	}

	return keyinfo.FormatOutput(ctx.Out(), response, ctx.OutputFormat)
}
