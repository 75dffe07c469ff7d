package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-switchfs/pkg/app/list"
)

var listCmd = &cobra.Command{
	Use:   "list [image-path]",
	Short: "List the partitions of a NAND image",
	Long: `List the partitions of a NAND image with their offsets, sizes and the
BIS key each one uses.

Examples:
  # List partitions from the GPT
  switchfs list rawnand.bin

  # Use the retail layout when the GPT is damaged
  switchfs list rawnand.bin --no-gpt

  # Machine readable output
  switchfs list rawnand.bin -o json`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, imagePath string) error {
	ctx := newContext(cmd)

	request := &list.Request{
		ImagePath: imagePath,
		KeysPath:  keysPath,
		NoGPT:     noGPT,
	}

	response, err := list.Handle(ctx, request)
	if err != nil {
		return err
	}

	return list.FormatOutput(ctx.Out(), response, ctx.OutputFormat)
}
