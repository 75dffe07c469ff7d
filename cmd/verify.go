package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-switchfs/pkg/app/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [image-path]",
	Short: "Check the partition table and every key against the image",
	Long: `Validate the GPT header and entry CRCs, then decrypt the first sector
of each encrypted partition and check it looks like the expected content.
Exits non-zero when any partition fails.

Examples:
  switchfs verify rawnand.bin -k biskeydump.txt`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, imagePath string) error {
	ctx := newContext(cmd)

	request := &verify.Request{
		ImagePath: imagePath,
		KeysPath:  keysPath,
		NoGPT:     noGPT,
	}

	response, err := verify.Handle(ctx, request)
	if err != nil {
		return err
	}

	if err := verify.FormatOutput(ctx.Out(), response, ctx.OutputFormat); err != nil {
		return err
	}
	if !response.OK {
		return fmt.Errorf("verification failed for %d partition(s)", response.Failures())
	}
	return nil
}
