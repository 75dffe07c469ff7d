package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-switchfs/pkg/app"
	"github.com/deploymenttheory/go-switchfs/pkg/app/cat"
)

var (
	catOffset int64
	catLength int64
	catHex    bool
)

var catCmd = &cobra.Command{
	Use:   "cat [image-path] [partition]",
	Short: "Print a decrypted byte range of a partition",
	Long: `Write decrypted partition bytes to stdout, raw or as a hexdump.

Examples:
  # Hexdump the first sector of PRODINFO
  switchfs cat rawnand.bin PRODINFO --length 0x200 --hex

  # Dump the SYSTEM boot sector
  switchfs cat rawnand.bin SYSTEM --length 512 > boot.bin`,

	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCat(cmd, args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(catCmd)

	catCmd.Flags().Int64Var(&catOffset, "offset", 0, "byte offset within the partition")
	catCmd.Flags().Int64Var(&catLength, "length", 0x200, "bytes to read (0 reads to the end)")
	catCmd.Flags().BoolVarP(&catHex, "hex", "x", false, "write a hexdump")
}

func runCat(cmd *cobra.Command, imagePath, partition string) error {
	ctx := newContext(cmd)

	request := &cat.Request{
		ImagePath: imagePath,
		KeysPath:  keysPath,
		NoGPT:     noGPT,
		Target: app.PartitionTarget{
			Name:   partition,
			Offset: catOffset,
			Length: catLength,
		},
		Hex: catHex,
	}

	_, err := cat.Handle(ctx, request)
	return err
}
