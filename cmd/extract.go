package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-switchfs/pkg/app"
	"github.com/deploymenttheory/go-switchfs/pkg/app/extract"
)

var (
	// Selection
	extractPartition string
	extractOffset    int64
	extractLength    int64
	extractAll       bool

	// Output
	extractDest     string
	extractDestDir  string
	extractCompress string
	extractForce    bool
)

var extractCmd = &cobra.Command{
	Use:   "extract [image-path]",
	Short: "Extract decrypted partitions",
	Long: `Extract the decrypted contents of one partition, or of every partition,
from a NAND image. Output can be compressed with zstd or xz.

Examples:
  # Extract SYSTEM to ./SYSTEM.img
  switchfs extract rawnand.bin --partition SYSTEM

  # Extract PRODINFO to stdout
  switchfs extract rawnand.bin --partition PRODINFO --dest - > PRODINFO.bin

  # Extract the first MiB of USER as a zstd stream
  switchfs extract rawnand.bin -p USER --length 0x100000 --compress zstd

  # Extract every partition the keys allow into ./out
  switchfs extract rawnand.bin --all --dest-dir ./out --compress xz`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if extractAll {
			return runExtractAll(cmd, args[0])
		}
		return runExtract(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVarP(&extractPartition, "partition", "p", "", "partition name (PRODINFO, SAFE, SYSTEM, USER, ...)")
	extractCmd.Flags().Int64Var(&extractOffset, "offset", 0, "byte offset within the partition")
	extractCmd.Flags().Int64Var(&extractLength, "length", 0, "bytes to extract (default: to the end)")
	extractCmd.Flags().BoolVar(&extractAll, "all", false, "extract every readable partition")

	extractCmd.Flags().StringVarP(&extractDest, "dest", "d", "", "destination file, - for stdout (default: <NAME>.img)")
	extractCmd.Flags().StringVar(&extractDestDir, "dest-dir", ".", "destination directory for --all")
	extractCmd.Flags().StringVarP(&extractCompress, "compress", "c", extract.CompressionNone, "compression (none, zstd, xz)")
	extractCmd.Flags().BoolVarP(&extractForce, "force", "f", false, "overwrite existing files")

	extractCmd.MarkFlagsMutuallyExclusive("all", "partition")
	extractCmd.MarkFlagsMutuallyExclusive("all", "dest")
	extractCmd.MarkFlagsMutuallyExclusive("all", "offset")
	extractCmd.MarkFlagsMutuallyExclusive("all", "length")
}

func runExtract(cmd *cobra.Command, imagePath string) error {
	if extractPartition == "" {
		return errors.New("--partition or --all is required")
	}

	ctx := newContext(cmd)
	if ctx.Verbose && extractDest != extract.StdoutDest {
		ctx.SetProgress(progressPrinter(ctx))
	}

	request := &extract.Request{
		ImagePath: imagePath,
		KeysPath:  keysPath,
		NoGPT:     noGPT,
		Target: app.PartitionTarget{
			Name:   extractPartition,
			Offset: extractOffset,
			Length: extractLength,
		},
		Dest:        extractDest,
		Compression: extractCompress,
		Force:       extractForce,
	}

	response, err := extract.Handle(ctx, request)
	if err != nil {
		return err
	}

	// stdout carries the partition data itself
	if response.Dest == extract.StdoutDest || ctx.Quiet {
		return nil
	}
	return extract.FormatOutput(ctx.Out(), response, ctx.OutputFormat)
}

func runExtractAll(cmd *cobra.Command, imagePath string) error {
	ctx := newContext(cmd)
	if ctx.Verbose {
		ctx.SetProgress(progressPrinter(ctx))
	}

	request := &extract.AllRequest{
		ImagePath:   imagePath,
		KeysPath:    keysPath,
		NoGPT:       noGPT,
		DestDir:     extractDestDir,
		Compression: extractCompress,
		Force:       extractForce,
	}

	response, err := extract.HandleAll(ctx, request)
	if err != nil {
		return err
	}
	if ctx.Quiet {
		return nil
	}
	return extract.FormatAllOutput(ctx.Out(), response, ctx.OutputFormat)
}

// progressPrinter reports progress on stderr
func progressPrinter(ctx *app.Context) func(string, int) {
	return func(message string, percent int) {
		fmt.Fprintf(ctx.ErrOut(), "[%3d%%] %s\n", percent, message)
	}
}
