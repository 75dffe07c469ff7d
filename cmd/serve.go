package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-switchfs/pkg/app/serve"
)

var serveSocket string

var serveCmd = &cobra.Command{
	Use:   "serve [image-path]",
	Short: "Export decrypted partitions over NBD",
	Long: `Serve every readable partition as a read-only NBD export on a Unix
socket. Each export is named after its partition. Runs until interrupted.

Examples:
  switchfs serve rawnand.bin --socket /tmp/nand.sock
  nbd-client -unix /tmp/nand.sock -N SYSTEM /dev/nbd0 -readonly
  mount -o ro /dev/nbd0 /mnt/system`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveSocket, "socket", "", "unix socket path (default from config, /tmp/switchfs.sock)")
}

func runServe(cmd *cobra.Command, imagePath string) error {
	ctx := newContext(cmd)

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx.Context = sigCtx

	request := &serve.Request{
		ImagePath: imagePath,
		KeysPath:  keysPath,
		NoGPT:     noGPT,
		Socket:    serveSocket,
	}

	return serve.Handle(ctx, request)
}
