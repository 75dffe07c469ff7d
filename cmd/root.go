package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-switchfs/internal/config"
	"github.com/deploymenttheory/go-switchfs/internal/logger"
	"github.com/deploymenttheory/go-switchfs/pkg/app"
)

var (
	// Global output flags
	verbose      bool
	quiet        bool
	outputFormat string

	// Global session flags
	cfgFile        string
	keysPath       string
	noGPT          bool
	fallbackLayout bool
	debug          bool
	logFormat      string

	settings *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "switchfs",
	Short: "Read-only access to encrypted Nintendo Switch NAND images",
	Long: `switchfs is a read-only command-line tool for inspecting and extracting
the partitions of a Nintendo Switch eMMC NAND dump (rawnand.bin).

Encrypted partitions are decrypted on the fly with the console's BIS keys
using the AES-128 XTS variant the console firmware uses. Key dumps in
biskeydump or prod.keys format are accepted.

Commands:
  list        List the partitions of an image
  extract     Extract decrypted partitions
  cat         Print a decrypted byte range
  keys        Check a BIS key dump
  verify      Check the partition table and every key against the image
  serve       Export decrypted partitions over NBD`,
	Version:           "0.1.0-dev",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", app.FormatTable, "output format (table, json, yaml)")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./switchfs-config.yaml, $HOME/.switchfs, /etc/switchfs)")
	rootCmd.PersistentFlags().StringVarP(&keysPath, "keys", "k", "", "BIS key dump (biskeydump output or prod.keys)")
	rootCmd.PersistentFlags().BoolVar(&noGPT, "no-gpt", false, "ignore the partition table and use the retail layout")
	rootCmd.PersistentFlags().BoolVar(&fallbackLayout, "fallback-layout", false, "use the retail layout when the partition table is corrupt")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (human, json)")
}

// setup loads the configuration and initialises logging before any command runs
func setup(cmd *cobra.Command, args []string) error {
	if err := app.ValidateFormat(outputFormat); err != nil {
		return err
	}

	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg := loaded.Config
	if debug {
		cfg.Debug = true
	}
	if fallbackLayout {
		cfg.FallbackLayout = true
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.InitLogger(logger.LoggerConfig{
		Debug:     cfg.Debug,
		LogFormat: cfg.LogFormat,
		LogFile:   cfg.LogFile,
		Quiet:     quiet,
	}); err != nil {
		return err
	}
	if loaded.File != "" {
		logger.LogDebug("Using config file", map[string]interface{}{"path": loaded.File})
	}

	settings = &cfg
	return nil
}

// newContext builds the application context for a command
func newContext(cmd *cobra.Command) *app.Context {
	ctx := app.NewContext()
	ctx.Context = cmd.Context()
	ctx.OutputFormat = GetOutputFormat()
	ctx.Verbose = GetVerbose()
	ctx.Quiet = GetQuiet()
	ctx.Config = settings
	ctx.Stdout = cmd.OutOrStdout()
	ctx.Stderr = cmd.ErrOrStderr()
	return ctx
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verbose
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quiet
}

// GetOutputFormat returns the output format
func GetOutputFormat() string {
	return outputFormat
}
