package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yunfeilu92/openclaw/pkg/config"
	"github.com/yunfeilu92/openclaw/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "openclaw-storage",
	Short: "OpenClaw storage - diagnostics for the pluggable storage layer",
	Long: `openclaw-storage inspects and maintains the storage layer backing
an OpenClaw deployment: which backend serves each namespace, whether the
backends are healthy, and what a migration between backends would move.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"openclaw-storage version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to the storage configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	// Add subcommands
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Setup(log.Config{
		Level: logLevel,
		JSON:  logJSON,
	})
}

// loadConfig reads the configured storage config file, or the defaults when
// no file is given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%v\nHint: check the key named in the message, or run without --config for defaults", err)
	}
	return cfg, nil
}
