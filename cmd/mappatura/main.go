package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mappaturasmd/mappatura/internal/config"
	"github.com/mappaturasmd/mappatura/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	logger   *zap.Logger
	cfgStore *config.Store
)

var rootCmd = &cobra.Command{
	Use:   "mappatura",
	Short: "Plot mapping agent for the SMD server",
	Long: `mappatura drives a connected game client through the world, asks the
server for plot information one cell at a time and delivers every plot it
learns about to the mapping backend.

Run "mappatura run" to start the agent. The other commands talk to the
backend or inspect local state without a game client.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// setup loads the config first so the logger can follow its level and
// format, then opens the live store with that logger.
func setup(cmd *cobra.Command, args []string) error {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = config.DefaultFileName
	}
	peek, err := config.Read(path)
	if err != nil {
		peek = config.Defaults()
	}
	logger, err = logging.New(logging.Config{
		Level:   peek.LogLevel,
		Format:  peek.LogFormat,
		Verbose: verbose,
	})
	if err != nil {
		return err
	}
	flushEnvWarnings(logger)

	cfgStore, err = config.Open(path, logger)
	if err != nil {
		return fmt.Errorf("failed to open config %s: %w", path, err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", envOrDefault("MAPPATURA_CONFIG", config.DefaultFileName), "Config file (json or yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(whitelistCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
