// Package cmd provides the CLI commands for gokkod.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/amanmcp/gokko/internal/logging"
	"github.com/amanmcp/gokko/pkg/version"
)

var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for gokkod.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gokkod",
		Short: "Embeddable full-text and hybrid search engine daemon",
		Long: `gokkod runs the search engine's batch scheduler and indexing pipeline
against a Storage Environment on disk.

Run 'gokkod run' to start the engine, 'gokkod search' to query an
already-committed index, 'gokkod version' to print build information, or
'gokkod config' to back up or restore the user config.`,
		Version: version.Version,
	}

	cmd.SetVersionTemplate("gokkod version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.gokko/logs/")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// startLogging enables debug logging to file when --debug is set.
func startLogging(_ *cobra.Command, _ []string) error {
	if !debugMode {
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.DebugConfig())
	if err != nil {
		return fmt.Errorf("failed to setup debug logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Info("debug logging enabled", slog.String("log_file", logging.DefaultLogPath()))
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		slog.Info("debug logging stopped")
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
