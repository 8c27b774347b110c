// Package cli wires the extraction pipeline to a command-line surface.
// Commands return errors; exit-code mapping happens once in main.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose    bool
	ConfigPath string
}

// NewRootCommand creates the verbatim root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "verbatim",
		Short:         "Canonicalize a messages database into an auditable NDJSON stream",
		Long:          "verbatim stages a chat database (live file or device backup),\ndecodes every row into a canonical schema-validated message, and emits\nbyte-for-byte reproducible NDJSON plus quarantine and run-report sinks.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging(opts.Verbose)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(NewExtractCommand(opts))
	cmd.AddCommand(NewProbeCommand(opts))

	return cmd
}

// configureLogging installs the process-wide text logger on stderr, so
// diagnostics never mix into piped sink output on stdout.
func configureLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
