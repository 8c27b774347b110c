package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/verbatim/internal/config"
	"github.com/roach88/verbatim/internal/pipeline"
	"github.com/roach88/verbatim/internal/problem"
)

// ExtractOptions holds flags for the extract command. Flags layer over
// the config file; a set flag always wins.
type ExtractOptions struct {
	LivePath    string
	BackupRoot  string
	OutDir      string
	Materialize bool
	Workers     int

	TranscribeMode   string
	TranscribeBinary string
	TranscribeModel  string

	RetainStaging bool
	StagingDir    string
}

// NewExtractCommand creates the main extraction command.
func NewExtractCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExtractOptions{}

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Run the full extraction pipeline",
		Long:  "Stage the source database, decode and reconcile every row, and\nwrite the message, quarantine, missing-attachment and report sinks\nto the output directory.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, opts, cmd)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "invalid configuration", Err: err}
			}
			return runExtract(cmd, cfg)
		},
	}

	addSourceFlags(cmd, &opts.LivePath, &opts.BackupRoot)
	cmd.Flags().StringVarP(&opts.OutDir, "out", "o", "", "output directory (default \"out\")")
	cmd.Flags().BoolVar(&opts.Materialize, "materialize", false, "copy resolved attachments under content-hash names")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "parallel attachment/transcription workers (0 = serial)")
	cmd.Flags().StringVar(&opts.TranscribeMode, "transcribe", "", "transcription mode: off|stub|exec")
	cmd.Flags().StringVar(&opts.TranscribeBinary, "transcribe-binary", "", "local speech-to-text binary for exec mode")
	cmd.Flags().StringVar(&opts.TranscribeModel, "transcribe-model", "", "model path passed to the transcription binary")
	cmd.Flags().BoolVar(&opts.RetainStaging, "retain-staging", false, "keep the staged copy after the run")
	cmd.Flags().StringVar(&opts.StagingDir, "staging-dir", "", "parent directory for the staged copy")

	return cmd
}

func addSourceFlags(cmd *cobra.Command, live, backup *string) {
	cmd.Flags().StringVar(live, "live", "", "path to a live chat database")
	cmd.Flags().StringVar(backup, "backup", "", "path to a device-backup directory")
}

// loadConfig layers file, environment, and flags. Only flags the user
// actually set override file values.
func loadConfig(rootOpts *RootOptions, opts *ExtractOptions, cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if rootOpts.ConfigPath != "" {
		var err error
		cfg, err = config.Load(rootOpts.ConfigPath)
		if err != nil {
			return cfg, err
		}
	}

	if cmd.Flags().Changed("live") {
		cfg.Source.LivePath = opts.LivePath
	}
	if cmd.Flags().Changed("backup") {
		cfg.Source.BackupRoot = opts.BackupRoot
	}
	if cmd.Flags().Changed("out") {
		cfg.Output.Dir = opts.OutDir
	}
	if cmd.Flags().Changed("materialize") {
		cfg.Attachments.Materialize = opts.Materialize
	}
	if cmd.Flags().Changed("workers") {
		cfg.Attachments.Workers = opts.Workers
	}
	if cmd.Flags().Changed("transcribe") {
		cfg.Transcribe.Mode = opts.TranscribeMode
	}
	if cmd.Flags().Changed("transcribe-binary") {
		cfg.Transcribe.Binary = opts.TranscribeBinary
	}
	if cmd.Flags().Changed("transcribe-model") {
		cfg.Transcribe.Model = opts.TranscribeModel
	}
	if cmd.Flags().Changed("retain-staging") {
		cfg.Staging.Retain = opts.RetainStaging
	}
	if cmd.Flags().Changed("staging-dir") {
		cfg.Staging.Dir = opts.StagingDir
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runExtract(cmd *cobra.Command, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := pipeline.Run(ctx, cfg, slog.Default())
	if err != nil {
		slog.Error("run failed", "code", problem.CodeOf(err), "error", err)
		return err
	}
	slog.Info("extraction complete", "run_id", rep.RunID, "emitted", rep.Counters.Emitted)
	return nil
}
