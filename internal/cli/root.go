// Package cli wires configuration, collaborators and the run core into the
// prunebox command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/prunebox/internal/config"
)

// RootOptions holds global flags and the state PersistentPreRunE derives
// from them.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	LogFormat  string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	cfg    config.Config
	logger *slog.Logger
}

var validLogFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prunebox",
		Short: "Back up record payloads, verify the backup, then delete them",
		Long: `prunebox removes large payloads from selected records only after a
verified copy of every payload, and of each affected record's body, exists
in the backup sink. If any backup cannot be verified nothing is deleted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup()
		},
	}
	cmd.SetIn(opts.Stdin)
	cmd.SetOut(opts.Stdout)
	cmd.SetErr(opts.Stderr)

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", os.Getenv("PRUNEBOX_CONFIG"), "path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json), overrides config")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newPreviewCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))
	return cmd
}

func (o *RootOptions) setup() error {
	if o.LogFormat != "" && !isValidLogFormat(o.LogFormat) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid log format %q: must be one of %v", o.LogFormat, validLogFormats))
	}
	bootstrap := newLogger(o.Stderr, "text", slog.LevelWarn)
	cfg, err := config.Load(o.ConfigPath, bootstrap)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	level := cfg.SlogLevel()
	if o.Verbose {
		level = slog.LevelDebug
	}
	o.cfg = cfg
	o.logger = newLogger(o.Stderr, cfg.Log.Format, level)
	return nil
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func isValidLogFormat(format string) bool {
	for _, f := range validLogFormats {
		if f == format {
			return true
		}
	}
	return false
}
