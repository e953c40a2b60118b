package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/prunebox/internal/dialog"
	"github.com/agentworkforce/prunebox/internal/httpapi"
	"github.com/agentworkforce/prunebox/internal/prune"
	"github.com/agentworkforce/prunebox/internal/recordstore"
)

type runOptions struct {
	*RootOptions
	all        bool
	folder     string
	yes        bool
	dialogMode string
	bodyScope  string
}

func newRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "run [record-id...]",
		Short: "Back up, verify and delete payloads of the selected records",
		Long: `Run one backup-verify-delete pass over the selected records.

Every payload and the body of each affected record is written to the backup
sink and verified before anything is deleted. If a single backup is missing
the run aborts without touching the record store.

Example:
  prunebox run r1 r2
  prunebox run --folder inbox --dialog http
  prunebox run --all --yes --body-scope all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd.Context(), opts, args)
		},
	}
	cmd.Flags().BoolVar(&opts.all, "all", false, "select every record")
	cmd.Flags().StringVar(&opts.folder, "folder", "", "select the records of one folder")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "consent up front instead of asking")
	cmd.Flags().StringVar(&opts.dialogMode, "dialog", "", "how to ask for consent (terminal|http), overrides config")
	cmd.Flags().StringVar(&opts.bodyScope, "body-scope", "", "which record bodies to back up (affected|all), overrides config")
	return cmd
}

func selectionFrom(ids []string, all bool, folder string) (recordstore.Selection, error) {
	set := 0
	if len(ids) > 0 {
		set++
	}
	if all {
		set++
	}
	if folder != "" {
		set++
	}
	switch set {
	case 0:
		return recordstore.Selection{}, NewExitError(ExitCommandError, "nothing selected: pass record ids, --all or --folder")
	case 1:
		return recordstore.Selection{IDs: ids, All: all, Folder: folder}, nil
	default:
		return recordstore.Selection{}, NewExitError(ExitCommandError, "record ids, --all and --folder are mutually exclusive")
	}
}

func runPrune(ctx context.Context, opts *runOptions, ids []string) error {
	sel, err := selectionFrom(ids, opts.all, opts.folder)
	if err != nil {
		return err
	}
	cfg := opts.cfg
	if opts.bodyScope != "" {
		cfg.Policy.BodyScope = opts.bodyScope
	}
	if opts.dialogMode != "" {
		cfg.Dialog.Mode = opts.dialogMode
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid settings", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, opts.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			opts.logger.Warn("error closing collaborators", "error", cerr)
		}
	}()

	var prompter prune.Prompter
	switch {
	case opts.yes:
		prompter = dialog.AssumeYes{}
	case cfg.Dialog.Mode == "http":
		ds, err := startDialogServer(ctx, a, dialog.NewBroker(cfg.Dialog.Timeout, opts.logger), nil)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ds.Shutdown(shutdownCtx); err != nil {
				opts.logger.Warn("dialog server shutdown failed", "error", err)
			}
		}()
		token, err := httpapi.IssueToken(cfg.Dialog.JWTSecret, "", "prunebox-run", []string{"dialogs:answer"}, 2*cfg.Dialog.Timeout)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to issue dialog token", err)
		}
		events, unsubscribe := ds.broker.Subscribe(8)
		defer unsubscribe()
		go announceDialogs(events, ds.addr, token, opts.Stderr)
		prompter = ds.broker
	default:
		prompter = dialog.NewTerminal(opts.Stdin, opts.Stdout, cfg.Dialog.MaxRows, cfg.Dialog.Timeout)
	}

	runner, err := a.runner(prompter)
	if err != nil {
		return err
	}
	svc := prune.NewService(runner, prune.ServiceOptions{LockPath: cfg.RunLock, Logger: opts.logger})
	if err := svc.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer func() { _ = svc.Stop(context.Background()) }()

	report, runErr := svc.Trigger(ctx, sel)
	if errors.Is(runErr, prune.ErrRunInProgress) {
		return WrapExitError(ExitFailure, "another run is in progress", runErr)
	}
	if report != nil {
		printReport(opts.Stdout, report)
	}
	return outcomeError(report, runErr)
}

// announceDialogs prints a link for every dialog the broker opens, until the
// subscription ends.
func announceDialogs(events <-chan dialog.Event, addr, token string, w io.Writer) {
	for ev := range events {
		if ev.Type != dialog.EventOpened {
			continue
		}
		fmt.Fprintf(w, "Waiting for %s answer: http://%s/dialogs/%s?access_token=%s\n",
			ev.Dialog.Kind, addr, ev.Dialog.Key, token)
	}
}

func printReport(w io.Writer, report *prune.Report) {
	n := report.Notification()
	fmt.Fprintf(w, "%s\n%s\n", n.Title, n.Message)
}
