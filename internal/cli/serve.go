package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/prunebox/internal/dialog"
	"github.com/agentworkforce/prunebox/internal/httpapi"
	"github.com/agentworkforce/prunebox/internal/prune"
)

type serveOptions struct {
	*RootOptions
	listen     string
	printToken bool
	tokenTTL   time.Duration
}

func newServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve dialogs and accept run triggers over HTTP",
		Long: `Start the run service behind the HTTP dialog server. Runs are triggered
with POST /v1/runs and their dialogs are answered in a browser or over the
/v1/dialogs/ws WebSocket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address, overrides dialog.listen")
	cmd.Flags().BoolVar(&opts.printToken, "print-token", false, "print an operator token with every scope")
	cmd.Flags().DurationVar(&opts.tokenTTL, "token-ttl", 12*time.Hour, "lifetime of the printed token")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg := opts.cfg
	cfg.Dialog.Mode = "http"
	if opts.listen != "" {
		cfg.Dialog.Listen = opts.listen
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid settings", err)
	}
	var token string
	if opts.printToken {
		var err error
		token, err = httpapi.IssueToken(cfg.Dialog.JWTSecret, "", "operator", []string{"dialogs:answer", "runs:trigger"}, opts.tokenTTL)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to issue token", err)
		}
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

	broker := dialog.NewBroker(cfg.Dialog.Timeout, opts.logger)
	runner, err := a.runner(broker)
	if err != nil {
		broker.Close()
		return err
	}
	svc := prune.NewService(runner, prune.ServiceOptions{LockPath: cfg.RunLock, Logger: opts.logger})
	if err := svc.Start(ctx); err != nil {
		broker.Close()
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	ds, err := startDialogServer(ctx, a, broker, svc)
	if err != nil {
		_ = svc.Stop(context.Background())
		return err
	}

	if token != "" {
		fmt.Fprintf(opts.Stderr, "operator token: %s\n", token)
	}

	<-ctx.Done()
	opts.logger.Info("shutting down", "reason", context.Cause(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		opts.logger.Warn("run did not stop in time", "error", err)
	}
	if err := ds.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "dialog server shutdown failed", err)
	}
	return nil
}
