package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/prunebox/internal/dialog"
	"github.com/agentworkforce/prunebox/internal/prune"
	"github.com/agentworkforce/prunebox/internal/recordstore"
)

type previewOptions struct {
	*RootOptions
	all    bool
	folder string
	format string
}

func newPreviewCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &previewOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "preview [record-id...]",
		Short: "Show what a run would delete, without writing or deleting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(cmd.Context(), opts, args)
		},
	}
	cmd.Flags().BoolVar(&opts.all, "all", false, "select every record")
	cmd.Flags().StringVar(&opts.folder, "folder", "", "select the records of one folder")
	cmd.Flags().StringVar(&opts.format, "format", "text", "output format (text|json)")
	return cmd
}

func runPreview(ctx context.Context, opts *previewOptions, ids []string) error {
	if opts.format != "text" && opts.format != "json" {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be text or json", opts.format))
	}
	sel, err := selectionFrom(ids, opts.all, opts.folder)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := recordstore.Open(ctx, opts.cfg.Store.DSN)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open record store", err)
	}
	defer store.Close()

	loc, err := opts.cfg.Location()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid settings", err)
	}
	evaluator := prune.NewEvaluator(store, loc, time.Now)
	selected, err := evaluator.Enumerate(ctx, sel)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to enumerate selection", err)
	}
	ev, err := evaluator.Evaluate(ctx, selected)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to evaluate selection", err)
	}
	return writePreview(opts.Stdout, opts.format, len(selected), ev, opts.cfg.Dialog.MaxRows)
}

type previewOutput struct {
	Selected int                `json:"selected"`
	Stats    prune.Stats        `json:"stats"`
	Rows     []prune.PreviewRow `json:"rows"`
}

func writePreview(w io.Writer, format string, selected int, ev *prune.Evaluation, maxRows int) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(previewOutput{Selected: selected, Stats: ev.Stats, Rows: ev.Rows})
	}
	fmt.Fprintf(w, "%d records selected\n", selected)
	if ev.Stats.TotalPayloads == 0 {
		fmt.Fprintln(w, "No removable payloads were found in the selected records.")
		return nil
	}
	fmt.Fprintln(w, dialog.RenderPreview(ev.Stats, ev.Rows, maxRows))
	return nil
}
