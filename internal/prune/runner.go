package prune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentworkforce/prunebox/internal/metrics"
	"github.com/agentworkforce/prunebox/internal/recordstore"
	"github.com/agentworkforce/prunebox/internal/sink"
)

const defaultPreflightThreshold = 100

type Config struct {
	Root               string
	BodyScope          BodyScope
	PreflightThreshold int
	Location           *time.Location
	Writer             WriterConfig
	Executor           ExecutorConfig
}

type Deps struct {
	Store     recordstore.Store
	Sink      sink.Sink
	Prompter  Prompter
	Previews  PreviewStore
	Notifier  Notifier
	Converter recordstore.HTMLConverter
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// Now is the clock for timestamps with no usable source.
	Now func() time.Time
}

// Runner executes one backup-verify-delete run at a time. It holds no
// state between runs.
type Runner struct {
	cfg  Config
	deps Deps
}

func NewRunner(cfg Config, deps Deps) *Runner {
	if cfg.Root == "" {
		cfg.Root = "prunebox"
	}
	if cfg.BodyScope == "" {
		cfg.BodyScope = BodyScopeAffected
	}
	if cfg.PreflightThreshold <= 0 {
		cfg.PreflightThreshold = defaultPreflightThreshold
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Prompter == nil {
		deps.Prompter = refusePrompter{}
	}
	return &Runner{cfg: cfg, deps: deps}
}

// refusePrompter answers no to everything; without a way to ask, there is
// no consent.
type refusePrompter struct{}

func (refusePrompter) Preflight(context.Context, string, int) (bool, error) { return false, nil }

func (refusePrompter) Confirm(context.Context, string, Stats, []PreviewRow) (bool, error) {
	return false, nil
}

// Run executes the whole flow for sel. Cancellation by the operator is not
// an error; a gate abort returns a *GateError.
func (r *Runner) Run(ctx context.Context, sel recordstore.Selection) (report *Report, err error) {
	report = &Report{RunID: NewKey("run"), BodyScope: r.cfg.BodyScope, StartedAt: r.deps.Now()}
	logger := r.deps.Logger.With("run", report.RunID)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("run panicked", "panic", rec)
			err = fmt.Errorf("unexpected failure: %v", rec)
			report.Outcome = OutcomeFailed
		}
		if err != nil && report.Outcome == "" {
			report.Outcome = OutcomeFailed
		}
		if err != nil {
			report.Error = err.Error()
		}
		report.FinishedAt = r.deps.Now()
		r.deps.Metrics.Run(string(report.Outcome))
		r.notify(ctx, logger, report)
	}()

	err = r.run(ctx, logger, sel, report)
	return report, err
}

func (r *Runner) notify(ctx context.Context, logger *slog.Logger, report *Report) {
	n := report.Notification()
	logger.Info("run finished", "outcome", report.Outcome, "title", n.Title)
	if r.deps.Notifier == nil {
		return
	}
	if err := r.deps.Notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		logger.Warn("notification failed", "error", err)
	}
}

func (r *Runner) run(ctx context.Context, logger *slog.Logger, sel recordstore.Selection, report *Report) error {
	deleter, ok := r.deps.Store.(recordstore.PayloadDeleter)
	if !ok {
		report.Outcome = OutcomeCapabilityUnavailable
		return ErrCapabilityUnavailable
	}
	if r.deps.Sink == nil {
		report.Outcome = OutcomeSinkUnavailable
		return ErrSinkUnavailable
	}

	evaluator := NewEvaluator(r.deps.Store, r.cfg.Location, r.deps.Now)
	ids, err := evaluator.Enumerate(ctx, sel)
	if err != nil {
		report.Outcome = OutcomeEnumerationFailed
		return err
	}
	report.Selected = len(ids)
	logger.Info("selection enumerated", "records", len(ids))

	if len(ids) > r.cfg.PreflightThreshold {
		ok, err := r.deps.Prompter.Preflight(ctx, NewKey("preflight"), len(ids))
		if err != nil {
			logger.Warn("preflight dialog failed", "error", err)
		}
		if !ok {
			report.Outcome = OutcomePreflightCancelled
			return nil
		}
	}

	ev, err := evaluator.Evaluate(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			report.Outcome = OutcomeCancelled
			return nil
		}
		return err
	}
	report.Stats = ev.Stats
	if ev.Stats.TotalPayloads == 0 {
		report.Outcome = OutcomeNothingToDo
		return nil
	}

	if !r.confirm(ctx, logger, ev) {
		report.Outcome = OutcomeCancelled
		return nil
	}

	writer := NewWriter(r.deps.Sink, r.cfg.Writer, logger, r.deps.Metrics)
	payloads := (&PayloadBackup{
		store:   r.deps.Store,
		writer:  writer,
		root:    r.cfg.Root,
		logger:  logger,
		metrics: r.deps.Metrics,
	}).Run(ctx, ev.Targets, ev.Meta)
	report.PayloadsExpected = ev.Targets.Total()
	report.PayloadsSaved = payloads.Success.Count()
	report.PayloadFailures = payloads.FailCount

	bodyRecords := r.cfg.BodyScope.records(ev)
	bodies, bodyFailures := (&BodyBackup{
		writer:     writer,
		extractors: DefaultExtractors(r.deps.Store, r.deps.Converter),
		root:       r.cfg.Root,
		logger:     logger,
		metrics:    r.deps.Metrics,
	}).Run(ctx, bodyRecords, ev.Meta)
	report.BodiesExpected = len(bodyRecords)
	report.BodyFailures = bodyFailures
	for _, id := range bodyRecords {
		if bodies.Has(id) {
			report.BodiesSaved++
		}
	}

	if ctx.Err() != nil {
		report.Outcome = OutcomeCancelled
		return nil
	}
	if gate := CheckGate(ev.Targets, payloads.Success, bodyRecords, bodies); gate != nil {
		report.Outcome = OutcomeGateAborted
		report.Gate = gate
		r.deps.Metrics.GateAbort()
		logger.Warn("deletion aborted by consistency gate", "details", gate.Details())
		return gate
	}

	plan := PlanDeletion(ev.Targets, payloads.Success, bodies, true)
	result := NewExecutor(r.deps.Store, deleter, r.cfg.Executor, logger, r.deps.Metrics).Run(ctx, plan)
	report.Intended = result.Intended
	report.Deleted = result.Deleted
	report.DeleteFailures = result.Failures
	report.Outcome = OutcomeCompleted
	return nil
}

// confirm stores the preview under a fresh key for the dialog and removes it
// once the dialog resolves, whatever the answer.
func (r *Runner) confirm(ctx context.Context, logger *slog.Logger, ev *Evaluation) bool {
	key := NewKey("confirm")
	if r.deps.Previews != nil {
		preview := Preview{CreatedAt: r.deps.Now(), Stats: ev.Stats, Rows: ev.Rows}
		if err := r.deps.Previews.Put(ctx, key, preview); err != nil {
			logger.Warn("preview store write failed", "key", key, "error", err)
		}
		defer func() {
			if err := r.deps.Previews.Remove(context.WithoutCancel(ctx), key); err != nil {
				logger.Debug("preview removal failed", "key", key, "error", err)
			}
		}()
	}
	ok, err := r.deps.Prompter.Confirm(ctx, key, ev.Stats, ev.Rows)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("confirm dialog failed", "error", err)
	}
	return ok && err == nil
}
