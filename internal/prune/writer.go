package prune

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/agentworkforce/prunebox/internal/metrics"
	"github.com/agentworkforce/prunebox/internal/sink"
)

var (
	errCompletionTimeout = errors.New("timed out waiting for write completion")
	errNotVerified       = errors.New("write not verified")
)

type WriterConfig struct {
	MaxRetries        int
	BackoffBase       time.Duration
	CompletionTimeout time.Duration
	VerifyPolls       int
	VerifyDelay       time.Duration
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = 0
	} else if c.BackoffBase == 0 {
		c.BackoffBase = 400 * time.Millisecond
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = 2 * time.Minute
	}
	if c.VerifyPolls <= 0 {
		c.VerifyPolls = 3
	}
	if c.VerifyDelay <= 0 {
		c.VerifyDelay = 150 * time.Millisecond
	}
	return c
}

// Writer persists a blob through the sink and only reports success once the
// sink has confirmed both completion and existence.
type Writer struct {
	sink    sink.Sink
	cfg     WriterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewWriter(s sink.Sink, cfg WriterConfig, logger *slog.Logger, m *metrics.Metrics) *Writer {
	if logger == nil {
		logger = discardLogger()
	}
	return &Writer{sink: s, cfg: cfg.withDefaults(), logger: logger, metrics: m}
}

// Write tries up to MaxRetries times. Attempt k>1 writes under the original
// logical path with a "_retryK" suffix.
func (w *Writer) Write(ctx context.Context, blob Blob, logicalPath string) Outcome {
	attempts := 0
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		name := logicalPath
		if attempt > 1 {
			name = sink.AddSuffix(logicalPath, fmt.Sprintf("_retry%d", attempt))
		}
		attempts = attempt
		w.metrics.WriterAttempt()
		resolved, err := w.attempt(ctx, blob, name)
		if err == nil {
			return Outcome{OK: true, ResolvedPath: resolved, Attempts: attempt}
		}
		w.logger.Warn("backup attempt failed", "path", name, "attempt", attempt, "error", err)
		if attempt < w.cfg.MaxRetries {
			if err := sleepContext(ctx, w.cfg.BackoffBase*time.Duration(attempt)); err != nil {
				break
			}
		}
	}
	return Outcome{Attempts: attempts}
}

func (w *Writer) attempt(ctx context.Context, blob Blob, name string) (resolved string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write attempt panicked: %v", r)
		}
	}()
	rc, err := blob.Open()
	if err != nil {
		return "", fmt.Errorf("open blob: %w", err)
	}
	defer rc.Close()

	h, err := w.sink.Write(ctx, rc, name)
	if err != nil {
		return "", err
	}
	if f, ok := w.sink.(sink.Forgetter); ok {
		defer f.Forget(h)
	}
	if err := w.awaitCompletion(ctx, h); err != nil {
		return "", err
	}
	resolved, err = w.verify(ctx, h)
	if err != nil {
		return "", err
	}
	if resolved == "" {
		resolved = name
	}
	return resolved, nil
}

// awaitCompletion subscribes before querying so a completion that lands in
// between is not missed.
func (w *Writer) awaitCompletion(ctx context.Context, h sink.Handle) error {
	changes, cancel := w.sink.Watch(h)
	defer cancel()

	st, err := w.sink.QueryState(ctx, h)
	if err != nil {
		return err
	}
	if done, err := terminal(st); done {
		return err
	}

	timer := time.NewTimer(w.cfg.CompletionTimeout)
	defer timer.Stop()
	for {
		select {
		case st, ok := <-changes:
			if !ok {
				return errors.New("change stream closed")
			}
			if done, err := terminal(st); done {
				return err
			}
		case <-timer.C:
			return errCompletionTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func terminal(st sink.State) (bool, error) {
	switch st.Phase {
	case sink.PhaseComplete:
		return true, nil
	case sink.PhaseInterrupted:
		return true, fmt.Errorf("write interrupted: %s", st.Error)
	}
	return false, nil
}

// verify polls the sink's own record. A missing existence flag counts as
// not verified.
func (w *Writer) verify(ctx context.Context, h sink.Handle) (string, error) {
	for poll := 0; poll < w.cfg.VerifyPolls; poll++ {
		if poll > 0 {
			if err := sleepContext(ctx, w.cfg.VerifyDelay); err != nil {
				return "", err
			}
		}
		st, err := w.sink.QueryState(ctx, h)
		if err != nil {
			w.logger.Debug("verify poll failed", "handle", h, "error", err)
			continue
		}
		if st.Phase == sink.PhaseComplete && st.Exists != nil && *st.Exists {
			return st.ResolvedPath, nil
		}
	}
	return "", errNotVerified
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
