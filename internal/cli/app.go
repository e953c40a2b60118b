package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentworkforce/prunebox/internal/config"
	"github.com/agentworkforce/prunebox/internal/dialog"
	"github.com/agentworkforce/prunebox/internal/httpapi"
	"github.com/agentworkforce/prunebox/internal/metrics"
	"github.com/agentworkforce/prunebox/internal/notify"
	"github.com/agentworkforce/prunebox/internal/preview"
	"github.com/agentworkforce/prunebox/internal/prune"
	"github.com/agentworkforce/prunebox/internal/recordstore"
	"github.com/agentworkforce/prunebox/internal/sink"
)

// app holds the collaborators one command invocation opened, in the order
// they need closing.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    recordstore.Store
	sink     *sink.Tracker
	previews preview.Store
	notifier *notify.Async
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	closers  []func() error
}

func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.store, err = recordstore.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open record store", err)
	}
	a.closers = append(a.closers, a.store.Close)

	// A sink that cannot be opened is not fatal here; the run reports it as
	// sink_unavailable with a notification.
	tracker, serr := sink.Open(ctx, cfg.Sink.DSN, sink.Options{
		PutTimeout:     cfg.Writer.CompletionTimeout,
		ConfirmTimeout: cfg.Writer.CompletionTimeout,
		Logger:         logger,
	})
	if serr != nil {
		logger.Warn("backup sink unavailable", "dsn", redactDSN(cfg.Sink.DSN), "error", serr)
	} else {
		a.sink = tracker
		a.closers = append(a.closers, tracker.Close)
	}

	a.previews, err = preview.Open(ctx, cfg.Preview.DSN, cfg.Preview.TTL)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open preview store", err)
	}
	a.closers = append(a.closers, a.previews.Close)

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if cfg.Notify.WebhookURL != "" {
		hook, herr := notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.WebhookToken, &http.Client{Timeout: 15 * time.Second})
		if herr != nil {
			return nil, WrapExitError(ExitCommandError, "invalid webhook", herr)
		}
		notifiers = append(notifiers, hook)
	}
	a.notifier = notify.NewAsync(notifiers, 16, logger)
	a.closers = append(a.closers, a.notifier.Close)
	return a, nil
}

func (a *app) runner(prompter prune.Prompter) (*prune.Runner, error) {
	cfg, err := a.cfg.RunnerConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid run settings", err)
	}
	deps := prune.Deps{
		Store:     a.store,
		Prompter:  prompter,
		Previews:  a.previews,
		Notifier:  a.notifier,
		Converter: recordstore.HTMLText{},
		Logger:    a.logger,
		Metrics:   a.metrics,
	}
	if a.sink != nil {
		deps.Sink = a.sink
	}
	return prune.NewRunner(cfg, deps), nil
}

// Close releases collaborators in reverse order of opening. The notifier
// closes first so queued notifications drain while the rest is still up.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// dialogServer serves the HTTP dialog surface until ctx ends.
type dialogServer struct {
	broker *dialog.Broker
	srv    *http.Server
	addr   string
	done   chan error
}

// startDialogServer takes ownership of broker and closes it on Shutdown.
// runs may be nil when the process only answers its own dialogs.
func startDialogServer(ctx context.Context, a *app, broker *dialog.Broker, runs httpapi.Runs) (*dialogServer, error) {
	handler := httpapi.NewServer(httpapi.Deps{
		Broker:   broker,
		Previews: a.previews,
		Runs:     runs,
		Gatherer: a.registry,
		Logger:   a.logger,
	}, httpapi.ServerConfig{
		JWTSecret:        a.cfg.Dialog.JWTSecret,
		RateLimitMax:     a.cfg.Dialog.RateLimit,
		WSOriginPatterns: a.cfg.Dialog.OriginPatterns,
	})
	ln, err := net.Listen("tcp", a.cfg.Dialog.Listen)
	if err != nil {
		broker.Close()
		return nil, WrapExitError(ExitCommandError, "failed to listen for dialogs", err)
	}
	ds := &dialogServer{
		broker: broker,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
		addr: ln.Addr().String(),
		done: make(chan error, 1),
	}
	go func() {
		err := ds.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		ds.done <- err
	}()
	a.logger.Info("dialog server listening", "addr", ds.addr)
	return ds, nil
}

func (ds *dialogServer) Shutdown(ctx context.Context) error {
	ds.broker.Close()
	err := ds.srv.Shutdown(ctx)
	if serveErr := <-ds.done; serveErr != nil && err == nil {
		err = serveErr
	}
	return err
}

// redactDSN hides passwords and query parameters, which may carry keys.
func redactDSN(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable dsn>"
	}
	u.RawQuery = ""
	return u.Redacted()
}
