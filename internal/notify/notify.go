// Package notify delivers the terminal notification of a run.
package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/prunebox/internal/httpx"
	"github.com/agentworkforce/prunebox/internal/prune"
)

// Log writes notifications to a logger.
type Log struct {
	Logger *slog.Logger
}

func (n Log) Notify(ctx context.Context, note prune.Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch note.Outcome {
	case prune.OutcomeCompleted, prune.OutcomeCancelled, prune.OutcomePreflightCancelled, prune.OutcomeNothingToDo:
	default:
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, note.Title, "outcome", note.Outcome, "message", note.Message)
	return nil
}

type webhookBody struct {
	Title   string           `json:"title"`
	Message string           `json:"message"`
	Outcome prune.RunOutcome `json:"outcome"`
	Report  *prune.Report    `json:"report,omitempty"`
	SentAt  time.Time        `json:"sentAt"`
}

// Webhook POSTs the notification as JSON, retrying 429 and 5xx responses.
type Webhook struct {
	client *httpx.Client
}

func NewWebhook(url, token string, httpClient *http.Client) (*Webhook, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook url is required")
	}
	return &Webhook{client: httpx.New(url, token, httpClient)}, nil
}

func (w *Webhook) Notify(ctx context.Context, note prune.Notification) error {
	body := webhookBody{
		Title:   note.Title,
		Message: note.Message,
		Outcome: note.Outcome,
		Report:  note.Report,
		SentAt:  time.Now().UTC(),
	}
	return w.client.DoJSON(ctx, http.MethodPost, "", nil, body, nil)
}

// Multi delivers to every notifier and joins their errors.
type Multi []prune.Notifier

func (m Multi) Notify(ctx context.Context, note prune.Notification) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async hands notifications to a background goroutine so a slow receiver
// never holds up a run. Close waits for queued notifications.
type Async struct {
	next    prune.Notifier
	logger  *slog.Logger
	queue   chan prune.Notification
	done    chan struct{}
	timeout time.Duration

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewAsync(next prune.Notifier, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &Async{
		next:    next,
		logger:  logger,
		queue:   make(chan prune.Notification, buffer),
		done:    make(chan struct{}),
		timeout: 30 * time.Second,
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for note := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Notify(ctx, note); err != nil {
			a.logger.Warn("notification delivery failed", "title", note.Title, "error", err)
		}
		cancel()
	}
}

// Notify drops the notification when the queue is full.
func (a *Async) Notify(_ context.Context, note prune.Notification) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.New("notifier closed")
	}
	select {
	case a.queue <- note:
		return nil
	default:
		a.logger.Warn("notification queue full, dropping", "title", note.Title)
		return nil
	}
}

func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
	return nil
}
