// Package dialog asks an operator for consent. The Broker holds dialogs
// open until something answers them; the terminal and assume-yes prompters
// answer in-process.
package dialog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/prunebox/internal/prune"
)

var (
	ErrUnknownDialog = errors.New("unknown or already resolved dialog")
	ErrClosed        = errors.New("dialog broker closed")
)

const DefaultTimeout = 10 * time.Minute

type Kind string

const (
	KindPreflight Kind = "preflight"
	KindConfirm   Kind = "confirm"
)

type Dialog struct {
	Key       string       `json:"key"`
	Kind      Kind         `json:"kind"`
	Count     int          `json:"count,omitempty"`
	Stats     *prune.Stats `json:"stats,omitempty"`
	OpenedAt  time.Time    `json:"openedAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

const (
	EventOpened = "dialog.opened"
	EventClosed = "dialog.closed"
)

type Event struct {
	Type   string `json:"type"`
	Dialog Dialog `json:"dialog"`
	// OK is set on close; false covers timeouts and dismissals.
	OK *bool `json:"ok,omitempty"`
}

type pending struct {
	dialog Dialog
	answer chan bool
}

// Broker implements prune.Prompter by parking each dialog until Answer is
// called for its key, the timeout elapses, or the run is cancelled. Only
// an explicit yes counts as consent.
type Broker struct {
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	pending map[string]*pending
	subs    map[int]chan Event
	nextSub int
}

func NewBroker(timeout time.Duration, logger *slog.Logger) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broker{
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
		pending: map[string]*pending{},
		subs:    map[int]chan Event{},
	}
}

func (b *Broker) Preflight(ctx context.Context, key string, count int) (bool, error) {
	return b.ask(ctx, Dialog{Key: key, Kind: KindPreflight, Count: count})
}

func (b *Broker) Confirm(ctx context.Context, key string, stats prune.Stats, _ []prune.PreviewRow) (bool, error) {
	return b.ask(ctx, Dialog{Key: key, Kind: KindConfirm, Count: stats.TotalPayloads, Stats: &stats})
}

func (b *Broker) ask(ctx context.Context, d Dialog) (bool, error) {
	d.OpenedAt = b.now()
	d.ExpiresAt = d.OpenedAt.Add(b.timeout)
	p := &pending{dialog: d, answer: make(chan bool, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false, ErrClosed
	}
	b.pending[d.Key] = p
	b.publishLocked(Event{Type: EventOpened, Dialog: d})
	b.mu.Unlock()
	b.logger.Info("dialog opened", "key", d.Key, "kind", d.Kind)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	var ok bool
	var err error
	select {
	case ok = <-p.answer:
	case <-timer.C:
		b.logger.Info("dialog timed out", "key", d.Key)
	case <-ctx.Done():
		err = ctx.Err()
	}

	b.mu.Lock()
	if b.pending[d.Key] == p {
		delete(b.pending, d.Key)
	}
	// Answer sends under mu, so an answer it accepted is buffered by now.
	select {
	case ok = <-p.answer:
		err = nil
	default:
	}
	b.publishLocked(Event{Type: EventClosed, Dialog: d, OK: &ok})
	b.mu.Unlock()
	return ok, err
}

// Answer resolves an open dialog. Answering twice returns ErrUnknownDialog.
func (b *Broker) Answer(key string, ok bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.pending[key]
	if !found {
		return ErrUnknownDialog
	}
	delete(b.pending, key)
	p.answer <- ok
	return nil
}

func (b *Broker) Get(key string) (Dialog, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[key]
	if !ok {
		return Dialog{}, false
	}
	return p.dialog, true
}

func (b *Broker) Pending() []Dialog {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Dialog, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.dialog)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Subscribe streams dialog events. Slow subscribers miss events rather than
// block the run.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	if b.closed {
		close(ch)
	} else {
		b.subs[id] = ch
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *Broker) publishLocked(ev Event) {
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close refuses every open dialog and ends all subscriptions.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for key, p := range b.pending {
		delete(b.pending, key)
		p.answer <- false
	}
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
