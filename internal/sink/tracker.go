package sink

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

type TrackerOptions struct {
	PutTimeout time.Duration
	Logger     *slog.Logger
}

// Tracker turns a synchronous Backend into an asynchronous sink: Write
// returns a handle immediately and the transfer completes in the background.
type Tracker struct {
	backend    Backend
	putTimeout time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	next        Handle
	states      map[Handle]State
	watchers    map[Handle]map[int]chan State
	nextWatchID int
}

func NewTracker(backend Backend, opts TrackerOptions) *Tracker {
	if opts.PutTimeout <= 0 {
		opts.PutTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		backend:    backend,
		putTimeout: opts.PutTimeout,
		logger:     opts.Logger.With("sink", backend.Name()),
		ctx:        ctx,
		cancel:     cancel,
		states:     map[Handle]State{},
		watchers:   map[Handle]map[int]chan State{},
	}
}

func (t *Tracker) Write(ctx context.Context, r io.Reader, logicalPath string) (Handle, error) {
	cleaned, err := cleanLogicalPath(logicalPath)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	t.next++
	h := t.next
	t.states[h] = State{Handle: h, Phase: PhasePending}
	t.wg.Add(1)
	t.mu.Unlock()

	go t.transfer(h, cleaned, r)
	return h, nil
}

func (t *Tracker) transfer(h Handle, logicalPath string, r io.Reader) {
	defer t.wg.Done()
	ctx, cancel := context.WithTimeout(t.ctx, t.putTimeout)
	defer cancel()

	resolved, err := t.backend.Put(ctx, logicalPath, r)
	next := State{Handle: h, Phase: PhaseComplete, ResolvedPath: resolved}
	if err != nil {
		t.logger.Warn("sink write interrupted", "handle", h, "path", logicalPath, "error", err)
		next = State{Handle: h, Phase: PhaseInterrupted, Error: err.Error()}
	}
	t.publish(next)
}

func (t *Tracker) publish(next State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[next.Handle]; !ok {
		return
	}
	t.states[next.Handle] = next
	for _, ch := range t.watchers[next.Handle] {
		select {
		case ch <- next:
		default:
		}
	}
}

// QueryState reports the tracked phase. For completed writes the backend is
// asked again whether the artifact exists; an inconclusive answer leaves
// Exists nil.
func (t *Tracker) QueryState(ctx context.Context, h Handle) (State, error) {
	t.mu.Lock()
	st, ok := t.states[h]
	t.mu.Unlock()
	if !ok {
		return State{}, ErrUnknownHandle
	}
	if st.Phase != PhaseComplete {
		return st, nil
	}
	exists, err := t.backend.Exists(ctx, st.ResolvedPath)
	if err != nil {
		t.logger.Debug("existence check inconclusive", "handle", h, "path", st.ResolvedPath, "error", err)
		return st, nil
	}
	st.Exists = &exists
	return st, nil
}

func (t *Tracker) Watch(h Handle) (<-chan State, func()) {
	ch := make(chan State, 4)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextWatchID++
	id := t.nextWatchID
	if t.watchers[h] == nil {
		t.watchers[h] = map[int]chan State{}
	}
	t.watchers[h][id] = ch
	if st, ok := t.states[h]; ok && st.Terminal() {
		ch <- st
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.watchers[h], id)
			if len(t.watchers[h]) == 0 {
				delete(t.watchers, h)
			}
			close(ch)
		})
	}
}

// Forget drops the record of h. Later queries return ErrUnknownHandle and
// a transfer still in flight finishes without being recorded.
func (t *Tracker) Forget(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, h)
}

// Tracked reports how many handles still have a record.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
	return t.backend.Close()
}
