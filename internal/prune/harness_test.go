package prune

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/prunebox/internal/recordstore"
	"github.com/agentworkforce/prunebox/internal/sink"
)

var fixedNow = time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC)

func fastWriter() WriterConfig {
	return WriterConfig{
		MaxRetries:        3,
		BackoffBase:       time.Millisecond,
		CompletionTimeout: 2 * time.Second,
		VerifyPolls:       3,
		VerifyDelay:       time.Millisecond,
	}
}

type fakePrompter struct {
	mu          sync.Mutex
	preflightOK bool
	confirmOK   bool
	preflights  []int
	confirms    []string
	stats       Stats
	block       chan struct{}
	panicMsg    string
}

func (p *fakePrompter) Preflight(_ context.Context, _ string, count int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preflights = append(p.preflights, count)
	return p.preflightOK, nil
}

func (p *fakePrompter) Confirm(ctx context.Context, key string, stats Stats, _ []PreviewRow) (bool, error) {
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirms = append(p.confirms, key)
	p.stats = stats
	return p.confirmOK, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

type mapPreviews struct {
	mu      sync.Mutex
	entries map[string]Preview
	puts    int
}

func (m *mapPreviews) Put(_ context.Context, key string, p Preview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]Preview{}
	}
	m.entries[key] = p
	m.puts++
	return nil
}

func (m *mapPreviews) open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *mapPreviews) Get(_ context.Context, key string) (Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.entries[key]
	if !ok {
		return Preview{}, errors.New("not found")
	}
	return p, nil
}

func (m *mapPreviews) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// failingBackend wraps a billy backend and interrupts writes whose path
// matches.
type failingBackend struct {
	*sink.BillyBackend
	match func(string) bool
	mu    sync.Mutex
	puts  []string
}

func (f *failingBackend) Put(ctx context.Context, p string, r io.Reader) (string, error) {
	f.mu.Lock()
	f.puts = append(f.puts, p)
	f.mu.Unlock()
	if f.match != nil && f.match(p) {
		_, _ = io.Copy(io.Discard, r)
		return "", errors.New("device not ready")
	}
	return f.BillyBackend.Put(ctx, p, r)
}

func (f *failingBackend) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.puts...)
}

type harness struct {
	store    *recordstore.MemoryStore
	backend  *failingBackend
	sink     *sink.Tracker
	prompter *fakePrompter
	notifier *recordingNotifier
	previews *mapPreviews
}

func newHarness(t *testing.T, storeOpts recordstore.MemoryOptions, fail func(string) bool) *harness {
	t.Helper()
	backend := &failingBackend{BillyBackend: sink.NewMemBackend(), match: fail}
	tr := sink.NewTracker(backend, sink.TrackerOptions{})
	t.Cleanup(func() { _ = tr.Close() })
	return &harness{
		store:    recordstore.NewMemoryStore(storeOpts),
		backend:  backend,
		sink:     tr,
		prompter: &fakePrompter{preflightOK: true, confirmOK: true},
		notifier: &recordingNotifier{},
		previews: &mapPreviews{},
	}
}

func (h *harness) runner(cfg Config) *Runner {
	if cfg.Writer == (WriterConfig{}) {
		cfg.Writer = fastWriter()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return NewRunner(cfg, Deps{
		Store:    h.store,
		Sink:     h.sink,
		Prompter: h.prompter,
		Previews: h.previews,
		Notifier: h.notifier,
		Now:      func() time.Time { return fixedNow },
	})
}

func (h *harness) readBackup(t *testing.T, p string) string {
	t.Helper()
	data, err := util.ReadFile(h.backend.Filesystem(), p)
	require.NoError(t, err)
	return string(data)
}

func payloadOfSize(name string, size int) recordstore.PayloadInput {
	return recordstore.PayloadInput{Name: name, ContentType: "application/octet-stream", Data: []byte(strings.Repeat("x", size))}
}

// scenarioRecord is one record with payloads of 10, 20 and 30 bytes and a
// body of "hello".
func scenarioRecord() recordstore.RecordInput {
	return recordstore.RecordInput{
		ID:             "r1",
		Title:          "Report",
		ReceivedHeader: "from mx.example.org by mail; Tue, 05 Mar 2024 10:20:30 +0000",
		TextParts:      []recordstore.TextPart{{ContentType: "text/plain", Content: "hello"}},
		Payloads: []recordstore.PayloadInput{
			payloadOfSize("a.bin", 10),
			payloadOfSize("b.bin", 20),
			payloadOfSize("broken.bin", 30),
		},
	}
}
