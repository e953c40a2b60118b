package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LocalBackend writes to a directory on the host filesystem and only reports
// a write as done once the filesystem itself announces the final name.
type LocalBackend struct {
	root           string
	confirmTimeout time.Duration
	logger         *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu      sync.Mutex
	putMu   sync.Mutex
	watched map[string]bool
	waiters map[string][]chan struct{}
}

type LocalOptions struct {
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
}

func NewLocalBackend(root string, opts LocalOptions) (*LocalBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty root", ErrInvalidPath)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &LocalBackend{
		root:           abs,
		confirmTimeout: opts.ConfirmTimeout,
		logger:         opts.Logger,
		watcher:        watcher,
		done:           make(chan struct{}),
		watched:        map[string]bool{},
		waiters:        map[string][]chan struct{}{},
	}
	go b.loop()
	return b, nil
}

func (b *LocalBackend) Name() string { return "file" }

func (b *LocalBackend) Root() string { return b.root }

func (b *LocalBackend) loop() {
	defer close(b.done)
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				b.notify(filepath.Clean(event.Name))
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("filesystem watch error", "error", err)
		}
	}
}

func (b *LocalBackend) notify(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.waiters[name] {
		close(ch)
	}
	delete(b.waiters, name)
}

func (b *LocalBackend) await(name string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.waiters[name] = append(b.waiters[name], ch)
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.waiters[name]
		for i, c := range list {
			if c == ch {
				b.waiters[name] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.waiters[name]) == 0 {
			delete(b.waiters, name)
		}
	}
}

func (b *LocalBackend) watchDir(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watched[dir] {
		return nil
	}
	if err := b.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	b.watched[dir] = true
	return nil
}

func (b *LocalBackend) Put(ctx context.Context, logicalPath string, r io.Reader) (string, error) {
	b.putMu.Lock()
	defer b.putMu.Unlock()

	target := filepath.Join(b.root, filepath.FromSlash(logicalPath))
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := b.watchDir(dir); err != nil {
		return "", err
	}
	resolved, err := Uniquify(ctx, target, b.Exists)
	if err != nil {
		return "", err
	}

	confirmed, stop := b.await(resolved)
	defer stop()

	tmp, err := os.CreateTemp(dir, ".prunebox-*.part")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}

	timer := time.NewTimer(b.confirmTimeout)
	defer timer.Stop()
	select {
	case <-confirmed:
		return resolved, nil
	case <-timer.C:
		return "", fmt.Errorf("no filesystem confirmation for %s", resolved)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *LocalBackend) Exists(_ context.Context, resolvedPath string) (bool, error) {
	info, err := os.Stat(resolvedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (b *LocalBackend) Close() error {
	err := b.watcher.Close()
	<-b.done
	return err
}
