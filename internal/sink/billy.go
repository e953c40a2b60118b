package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// BillyBackend stores artifacts in a billy filesystem. Files are staged
// under a temp name and renamed into place so a reader never sees a
// partial artifact under its final name.
type BillyBackend struct {
	name string
	fs   billy.Filesystem
	mu   sync.Mutex
}

func NewBillyBackend(name string, fs billy.Filesystem) *BillyBackend {
	return &BillyBackend{name: name, fs: fs}
}

func NewMemBackend() *BillyBackend {
	return NewBillyBackend("mem", memfs.New())
}

func NewOSBackend(root string) *BillyBackend {
	return NewBillyBackend("os", osfs.New(root))
}

func (b *BillyBackend) Name() string { return b.name }

func (b *BillyBackend) Filesystem() billy.Filesystem { return b.fs }

func (b *BillyBackend) Put(ctx context.Context, logicalPath string, r io.Reader) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	resolved, err := Uniquify(ctx, logicalPath, b.Exists)
	if err != nil {
		return "", err
	}
	dir := path.Dir(resolved)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := util.TempFile(b.fs, dir, ".prunebox-")
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", resolved, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		_ = tmp.Close()
		_ = b.fs.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = b.fs.Remove(tmpName)
		return "", err
	}
	if err := b.fs.Rename(tmpName, resolved); err != nil {
		_ = b.fs.Remove(tmpName)
		return "", err
	}
	return resolved, nil
}

func (b *BillyBackend) Exists(_ context.Context, resolvedPath string) (bool, error) {
	info, err := b.fs.Stat(resolvedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (b *BillyBackend) Close() error { return nil }

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
