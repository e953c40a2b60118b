package sink

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSuffix(t *testing.T) {
	cases := []struct{ in, suffix, want string }{
		{"a/b/report.pdf", "_retry2", "a/b/report_retry2.pdf"},
		{"report.tar.gz", " (1)", "report.tar (1).gz"},
		{"noext", "_x", "noext_x"},
		{".bashrc", "_x", ".bashrc_x"},
		{"dir.d/file", "_x", "dir.d/file_x"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, AddSuffix(tc.in, tc.suffix), tc.in)
	}
}

func TestAddSuffixPreservesExtensionProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	properties.Property("extension and directory survive", prop.ForAll(
		func(dir, base, ext string) bool {
			p := dir + "/" + base + "." + ext
			out := AddSuffix(p, "_retry3")
			return strings.HasPrefix(out, dir+"/"+base+"_retry3") && strings.HasSuffix(out, "."+ext)
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
	))
	properties.TestingRun(t)
}

func waitTerminal(t *testing.T, s Sink, h Handle) State {
	t.Helper()
	ch, cancel := s.Watch(h)
	defer cancel()
	st, err := s.QueryState(context.Background(), h)
	require.NoError(t, err)
	if st.Terminal() {
		return st
	}
	select {
	case st := <-ch:
		return st
	case <-time.After(5 * time.Second):
		t.Fatalf("handle %d never reached a terminal phase", h)
	}
	return State{}
}

func TestTrackerWritesAndVerifies(t *testing.T) {
	backend := NewMemBackend()
	tr := NewTracker(backend, TrackerOptions{})
	defer tr.Close()
	ctx := context.Background()

	h, err := tr.Write(ctx, strings.NewReader("hello"), "prunebox/a.txt")
	require.NoError(t, err)
	st := waitTerminal(t, tr, h)
	require.Equal(t, PhaseComplete, st.Phase)

	st, err = tr.QueryState(ctx, h)
	require.NoError(t, err)
	require.NotNil(t, st.Exists)
	assert.True(t, *st.Exists)
	assert.Equal(t, "prunebox/a.txt", st.ResolvedPath)

	data, err := util.ReadFile(backend.Filesystem(), "prunebox/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestTrackerUniquifiesConflictingNames(t *testing.T) {
	tr := NewTracker(NewMemBackend(), TrackerOptions{})
	defer tr.Close()
	ctx := context.Background()

	var resolved []string
	for i := 0; i < 3; i++ {
		h, err := tr.Write(ctx, strings.NewReader("x"), "prunebox/a.txt")
		require.NoError(t, err)
		st := waitTerminal(t, tr, h)
		require.Equal(t, PhaseComplete, st.Phase)
		resolved = append(resolved, st.ResolvedPath)
	}
	assert.Equal(t, []string{"prunebox/a.txt", "prunebox/a (1).txt", "prunebox/a (2).txt"}, resolved)
}

func TestTrackerRejectsEscapingPaths(t *testing.T) {
	tr := NewTracker(NewMemBackend(), TrackerOptions{})
	defer tr.Close()
	for _, p := range []string{"", "/abs/a.txt", "../a.txt", "a/../../b"} {
		_, err := tr.Write(context.Background(), strings.NewReader("x"), p)
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}
}

type flakyBackend struct {
	putErr    error
	existsErr error
}

func (f *flakyBackend) Name() string { return "flaky" }
func (f *flakyBackend) Put(_ context.Context, p string, r io.Reader) (string, error) {
	_, _ = io.Copy(io.Discard, r)
	if f.putErr != nil {
		return "", f.putErr
	}
	return p, nil
}
func (f *flakyBackend) Exists(context.Context, string) (bool, error) {
	return f.existsErr == nil, f.existsErr
}
func (f *flakyBackend) Close() error { return nil }

func TestTrackerReportsInterruption(t *testing.T) {
	tr := NewTracker(&flakyBackend{putErr: errors.New("disk full")}, TrackerOptions{})
	defer tr.Close()
	h, err := tr.Write(context.Background(), strings.NewReader("x"), "a.txt")
	require.NoError(t, err)
	st := waitTerminal(t, tr, h)
	assert.Equal(t, PhaseInterrupted, st.Phase)
	assert.Contains(t, st.Error, "disk full")
}

func TestTrackerLeavesExistsUnknownWhenCheckFails(t *testing.T) {
	tr := NewTracker(&flakyBackend{existsErr: errors.New("permission denied")}, TrackerOptions{})
	defer tr.Close()
	h, err := tr.Write(context.Background(), strings.NewReader("x"), "a.txt")
	require.NoError(t, err)
	waitTerminal(t, tr, h)
	st, err := tr.QueryState(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, PhaseComplete, st.Phase)
	assert.Nil(t, st.Exists)
}

func TestTrackerUnknownHandle(t *testing.T) {
	tr := NewTracker(NewMemBackend(), TrackerOptions{})
	defer tr.Close()
	_, err := tr.QueryState(context.Background(), 99)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestTrackerForgetReleasesHandle(t *testing.T) {
	tr := NewTracker(NewMemBackend(), TrackerOptions{})
	defer tr.Close()
	ctx := context.Background()

	h, err := tr.Write(ctx, strings.NewReader("x"), "a.txt")
	require.NoError(t, err)
	waitTerminal(t, tr, h)
	assert.Equal(t, 1, tr.Tracked())

	tr.Forget(h)
	assert.Equal(t, 0, tr.Tracked())
	_, err = tr.QueryState(ctx, h)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

type gatedBackend struct {
	flakyBackend
	release chan struct{}
}

func (g *gatedBackend) Put(ctx context.Context, p string, r io.Reader) (string, error) {
	<-g.release
	return g.flakyBackend.Put(ctx, p, r)
}

func TestTrackerForgetDuringTransferStaysForgotten(t *testing.T) {
	backend := &gatedBackend{release: make(chan struct{})}
	tr := NewTracker(backend, TrackerOptions{})
	h, err := tr.Write(context.Background(), strings.NewReader("x"), "a.txt")
	require.NoError(t, err)

	tr.Forget(h)
	close(backend.release)
	require.NoError(t, tr.Close())
	assert.Equal(t, 0, tr.Tracked())
}

func TestTrackerClosedRejectsWrites(t *testing.T) {
	tr := NewTracker(NewMemBackend(), TrackerOptions{})
	require.NoError(t, tr.Close())
	_, err := tr.Write(context.Background(), strings.NewReader("x"), "a.txt")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocalBackendConfirmsThroughWatcher(t *testing.T) {
	root := t.TempDir()
	backend, err := NewLocalBackend(root, LocalOptions{ConfirmTimeout: 3 * time.Second})
	require.NoError(t, err)
	tr := NewTracker(backend, TrackerOptions{})
	defer tr.Close()

	h, err := tr.Write(context.Background(), strings.NewReader("payload"), "prunebox/sub/file.bin")
	require.NoError(t, err)
	st := waitTerminal(t, tr, h)
	require.Equal(t, PhaseComplete, st.Phase, st.Error)
	assert.Equal(t, filepath.Join(root, "prunebox", "sub", "file.bin"), st.ResolvedPath)

	data, err := os.ReadFile(st.ResolvedPath)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	entries, err := os.ReadDir(filepath.Join(root, "prunebox", "sub"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging files must not be left behind")
}

func TestOpenBackendSchemes(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBackend(ctx, "mem://", Options{})
	require.NoError(t, err)
	assert.Equal(t, "mem", b.Name())

	b, err = OpenBackend(ctx, "os://"+t.TempDir(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "os", b.Name())

	_, err = OpenBackend(ctx, "ftp://host/x", Options{})
	assert.Error(t, err)

	RegisterBackendFactory("test", func(context.Context, string, Options) (Backend, error) {
		return &flakyBackend{}, nil
	})
	b, err = OpenBackend(ctx, "test://anything", Options{})
	require.NoError(t, err)
	assert.Equal(t, "flaky", b.Name())
}
