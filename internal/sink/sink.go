// Package sink implements the backup sink collaborator: a write-then-verify
// store that reports per-handle progress the way a download manager does.
package sink

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var (
	ErrUnknownHandle = errors.New("unknown handle")
	ErrInvalidPath   = errors.New("invalid path")
	ErrClosed        = errors.New("sink closed")
	ErrTooManyNames  = errors.New("too many conflicting names")
)

type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseComplete    Phase = "complete"
	PhaseInterrupted Phase = "interrupted"
)

type Handle int64

// State is the sink's own record of one write. Exists is nil when the sink
// could not determine whether the artifact is present.
type State struct {
	Handle       Handle `json:"handle"`
	Phase        Phase  `json:"phase"`
	Exists       *bool  `json:"exists,omitempty"`
	ResolvedPath string `json:"resolvedPath,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s State) Terminal() bool {
	return s.Phase == PhaseComplete || s.Phase == PhaseInterrupted
}

type Sink interface {
	Write(ctx context.Context, r io.Reader, logicalPath string) (Handle, error)
	QueryState(ctx context.Context, h Handle) (State, error)
	// Watch streams state changes for h until cancel is called.
	Watch(h Handle) (<-chan State, func())
	Close() error
}

// Forgetter is implemented by sinks that keep per-handle state. Callers
// release a handle once they no longer query it.
type Forgetter interface {
	Forget(h Handle)
}

// Backend is the storage underneath a Tracker. Put returns the path the
// artifact actually landed under, which Exists accepts back.
type Backend interface {
	Name() string
	Put(ctx context.Context, logicalPath string, r io.Reader) (string, error)
	Exists(ctx context.Context, resolvedPath string) (bool, error)
	Close() error
}

// AddSuffix inserts suffix between the base name and the extension of the
// last path element: "a/b/report.pdf" + "_retry2" = "a/b/report_retry2.pdf".
// A leading dot does not start an extension.
func AddSuffix(p, suffix string) string {
	dir := ""
	name := p
	if k := strings.LastIndex(p, "/"); k >= 0 {
		dir = p[:k+1]
		name = p[k+1:]
	}
	base, ext := name, ""
	if dot := strings.LastIndex(name, "."); dot > 0 {
		base = name[:dot]
		ext = name[dot:]
	}
	return dir + base + suffix + ext
}

func cleanLogicalPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}
