// Package dsn holds the scheme registry and path helpers shared by the
// storage factories.
package dsn

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

var ErrInvalidDSN = errors.New("invalid dsn")

// Registry maps a DSN scheme to a factory. Registered factories take
// precedence over a package's built-in schemes.
type Registry[F any] struct {
	mu        sync.RWMutex
	factories map[string]F
}

func (r *Registry[F]) Register(scheme string, factory F) {
	scheme = NormalizeScheme(scheme)
	if scheme == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = map[string]F{}
	}
	r.factories[scheme] = factory
}

func (r *Registry[F]) Lookup(scheme string) (F, bool) {
	scheme = NormalizeScheme(scheme)
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[scheme]
	return factory, ok
}

func NormalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// Parse returns the parsed URL and its normalized scheme.
func Parse(raw string) (*url.URL, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", ErrInvalidDSN
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, "", err
	}
	return parsed, NormalizeScheme(parsed.Scheme), nil
}

// Path extracts a filesystem path. "file://./backups" keeps its relative
// host component; "file:///var/backups" is absolute.
func Path(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidDSN
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidDSN
		}
		return strings.TrimSpace(raw), nil
	}
	host := strings.TrimSpace(parsed.Host)
	path := strings.TrimSpace(parsed.Path)
	if host != "" && host != "localhost" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidDSN
	}
	return path, nil
}

// Bool reads a query flag such as "readonly=1".
func Bool(parsed *url.URL, key string, fallback bool) bool {
	if parsed == nil {
		return fallback
	}
	raw := strings.TrimSpace(parsed.Query().Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
