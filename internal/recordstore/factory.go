package recordstore

import (
	"context"
	"fmt"
	"net/url"

	"github.com/agentworkforce/prunebox/internal/dsn"
)

type Factory func(ctx context.Context, raw string) (Store, error)

var registry dsn.Registry[Factory]

func RegisterFactory(scheme string, factory Factory) {
	if factory == nil {
		return
	}
	registry.Register(scheme, factory)
}

// Open builds a store from a DSN:
//
//	memory://?renumber=false&fixtures=records.yaml
//	sqlite://records.db?fixtures=records.yaml
//	https://host?token=...
//
// Any DSN may carry readonly=1, which hides DeleteMany.
func Open(ctx context.Context, raw string) (Store, error) {
	parsed, scheme, err := dsn.Parse(raw)
	if err != nil {
		return nil, err
	}
	store, err := open(ctx, parsed, scheme, raw)
	if err != nil {
		return nil, err
	}
	if dsn.Bool(parsed, "readonly", false) {
		return ReadOnly(store), nil
	}
	return store, nil
}

func open(ctx context.Context, parsed *url.URL, scheme, raw string) (Store, error) {
	if factory, ok := registry.Lookup(scheme); ok {
		return factory(ctx, raw)
	}
	fixtures := parsed.Query().Get("fixtures")
	switch scheme {
	case "memory", "mem":
		store := NewMemoryStore(MemoryOptions{KeepPlaceholders: !dsn.Bool(parsed, "renumber", true)})
		if fixtures != "" {
			records, err := LoadFixtures(fixtures)
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				if err := store.AddRecord(rec); err != nil {
					return nil, err
				}
			}
		}
		return store, nil
	case "sqlite", "sqlite3":
		path, err := dsn.Path(parsed, raw)
		if err != nil {
			return nil, err
		}
		store, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		if fixtures != "" {
			records, err := LoadFixtures(fixtures)
			if err != nil {
				store.Close()
				return nil, err
			}
			for _, rec := range records {
				if err := store.AddRecord(ctx, rec); err != nil {
					store.Close()
					return nil, err
				}
			}
		}
		return store, nil
	case "http", "https":
		token := parsed.Query().Get("token")
		base := *parsed
		base.RawQuery = ""
		return NewHTTPStore(base.String(), token, nil), nil
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", scheme)
	}
}
