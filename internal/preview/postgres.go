package preview

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/prunebox/internal/prune"
)

const (
	postgresTableName        = "prunebox_previews"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore creates its table on first use.
type PostgresStore struct {
	dsn       string
	tableName string
	ttl       time.Duration
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn, table string, ttl time.Duration) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrInvalidKey)
	}
	if strings.TrimSpace(table) == "" {
		table = postgresTableName
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: table,
		ttl:       ttl,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				preview_key TEXT PRIMARY KEY,
				preview TEXT NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Put(ctx context.Context, key string, p prune.Preview) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (preview_key, preview, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (preview_key)
		DO UPDATE SET preview = EXCLUDED.preview, expires_at = EXCLUDED.expires_at`, quoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(ctx, query, key, string(payload), s.now().Add(s.ttl))
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (prune.Preview, error) {
	if err := s.ensureReady(ctx); err != nil {
		return prune.Preview{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT preview FROM %s WHERE preview_key = $1 AND expires_at > $2", quoteIdentifier(s.tableName))
	var payload string
	err := s.db.QueryRowContext(ctx, query, key, s.now()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return prune.Preview{}, ErrNotFound
	}
	if err != nil {
		return prune.Preview{}, err
	}
	var p prune.Preview
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return prune.Preview{}, err
	}
	return p, nil
}

// Remove also drops expired rows left behind by dialogs that never
// resolved.
func (s *PostgresStore) Remove(ctx context.Context, key string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE preview_key = $1 OR expires_at <= $2", quoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, key, s.now())
	return err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
