package preview

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/prunebox/internal/prune"
)

func samplePreview() prune.Preview {
	return prune.Preview{
		CreatedAt: time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC),
		Stats: prune.Stats{
			AffectedRecords: 1,
			TotalPayloads:   2,
			TotalBytes:      300,
			ByExt:           []prune.ExtStat{{Ext: "pdf", Count: 2, Bytes: 300}},
		},
		Rows: []prune.PreviewRow{{
			ID:    "r1",
			Title: "Invoices",
			Payloads: []prune.PreviewPayload{
				{Name: "a.pdf", Size: 100, ContentType: "application/pdf"},
				{Name: "b.pdf", Size: 200, ContentType: "application/pdf"},
			},
		}},
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	want := samplePreview()

	_, err := s.Get(ctx, "confirm-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "confirm-1", want))
	got, err := s.Get(ctx, "confirm-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.Remove(ctx, "confirm-1"))
	_, err = s.Get(ctx, "confirm-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Remove(ctx, "confirm-1"))

	assert.ErrorIs(t, s.Put(ctx, "../escape", want), ErrInvalidKey)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(0))
}

func TestMemoryStoreExpiresEntries(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", samplePreview()))
	now = now.Add(2 * time.Minute)
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "b", samplePreview()))
	assert.Equal(t, 1, s.Len())
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "previews"))
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	s, err := NewPostgresStore("postgres://localhost/prunebox", "", time.Minute)
	require.NoError(t, err)
	s.openDB = func(string, string) (*sql.DB, error) { return db, nil }
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	payload, err := json.Marshal(samplePreview())
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "prunebox_previews"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "prunebox_previews"`)).
		WithArgs("confirm-1", string(payload), now.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT preview FROM "prunebox_previews" WHERE preview_key = $1 AND expires_at > $2`)).
		WithArgs("confirm-1", now).
		WillReturnRows(sqlmock.NewRows([]string{"preview"}).AddRow(string(payload)))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "prunebox_previews" WHERE preview_key = $1 OR expires_at <= $2`)).
		WithArgs("confirm-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT preview FROM "prunebox_previews"`)).
		WithArgs("confirm-1", now).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectClose()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "confirm-1", samplePreview()))
	got, err := s.Get(ctx, "confirm-1")
	require.NoError(t, err)
	assert.Equal(t, samplePreview(), got)
	require.NoError(t, s.Remove(ctx, "confirm-1"))
	_, err = s.Get(ctx, "confirm-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreReportsInitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s, err := NewPostgresStore("postgres://localhost/prunebox", "custom", 0)
	require.NoError(t, err)
	s.openDB = func(string, string) (*sql.DB, error) { return db, nil }

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "custom"`)).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectClose()

	assert.ErrorIs(t, s.Put(context.Background(), "k", samplePreview()), sql.ErrConnDone)
	assert.ErrorIs(t, s.Remove(context.Background(), "k"), sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"a""b"`, quoteIdentifier(`a"b`))
	assert.Equal(t, `""`, quoteIdentifier(" "))
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisStore(t *testing.T) {
	fake := newFakeRedis()
	s := newRedisStore(fake, "", 5*time.Minute)
	exerciseStore(t, s)

	require.NoError(t, s.Put(context.Background(), "confirm-2", samplePreview()))
	assert.Equal(t, 5*time.Minute, fake.ttls["prunebox:preview:confirm-2"])
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "memory://", 0)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, filepath.Join(t.TempDir(), "previews"), 0)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, "postgres://u:p@localhost/db?sslmode=disable&table=dialog_previews", 0)
	require.NoError(t, err)
	pg := s.(*PostgresStore)
	assert.Equal(t, "dialog_previews", pg.tableName)
	assert.Equal(t, "postgres://u:p@localhost/db?sslmode=disable", pg.dsn)

	s, err = Open(ctx, "redis://localhost:6379/2?prefix=test:", time.Minute)
	require.NoError(t, err)
	rs := s.(*RedisStore)
	assert.Equal(t, "test:", rs.prefix)
	require.NoError(t, rs.Close())

	_, err = Open(ctx, "ftp://nowhere", 0)
	assert.Error(t, err)

	RegisterFactory("test", func(context.Context, string, time.Duration) (Store, error) {
		return NewMemoryStore(time.Second), nil
	})
	s, err = Open(ctx, "test://anything", 0)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}
