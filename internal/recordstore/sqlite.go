package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	folder TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	received_header TEXT NOT NULL DEFAULT '',
	date_value TEXT NOT NULL DEFAULT '',
	text_parts TEXT NOT NULL DEFAULT '[]',
	content_tree TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS payloads (
	record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	ordinal INTEGER NOT NULL,
	part_name TEXT NOT NULL,
	name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size INTEGER NOT NULL,
	data BLOB,
	PRIMARY KEY (record_id, ordinal)
);
CREATE UNIQUE INDEX IF NOT EXISTS payloads_part_name ON payloads(record_id, part_name);
`

// SQLiteStore keeps records in a single SQLite file and renumbers sibling
// part names after a deletion, the same way MemoryStore does.
type SQLiteStore struct {
	db       *sql.DB
	pageSize int
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db, pageSize: defaultPageSize}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeDate(v any) string {
	switch d := v.(type) {
	case nil:
		return ""
	case time.Time:
		return d.Format(time.RFC3339Nano)
	case string:
		return d
	default:
		return fmt.Sprint(d)
	}
}

func (s *SQLiteStore) AddRecord(ctx context.Context, in RecordInput) error {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}
	parts, err := json.Marshal(in.TextParts)
	if err != nil {
		return err
	}
	tree := ""
	if in.Tree != nil {
		raw, err := json.Marshal(in.Tree)
		if err != nil {
			return err
		}
		tree = string(raw)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (id, folder, title, author, received_header, date_value, text_parts, content_tree) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Folder, in.Title, in.Author, in.ReceivedHeader, encodeDate(in.Date), string(parts), tree,
	); err != nil {
		return fmt.Errorf("insert record %s: %w", in.ID, err)
	}
	for i, p := range in.Payloads {
		data := p.content()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payloads (record_id, ordinal, part_name, name, content_type, size, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			in.ID, i, PartName(i), p.Name, p.ContentType, len(data), data,
		); err != nil {
			return fmt.Errorf("insert payload %s/%d: %w", in.ID, i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListSelected(ctx context.Context, sel Selection, cursor string) (Page, error) {
	if !sel.All {
		return pageOf(sel.IDs, cursor, s.pageSize)
	}
	query := `SELECT id FROM records ORDER BY seq`
	var args []any
	if sel.Folder != "" {
		query = `SELECT id FROM records WHERE folder = ? ORDER BY seq`
		args = append(args, sel.Folder)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Page{}, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	return pageOf(ids, cursor, s.pageSize)
}

func (s *SQLiteStore) GetMetadata(ctx context.Context, recordID string) (Metadata, error) {
	var md Metadata
	var date string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, author, received_header, date_value FROM records WHERE id = ?`, recordID,
	).Scan(&md.ID, &md.Title, &md.Author, &md.Timestamp.ReceivedHeader, &date)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	if err != nil {
		return Metadata{}, err
	}
	if date != "" {
		md.Timestamp.Date = date
	}
	return md, nil
}

func (s *SQLiteStore) exists(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, recordID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, recordID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	return err
}

func (s *SQLiteStore) ListPayloads(ctx context.Context, recordID string) ([]Payload, error) {
	if err := s.exists(ctx, s.db, recordID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT part_name, name, content_type, size FROM payloads WHERE record_id = ? ORDER BY ordinal`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payload
	for rows.Next() {
		var p Payload
		if err := rows.Scan(&p.ID, &p.Name, &p.ContentType, &p.Size); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetPayloadBlob(ctx context.Context, recordID, payloadID string) (*Blob, error) {
	var name, contentType string
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT name, content_type, data FROM payloads WHERE record_id = ? AND part_name = ?`, recordID, payloadID,
	).Scan(&name, &contentType, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrPayloadNotFound, recordID, payloadID)
	}
	if err != nil {
		return nil, err
	}
	return NewBlob(name, contentType, data), nil
}

func (s *SQLiteStore) ListTextParts(ctx context.Context, recordID string) ([]TextPart, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT text_parts FROM records WHERE id = ?`, recordID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	if err != nil {
		return nil, err
	}
	var parts []TextPart
	if err := json.Unmarshal([]byte(raw), &parts); err != nil {
		return nil, fmt.Errorf("decode text parts for %s: %w", recordID, err)
	}
	return parts, nil
}

func (s *SQLiteStore) GetContentTree(ctx context.Context, recordID string) (*ContentNode, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT content_tree FROM records WHERE id = ?`, recordID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	if err != nil || raw == "" {
		return nil, err
	}
	var tree ContentNode
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, fmt.Errorf("decode content tree for %s: %w", recordID, err)
	}
	return &tree, nil
}

// DeleteMany removes the named payloads in one transaction, then renames
// the survivors to consecutive part names in ordinal order.
func (s *SQLiteStore) DeleteMany(ctx context.Context, recordID string, payloadIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.exists(ctx, tx, recordID); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, id := range payloadIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		res, err := tx.ExecContext(ctx, `DELETE FROM payloads WHERE record_id = ? AND part_name = ?`, recordID, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s/%s", ErrPayloadNotFound, recordID, id)
		}
	}
	rows, err := tx.QueryContext(ctx, `SELECT ordinal FROM payloads WHERE record_id = ? ORDER BY ordinal`, recordID)
	if err != nil {
		return err
	}
	var ordinals []int
	for rows.Next() {
		var o int
		if err := rows.Scan(&o); err != nil {
			rows.Close()
			return err
		}
		ordinals = append(ordinals, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for i, o := range ordinals {
		if _, err := tx.ExecContext(ctx,
			`UPDATE payloads SET part_name = ? WHERE record_id = ? AND ordinal = ?`, PartName(i), recordID, o,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
