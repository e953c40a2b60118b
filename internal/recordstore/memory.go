package recordstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const defaultPageSize = 100

type PayloadInput struct {
	Name        string `json:"name" yaml:"name"`
	ContentType string `json:"contentType" yaml:"contentType"`
	Data        []byte `json:"data,omitempty" yaml:"data"`
	Text        string `json:"text,omitempty" yaml:"text"` // used when Data is empty
}

func (p PayloadInput) content() []byte {
	if len(p.Data) > 0 {
		return append([]byte(nil), p.Data...)
	}
	return []byte(p.Text)
}

// RecordInput seeds a record into a MemoryStore or SQLiteStore.
type RecordInput struct {
	ID             string         `json:"id" yaml:"id"`
	Folder         string         `json:"folder,omitempty" yaml:"folder"`
	Title          string         `json:"title" yaml:"title"`
	Author         string         `json:"author,omitempty" yaml:"author"`
	ReceivedHeader string         `json:"receivedHeader,omitempty" yaml:"receivedHeader"`
	Date           any            `json:"date,omitempty" yaml:"date"`
	TextParts      []TextPart     `json:"textParts,omitempty" yaml:"textParts"`
	Tree           *ContentNode   `json:"tree,omitempty" yaml:"tree"`
	Payloads       []PayloadInput `json:"payloads,omitempty" yaml:"payloads"`
}

type MemoryOptions struct {
	// KeepPlaceholders leaves deleted payloads behind as DeletedContentType
	// entries under their old ids instead of renumbering the survivors.
	KeepPlaceholders bool
	PageSize         int
	// MaxBatch rejects DeleteMany calls naming more payloads than this.
	MaxBatch int
	// FailDelete, when set, can veto a DeleteMany call before it mutates.
	FailDelete func(recordID string, payloadIDs []string) error
}

type DeletedPayload struct {
	RecordID string
	ID       string
	Identity Identity
}

// MemoryStore is an in-process host. Like a mail client removing MIME
// parts, deleting a payload renumbers the remaining siblings.
type MemoryStore struct {
	mu      sync.Mutex
	opts    MemoryOptions
	order   []string
	records map[string]*memRecord
	deleted []DeletedPayload
	calls   int
}

type memRecord struct {
	input    RecordInput
	payloads []*memPayload
}

type memPayload struct {
	id          string
	name        string
	contentType string
	data        []byte
	deleted     bool
}

func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &MemoryStore{opts: opts, records: map[string]*memRecord{}}
}

func (s *MemoryStore) AddRecord(in RecordInput) error {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[in.ID]; ok {
		return fmt.Errorf("%w: duplicate record %s", ErrInvalidInput, in.ID)
	}
	rec := &memRecord{input: in}
	for i, p := range in.Payloads {
		rec.payloads = append(rec.payloads, &memPayload{
			id:          PartName(i),
			name:        p.Name,
			contentType: p.ContentType,
			data:        p.content(),
		})
	}
	rec.input.Payloads = nil
	s.records[in.ID] = rec
	s.order = append(s.order, in.ID)
	return nil
}

func (s *MemoryStore) ListSelected(_ context.Context, sel Selection, cursor string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	switch {
	case sel.All:
		for _, id := range s.order {
			if sel.Folder == "" || s.records[id].input.Folder == sel.Folder {
				ids = append(ids, id)
			}
		}
	default:
		ids = sel.IDs
	}
	return pageOf(ids, cursor, s.opts.PageSize)
}

func pageOf(ids []string, cursor string, size int) (Page, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("%w: cursor %q", ErrInvalidInput, cursor)
		}
		offset = n
	}
	if offset > len(ids) {
		offset = len(ids)
	}
	end := offset + size
	if end > len(ids) {
		end = len(ids)
	}
	page := Page{IDs: append([]string(nil), ids[offset:end]...)}
	if end < len(ids) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (s *MemoryStore) record(id string) (*memRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (s *MemoryStore) GetMetadata(_ context.Context, recordID string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(recordID)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		ID:     recordID,
		Title:  rec.input.Title,
		Author: rec.input.Author,
		Timestamp: TimestampCandidates{
			ReceivedHeader: rec.input.ReceivedHeader,
			Date:           rec.input.Date,
		},
	}, nil
}

func (s *MemoryStore) ListPayloads(_ context.Context, recordID string) ([]Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(recordID)
	if err != nil {
		return nil, err
	}
	out := make([]Payload, 0, len(rec.payloads))
	for _, p := range rec.payloads {
		if p.deleted {
			out = append(out, Payload{ID: p.id, Name: p.name, ContentType: DeletedContentType})
			continue
		}
		out = append(out, Payload{ID: p.id, Name: p.name, ContentType: p.contentType, Size: int64(len(p.data))})
	}
	return out, nil
}

func (s *MemoryStore) GetPayloadBlob(_ context.Context, recordID, payloadID string) (*Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(recordID)
	if err != nil {
		return nil, err
	}
	for _, p := range rec.payloads {
		if p.id == payloadID && !p.deleted {
			return NewBlob(p.name, p.contentType, append([]byte(nil), p.data...)), nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrPayloadNotFound, recordID, payloadID)
}

func (s *MemoryStore) ListTextParts(_ context.Context, recordID string) ([]TextPart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(recordID)
	if err != nil {
		return nil, err
	}
	return append([]TextPart(nil), rec.input.TextParts...), nil
}

func (s *MemoryStore) GetContentTree(_ context.Context, recordID string) (*ContentNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(recordID)
	if err != nil {
		return nil, err
	}
	return rec.input.Tree, nil
}

// DeleteMany removes all named payloads or none of them.
func (s *MemoryStore) DeleteMany(_ context.Context, recordID string, payloadIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	rec, err := s.record(recordID)
	if err != nil {
		return err
	}
	if len(payloadIDs) == 0 {
		return nil
	}
	if s.opts.FailDelete != nil {
		if err := s.opts.FailDelete(recordID, payloadIDs); err != nil {
			return err
		}
	}
	if s.opts.MaxBatch > 0 && len(payloadIDs) > s.opts.MaxBatch {
		return fmt.Errorf("%w: %d payloads exceeds host limit %d", ErrInvalidInput, len(payloadIDs), s.opts.MaxBatch)
	}
	targets := make([]*memPayload, 0, len(payloadIDs))
	seen := map[string]bool{}
	for _, id := range payloadIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		var found *memPayload
		for _, p := range rec.payloads {
			if p.id == id && !p.deleted {
				found = p
				break
			}
		}
		if found == nil {
			return fmt.Errorf("%w: %s/%s", ErrPayloadNotFound, recordID, id)
		}
		targets = append(targets, found)
	}
	for _, p := range targets {
		p.deleted = true
		s.deleted = append(s.deleted, DeletedPayload{
			RecordID: recordID,
			ID:       p.id,
			Identity: Identity{Name: p.name, Size: int64(len(p.data)), ContentType: p.contentType},
		})
		p.data = nil
	}
	if !s.opts.KeepPlaceholders {
		live := rec.payloads[:0]
		for _, p := range rec.payloads {
			if !p.deleted {
				live = append(live, p)
			}
		}
		rec.payloads = live
		for i, p := range rec.payloads {
			p.id = PartName(i)
		}
	}
	return nil
}

// Deleted lists every payload removed so far, in deletion order.
func (s *MemoryStore) Deleted() []DeletedPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeletedPayload(nil), s.deleted...)
}

func (s *MemoryStore) DeleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *MemoryStore) Close() error { return nil }
