// Package prune runs the backup-verify-delete flow: it evaluates a record
// selection, backs up every payload and record body through a verifying
// writer, refuses to continue unless every backup was confirmed, and only
// then removes the payloads from the record store.
package prune

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agentworkforce/prunebox/internal/recordstore"
)

// RecordMeta is fixed at evaluation and reused for every artifact of the
// record so they sort together.
type RecordMeta struct {
	ID     string
	Title  string
	Author string
	Time   time.Time
	Stamp  string
}

type Target struct {
	RecordID string
	Payloads []recordstore.Payload
}

func (t Target) PayloadIDs() []string {
	ids := make([]string, 0, len(t.Payloads))
	for _, p := range t.Payloads {
		ids = append(ids, p.ID)
	}
	return ids
}

type TargetSet []Target

func (ts TargetSet) Total() int {
	n := 0
	for _, t := range ts {
		n += len(t.Payloads)
	}
	return n
}

func (ts TargetSet) RecordIDs() []string {
	ids := make([]string, 0, len(ts))
	for _, t := range ts {
		ids = append(ids, t.RecordID)
	}
	return ids
}

// SuccessMap holds, per record, the payload ids whose backup was verified.
type SuccessMap map[string]map[string]struct{}

func (m SuccessMap) Add(recordID, payloadID string) {
	set, ok := m[recordID]
	if !ok {
		set = map[string]struct{}{}
		m[recordID] = set
	}
	set[payloadID] = struct{}{}
}

func (m SuccessMap) Has(recordID, payloadID string) bool {
	_, ok := m[recordID][payloadID]
	return ok
}

func (m SuccessMap) Count() int {
	n := 0
	for _, set := range m {
		n += len(set)
	}
	return n
}

type BodySet map[string]struct{}

func (s BodySet) Add(recordID string) { s[recordID] = struct{}{} }

func (s BodySet) Has(recordID string) bool {
	_, ok := s[recordID]
	return ok
}

// Outcome is the result of one verified write. It never carries an error.
type Outcome struct {
	OK           bool
	ResolvedPath string
	Attempts     int
}

// Blob is anything the writer can open afresh for each attempt.
type Blob interface {
	Open() (io.ReadCloser, error)
}

type textBlob string

func (b textBlob) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(b))), nil
}

type ExtStat struct {
	Ext   string `json:"ext"`
	Count int    `json:"count"`
	Bytes int64  `json:"bytes"`
}

type Stats struct {
	AffectedRecords int       `json:"affectedRecords"`
	TotalPayloads   int       `json:"totalPayloads"`
	TotalBytes      int64     `json:"totalBytes"`
	ByExt           []ExtStat `json:"byExt"`
}

type PreviewPayload struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

type PreviewRow struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	Author   string           `json:"author,omitempty"`
	Date     string           `json:"date,omitempty"`
	Payloads []PreviewPayload `json:"payloads"`
}

// Preview is what the confirmation dialog shows. It lives in a
// PreviewStore only while the dialog is open.
type Preview struct {
	CreatedAt time.Time    `json:"createdAt"`
	Stats     Stats        `json:"stats"`
	Rows      []PreviewRow `json:"rows"`
}

type Evaluation struct {
	Selected []string
	Targets  TargetSet
	Meta     map[string]RecordMeta
	Stats    Stats
	Rows     []PreviewRow
}

// BodyScope decides which records need a body snapshot before deletion.
type BodyScope string

const (
	// BodyScopeAffected covers records with at least one payload under deletion.
	BodyScopeAffected BodyScope = "affected"
	// BodyScopeAll covers every selected record.
	BodyScopeAll BodyScope = "all"
)

func ParseBodyScope(raw string) (BodyScope, error) {
	switch BodyScope(strings.ToLower(strings.TrimSpace(raw))) {
	case "", BodyScopeAffected:
		return BodyScopeAffected, nil
	case BodyScopeAll:
		return BodyScopeAll, nil
	default:
		return "", fmt.Errorf("%w: body scope %q", ErrInvalidInput, raw)
	}
}

func (s BodyScope) records(ev *Evaluation) []string {
	if s == BodyScopeAll {
		return ev.Selected
	}
	return ev.Targets.RecordIDs()
}

type Prompter interface {
	// Preflight warns about a large selection before evaluation.
	Preflight(ctx context.Context, key string, count int) (bool, error)
	// Confirm shows the evaluation and asks for consent before any write.
	Confirm(ctx context.Context, key string, stats Stats, rows []PreviewRow) (bool, error)
}

type PreviewStore interface {
	Put(ctx context.Context, key string, p Preview) error
	Get(ctx context.Context, key string) (Preview, error)
	Remove(ctx context.Context, key string) error
}

type Notification struct {
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Outcome RunOutcome `json:"outcome"`
	Report  *Report    `json:"report,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
