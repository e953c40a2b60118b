package prune

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/agentworkforce/prunebox/internal/recordstore"
)

const displayLayout = "2006-01-02 15:04:05"

// Evaluator turns a selection into targets, metadata and preview stats
// without writing anything.
type Evaluator struct {
	store recordstore.Store
	loc   *time.Location
	now   func() time.Time
}

func NewEvaluator(store recordstore.Store, loc *time.Location, now func() time.Time) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Evaluator{store: store, loc: loc, now: now}
}

// Enumerate drains every page of the selection, keeping first occurrences.
func (e *Evaluator) Enumerate(ctx context.Context, sel recordstore.Selection) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	cursor := ""
	for {
		page, err := e.store.ListSelected(ctx, sel, cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
		}
		for _, id := range page.IDs {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return ids, nil
		}
		cursor = page.NextCursor
	}
}

func (e *Evaluator) Evaluate(ctx context.Context, ids []string) (*Evaluation, error) {
	ev := &Evaluation{Selected: ids, Meta: make(map[string]RecordMeta, len(ids))}
	byExt := map[string]*ExtStat{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		md, err := e.store.GetMetadata(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("metadata for %s: %w", id, err)
		}
		payloads, err := e.store.ListPayloads(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("payloads for %s: %w", id, err)
		}
		ts := CanonicalTime(md.Timestamp, e.now()).In(e.loc)
		meta := RecordMeta{
			ID:     id,
			Title:  orDefault(md.Title, untitled),
			Author: md.Author,
			Time:   ts,
			Stamp:  FormatStamp(ts),
		}
		ev.Meta[id] = meta

		usable := usablePayloads(payloads)
		if len(usable) == 0 {
			continue
		}
		ev.Targets = append(ev.Targets, Target{RecordID: id, Payloads: usable})
		row := PreviewRow{ID: id, Title: meta.Title, Author: meta.Author, Date: ts.Format(displayLayout)}
		for _, p := range usable {
			row.Payloads = append(row.Payloads, PreviewPayload{
				Name:        orDefault(p.Name, unlabelledEntry),
				Size:        p.Size,
				ContentType: p.ContentType,
			})
			ev.Stats.TotalPayloads++
			ev.Stats.TotalBytes += p.Size
			ext := extensionOf(p)
			st, ok := byExt[ext]
			if !ok {
				st = &ExtStat{Ext: ext}
				byExt[ext] = st
			}
			st.Count++
			st.Bytes += p.Size
		}
		ev.Rows = append(ev.Rows, row)
		ev.Stats.AffectedRecords++
	}
	ev.Stats.ByExt = make([]ExtStat, 0, len(byExt))
	for _, st := range byExt {
		ev.Stats.ByExt = append(ev.Stats.ByExt, *st)
	}
	sort.Slice(ev.Stats.ByExt, func(i, j int) bool {
		a, b := ev.Stats.ByExt[i], ev.Stats.ByExt[j]
		if a.Bytes != b.Bytes {
			return a.Bytes > b.Bytes
		}
		return a.Ext < b.Ext
	})
	return ev, nil
}

// usablePayloads drops placeholders the host left for already-removed
// payloads.
func usablePayloads(payloads []recordstore.Payload) []recordstore.Payload {
	out := make([]recordstore.Payload, 0, len(payloads))
	for _, p := range payloads {
		if strings.EqualFold(p.ContentType, recordstore.DeletedContentType) {
			continue
		}
		if p.Size < 0 {
			p.Size = 0
		}
		out = append(out, p)
	}
	return out
}

var trailingExt = regexp.MustCompile(`\.[^.]+$`)

func extensionOf(p recordstore.Payload) string {
	if m := trailingExt.FindString(p.Name); m != "" {
		return strings.ToLower(m[1:])
	}
	ct, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(p.ContentType)), ";")
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return "unknown"
	}
	if m := mimetype.Lookup(ct); m != nil && m.Extension() != "" {
		return strings.TrimPrefix(m.Extension(), ".")
	}
	if _, sub, ok := strings.Cut(ct, "/"); ok && sub != "" {
		return sub
	}
	return "unknown"
}
