package prune

import (
	"context"
	"log/slog"

	"github.com/agentworkforce/prunebox/internal/metrics"
	"github.com/agentworkforce/prunebox/internal/recordstore"
)

type PayloadBackupResult struct {
	Success    SuccessMap
	FailCount  int
	SavedCount int
}

// PayloadBackup saves every targeted payload. A failure is counted and
// isolated; it never stops siblings or other records.
type PayloadBackup struct {
	store   recordstore.Store
	writer  *Writer
	root    string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (b *PayloadBackup) Run(ctx context.Context, targets TargetSet, meta map[string]RecordMeta) PayloadBackupResult {
	res := PayloadBackupResult{Success: SuccessMap{}}
	for _, t := range targets {
		md := meta[t.RecordID]
		for _, p := range t.Payloads {
			ok := b.one(ctx, t.RecordID, p, md)
			b.metrics.Backup("payload", ok)
			if !ok {
				res.FailCount++
				continue
			}
			res.Success.Add(t.RecordID, p.ID)
			res.SavedCount++
		}
	}
	return res
}

func (b *PayloadBackup) one(ctx context.Context, recordID string, p recordstore.Payload, md RecordMeta) bool {
	blob, err := b.store.GetPayloadBlob(ctx, recordID, p.ID)
	if err != nil {
		b.logger.Warn("payload fetch failed", "record", recordID, "payload", p.ID, "error", err)
		return false
	}
	name := blob.Name
	if name == "" {
		name = p.Name
	}
	logical := PayloadPath(b.root, md, name)
	out := b.writer.Write(ctx, blob, logical)
	if !out.OK {
		b.logger.Warn("payload backup not verified", "record", recordID, "payload", p.ID, "path", logical, "attempts", out.Attempts)
		return false
	}
	b.logger.Debug("payload backed up", "record", recordID, "payload", p.ID, "path", out.ResolvedPath)
	return true
}

// BodyBackup saves a plain-text snapshot of each record. An empty body is
// still written.
type BodyBackup struct {
	writer     *Writer
	extractors []Extractor
	root       string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func (b *BodyBackup) Run(ctx context.Context, recordIDs []string, meta map[string]RecordMeta) (BodySet, int) {
	saved := BodySet{}
	failed := 0
	for _, id := range recordIDs {
		text := ExtractText(ctx, b.extractors, id, b.logger)
		logical := BodyPath(b.root, meta[id])
		out := b.writer.Write(ctx, textBlob(text), logical)
		b.metrics.Backup("body", out.OK)
		if !out.OK {
			failed++
			b.logger.Warn("body backup not verified", "record", id, "path", logical, "attempts", out.Attempts)
			continue
		}
		saved.Add(id)
	}
	return saved, failed
}
