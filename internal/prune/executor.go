package prune

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentworkforce/prunebox/internal/metrics"
	"github.com/agentworkforce/prunebox/internal/recordstore"
)

const (
	defaultBatchSize = 16
	maxBatchSize     = 32
)

var (
	errNoLongerPresent = errors.New("payload no longer present")
	errAmbiguous       = errors.New("payload identity ambiguous after renumbering")
)

type ExecutorConfig struct {
	BatchSize     int
	BatchInterval time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchSize > maxBatchSize {
		c.BatchSize = maxBatchSize
	}
	return c
}

// PlannedRecord lists what to delete from one record and what must stay.
type PlannedRecord struct {
	RecordID string
	Delete   []recordstore.Payload
	Keep     []recordstore.Payload
}

// PlanDeletion keeps only payloads whose backup verified, and when
// requireBody is set only for records whose body snapshot verified too.
func PlanDeletion(targets TargetSet, success SuccessMap, bodies BodySet, requireBody bool) []PlannedRecord {
	var plan []PlannedRecord
	for _, t := range targets {
		pr := PlannedRecord{RecordID: t.RecordID}
		bodyOK := !requireBody || bodies.Has(t.RecordID)
		for _, p := range t.Payloads {
			if bodyOK && success.Has(t.RecordID, p.ID) {
				pr.Delete = append(pr.Delete, p)
			} else {
				pr.Keep = append(pr.Keep, p)
			}
		}
		if len(pr.Delete) > 0 {
			plan = append(plan, pr)
		}
	}
	return plan
}

type DeleteFailure struct {
	RecordID  string `json:"recordId"`
	PayloadID string `json:"payloadId"`
	Name      string `json:"name"`
	Error     string `json:"error"`
}

type DeletionResult struct {
	Intended int
	Deleted  int
	Removed  []DeletedRef
	Failures []DeleteFailure
}

// DeletedRef names a payload by its evaluation-time id.
type DeletedRef struct {
	RecordID  string
	PayloadID string
}

// Executor removes planned payloads in bounded batches. Every batch is
// re-resolved against the live listing because the host may renumber
// siblings after each deletion.
type Executor struct {
	store   recordstore.Store
	deleter recordstore.PayloadDeleter
	cfg     ExecutorConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewExecutor(store recordstore.Store, deleter recordstore.PayloadDeleter, cfg ExecutorConfig, logger *slog.Logger, m *metrics.Metrics) *Executor {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.BatchInterval > 0 {
		limit = rate.Every(cfg.BatchInterval)
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Executor{
		store:   store,
		deleter: deleter,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		metrics: m,
	}
}

func (e *Executor) Run(ctx context.Context, plan []PlannedRecord) DeletionResult {
	var res DeletionResult
	for _, pr := range plan {
		res.Intended += len(pr.Delete)
	}
	for _, pr := range plan {
		e.record(ctx, pr, &res)
	}
	e.metrics.PayloadsDeleted(res.Deleted)
	return res
}

func (e *Executor) fail(res *DeletionResult, recordID string, p recordstore.Payload, err error) {
	e.logger.Warn("payload deletion failed", "record", recordID, "payload", p.ID, "name", p.Name, "error", err)
	res.Failures = append(res.Failures, DeleteFailure{RecordID: recordID, PayloadID: p.ID, Name: p.Name, Error: err.Error()})
}

func (e *Executor) record(ctx context.Context, pr PlannedRecord, res *DeletionResult) {
	ambiguous := map[recordstore.Identity]bool{}
	for _, p := range pr.Keep {
		ambiguous[p.Identity()] = true
	}
	mutated := false

	for start := 0; start < len(pr.Delete); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(pr.Delete))
		batch := pr.Delete[start:end]
		if err := e.yield(ctx); err != nil {
			for _, p := range pr.Delete[start:] {
				e.fail(res, pr.RecordID, p, err)
			}
			return
		}

		live, err := e.store.ListPayloads(ctx, pr.RecordID)
		if err != nil {
			for _, p := range batch {
				e.fail(res, pr.RecordID, p, err)
			}
			continue
		}
		var kept []resolution
		for _, r := range resolveLive(batch, live, ambiguous, mutated) {
			if r.err != nil {
				e.fail(res, pr.RecordID, r.payload, r.err)
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			continue
		}
		slices.SortFunc(kept, func(a, b resolution) int { return recordstore.CompareIDs(b.liveID, a.liveID) })
		ids := make([]string, 0, len(kept))
		for _, r := range kept {
			ids = append(ids, r.liveID)
		}

		err = e.deleter.DeleteMany(ctx, pr.RecordID, ids)
		if err == nil {
			mutated = true
			for _, r := range kept {
				res.Deleted++
				res.Removed = append(res.Removed, DeletedRef{RecordID: pr.RecordID, PayloadID: r.payload.ID})
			}
			continue
		}
		e.logger.Warn("batch deletion failed, retrying per item", "record", pr.RecordID, "batch", len(ids), "error", err)
		e.metrics.BatchFallback()

		for _, r := range kept {
			if err := e.single(ctx, pr.RecordID, r.payload, ambiguous, mutated); err != nil {
				e.fail(res, pr.RecordID, r.payload, err)
				continue
			}
			mutated = true
			res.Deleted++
			res.Removed = append(res.Removed, DeletedRef{RecordID: pr.RecordID, PayloadID: r.payload.ID})
		}
	}
}

// single re-resolves one payload against a fresh listing and deletes it.
func (e *Executor) single(ctx context.Context, recordID string, p recordstore.Payload, ambiguous map[recordstore.Identity]bool, mutated bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	live, err := e.store.ListPayloads(ctx, recordID)
	if err != nil {
		return err
	}
	r := resolveLive([]recordstore.Payload{p}, live, ambiguous, mutated)[0]
	if r.err != nil {
		return r.err
	}
	return e.deleter.DeleteMany(ctx, recordID, []string{r.liveID})
}

func (e *Executor) yield(ctx context.Context) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}

type resolution struct {
	payload recordstore.Payload
	liveID  string
	err     error
}

// resolveLive maps evaluation-time payloads onto the live listing. An id is
// kept when the live payload under it has the same identity; otherwise an
// unclaimed live payload with that identity is used. Identities shared with
// a payload that must stay are never matched by identity alone, and not at
// all once the record has been mutated.
func resolveLive(batch, live []recordstore.Payload, ambiguous map[recordstore.Identity]bool, mutated bool) []resolution {
	byID := map[string]recordstore.Payload{}
	for _, lp := range live {
		if lp.ContentType == recordstore.DeletedContentType {
			continue
		}
		byID[lp.ID] = lp
	}
	claimed := map[string]bool{}
	out := make([]resolution, len(batch))
	for i, p := range batch {
		out[i].payload = p
		if mutated && ambiguous[p.Identity()] {
			out[i].err = errAmbiguous
			continue
		}
		if lp, ok := byID[p.ID]; ok && lp.Identity() == p.Identity() && !claimed[lp.ID] {
			out[i].liveID = lp.ID
			claimed[lp.ID] = true
		}
	}
	for i, p := range batch {
		if out[i].err != nil || out[i].liveID != "" {
			continue
		}
		if ambiguous[p.Identity()] {
			out[i].err = errAmbiguous
			continue
		}
		for _, lp := range live {
			if lp.ContentType == recordstore.DeletedContentType || claimed[lp.ID] {
				continue
			}
			if lp.Identity() == p.Identity() {
				out[i].liveID = lp.ID
				claimed[lp.ID] = true
				break
			}
		}
		if out[i].liveID == "" {
			out[i].err = errNoLongerPresent
		}
	}
	return out
}
