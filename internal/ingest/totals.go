package ingest

import (
	"sync/atomic"
	"time"
)

// Totals accumulates counters across batches for the health endpoint.
type Totals struct {
	received     atomic.Int64
	processed    atomic.Int64
	deduplicated atomic.Int64
	unmatched    atomic.Int64
	errs         atomic.Int64
	batches      atomic.Int64
	lastBatch    atomic.Int64 // unix nanos, 0 when no batch has run
}

type TotalsSnapshot struct {
	Received     int64      `json:"received"`
	Processed    int64      `json:"processed"`
	Deduplicated int64      `json:"deduplicated"`
	Unmatched    int64      `json:"unmatched"`
	Errors       int64      `json:"errors"`
	Batches      int64      `json:"batches"`
	LastBatchAt  *time.Time `json:"last_batch_at,omitempty"`
}

func (t *Totals) add(res BatchResult) {
	t.received.Add(int64(res.Received))
	t.processed.Add(int64(res.Processed))
	t.deduplicated.Add(int64(res.Deduplicated))
	t.unmatched.Add(int64(res.UnmatchedEvents))
	t.errs.Add(int64(res.Errors))
	t.batches.Add(1)
	t.lastBatch.Store(time.Now().UnixNano())
}

func (t *Totals) Snapshot() TotalsSnapshot {
	snap := TotalsSnapshot{
		Received:     t.received.Load(),
		Processed:    t.processed.Load(),
		Deduplicated: t.deduplicated.Load(),
		Unmatched:    t.unmatched.Load(),
		Errors:       t.errs.Load(),
		Batches:      t.batches.Load(),
	}
	if nanos := t.lastBatch.Load(); nanos > 0 {
		at := time.Unix(0, nanos).UTC()
		snap.LastBatchAt = &at
	}
	return snap
}
