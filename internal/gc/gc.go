// Package gc implements the garbage collector: it inspects RollupRecords
// in order and prunes mutation-log payload bytes for blocks fully covered
// by an anchored, gc-eligible rollup, built against internal/mutationlog's
// PruneUpTo and internal/store's rollup/gc record buckets in the same
// background-task shape as internal/rollup.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridiandb/node/internal/apierrors"
	"github.com/meridiandb/node/internal/metrics"
	"github.com/meridiandb/node/internal/mutationlog"
	"github.com/meridiandb/node/internal/store"
)

// Clock abstracts wall-clock reads, mirroring internal/rollup.Clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Collector prunes log bytes for rollups old enough to be GC-eligible.
type Collector struct {
	log         *mutationlog.Log
	store       *store.Store
	minGCOffset time.Duration
	clock       Clock

	mu      sync.Mutex
	running bool
}

// New constructs a Collector. minGCOffset is the default minimum age a
// rollup's processed_time must reach before its range becomes
// collectible; the admin-set SystemConfig's min_gc_offset overrides it
// once Setup has run, read through the State Store on every pass.
func New(log *mutationlog.Log, st *store.Store, minGCOffset time.Duration) *Collector {
	return &Collector{log: log, store: st, minGCOffset: minGCOffset, clock: systemClock{}}
}

// eligibleEndBlock finds the largest end_block among anchored, confirmed
// rollup records whose age has reached min_gc_offset, walking in order from
// the last GC'd point so that no gap in coverage is skipped.
func (c *Collector) eligibleEndBlock(ctx context.Context) (uint64, bool, error) {
	var start uint64
	var eligible uint64
	var found bool

	err := c.store.View(func(tx *store.Tx) error {
		offset := c.minGCOffset
		if sys, err := tx.GetSystemConfig(); err != nil {
			return err
		} else if sys.Initialized && sys.MinGCOffset > 0 {
			offset = time.Duration(sys.MinGCOffset) * time.Millisecond
		}

		if g, ok, err := tx.LastGcRecord(); err != nil {
			return err
		} else if ok {
			start = g.EndBlock + 1
		}

		records, err := tx.ScanRollupRecords(start, 1<<20)
		if err != nil {
			return err
		}

		now := c.clock.Now()
		expectedStart := start
		for _, r := range records {
			if r.StartBlock != expectedStart {
				break // gap: stop at the first non-contiguous record
			}
			if !r.ChainConfirmed {
				break
			}
			age := now.Sub(time.UnixMilli(r.ProcessedTimeMS))
			if age < offset {
				break
			}
			eligible = r.EndBlock
			found = true
			expectedStart = r.EndBlock + 1
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return eligible, found, nil
}

// RunOnce prunes through the highest eligible end_block and appends a
// GcRecord. It never runs concurrently with itself; callers invoking it
// from a rollup-completion hook and a slow timer at the same moment will
// see the second call become a no-op.
func (c *Collector) RunOnce(ctx context.Context) (ran bool, err error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return false, nil
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	endBlock, ok, err := c.eligibleEndBlock(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	attemptID := uuid.NewString()

	bytesFreed, err := c.log.PruneUpTo(endBlock + 1)
	if err != nil {
		return false, err
	}

	record := store.GcRecord{
		EndBlock:    endBlock,
		BytesFreed:  bytesFreed,
		ProcessedAt: c.clock.Now().UnixMilli(),
		AttemptID:   attemptID,
	}
	if err := c.store.Update(func(tx *store.Tx) error {
		return tx.PutGcRecord(record)
	}); err != nil {
		return false, apierrors.Storage("gc: record gc: %v", err)
	}

	metrics.GCBytesFreedTotal.Add(float64(bytesFreed))
	slog.Info("gc: pruned", "attempt_id", attemptID, "end_block", endBlock, "bytes_freed", bytesFreed)
	return true, nil
}

// Run loops on a slow timer until ctx is cancelled, plus is meant to also be
// invoked directly after each successful rollup.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				slog.Error("gc: run failed", "error", err)
			}
		}
	}
}
