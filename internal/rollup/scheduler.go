package rollup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/meridiandb/node/internal/apierrors"
	"github.com/meridiandb/node/internal/bundlerclient"
	"github.com/meridiandb/node/internal/chain"
	"github.com/meridiandb/node/internal/metrics"
	"github.com/meridiandb/node/internal/mutationlog"
	"github.com/meridiandb/node/internal/store"
)

// Clock abstracts wall-clock reads so tests can control trigger timing
// without sleeping. Mutation application never reads the wall clock; the
// rollup scheduler is the one component that legitimately needs it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config parametrizes the rollup scheduler's triggers. These are the
// process defaults: once the admin Setup has written a SystemConfig, its
// rollup_interval, min_rollup_size, rollup_max_interval, and chain
// parameters override them, read through the State Store on every
// trigger check so a Setup takes effect without a restart.
type Config struct {
	MinRollupSize     int64
	RollupInterval    time.Duration
	RollupMaxInterval time.Duration
	NetworkID         uint64
	ChainID           uint64
	ContractAddr      string
}

// Scheduler batches contiguous log ranges, compresses, uploads, anchors,
// and records a RollupRecord, holding a singleton in-flight guard so at
// most one rollup runs at a time per node.
type Scheduler struct {
	log     *mutationlog.Log
	store   *store.Store
	bundler *bundlerclient.Client
	chain   *chain.Client
	cfg     Config
	clock   Clock

	mu            sync.Mutex
	inFlight      bool
	lastRollupAt  time.Time
	chainTxNonce  uint64
}

// New constructs a Scheduler.
func New(log *mutationlog.Log, st *store.Store, bundler *bundlerclient.Client, chainClient *chain.Client, cfg Config) *Scheduler {
	return &Scheduler{
		log: log, store: st, bundler: bundler, chain: chainClient,
		cfg: cfg, clock: systemClock{}, lastRollupAt: time.Now(),
	}
}

// loadConfig overlays the admin-set SystemConfig over the constructor
// defaults. Config is always read through the State Store, never cached
// in a process-wide variable, so the defaults only govern until Setup has
// run. Interval fields in SystemConfig are milliseconds.
func (s *Scheduler) loadConfig() (Config, error) {
	cfg := s.cfg
	err := s.store.View(func(tx *store.Tx) error {
		sys, err := tx.GetSystemConfig()
		if err != nil {
			return err
		}
		if !sys.Initialized {
			return nil
		}
		if sys.MinRollupSize > 0 {
			cfg.MinRollupSize = sys.MinRollupSize
		}
		if sys.RollupInterval > 0 {
			cfg.RollupInterval = time.Duration(sys.RollupInterval) * time.Millisecond
		}
		if sys.RollupMaxInterval > 0 {
			cfg.RollupMaxInterval = time.Duration(sys.RollupMaxInterval) * time.Millisecond
		}
		if sys.NetworkID > 0 {
			cfg.NetworkID = sys.NetworkID
		}
		if sys.ChainID > 0 {
			cfg.ChainID = sys.ChainID
		}
		if sys.ContractAddr != "" {
			cfg.ContractAddr = sys.ContractAddr
		}
		return nil
	})
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ShouldTrigger reports whether a rollup should run now: the size trigger
// (sum of not-yet-rolled payload bytes ≥ min_rollup_size) or the time
// trigger (now − last_rollup_time ≥ rollup_interval, given at least one
// not-yet-rolled entry). rollup_max_interval caps the effective time
// threshold, bounding delay even when the admin-set interval is larger.
func (s *Scheduler) ShouldTrigger(ctx context.Context) (bool, error) {
	cfg, err := s.loadConfig()
	if err != nil {
		return false, err
	}

	_, pendingBytes, pendingCount, err := s.pendingRange(ctx)
	if err != nil {
		return false, err
	}
	if pendingCount == 0 {
		return false, nil
	}

	s.mu.Lock()
	since := s.clock.Now().Sub(s.lastRollupAt)
	s.mu.Unlock()

	if pendingBytes >= cfg.MinRollupSize {
		return true, nil
	}

	interval := cfg.RollupInterval
	if cfg.RollupMaxInterval > 0 && interval > cfg.RollupMaxInterval {
		interval = cfg.RollupMaxInterval
	}
	return since >= interval, nil
}

// pendingRange returns the first not-yet-rolled block (the previous
// rollup's end_block + 1, or 0 before the first rollup), the sum of payload
// bytes, and the count of entries in [start, currentBlock-1] — the
// currently open block is never included.
func (s *Scheduler) pendingRange(ctx context.Context) (start uint64, bytes int64, count int, err error) {
	err = s.store.View(func(tx *store.Tx) error {
		if r, ok, err := tx.LastRollupRecord(); err != nil {
			return err
		} else if ok {
			start = r.EndBlock + 1
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}

	currentBlock := s.log.CurrentBlock()
	if currentBlock == 0 {
		return start, 0, 0, nil
	}
	endBlock := currentBlock - 1
	if endBlock < start {
		return start, 0, 0, nil
	}

	entries, err := s.log.Scan(mutationlog.Position{Block: start, Order: 0}, 1<<20)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, e := range entries {
		if e.Block > endBlock {
			break
		}
		bytes += int64(e.PayloadSize)
		count++
	}
	return start, bytes, count, nil
}

// RunOnce executes the rollup procedure once. It
// is a no-op returning (false, nil) if another rollup is already in-flight.
func (s *Scheduler) RunOnce(ctx context.Context) (ran bool, err error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return false, nil
	}
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	cfg, err := s.loadConfig()
	if err != nil {
		return false, err
	}
	startBlock, _, _, err := s.pendingRange(ctx)
	if err != nil {
		return false, err
	}
	currentBlock := s.log.CurrentBlock()
	if currentBlock == 0 {
		return false, nil
	}
	endBlock := currentBlock - 1
	if endBlock < startBlock {
		return false, nil
	}

	attemptID := ulid.Make()
	started := s.clock.Now()
	slog.Info("rollup: attempt started", "attempt_id", attemptID.String(), "start_block", startBlock, "end_block", endBlock)

	entries, err := s.log.Scan(mutationlog.Position{Block: startBlock, Order: 0}, 1<<20)
	if err != nil {
		return false, err
	}
	var inRange []mutationlog.Entry
	for _, e := range entries {
		if e.Block > endBlock {
			break
		}
		if !e.Failed {
			inRange = append(inRange, e)
		}
	}
	if len(inRange) == 0 {
		return false, nil
	}

	compressed, rawBytes, compressedBytes, err := BuildBundle(inRange, startBlock, endBlock)
	if err != nil {
		return false, err
	}

	blobID, cost, err := s.bundler.Upload(ctx, compressed)
	if err != nil {
		slog.Warn("rollup: bundler upload failed, will retry next trigger", "attempt_id", attemptID.String(), "error", err)
		return false, err
	}

	s.mu.Lock()
	nonce := s.chainTxNonce
	s.chainTxNonce++
	s.mu.Unlock()

	anchorTx := chain.AnchorTx{
		NetworkID:    cfg.NetworkID,
		ChainID:      cfg.ChainID,
		ContractAddr: cfg.ContractAddr,
		BlobID:       blobID,
		Nonce:        nonce,
	}
	txHash, err := s.chain.Submit(ctx, anchorTx)
	if err != nil {
		slog.Warn("rollup: chain submit failed, will retry next trigger", "attempt_id", attemptID.String(), "error", err)
		return false, err
	}
	if err := s.chain.WaitMined(ctx, txHash); err != nil {
		slog.Warn("rollup: chain confirmation failed, will retry next trigger", "attempt_id", attemptID.String(), "error", err)
		return false, err
	}

	now := s.clock.Now()
	record := store.RollupRecord{
		StartBlock:      startBlock,
		EndBlock:        endBlock,
		RawBytes:        rawBytes,
		CompressedBytes: compressedBytes,
		MutationCount:   len(inRange),
		BlobID:          blobID,
		ChainTx:         txHash,
		ProcessedTimeMS: now.UnixMilli(),
		Cost:            cost,
		ChainConfirmed:  true,
	}
	if err := s.store.Update(func(tx *store.Tx) error {
		return tx.PutRollupRecord(record)
	}); err != nil {
		return false, apierrors.Storage("rollup: record rollup: %v", err)
	}

	s.mu.Lock()
	s.lastRollupAt = now
	s.mu.Unlock()

	metrics.RollupDurationSeconds.Observe(now.Sub(started).Seconds())
	metrics.RollupBytesTotal.WithLabelValues("raw").Add(float64(rawBytes))
	metrics.RollupBytesTotal.WithLabelValues("compressed").Add(float64(compressedBytes))
	metrics.RollupMutationCount.Add(float64(len(inRange)))

	slog.Info("rollup: attempt completed", "attempt_id", attemptID.String(),
		"blob_id", blobID, "chain_tx", txHash, "mutation_count", len(inRange))
	return true, nil
}

// Run loops, sleeping until the next trigger check, until ctx is
// cancelled. onSuccess, if non-nil, is invoked after each rollup that
// actually ran and recorded a RollupRecord; the storage node uses it to
// kick the GC without the two packages depending on each other's types.
func (s *Scheduler) Run(ctx context.Context, pollInterval time.Duration, onSuccess func()) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			should, err := s.ShouldTrigger(ctx)
			if err != nil {
				slog.Error("rollup: trigger check failed", "error", err)
				continue
			}
			if !should {
				continue
			}
			ran, err := s.RunOnce(ctx)
			if err != nil {
				slog.Error("rollup: run failed", "error", err)
				continue
			}
			if ran && onSuccess != nil {
				onSuccess()
			}
		}
	}
}
