// Command indexnode runs the sibling index node: it consumes the storage
// node's mutation log in order via Scan, without adding to or rewriting
// its entries. It builds no query-serving view itself; the query
// parser/engine lives outside this repository, and this binary is the
// "tail the log" half of the pipeline.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridiandb/node/internal/config"
	"github.com/meridiandb/node/internal/mutationlog"
)

func main() {
	dataDir := flag.String("data-dir", "", "override storage.data_dir from config (the storage node's data directory; this node opens the mutation log file under it)")
	pollInterval := flag.Duration("poll-interval", 500*time.Millisecond, "how often to poll the log for new entries")
	batchSize := flag.Int("batch-size", 500, "max entries fetched per scan")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}

	mlog, err := mutationlog.Open(cfg.Storage.MutationLogPath())
	if err != nil {
		log.Fatalf("open mutation log: %v", err)
	}
	defer mlog.Close()

	logger.Info("starting index node", "data_dir", cfg.Storage.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go feed(ctx, logger, mlog, *pollInterval, *batchSize)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	s := <-quit
	logger.Info("shutting down index node", "signal", s.String())
	cancel()
}

// feed tails the mutation log from the last position it has consumed and
// logs each entry whose execution did not fail. It keeps no projection of
// its own; this loop is the consume-in-order half.
func feed(ctx context.Context, logger *slog.Logger, mlog *mutationlog.Log, pollInterval time.Duration, batchSize int) {
	pos := mutationlog.Position{Block: 0, Order: 0}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := mlog.Scan(pos, batchSize)
			if err != nil {
				logger.Error("index feed: scan failed", "error", err)
				continue
			}
			for _, e := range entries {
				if !e.Failed {
					logger.Debug("index feed: consumed entry",
						"block", e.Block, "order", e.Order, "action", e.Action.String())
				}
				pos = mutationlog.Position{Block: e.Block, Order: e.Order + 1}
			}
		}
	}
}
