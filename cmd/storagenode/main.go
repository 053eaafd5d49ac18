// Command storagenode runs the Meridian storage/rollup node daemon: it
// ingests signed mutations, persists them to the mutation log, projects
// them into the State Store, and runs the block ticker, rollup scheduler,
// and garbage collector background tasks.
//
// Startup shape: JSON slog logger, viper-backed config, signal-based
// graceful shutdown.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/admin"
	"github.com/meridiandb/node/internal/bundlerclient"
	"github.com/meridiandb/node/internal/chain"
	"github.com/meridiandb/node/internal/config"
	"github.com/meridiandb/node/internal/executor"
	"github.com/meridiandb/node/internal/gc"
	"github.com/meridiandb/node/internal/metrics"
	"github.com/meridiandb/node/internal/mutationlog"
	"github.com/meridiandb/node/internal/nonce"
	"github.com/meridiandb/node/internal/opsapi"
	"github.com/meridiandb/node/internal/rollup"
	"github.com/meridiandb/node/internal/rpcservice"
	"github.com/meridiandb/node/internal/store"
)

// version is stamped at build time via -ldflags; "dev" otherwise.
var version = "dev"

func main() {
	dataDir := flag.String("data-dir", "", "override storage.data_dir from config")
	adminHex := flag.String("admin", "", "20-byte admin address, hex-encoded (0x-prefixed)")
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

	logger.Info("starting storage node", "data_dir", cfg.Storage.DataDir, "version", version)

	mlog, err := mutationlog.Open(cfg.Storage.MutationLogPath())
	if err != nil {
		log.Fatalf("open mutation log: %v", err)
	}
	defer mlog.Close()

	st, err := store.Open(cfg.Storage.StatePath())
	if err != nil {
		log.Fatalf("open state store: %v", err)
	}
	defer st.Close()

	nonces := nonce.New()
	exec := executor.New(st)
	svc := rpcservice.New(mlog, st, nonces, exec)
	if err := svc.Bootstrap(); err != nil {
		log.Fatalf("bootstrap nonce registry: %v", err)
	}

	var adminAddr address.Addr
	if *adminHex != "" {
		decoded, err := decodeHexAddr(*adminHex)
		if err != nil {
			log.Fatalf("parse -admin: %v", err)
		}
		adminAddr = decoded
	}

	bundler := bundlerclient.NewClient(cfg.Bundler.Endpoint, cfg.Bundler.Timeout, cfg.Bundler.MaxRetries)
	chainClient := chain.NewClient(cfg.Chain.Endpoint, cfg.Chain.ConfirmTimeout)

	adminSvc := admin.New(st, adminAddr)
	adminSvc.SetBalanceSource(chainClient)
	// Defaults that govern only until the admin Setup writes a
	// SystemConfig; both tasks re-read sys/config on every pass.
	scheduler := rollup.New(mlog, st, bundler, chainClient, rollup.Config{
		MinRollupSize:     1 << 20,
		RollupInterval:    5 * time.Minute,
		RollupMaxInterval: 30 * time.Minute,
		NetworkID:         cfg.Chain.NetworkID,
		ChainID:           cfg.Chain.ChainID,
		ContractAddr:      cfg.Chain.ContractAddr,
	})
	collector := gc.New(mlog, st, 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runBlockTicker(ctx, mlog, cfg.Block.Interval())
	go scheduler.Run(ctx, 10*time.Second, func() {
		if _, err := collector.RunOnce(ctx); err != nil {
			logger.Error("gc: post-rollup run failed", "error", err)
		}
	})
	go collector.Run(ctx, time.Minute)

	opsSrv := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      opsapi.Router(logger, mlog, adminSvc, version),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("ops server listening", "addr", opsSrv.Addr)
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ops server error: %v", err)
		}
	}()

	// svc is served over a transport layer deployed alongside this binary;
	// it is exercised directly by tests and by that gRPC stub.
	_ = svc

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	s := <-quit
	logger.Info("shutting down storage node", "signal", s.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("ops server shutdown: %v", err)
	}
	cancel()
	logger.Info("storage node stopped gracefully")
}

// runBlockTicker advances the mutation log's block counter at a fixed
// cadence, closing the currently open block. It never blocks
// on I/O.
func runBlockTicker(ctx context.Context, mlog *mutationlog.Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.CurrentBlock.Set(float64(mlog.AdvanceBlock()))
		}
	}
}

func decodeHexAddr(s string) (address.Addr, error) {
	var a address.Addr
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid address: %w", err)
	}
	if len(decoded) != len(a) {
		return a, fmt.Errorf("invalid address: expected %d bytes, got %d", len(a), len(decoded))
	}
	copy(a[:], decoded)
	return a, nil
}
