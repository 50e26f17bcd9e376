// Package main is the entry point for the BleepStore S3-compatible object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bleepstore/enginestore/internal/config"
	"github.com/bleepstore/enginestore/internal/logging"
	"github.com/bleepstore/enginestore/internal/metrics"
	"github.com/bleepstore/enginestore/internal/replicator"
	"github.com/bleepstore/enginestore/internal/server"
	"github.com/bleepstore/enginestore/internal/storage"
	"github.com/bleepstore/enginestore/internal/wal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	// Crash-only design: every startup is recovery. There is no separate
	// recovery mode; the steps below run unconditionally on every boot:
	//   - temp file cleanup (an orphan indicates an incomplete write)
	//   - expired multipart upload reaping
	//   - WAL sequence floor recovery (inside wal.Open)
	store, err := storage.Open(cfg.Storage.RootDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open storage: %v\n", err)
		os.Exit(1)
	}
	if err := store.CleanTempFiles(); err != nil {
		slog.Warn("cleaning temp files", "error", err)
	}
	if expired, err := store.ReapExpiredUploads(24 * 3600); err != nil {
		slog.Warn("reaping expired multipart uploads", "error", err)
	} else if len(expired) > 0 {
		slog.Info("reaped expired multipart uploads", "count", len(expired))
	}

	var walWriter *wal.WAL
	if cfg.WAL.Enabled {
		walWriter, err = wal.Open(wal.Config{
			Path:            cfg.WAL.Path,
			QueueCapacity:   cfg.WAL.QueueCapacity,
			FlushInterval:   time.Duration(cfg.WAL.FlushIntervalMillis) * time.Millisecond,
			FlushMaxEntries: cfg.WAL.FlushMaxEntries,
			SegmentMaxBytes: cfg.WAL.SegmentMaxBytes,
			SegmentMaxAge:   time.Duration(cfg.WAL.SegmentMaxAgeSeconds) * time.Second,
			KeepSegments:    cfg.WAL.KeepSegments,
			NodeID:          cfg.Replication.NodeID,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open wal: %v\n", err)
			os.Exit(1)
		}
		defer walWriter.Close()
		walWriter.SetDropCallback(func() { metrics.WALDroppedTotal.Inc() })
		go sampleWALQueueDepth(walWriter)
	}

	quotaCtx, stopQuota := context.WithCancel(context.Background())
	defer stopQuota()
	var quotaCache *storage.QuotaCache
	if cfg.Quota.Enabled {
		quotaCache = storage.NewQuotaCache(store)
		go quotaCache.FlushLoop(quotaCtx)
	}

	var repl *replicator.Replicator
	if cfg.Replication.Enabled {
		repl, err = replicator.New(replicator.Config{
			NodeID:        cfg.Replication.NodeID,
			Peers:         cfg.Replication.Peers,
			SharedSecret:  cfg.Replication.SharedSecret,
			WALPath:       cfg.WAL.Path,
			StatePath:     filepath.Join(filepath.Dir(cfg.WAL.Path), "replicator.state"),
			BatchInterval: time.Duration(cfg.Replication.CoalesceWindowMillis) * time.Millisecond,
			SelfBaseURL:   fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
			Store:         store,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize replicator: %v\n", err)
			os.Exit(1)
		}
		repl.Start()
		defer repl.Stop()
	}

	if cfg.Observability.Metrics {
		metrics.Register()
	}

	srv, err := server.New(cfg,
		server.WithStore(store),
		server.WithQuotaCache(quotaCache),
		server.WithWAL(walWriter),
		server.WithReplicator(repl),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("BleepStore listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit. No other cleanup -- crash-only design.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)

		timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		log.Printf("Server stopped.")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// sampleWALQueueDepth publishes the current WAL queue depth to the
// corresponding Prometheus gauge once a second for as long as the process runs.
func sampleWALQueueDepth(w *wal.WAL) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		metrics.WALQueueDepth.Set(float64(w.QueueDepth()))
	}
}
