package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forecourt/syncd/internal/api"
	"github.com/forecourt/syncd/internal/archive"
	"github.com/forecourt/syncd/internal/config"
	"github.com/forecourt/syncd/internal/netmon"
	"github.com/forecourt/syncd/internal/orchestrator"
	"github.com/forecourt/syncd/internal/remote"
	"github.com/forecourt/syncd/internal/store"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Syncd - offline-first POS reconciliation node",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	// Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("configuration loaded",
		"node_id", cfg.Node.NodeID,
		"store_id", cfg.Node.StoreID,
	)

	// Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path, store.Options{
		BackoffBase: time.Duration(cfg.Sync.BackoffBase),
		BackoffCap:  time.Duration(cfg.Sync.BackoffCap),
		MaxRetries:  cfg.Sync.MaxRetries,
	})
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// Back office client
	authority := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey)
	slog.Info("remote client initialized", "base_url", cfg.Remote.BaseURL)

	// Connectivity monitor
	monitor := netmon.NewMonitor()

	// Sync orchestrator (owns the credit guard and re-verifier)
	orch := orchestrator.New(db, authority, monitor, orchestrator.Config{
		NodeID:        cfg.Node.NodeID,
		StoreID:       cfg.Node.StoreID,
		Interval:      time.Duration(cfg.Sync.Interval),
		BatchSize:     cfg.Sync.BatchSize,
		Workers:       cfg.Sync.Workers,
		RemoteTimeout: time.Duration(cfg.Sync.RemoteTimeout),
	})

	// Audit archive (optional)
	uploader, err := newUploader(cfg)
	if err != nil {
		return err
	}
	exporter := archive.NewExporter(db, uploader, cfg.Node.NodeID,
		time.Duration(cfg.Archive.Interval))

	// HTTP router
	handler := api.NewHandler(db, orch, monitor, cfg.Auth.APIKey, cfg.Node.NodeID, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// Worker lifecycle
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "orchestrator", orch.Run)
	startWorker(ctx, &wg, "connectivity-probe", func(ctx context.Context) {
		monitor.Probe(ctx, authority, time.Duration(cfg.Sync.ProbeInterval))
	})
	if cfg.Archive.Bucket != "" {
		startWorker(ctx, &wg, "audit-archive", exporter.Run)
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newUploader returns the configured archive uploader, or a no-op when
// no bucket is set.
func newUploader(cfg *config.Config) (archive.Uploader, error) {
	if cfg.Archive.Bucket == "" {
		return archive.NoopUploader{}, nil
	}
	return archive.NewS3Uploader(archive.S3Config{
		Endpoint:  cfg.Archive.Endpoint,
		Bucket:    cfg.Archive.Bucket,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		UseSSL:    cfg.Archive.UseSSL,
	})
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
