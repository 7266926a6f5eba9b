// mediastore server
//
// Features:
// - Multi-backend media storage (local, FTP, SFTP, WebDAV, S3)
// - Background storage migrations with progress reports and SSE
// - HMAC-signed media URLs
// - Storage dashboard with quota warnings
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/api"
	"github.com/tubocms/mediastore/internal/auth"
	"github.com/tubocms/mediastore/internal/config"
	"github.com/tubocms/mediastore/internal/events"
	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/metadata/postgres"
	"github.com/tubocms/mediastore/internal/metrics"
	"github.com/tubocms/mediastore/internal/migration"
	"github.com/tubocms/mediastore/internal/retry"
	"github.com/tubocms/mediastore/internal/signedurl"
	"github.com/tubocms/mediastore/internal/stats"
	"github.com/tubocms/mediastore/internal/storage"
	"github.com/tubocms/mediastore/internal/storage/backends"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("mediastore server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Info("connecting to PostgreSQL...")
	store, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if dir := findMigrationsDir(); dir != "" {
		logging.Info("running migrations...", zap.String("dir", dir))
		if err := store.Migrate(dir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	signer, err := signedurl.NewSigner(cfg.SignedURLSecret)
	if err != nil {
		logging.Fatal("signed url init failed", zap.Error(err))
	}

	storages := store.Storages()
	videoFiles := store.VideoFiles()

	mgr := storage.NewManager(backends.Registry(), storages, storage.Options{
		Files:            videoFiles,
		Signer:           signer,
		MediaRoot:        cfg.MediaRoot,
		TempDir:          cfg.TempDir,
		QuotaCacheTTL:    cfg.QuotaCacheTTL,
		OperationTimeout: cfg.OperationTimeout,
		Retry:            retryConfig(cfg),
		VerifyUploads:    true,
	})
	defer mgr.Close()

	broadcaster := events.NewBroadcaster()
	reports := migration.NewReportService(migration.ReportOptions{
		TTL:        cfg.ReportTTL,
		MaxEntries: cfg.ReportMaxEntries,
		Publisher:  broadcaster,
	})
	runner := migration.NewRunner(mgr, reports, cfg.MigrationWorkers)
	defer runner.Stop()

	statsService := stats.NewService(videoFiles, storages, mgr)

	srv := api.NewServer(api.Deps{
		Manager:       mgr,
		Storages:      storages,
		Files:         videoFiles,
		Signer:        signer,
		Reports:       reports,
		Runner:        runner,
		Stats:         statsService,
		Broadcaster:   broadcaster,
		Auth:          auth.New(cfg.JWTSecret),
		MediaRoot:     cfg.MediaRoot,
		PublicBaseURL: cfg.PublicBaseURL,
		SignedURLTTL:  cfg.SignedURLTTL,
	})

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		broadcaster.Close()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.UpdateConnectionMetrics()
			}
		}
	}()

	// Refreshes the storage usage gauges and logs quota warnings.
	go func() {
		interval := cfg.QuotaCacheTTL
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rep, err := statsService.Report(ctx)
				if err != nil {
					logging.Error("storage stats refresh failed", zap.Error(err))
					continue
				}
				for _, w := range rep.Warnings {
					logging.Warn("storage nearly full",
						zap.String("storage", w.Name),
						zap.String("used", w.UsedSize),
						zap.String("available", w.AvailableSize))
				}
			}
		}
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

func retryConfig(cfg *config.Config) retry.Config {
	if cfg.RetryAttempts <= 1 {
		return retry.Once()
	}
	rc := retry.DefaultConfig(cfg.RetryAttempts)
	rc.InitialWait = cfg.RetryInitialWait
	return rc
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
		"../../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
