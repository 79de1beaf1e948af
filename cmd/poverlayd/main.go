package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/poverlay/poverlay/internal/api"
	"github.com/poverlay/poverlay/internal/cleanup"
	"github.com/poverlay/poverlay/internal/config"
	"github.com/poverlay/poverlay/internal/job"
	"github.com/poverlay/poverlay/internal/notify"
	"github.com/poverlay/poverlay/internal/queue"
	"github.com/poverlay/poverlay/internal/reconcile"
	"github.com/poverlay/poverlay/internal/render"
	"github.com/poverlay/poverlay/internal/schedule"
	"github.com/poverlay/poverlay/internal/storage"
	"github.com/poverlay/poverlay/internal/worker"
	"github.com/poverlay/poverlay/internal/workspace"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	jobsRoot := filepath.Join(cfg.DataDir, "jobs")
	rendererDir := filepath.Join(cfg.DataDir, "renderer")
	for _, dir := range []string{jobsRoot, rendererDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("create data directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ws := workspace.NewManager(jobsRoot)
	q := queue.New(cfg.QueueSize)

	blobs, err := newStorage(cfg)
	if err != nil {
		slog.Error("storage", "error", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Brevo.Enabled {
		notifier = notify.NewBrevo(cfg.Brevo.APIKey, cfg.Brevo.SenderEmail, cfg.Brevo.SenderName)
	}

	renderer := &render.Renderer{
		Bin:        cfg.RendererBin,
		FFProbeBin: cfg.FFProbeBin,
		FontPath:   cfg.FontPath,
		ConfigDir:  rendererDir,
	}

	pool := worker.NewPool(cfg, store, q, ws, renderer, blobs, notifier)
	reconciler := reconcile.New(store, q, ws, pool)
	cleaner := cleanup.New(store, ws, cfg.OutputRetention,
		time.Duration(cfg.DBRetentionDays)*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recover jobs that were queued or running when the last process died.
	if _, err := reconciler.Run(ctx); err != nil {
		slog.Error("startup reconcile", "error", err)
		os.Exit(1)
	}

	pool.Start(ctx)

	go schedule.Run(ctx, schedule.Every(cfg.RecoveryInterval), "reconcile", func(ctx context.Context) {
		if _, err := reconciler.Run(ctx); err != nil {
			slog.Error("periodic reconcile", "error", err)
		}
	})
	if cfg.CleanupEnabled {
		go schedule.Run(ctx, schedule.Every(cfg.CleanupInterval), "disk-cleanup", func(ctx context.Context) {
			if _, err := cleaner.RunDisk(ctx); err != nil {
				slog.Error("disk cleanup", "error", err)
			}
		})
	}
	if cfg.DBCleanupEnabled {
		go schedule.Run(ctx, schedule.Every(cfg.DBCleanupInterval), "db-cleanup", func(ctx context.Context) {
			if _, err := cleaner.RunDatabase(ctx, false); err != nil {
				slog.Error("database cleanup", "error", err)
			}
		})
	}

	mux := http.NewServeMux()
	h := api.NewHandler(cfg, store, q, ws, blobs, reconciler, cleaner, pool, pool.Size())
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORSMiddleware(cfg.CORSOrigins),
		api.RequestIDMiddleware,
		api.LoggingMiddleware,
		api.AuthMiddleware(cfg.APIKeys, cfg.AdminKeys),
		api.RateLimit(cfg.RateLimitRPS),
	)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Minute, // uploads are multi-GB
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("poverlayd listening", "addr", cfg.ListenAddr, "workers", pool.Size())
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// newStorage builds the archival backend, or nil when archival is disabled
// and outputs stay on local disk.
func newStorage(cfg *config.Config) (storage.Interface, error) {
	switch cfg.StorageProvider {
	case "s3":
		return storage.NewS3Store(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey,
			cfg.S3.Bucket, cfg.S3.UseSSL, cfg.S3.PublicBaseURL)
	case "filesystem":
		return storage.NewFSStore(filepath.Join(cfg.DataDir, "archive"),
			cfg.APIBaseURL+"/archive")
	default:
		return nil, nil
	}
}
