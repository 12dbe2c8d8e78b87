// Package main is the entry point for the upload registry server binary.
// It dispatches the serve and version subcommands via a simple switch on
// os.Args so the binary's full CLI surface is readable in one place without
// requiring a cobra dependency. The serve command ensures the session schema
// on startup when the PostgreSQL registry backend is selected, so freshly
// deployed containers never need a separate migration step.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/upload-registry/upload-registry/internal/api"
	"github.com/upload-registry/upload-registry/internal/archive"
	"github.com/upload-registry/upload-registry/internal/config"
	"github.com/upload-registry/upload-registry/internal/lock"
	"github.com/upload-registry/upload-registry/internal/middleware"
	"github.com/upload-registry/upload-registry/internal/safego"
	"github.com/upload-registry/upload-registry/internal/session"
	"github.com/upload-registry/upload-registry/internal/storage"
	"github.com/upload-registry/upload-registry/internal/telemetry"
	"github.com/upload-registry/upload-registry/internal/tus"

	// Import archive backends to register them
	_ "github.com/upload-registry/upload-registry/internal/archive/s3"

	// Import chunk store backends to register them
	_ "github.com/upload-registry/upload-registry/internal/storage/local"
)

const (
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// Parse command from args
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Execute command
	switch command {
	case "serve":
		return serve(cfg)
	case "version":
		fmt.Printf("Upload Registry v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logger as early as possible so all subsequent log
	// output uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Session registry persistence
	var sessionStore tus.SessionStore
	switch cfg.Registry.Backend {
	case "", "memory":
		sessionStore = tus.NewMemoryStore()
		slog.Info("using in-memory session registry")
	case "postgres":
		pg, err := session.NewPostgresStore(&cfg.Registry.Postgres)
		if err != nil {
			return fmt.Errorf("failed to set up postgres session registry: %w", err)
		}
		defer pg.Close()
		sessionStore = pg
		slog.Info("using postgres session registry", "host", cfg.Registry.Postgres.Host, "db", cfg.Registry.Postgres.Name)
	default:
		return fmt.Errorf("unsupported registry backend: %s", cfg.Registry.Backend)
	}

	registry := tus.NewRegistry(sessionStore, tus.RegistryConfig{
		TTL:             cfg.Uploads.TTL,
		MaxConcurrent:   cfg.Uploads.MaxConcurrent,
		RetainCompleted: cfg.Uploads.RetainCompleted,
	})

	// Chunk storage
	chunkStore, err := storage.NewChunkStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up chunk storage: %w", err)
	}
	slog.Info("chunk storage ready", "backend", cfg.Storage.Backend, "directory", cfg.Storage.Local.Directory)

	// Per-upload locking
	var locker tus.Locker
	switch cfg.Locks.Backend {
	case "", "memory":
		locker = lock.NewMemoryLocker()
	case "redis":
		rl, err := lock.NewRedisLocker(&cfg.Locks.Redis)
		if err != nil {
			return fmt.Errorf("failed to set up redis locker: %w", err)
		}
		defer rl.Close()
		locker = rl
		slog.Info("using redis upload locks", "addr", cfg.Locks.Redis.Addr)
	default:
		return fmt.Errorf("unsupported locks backend: %s", cfg.Locks.Backend)
	}

	// Per-client rate limiting across the upload mount.
	var rateLimit gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("failed to reach redis for rate limiting: %w", err)
		}

		rateLimit = middleware.RateLimitMiddleware(
			redis_rate.NewLimiter(rdb),
			cfg.RateLimit.RequestsPerSecond,
			cfg.RateLimit.Burst,
		)
		slog.Info("per-client rate limiting enabled",
			"requests_per_second", cfg.RateLimit.RequestsPerSecond,
			"burst", cfg.RateLimit.Burst)
	}

	// Lifecycle hooks: completion metrics, plus archiving when configured.
	archiver, err := archive.NewArchiver(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up archive backend: %w", err)
	}

	var archiveHook func(context.Context, tus.HookEvent)
	if archiver != nil {
		archiveHook = archive.Hook(archiver, slog.Default())
		slog.Info("archiving completed uploads", "backend", cfg.Archive.Backend, "bucket", cfg.Archive.S3.Bucket)
	}
	hooks := tus.Hooks{
		PostComplete: func(ctx context.Context, ev tus.HookEvent) {
			telemetry.UploadsCompletedTotal.Inc()
			if archiveHook != nil {
				archiveHook(ctx, ev)
			}
		},
	}

	engine := tus.NewEngine(
		tus.EngineConfig{MaxSize: cfg.Uploads.MaxSize},
		registry,
		chunkStore,
		locker,
		tus.NewDispatcher(hooks),
		slog.Default(),
	)

	// Background cleanup of expired and non-retained uploads.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanup := tus.NewCleanupScheduler(engine, cfg.Uploads.CleanupInterval, slog.Default())
	cleanup.OnSweep = func(removed int) {
		telemetry.UploadsExpiredTotal.Add(float64(removed))
	}
	safego.Go(func() { cleanup.Start(ctx) })

	// Reload notification: the config file can change under us (mounted
	// ConfigMap rotations and the like); most knobs need a restart, so just
	// surface the event.
	cfg.Watch(func(updated *config.Config) {
		slog.Info("configuration file changed on disk; restart to apply",
			"mount_path", updated.Uploads.MountPath,
			"max_size", updated.Uploads.MaxSize)
	})

	// Start Prometheus metrics endpoint on a dedicated port so it is not
	// reachable through the upload ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	// Create router
	router := api.NewRouter(cfg, engine, rateLimit)

	// Create HTTP server. The write timeout also bounds how long a single
	// chunk upload may take, so it defaults generously.
	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"mount_path", cfg.Uploads.MountPath,
			"max_size", cfg.Uploads.MaxSize,
			"upload_ttl", cfg.Uploads.TTL.String())

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop the cleanup scheduler after in-flight requests drained.
	cleanup.Stop()

	slog.Info("server stopped gracefully")
	return nil
}
