package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/designvault/internal/api"
	"github.com/p-blackswan/designvault/internal/changes"
	"github.com/p-blackswan/designvault/internal/config"
	"github.com/p-blackswan/designvault/internal/health"
	"github.com/p-blackswan/designvault/internal/jobs"
	"github.com/p-blackswan/designvault/internal/metrics"
	"github.com/p-blackswan/designvault/internal/pathlock"
	"github.com/p-blackswan/designvault/internal/record"
	"github.com/p-blackswan/designvault/internal/store"
	"github.com/p-blackswan/designvault/internal/thumbnail"
	"github.com/p-blackswan/designvault/internal/upload"
)

// sweepInterval is how often abandoned uploads and old ledger rows are purged.
const sweepInterval = 30 * time.Minute

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("data_path", cfg.DataPath).
		Str("listen_addr", cfg.ListenAddr).
		Int("ops_port", cfg.OpsPort).
		Str("auth_mode", cfg.AuthMode).
		Msg("starting designvault")

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DataPath).Msg("failed to create data root")
	}

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()
	locks := pathlock.New(pathlock.WithWaitObserver(m.ObserveLockWait))

	// Change hub
	hub := changes.NewHub(cfg.DataPath, logger,
		changes.WithDebounce(cfg.Debounce),
		changes.WithBuffer(cfg.SubscriberQueue),
		changes.WithMetrics(m),
	)
	if err := hub.Seed(); err != nil {
		logger.Warn().Err(err).Msg("failed to seed change hub")
	}

	records := record.New(locks, logger,
		record.WithNotifier(hub),
		record.WithMetrics(m),
		record.WithCache(record.NewCache(cfg.RecordCacheSize, m)),
		record.WithVerify(cfg.VerifyAttempts, cfg.VerifyDelay),
	)

	// Out-of-band edits (editors, sync tools) reach subscribers through the watcher.
	var watcher *changes.Watcher
	if cfg.WatchEnabled {
		watcher, err = changes.NewWatcher(cfg.DataPath, hub, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("file watcher unavailable, only API writes will be broadcast")
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to start file watcher")
		}
	}

	// Upload ledger
	ledger, err := store.New(cfg.UploadDB(), logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.UploadDB()).Msg("failed to open upload ledger")
	}

	engine := jobs.NewEngine(jobs.Config{
		Workers:   cfg.JobWorkers,
		QueueSize: cfg.JobQueueSize,
	}, logger, jobs.WithLedger(ledger), jobs.WithMetrics(m))

	renderer := thumbnail.NewMagick(cfg.MagickBin, cfg.ThumbnailSize, cfg.ThumbnailTimeout, logger)
	thumbs := thumbnail.NewService(cfg.DataPath, renderer, logger, thumbnail.WithMetrics(m))

	uploads := upload.NewManager(cfg.DataPath, ledger, records, logger,
		upload.WithJobs(engine),
		upload.WithMetrics(m),
	)
	upload.RegisterHandlers(engine, records, thumbs)
	engine.Start(ctx)

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("data_root", health.DirWritable(cfg.DataPath))
	checker.Register("ledger", health.Ping(ledger))
	if watcher != nil {
		checker.Register("watcher", health.Flag(watcher.Running))
	}

	// API server
	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.ListenAddr,
		AuthConfig: api.AuthConfig{
			Mode:   cfg.AuthMode,
			APIKey: cfg.APIKey,
		},
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
		CORSOrigins: cfg.CORSOrigins,
		BodyLimitMB: cfg.BodyLimitMB,
		Signer:      api.NewSigner(cfg.URLSigningKey, cfg.SignedURLTTL),
	}, api.Deps{
		Root:    cfg.DataPath,
		Records: records,
		Uploads: uploads,
		Thumbs:  thumbs,
		Hub:     hub,
		Ledger:  ledger,
		Jobs:    engine,
		Checker: checker,
		Metrics: m,
	}, logger)

	// Ops server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/ws/changes", changes.NewWSHandler(hub, cfg.CORSOriginList(), logger))

	opsServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.OpsPort).Msg("ops server starting")
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("ops server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweep(ctx, ledger, uploads, cfg.UploadTTL, logger)
	}()

	logger.Info().Msg("designvault started")

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown error")
	}

	engine.Stop()
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close file watcher")
		}
	}
	hub.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("shutdown timed out")
	}

	if err := ledger.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close upload ledger")
	}
	logger.Info().Msg("shutdown complete")
}

// sweep purges abandoned upload sessions and expired ledger rows until ctx
// is cancelled.
func sweep(ctx context.Context, ledger *store.Store, uploads *upload.Manager, ttl time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := uploads.Sweep(ctx, ttl); err != nil {
				logger.Warn().Err(err).Msg("upload sweep failed")
			} else if n > 0 {
				logger.Info().Int("uploads", n).Msg("expired uploads removed")
			}
			if _, err := ledger.RunRetention(ctx, store.DefaultRetention()); err != nil {
				logger.Warn().Err(err).Msg("ledger retention failed")
			}
			if size, err := ledger.DBSizeBytes(); err == nil {
				logger.Debug().Int64("bytes", size).Msg("ledger size")
			}
		}
	}
}
