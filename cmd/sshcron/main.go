package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/sshcron/internal/api"
	"github.com/edvin/sshcron/internal/archive"
	"github.com/edvin/sshcron/internal/broadcast"
	"github.com/edvin/sshcron/internal/cancel"
	"github.com/edvin/sshcron/internal/config"
	"github.com/edvin/sshcron/internal/core"
	"github.com/edvin/sshcron/internal/db"
	"github.com/edvin/sshcron/internal/engine"
	"github.com/edvin/sshcron/internal/logging"
	"github.com/edvin/sshcron/internal/metrics"
	"github.com/edvin/sshcron/internal/scheduler"
	"github.com/edvin/sshcron/internal/sshca"
	"github.com/edvin/sshcron/internal/sshexec"
	"github.com/edvin/sshcron/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "", "Migration files directory (default: migrations built into the binary)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	var (
		st     store.Store
		pinger api.Pinger
	)
	switch cfg.Store {
	case config.StorePostgres:
		if *migrateFlag {
			logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
			if err := db.RunMigrations(cfg.DatabaseURL, *migrateDirFlag); err != nil {
				logger.Fatal().Err(err).Msg("migration failed")
			}
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		metrics.RegisterPgxPoolMetrics(pool)
		st = store.NewPostgres(pool)
		pinger = pool
	case config.StoreMemory:
		mem, err := store.NewMemory()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create memory store")
		}
		st = mem
		logger.Warn().Msg("using in-memory store; nothing survives a restart")
	}

	if key := cfg.EncryptionKey(); key != nil {
		st = store.NewEncrypted(st, key)
		logger.Info().Msg("node credentials encrypted at rest")
	}

	if cfg.SeedFile != "" {
		if err := seed(ctx, st, cfg.SeedFile, logger); err != nil {
			logger.Fatal().Err(err).Str("file", cfg.SeedFile).Msg("seeding failed")
		}
	}

	location := time.Local
	if cfg.CronTimezone != "" {
		// Validated above.
		location, _ = time.LoadLocation(cfg.CronTimezone)
	}

	tokens := cancel.NewRegistry()
	broadcaster := broadcast.New(cfg.ReplayCacheSize, cfg.BroadcastQueueSize, logger)
	sched := scheduler.New(st, logger, scheduler.WithLocation(location))
	dialer := sshexec.NewDialer(cfg.SSHConnectTimeout)
	var serverOpts []api.Option
	if cfg.SSHCAKeyFile != "" {
		ca, err := sshca.Load(cfg.SSHCAKeyFile, cfg.ServiceName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load SSH CA")
		}
		dialer.CA = ca
		dialer.CertTTL = cfg.SSHCertTTL
		serverOpts = append(serverOpts, api.WithSSHCA(ca.AuthorizedKey()))
		logger.Info().Str("ca", ca.AuthorizedKey()).Msg("certificate auth enabled")
	}

	var opts []engine.Option
	if cfg.ArchiveEnabled() {
		archiver := archive.NewS3Archiver(archive.Config{
			Endpoint:  cfg.ArchiveS3Endpoint,
			Region:    cfg.ArchiveS3Region,
			Bucket:    cfg.ArchiveS3Bucket,
			AccessKey: cfg.ArchiveS3AccessKey,
			SecretKey: cfg.ArchiveS3SecretKey,
		}, logger)
		if err := archiver.EnsureBucket(ctx); err != nil {
			logger.Fatal().Err(err).Str("bucket", cfg.ArchiveS3Bucket).Msg("failed to prepare archive bucket")
		}
		opts = append(opts, engine.WithArchiver(archiver))
		logger.Info().Str("bucket", cfg.ArchiveS3Bucket).Msg("output archival enabled")
	}

	eng := engine.New(engine.Config{
		PollInterval:     cfg.PollInterval,
		StdoutFlushBytes: cfg.StdoutFlushBytes,
		StderrFlushBytes: cfg.StderrFlushBytes,
		MaxOutputChars:   cfg.MaxOutputChars,
		RetireGrace:      cfg.RetireGrace,
		FollowUpTimeout:  cfg.FollowUpTimeout,
	}, st, dialer, tokens, broadcaster, sched, logger, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broadcaster.Run(gctx)
	})

	if err := sched.Start(ctx, eng); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	services := core.NewServices(st, sched, eng, dialer)
	srv := api.NewServer(logger, services, broadcaster, pinger, location, serverOpts...)

	// No WriteTimeout: log streams stay open for the length of an execution.
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	var metricsServer *http.Server
	if cfg.MetricsListenAddr != "" {
		metricsServer = metrics.NewServer(cfg.MetricsListenAddr)
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
		logger.Error().Err(context.Cause(gctx)).Msg("component failed")
	}

	logger.Info().Msg("shutting down")
	sched.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}

	// Running executions are left to finish so their records close out.
	done := make(chan struct{})
	go func() {
		eng.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Int("running", tokens.Len()).Msg("executions still running at exit")
	}

	cancelRun()
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("shutdown with error")
		os.Exit(1)
	}
}

func seed(ctx context.Context, st store.Store, path string, logger zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := store.Seed(ctx, st, f)
	if err != nil {
		return err
	}
	logger.Info().
		Int("nodes", res.Nodes).
		Int("jobs", res.Jobs).
		Strs("skipped_nodes", res.SkippedNodes).
		Msg("seeded store")
	return nil
}
