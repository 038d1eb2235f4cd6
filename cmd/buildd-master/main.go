package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyvo/buildfarm/pkg/chroots"
	"github.com/vyvo/buildfarm/pkg/config"
	"github.com/vyvo/buildfarm/pkg/dispatch"
	"github.com/vyvo/buildfarm/pkg/farm"
	"github.com/vyvo/buildfarm/pkg/librarian"
	"github.com/vyvo/buildfarm/pkg/notify"
	"github.com/vyvo/buildfarm/pkg/progress"
	"github.com/vyvo/buildfarm/pkg/protocol"
	"github.com/vyvo/buildfarm/pkg/telemetry"
)

type closer func() error

func main() {
	cfg, err := config.LoadMaster(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "buildd-master")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	if cfg.Tracing {
		shutdown := telemetry.InitTracer(ctx, telemetry.Options{ServiceName: "buildd-master", Logger: logger})
		closers = append(closers, func() error { return shutdown(context.Background()) })
	}

	repo, err := openRepository(cfg, &closers)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	if err := registerBuilders(ctx, repo, cfg.Builders); err != nil {
		log.Fatalf("builder registration failed: %v", err)
	}

	registry := chroots.New()
	for _, entry := range cfg.Chroots {
		if err := registry.Set(entry); err != nil {
			log.Fatalf("invalid chroot: %v", err)
		}
	}

	tracker, err := openProgress(ctx, cfg, &closers)
	if err != nil {
		log.Fatalf("progress tracker init failed: %v", err)
	}
	notifier, err := openNotifier(cfg, logger, &closers)
	if err != nil {
		log.Fatalf("notifier init failed: %v", err)
	}
	lib, err := openLibrarian(cfg)
	if err != nil {
		log.Fatalf("librarian init failed: %v", err)
	}
	incoming, err := openIncoming(cfg, &closers)
	if err != nil {
		log.Fatalf("incoming init failed: %v", err)
	}

	d, err := dispatch.New(dispatch.Options{
		Repo:    repo,
		Chroots: registry,
		Connect: func(b farm.Builder) dispatch.WorkerClient {
			return protocol.NewClient(b.URL, cfg.WorkerKey)
		},
		Incoming:        incoming,
		Librarian:       lib,
		Notifier:        notifier,
		Progress:        tracker,
		ProgressTimeout: cfg.ProgressTimeout,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("dispatcher init failed: %v", err)
	}

	manager := dispatch.NewManager(d, cfg.PollInterval)
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           dispatch.NewAdminRouter(d),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin API shutdown error", "error", err)
		}
	}()

	logger.Info("master listening", "addr", cfg.ListenAddr, "builders", len(cfg.Builders), "chroots", len(cfg.Chroots))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("admin API listen failed", "error", err)
		stop()
	}

	<-ctx.Done()
	<-managerDone
	logger.Info("master stopped")
}

func openRepository(cfg config.MasterConfig, closers *[]closer) (farm.Repository, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("database_url is empty; job records live in memory")
		return farm.NewMemStore(), nil
	}
	pg, err := farm.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, pg.Close)
	return pg, nil
}

func registerBuilders(ctx context.Context, repo farm.Repository, builders []config.BuilderConfig) error {
	for _, b := range builders {
		rec, err := repo.CreateBuilder(ctx, &farm.Builder{
			Name:        b.Name,
			URL:         b.URL,
			Processor:   b.Processor,
			Virtualized: b.Virtualized,
			Manual:      b.Manual,
			OK:          true,
		})
		if err != nil {
			return err
		}
		slog.Info("builder registered", "builder", rec.Name, "id", rec.ID, "platform", rec.Platform().String())
	}
	return nil
}

func openProgress(ctx context.Context, cfg config.MasterConfig, closers *[]closer) (progress.Tracker, error) {
	if cfg.RedisURL == "" {
		return progress.NewMemoryTracker(), nil
	}
	rt, err := progress.NewRedisTracker(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, rt.Close)
	return rt, nil
}

func openNotifier(cfg config.MasterConfig, logger *slog.Logger, closers *[]closer) (notify.Notifier, error) {
	if cfg.AMQPURL == "" {
		return notify.NewLog(logger), nil
	}
	pub, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, pub.Close)
	return pub, nil
}

func openLibrarian(cfg config.MasterConfig) (librarian.Librarian, error) {
	if cfg.S3Bucket == "" {
		local, err := librarian.NewLocal(cfg.LogDir)
		if err != nil {
			return nil, err
		}
		return local, nil
	}
	bucket, err := librarian.NewS3(librarian.S3Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Secure:    cfg.S3Secure,
		Prefix:    "buildlogs/",
	})
	if err != nil {
		return nil, err
	}
	return bucket, nil
}

func openIncoming(cfg config.MasterConfig, closers *[]closer) (dispatch.Incoming, error) {
	if cfg.IncomingSFTPAddr == "" {
		return dispatch.LocalIncoming{GrabDir: cfg.GrabDir, IncomingDir: cfg.IncomingDir}, nil
	}
	remote, err := dispatch.DialSFTPIncoming(dispatch.SFTPConfig{
		Addr:        cfg.IncomingSFTPAddr,
		User:        cfg.IncomingSFTPUser,
		KeyFile:     cfg.IncomingSFTPKey,
		GrabDir:     cfg.GrabDir,
		IncomingDir: cfg.IncomingDir,
	})
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, remote.Close)
	return remote, nil
}
