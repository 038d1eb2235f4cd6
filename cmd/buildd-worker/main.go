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

	"github.com/vyvo/buildfarm/pkg/config"
	"github.com/vyvo/buildfarm/pkg/procutil"
	"github.com/vyvo/buildfarm/pkg/telemetry"
	"github.com/vyvo/buildfarm/pkg/worker"
)

func main() {
	cfg, err := config.LoadWorker(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "buildd-worker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		shutdown := telemetry.InitTracer(ctx, telemetry.Options{ServiceName: "buildd-worker", Logger: logger})
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	patterns, err := worker.LoadPatterns(cfg.PatternsFile)
	if err != nil {
		log.Fatalf("failed to load patterns: %v", err)
	}
	classifier, err := patterns.Compile()
	if err != nil {
		log.Fatalf("invalid patterns: %v", err)
	}

	cache, err := worker.NewCache(cfg.CacheDir)
	if err != nil {
		log.Fatalf("cache init failed: %v", err)
	}
	runner := procutil.Exec{Grace: cfg.GracePeriod, Timeout: cfg.StageTimeout}
	w, err := worker.New(worker.Config{BuildRoot: cfg.BuildDir, Commands: cfg.Commands}, cache, runner, classifier, logger)
	if err != nil {
		log.Fatalf("worker init failed: %v", err)
	}
	if cfg.APIKey == "" {
		logger.Warn("api_key is empty; the wire API accepts unauthenticated calls")
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           worker.NewRouter(w, cfg.APIKey, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("worker shutdown error", "error", err)
		}
	}()

	logger.Info("worker listening", "addr", cfg.ListenAddr, "build_dir", cfg.BuildDir)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("worker listen failed: %v", err)
	}

	<-ctx.Done()
	logger.Info("worker stopped")
}
