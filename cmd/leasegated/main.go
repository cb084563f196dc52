package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "leasegate/configs"
	"leasegate/pkg/api"
	"leasegate/pkg/api/middleware"
	"leasegate/pkg/executor"
	"leasegate/pkg/lock"
	"leasegate/pkg/logger"
	tracing "leasegate/pkg/observability"
)

func main() {
	cfg := config.LoadConfig()

	logCfg := logger.DefaultConfig("leasegated")
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogEncoding
	logCfg.Identifier = cfg.LeaseIdentifier
	log, err := logger.Init(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("leasegated exited with error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig("leasegated")
	traceCfg.Enabled = cfg.TracingEnabled
	traceCfg.Exporter = cfg.TracingExporter
	traceCfg.Endpoint = cfg.TracingEndpoint
	traceCfg.SamplingRate = cfg.TracingSampling
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return err
	}

	identifier := cfg.LeaseIdentifier
	if identifier == "" {
		identifier = executor.DefaultIdentifier(ctx)
	}
	log.Info("starting leasegated",
		zap.String("backend", cfg.CoordinationBackend),
		zap.String("identifier", identifier),
		zap.Any("host", executor.DetectHost(ctx)))

	client, err := newCoordinationClient(cfg, log)
	if err != nil {
		return err
	}

	deps, err := openDependencies(ctx, cfg, log)
	if err != nil {
		_ = client.Close()
		return err
	}
	defer deps.Close(log)

	manager := lock.NewManager(client,
		lock.WithLogger(log),
		lock.WithEventSink(deps.sink()),
		lock.WithIdentifier(identifier),
		lock.WithTracer(tp.Tracer()),
		lock.WithRetryInterval(cfg.RetryInterval),
	)

	sweeper, err := newReaper(ctx, cfg, client, deps, identifier, log)
	if err != nil {
		_ = manager.Close(ctx)
		return err
	}

	validator := middleware.DefaultValidatorConfig()
	validator.MaxTimeout = cfg.MaxLockTimeout
	validator.AllowedPrefixes = cfg.ResourcePrefixes

	serverCfg := api.Config{
		Port:      cfg.APIPort,
		Locks:     manager,
		Validator: validator,
		RateLimit: middleware.RateLimiterConfig{
			RequestsPerMinute: cfg.RateLimitPerMin,
			BurstSize:         cfg.RateLimitBurst,
			CleanupInterval:   5 * time.Minute,
		},
		Checks: deps.checks(client),
		Logger: log,
	}
	if deps.history != nil {
		serverCfg.History = deps.history
	}
	if deps.journal != nil {
		serverCfg.Journal = deps.journal
	}
	if sweeper != nil {
		serverCfg.Sweeper = sweeper
	}
	if cfg.AuthEnabled {
		authCfg, err := newAuthConfig(cfg, deps)
		if err != nil {
			_ = manager.Close(ctx)
			return err
		}
		serverCfg.AuthEnabled = true
		serverCfg.Auth = authCfg
	}

	server := api.NewServer(serverCfg)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err = <-errCh:
		if err != nil {
			log.Error("api server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warn("api shutdown error", zap.Error(serr))
	}
	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	if cerr := manager.Close(shutdownCtx); cerr != nil {
		log.Warn("failed to release leases on shutdown", zap.Error(cerr))
	}
	if terr := tp.Shutdown(shutdownCtx); terr != nil {
		log.Warn("tracer shutdown error", zap.Error(terr))
	}
	return err
}
