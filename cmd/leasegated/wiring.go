package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	config "leasegate/configs"
	"leasegate/pkg/api"
	"leasegate/pkg/api/middleware"
	"leasegate/pkg/auth"
	"leasegate/pkg/coordination"
	"leasegate/pkg/coordination/etcd"
	"leasegate/pkg/coordination/memory"
	"leasegate/pkg/reaper"
	"leasegate/pkg/resilience"
	"leasegate/pkg/storage"
	natssink "leasegate/pkg/storage/nats"
	"leasegate/pkg/storage/postgres"
	"leasegate/pkg/storage/redis"
)

func newCoordinationClient(cfg *config.Config, log *zap.Logger) (*coordination.Client, error) {
	var dialer coordination.Dialer
	switch cfg.CoordinationBackend {
	case "etcd":
		dialer = etcd.NewDialer(etcd.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: cfg.DialTimeout,
			SessionTTL:  cfg.SessionTTL,
			Username:    cfg.EtcdUsername,
			Password:    cfg.EtcdPassword,
		})
	case "memory":
		log.Warn("using in-process coordination backend, leases are not shared between daemons")
		dialer = memory.NewEnsemble().Dialer()
	default:
		return nil, fmt.Errorf("unknown coordination backend %q", cfg.CoordinationBackend)
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.Logger = log
	clientCfg := coordination.DefaultClientConfig(cfg.EtcdEndpoints)
	clientCfg.ConnectAttempts = cfg.ConnectAttempts
	clientCfg.RetryInterval = cfg.RetryInterval
	clientCfg.Breaker = resilience.NewCircuitBreaker("coordination", breakerCfg)
	clientCfg.Logger = log
	return coordination.NewClient(dialer, clientCfg), nil
}

// dependencies holds the optional outer stores. Any of them may be nil.
type dependencies struct {
	journal   *redis.Journal
	history   *postgres.HistoryStore
	publisher *natssink.Publisher
	archive   storage.Archive
}

func openDependencies(ctx context.Context, cfg *config.Config, log *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}

	if addr := cfg.RedisAddr(); addr != "" {
		jcfg := redis.DefaultJournalConfig(addr)
		jcfg.Password = cfg.RedisPassword
		j, err := redis.NewJournalWithConfig(jcfg)
		if err != nil {
			return nil, err
		}
		deps.journal = j
		log.Info("redis event journal connected", zap.String("addr", addr))
	}

	if cfg.HistoryEnabled {
		h, err := postgres.NewHistoryStore(cfg.PostgresDSN())
		if err != nil {
			deps.Close(log)
			return nil, err
		}
		deps.history = h
		log.Info("postgres lease history connected", zap.String("db", cfg.DBName))
	}

	if cfg.NATSURL != "" {
		p, err := natssink.Connect(cfg.NATSURL)
		if err != nil {
			deps.Close(log)
			return nil, err
		}
		deps.publisher = p
		log.Info("nats event publisher connected", zap.String("url", cfg.NATSURL))
	}

	if cfg.ReaperEnabled {
		a, err := newArchive(ctx, cfg)
		if err != nil {
			deps.Close(log)
			return nil, err
		}
		deps.archive = a
	}
	return deps, nil
}

func newArchive(ctx context.Context, cfg *config.Config) (storage.Archive, error) {
	switch cfg.ArchiveBackend {
	case "s3":
		return storage.NewS3Archive(ctx, storage.S3ArchiveConfig{
			Bucket:   cfg.ArchiveBucket,
			Prefix:   "leasegate/reaped/",
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
		})
	case "local":
		return storage.NewLocalArchive(cfg.ArchivePath)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
}

// sink fans lease events out to every configured store.
func (d *dependencies) sink() storage.EventSink {
	var sinks storage.MultiSink
	if d.journal != nil {
		sinks = append(sinks, d.journal)
	}
	if d.history != nil {
		sinks = append(sinks, d.history)
	}
	if d.publisher != nil {
		sinks = append(sinks, d.publisher)
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

func (d *dependencies) checks(client *coordination.Client) map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"coordination": func(ctx context.Context) error {
			_, err := client.Connect(ctx)
			return err
		},
	}
	if d.journal != nil {
		checks["redis"] = d.journal.Ping
	}
	if d.history != nil {
		checks["postgres"] = d.history.Ping
	}
	if d.publisher != nil {
		checks["nats"] = d.publisher.Ping
	}
	return checks
}

func (d *dependencies) Close(log *zap.Logger) {
	var errs []error
	if d.publisher != nil {
		errs = append(errs, d.publisher.Close())
	}
	if d.history != nil {
		errs = append(errs, d.history.Close())
	}
	if d.journal != nil {
		errs = append(errs, d.journal.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("error closing stores", zap.Error(err))
	}
}

func newReaper(ctx context.Context, cfg *config.Config, client *coordination.Client, deps *dependencies, identifier string, log *zap.Logger) (*reaper.Reaper, error) {
	if !cfg.ReaperEnabled {
		return nil, nil
	}

	var opts []reaper.Option
	if deps.archive != nil {
		opts = append(opts, reaper.WithArchive(deps.archive))
	}
	if sink := deps.sink(); sink != nil {
		opts = append(opts, reaper.WithEventSink(sink))
	}
	if deps.history != nil {
		opts = append(opts,
			reaper.WithAcquireLookup(deps.history),
			reaper.WithHistoryRetention(deps.history, cfg.HistoryRetention))
	}

	r, err := reaper.New(client, reaper.Config{
		Schedule:   cfg.ReaperSchedule,
		MaxAge:     cfg.ReaperMaxAge,
		Resources:  cfg.ReaperResources,
		Identifier: identifier,
		Logger:     log,
	}, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func newAuthConfig(cfg *config.Config, deps *dependencies) (middleware.AuthConfig, error) {
	if cfg.JWTSecret == "" {
		return middleware.AuthConfig{}, errors.New("JWT_SECRET is required when AUTH_ENABLED is set")
	}
	jwtSvc, err := auth.NewJWTService(auth.JWTConfig{
		SecretKey:   cfg.JWTSecret,
		TokenExpiry: 24 * time.Hour,
	})
	if err != nil {
		return middleware.AuthConfig{}, err
	}

	authCfg := middleware.AuthConfig{JWTService: jwtSvc}
	if deps.journal != nil {
		authCfg.APIKeyStore = auth.NewRedisAPIKeyStore(deps.journal.Client())
	}
	return authCfg, nil
}
