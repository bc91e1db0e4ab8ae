package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-remediate/internal/cache"
	"github.com/miradorstack/mirador-remediate/internal/config"
	"github.com/miradorstack/mirador-remediate/internal/notify"
	"github.com/miradorstack/mirador-remediate/internal/ratelimit"
	"github.com/miradorstack/mirador-remediate/internal/services"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/store/badgerstore"
	"github.com/miradorstack/mirador-remediate/internal/store/sqlstore"
)

// openStore opens the backend named by cfg.Store.Driver.
func openStore(cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "badger":
		st, err := badgerstore.Open(badgerstore.Config{
			Path:       cfg.Badger.Path,
			InMemory:   cfg.Badger.InMemory,
			SyncWrites: cfg.Badger.SyncWrites,
			GCInterval: cfg.Badger.GCInterval,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "mysql", "sqlite":
		st, err := sqlstore.Open(sqlstore.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.SQL.DSN,
			MaxOpenConns:    cfg.SQL.MaxOpenConns,
			MaxIdleConns:    cfg.SQL.MaxIdleConns,
			ConnMaxLifetime: cfg.SQL.ConnMaxLifetime,
			LogLevel:        cfg.SQL.LogLevel,
			AutoMigrate:     cfg.SQL.AutoMigrate,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// runtime holds the process-level resources behind a service and releases them in reverse.
type runtime struct {
	infra   services.Infra
	closers []func() error
	logger  *slog.Logger
}

func (r *runtime) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Close releases every resource, newest first.
func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("close failed", slog.Any("error", err))
		}
	}
	r.closers = nil
}

// openRuntime opens the store and, when configured, the shared cache, the distributed limiter
// and the NATS notifier. A cache that cannot be reached falls back to process memory unless
// the limiter depends on it.
func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{logger: logger}
	rt.infra.Logger = logger

	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.infra.Store = st
	rt.onClose(st.Close)

	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewRedisProvider(ctx, cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		switch {
		case err != nil && cfg.RateLimit.Backend == "redis":
			rt.Close()
			return nil, fmt.Errorf("open cache: %w", err)
		case err != nil:
			logger.Warn("redis cache unavailable, using process memory", slog.Any("error", err))
		default:
			rt.infra.Cache = provider
			rt.onClose(provider.Close)
			if cfg.RateLimit.Backend == "redis" {
				rt.infra.Limiter = ratelimit.NewRedis(provider.Client(), cfg.RateLimit.Limit, cfg.RateLimit.Window)
			}
		}
	}

	notifiers := notify.Multi{notify.NewLogNotifier(logger.With(slog.String("component", "notify")))}
	if cfg.Notify.NATS.URL != "" {
		publisher, err := notify.NewNATSNotifier(notify.NATSConfig{
			URL:           cfg.Notify.NATS.URL,
			SubjectPrefix: cfg.Notify.NATS.SubjectPrefix,
			Timeout:       cfg.Notify.NATS.Timeout,
			Logger:        logger,
		})
		if err != nil {
			logger.Warn("nats notifier unavailable", slog.Any("error", err))
		} else {
			notifiers = append(notifiers, publisher)
			rt.onClose(publisher.Close)
		}
	}
	rt.infra.Notifier = notifiers
	return rt, nil
}

// openService builds the remediation service on a fresh runtime.
func openService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services.RemediationService, *runtime, error) {
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	svc, err := services.Build(cfg, rt.infra)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	return svc, rt, nil
}
