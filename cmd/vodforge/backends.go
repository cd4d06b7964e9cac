package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"vodforge/internal/config"
	"vodforge/internal/queue"
	"vodforge/internal/registry"
	"vodforge/internal/server"
	"vodforge/internal/storage"
)

type need uint8

const (
	needRegistry need = 1 << iota
	needBroker
	needStorage
)

type pinger interface {
	Ping(ctx context.Context) error
}

// backends holds the external dependencies a command opened.
type backends struct {
	registry registry.Registry
	postgres *registry.PostgresRegistry
	broker   queue.Broker
	store    storage.ObjectStore
	// objects is set when storage is in memory and must be served over HTTP.
	objects *storage.MemoryStore

	checks  []server.Check
	closers []func(context.Context) error
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger, needs need) (*backends, error) {
	b := &backends{}
	if needs&needRegistry != 0 {
		if err := b.openRegistry(ctx, cfg); err != nil {
			b.close(ctx, logger)
			return nil, err
		}
	}
	if needs&needBroker != 0 {
		if err := b.openBroker(ctx, cfg, logger); err != nil {
			b.close(ctx, logger)
			return nil, err
		}
	}
	if needs&needStorage != 0 {
		if err := b.openStorage(ctx, cfg, logger); err != nil {
			b.close(ctx, logger)
			return nil, err
		}
	}
	return b, nil
}

func (b *backends) openRegistry(ctx context.Context, cfg *config.Config) error {
	switch cfg.Registry.Backend {
	case config.BackendMemory:
		b.registry = registry.NewMemoryRegistry()
	case config.BackendPostgres:
		pg, err := registry.NewPostgresRegistry(ctx, registry.PostgresConfig{
			DSN:              cfg.Registry.DSN,
			MaxConnections:   cfg.Registry.MaxConnections,
			AcquireTimeout:   cfg.Registry.AcquireTimeout.Std(),
			StatementTimeout: cfg.Registry.StatementTimeout.Std(),
			ApplicationName:  cfg.Registry.ApplicationName,
		})
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		b.registry = pg
		b.postgres = pg
		b.closers = append(b.closers, pg.Close)
		b.checks = append(b.checks, server.Check{Name: "registry", Ping: pg.Ping})
	default:
		return fmt.Errorf("unsupported registry backend %q", cfg.Registry.Backend)
	}
	return nil
}

func (b *backends) openBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var broker queue.Broker
	switch cfg.Queue.Backend {
	case config.BackendMemory:
		broker = queue.NewMemoryBroker(queue.MemoryConfig{
			Visibility: cfg.Queue.Visibility.Std(),
			Poll:       cfg.Queue.Poll.Std(),
		})
	case config.BackendRedis:
		redisCfg := cfg.Queue.Redis
		rb, err := queue.NewRedisBroker(ctx, queue.RedisConfig{
			Addr:         redisCfg.Addr,
			Addrs:        redisCfg.Addrs,
			Username:     redisCfg.Username,
			Password:     redisCfg.Password,
			MasterName:   redisCfg.MasterName,
			Prefix:       redisCfg.Prefix,
			Group:        redisCfg.Group,
			PoolSize:     redisCfg.PoolSize,
			BlockTimeout: redisCfg.BlockTimeout.Std(),
			Visibility:   cfg.Queue.Visibility.Std(),
			DeadMaxLen:   redisCfg.DeadMaxLen,
			TLS: queue.RedisTLSConfig{
				CAFile:             redisCfg.TLS.CAFile,
				CertFile:           redisCfg.TLS.CertFile,
				KeyFile:            redisCfg.TLS.KeyFile,
				ServerName:         redisCfg.TLS.ServerName,
				InsecureSkipVerify: redisCfg.TLS.InsecureSkipVerify,
			},
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("open redis queue: %w", err)
		}
		broker = rb
	case config.BackendSQLite:
		sb, err := queue.OpenSQLiteBroker(ctx, queue.SQLiteConfig{
			Path:       cfg.Queue.SQLite.Path,
			Visibility: cfg.Queue.Visibility.Std(),
			Poll:       cfg.Queue.Poll.Std(),
		})
		if err != nil {
			return fmt.Errorf("open sqlite queue: %w", err)
		}
		broker = sb
	default:
		return fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}

	b.broker = broker
	b.closers = append(b.closers, func(context.Context) error { return broker.Close() })
	if p, ok := broker.(pinger); ok {
		b.checks = append(b.checks, server.Check{Name: "queue", Ping: p.Ping})
	}
	return nil
}

func (b *backends) openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		mem := storage.NewMemoryStore(cfg.Storage.MemoryBaseURL)
		b.store = mem
		b.objects = mem
	case config.BackendS3:
		s3, err := storage.NewS3Store(ctx, storage.ObjectStorageConfig{
			Endpoint:       cfg.Storage.Endpoint,
			Region:         cfg.Storage.Region,
			AccessKey:      cfg.Storage.AccessKey,
			SecretKey:      cfg.Storage.SecretKey,
			Bucket:         cfg.Storage.Bucket,
			UseSSL:         cfg.Storage.UseSSL,
			PathStyle:      cfg.Storage.PathStyle,
			Prefix:         cfg.Storage.Prefix,
			PublicEndpoint: cfg.Storage.PublicEndpoint,
			RequestTimeout: cfg.Storage.RequestTimeout.Std(),
		})
		if err != nil {
			return fmt.Errorf("open object storage: %w", err)
		}
		b.store = s3
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}

	if failures := cfg.Storage.Breaker.Failures; failures > 0 {
		guarded := storage.NewBreakerStore(b.store, storage.BreakerConfig{
			Name:        cfg.Storage.Backend,
			Failures:    uint32(failures),
			OpenTimeout: cfg.Storage.Breaker.OpenTimeout.Std(),
			Logger:      logger,
		})
		b.store = guarded
		b.checks = append(b.checks, server.Check{Name: "storage", Ping: guarded.Ping})
	}
	return nil
}

func (b *backends) close(ctx context.Context, logger *slog.Logger) {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	if err := errors.Join(errs...); err != nil {
		logger.Warn("failed to close backends", "error", err)
	}
}
