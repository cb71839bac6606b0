package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/zhejian/url-shortener/registry/internal/api"
	"github.com/zhejian/url-shortener/registry/internal/config"
	"github.com/zhejian/url-shortener/registry/internal/eventlog"
	"github.com/zhejian/url-shortener/registry/internal/infra"
	"github.com/zhejian/url-shortener/registry/internal/repository"
	"github.com/zhejian/url-shortener/registry/internal/store"
)

// redisPinger adapts *redis.Client to api.HealthChecker.
type redisPinger struct{ client *redis.Client }

func (r *redisPinger) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Backend is an opened link repository together with what it depends on.
type Backend struct {
	Repository repository.LinkRepository
	Checks     map[string]api.HealthChecker
	closers    []func()
}

// Close releases the backend's connections in reverse order of opening.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// OpenBackend opens the repository selected by cfg.Store.Backend.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{Checks: map[string]api.HealthChecker{}}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		b.Repository = store.NewRepository(store.NewMemoryCollection(cfg.Store.Key))

	case config.BackendFile:
		fc, err := store.NewFileCollection(cfg.Store.File, logger)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		b.closers = append(b.closers, func() { _ = fc.Close() })
		b.Repository = store.NewRepository(fc)

	case config.BackendRedis:
		client, err := infra.NewCacheClient(ctx, cfg.Cache.ConnectionString())
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.Checks["redis"] = &redisPinger{client: client}
		b.Repository = store.NewRepository(store.NewRedisCollection(client, cfg.Store.Key))

	case config.BackendPostgres:
		if err := b.openPostgres(ctx, cfg, logger); err != nil {
			b.Close()
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	logger.InfoContext(ctx, "link store opened", slog.String("backend", cfg.Store.Backend))
	return b, nil
}

// openPostgres connects the SQL repository and, when a cache host is
// configured, fronts it with the Redis read-through cache.
func (b *Backend) openPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	connString := cfg.Database.ConnectionString()

	if cfg.Database.MigrationsDir != "" {
		if err := infra.RunMigrations(connString, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	pool, err := infra.NewPostgresPool(ctx, connString)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	b.closers = append(b.closers, pool.Close)
	b.Checks["database"] = pool

	var repo repository.LinkRepository = repository.NewURLRepository(pool)

	if cfg.Cache.Host != "" {
		client, err := infra.NewCacheClient(ctx, cfg.Cache.ConnectionString())
		if err != nil {
			return fmt.Errorf("connect to cache: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.Checks["cache"] = &redisPinger{client: client}
		repo = repository.NewCachedURLRepository(repo, client, cfg.Cache.TTL)
	} else {
		logger.InfoContext(ctx, "cache disabled, reading links straight from the database")
	}

	b.Repository = repo
	return nil
}

// EventLog is a started dispatcher plus whatever its sink holds open.
type EventLog struct {
	*eventlog.Dispatcher
	closers []func()
}

// Close drains the queue, waiting at most until ctx is done, then releases the sink.
func (e *EventLog) Close(ctx context.Context) error {
	err := e.Dispatcher.Close(ctx)
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
	return err
}

// OpenEventLog builds the sink selected by cfg.EventLog.Sink and starts
// the dispatcher's workers.
func OpenEventLog(ctx context.Context, cfg *config.Config, logger *slog.Logger, drops eventlog.DropCounter) (*EventLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &EventLog{}

	var sink eventlog.Sink
	switch cfg.EventLog.Sink {
	case config.SinkNone:
		sink = eventlog.NewLoggerSink(logger)

	case config.SinkHTTP:
		sink = eventlog.NewHTTPSink(eventlog.HTTPSinkConfig{
			Endpoint:     cfg.EventLog.Endpoint,
			Timeout:      cfg.EventLog.Timeout,
			BreakerTrips: cfg.EventLog.BreakerTrips,
		}, logger)

	case config.SinkAMQP:
		conn, ch, err := infra.NewAMQPChannel(cfg.Broker.URL, cfg.Broker.Queue)
		if err != nil {
			return nil, fmt.Errorf("connect to broker: %w", err)
		}
		e.closers = append(e.closers, func() { _ = conn.Close() })
		sink = eventlog.NewAMQPSink(ch, cfg.Broker.Queue)

	default:
		return nil, errors.New("unknown event log sink " + cfg.EventLog.Sink)
	}

	e.Dispatcher = eventlog.NewDispatcher(sink, logger, eventlog.Options{
		Stack:       cfg.EventLog.Stack,
		QueueSize:   cfg.EventLog.QueueSize,
		Workers:     cfg.EventLog.Workers,
		Drops:       drops,
		SendTimeout: cfg.EventLog.Timeout,
	})
	e.Dispatcher.Start(ctx)

	logger.InfoContext(ctx, "event log started", slog.String("sink", cfg.EventLog.Sink))
	return e, nil
}
