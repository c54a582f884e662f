package gamify

import (
	"context"
	"fmt"
	"log/slog"

	"badgekit/adapters/jsonfile"
	mem "badgekit/adapters/memory"
	redisAdapter "badgekit/adapters/redis"
	sqlxAdapter "badgekit/adapters/sqlx"
	appconfig "badgekit/config"
	"badgekit/engine"
	"badgekit/evaluator"
	"badgekit/telemetry"
)

// Backends holds the data adapters selected by configuration. File is set
// only for the file catalog so callers can watch it.
type Backends struct {
	Storage Storage
	Catalog engine.BadgeConfigRepository
	Source  evaluator.Source
	File    *jsonfile.Catalog
}

// OpenBackends opens the storage, catalog and metric source adapters named in
// cfg. The sql adapters share one connection pool. The returned func closes
// everything that was opened.
func OpenBackends(ctx context.Context, cfg *appconfig.Config) (*Backends, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("closing backend failed", "error", err)
			}
		}
	}

	var sqlStore *sqlxAdapter.Store
	openSQL := func() (*sqlxAdapter.Store, error) {
		if sqlStore != nil {
			return sqlStore, nil
		}
		s, err := sqlxAdapter.New(cfg.Storage.SQL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, s.Close)
		sqlStore = s
		return s, nil
	}
	fail := func(err error) (*Backends, func(), error) {
		cleanup()
		return nil, nil, err
	}

	b := &Backends{}
	switch cfg.Storage.Adapter {
	case "memory":
		b.Storage = mem.New()
	case "redis":
		s, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, s.Close)
		b.Storage = s
	case "sql":
		s, err := openSQL()
		if err != nil {
			return fail(err)
		}
		b.Storage = s
	default:
		return fail(fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter))
	}

	switch cfg.Catalog.Adapter {
	case "memory":
		b.Catalog = mem.NewCatalog()
	case "file":
		c, err := jsonfile.New(cfg.Catalog.Path)
		if err != nil {
			return fail(err)
		}
		b.Catalog, b.File = c, c
	case "sql":
		s, err := openSQL()
		if err != nil {
			return fail(err)
		}
		b.Catalog = s.Catalog()
	default:
		return fail(fmt.Errorf("unknown catalog adapter: %s", cfg.Catalog.Adapter))
	}

	switch cfg.Source.Adapter {
	case "memory":
		b.Source = mem.NewSource()
	case "sql":
		s, err := openSQL()
		if err != nil {
			return fail(err)
		}
		b.Source = s.Source()
	default:
		return fail(fmt.Errorf("unknown source adapter: %s", cfg.Source.Adapter))
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	return b, cleanup, nil
}

// FromConfig builds a Service over b tuned by the engine section of cfg.
// metrics may be nil.
func FromConfig(cfg *appconfig.Config, b *Backends, logger *slog.Logger, metrics *telemetry.Metrics) *engine.Service {
	mode := engine.DispatchSync
	if cfg.Engine.AsyncEvents {
		mode = engine.DispatchAsync
	}
	opts := []Option{
		WithCatalog(b.Catalog),
		WithSource(b.Source),
		WithStorage(b.Storage),
		WithDispatchMode(mode),
		WithLogger(logger),
		WithEngineOptions(
			engine.WithConcurrency(cfg.Engine.Concurrency),
			engine.WithPersistRetry(cfg.Engine.PersistRetries, cfg.Engine.RetryInitialInterval, cfg.Engine.RetryMaxInterval),
		),
	}
	if metrics != nil {
		opts = append(opts, WithMetrics(metrics))
	}
	return New(opts...)
}
