package gamify

import (
	"log/slog"

	mem "badgekit/adapters/memory"
	"badgekit/engine"
	"badgekit/evaluator"
	"badgekit/telemetry"
)

// Storage is a progress store that also keeps the reward ledger, which is
// what every bundled adapter provides.
type Storage interface {
	engine.ProgressStore
	engine.RewardLedger
}

// Option configures the badge service builder.
type Option func(*config)

type config struct {
	catalog engine.BadgeConfigRepository
	source  evaluator.Source
	storage Storage
	mode    engine.DispatchMode
	metrics *telemetry.Metrics
	logger  *slog.Logger
	extra   []engine.Option
}

// WithCatalog sets where badge definitions are read from.
func WithCatalog(repo engine.BadgeConfigRepository) Option {
	return func(c *config) { c.catalog = repo }
}

// WithSource sets the user metric source.
func WithSource(s evaluator.Source) Option { return func(c *config) { c.source = s } }

// WithStorage sets the persistence adapter.
func WithStorage(s Storage) Option { return func(c *config) { c.storage = s } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithMetrics subscribes a telemetry sink to all engine events.
func WithMetrics(m *telemetry.Metrics) Option { return func(c *config) { c.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithEngineOptions passes options straight to engine.NewService.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(c *config) { c.extra = append(c.extra, opts...) }
}

// New builds a configured badge Service. If not provided, defaults are used:
//   - catalog: empty in-memory catalog
//   - source: empty in-memory metric source
//   - storage: in-memory
//   - dispatch: async
func New(opts ...Option) *engine.Service {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.catalog == nil {
		cfg.catalog = mem.NewCatalog()
	}
	if cfg.source == nil {
		cfg.source = mem.NewSource()
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}
	bus := engine.NewEventBus(cfg.mode)
	if cfg.metrics != nil {
		cfg.metrics.Attach(bus)
	}
	engineOpts := []engine.Option{engine.WithEventBus(bus)}
	if cfg.logger != nil {
		engineOpts = append(engineOpts, engine.WithLogger(cfg.logger))
	}
	engineOpts = append(engineOpts, cfg.extra...)
	return engine.NewService(cfg.catalog, cfg.source, cfg.storage, cfg.storage, engineOpts...)
}
