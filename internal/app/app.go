// Package app wires Maestro's components from configuration. Both the
// server and the CLI build on it.
package app

import (
	"context"
	"fmt"

	"github.com/nidhogg/maestro/internal/agent"
	"github.com/nidhogg/maestro/internal/config"
	"github.com/nidhogg/maestro/internal/contextmgr"
	"github.com/nidhogg/maestro/internal/orchestrator"
	"github.com/nidhogg/maestro/internal/provider"
	"github.com/nidhogg/maestro/internal/ratelimit"
	"github.com/nidhogg/maestro/internal/retry"
	"github.com/nidhogg/maestro/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Router   *provider.Router
	Registry *agent.Registry
	Contexts *contextmgr.Manager
	Maestro  *orchestrator.Maestro
	Store    *store.Store           // nil without a database
	Redis    redis.UniversalClient  // nil without Redis
	Traces   *orchestrator.TraceBus // nil unless traces are published
	Janitor  *contextmgr.Janitor    // nil unless memory.sweep_interval is set

	stop   context.CancelFunc
	logger *zap.Logger
}

// NewRouter registers the configured providers and binds model tiers.
func NewRouter(cfg *config.Config, logger *zap.Logger) (*provider.Router, error) {
	router := provider.NewRouter(logger)
	for _, pc := range cfg.ProviderConfigs() {
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(pc, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(pc, logger))
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", pc.ID, pc.Type)
		}
	}
	for name, b := range cfg.Models {
		tier, err := provider.ParseTier(name)
		if err != nil {
			return nil, err
		}
		router.Bind(tier, provider.Binding{ProviderID: b.Provider, Model: b.Model})
		if len(b.Fallbacks) > 0 {
			router.SetFallbacks(tier, b.Fallbacks)
		}
	}
	return router, nil
}

// Build wires every component. Optional backends that fail to connect are
// logged and skipped, except where the configuration requires them.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	router, err := NewRouter(cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Router: router, logger: logger}

	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		s, err := store.New(ctx, dsn, logger)
		if err != nil {
			if cfg.Memory.Persist {
				return nil, err
			}
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(err))
		} else {
			if err := s.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); err != nil {
				s.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			a.Store = s
		}
	}

	if url := cfg.Database.Redis.URL; url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			if cfg.RateLimit.Backend == "redis" {
				a.Close()
				return nil, fmt.Errorf("redis ping: %w", err)
			}
			logger.Warn("Redis unavailable, running without trace bus", zap.Error(err))
		} else {
			a.Redis = rdb
		}
	}

	var persister contextmgr.MemoryPersister
	if cfg.Memory.Persist && a.Store != nil {
		persister = a.Store
	}
	ctxCfg := cfg.ContextConfig()
	memory := contextmgr.NewMemoryStore(ctxCfg, persister, logger)
	a.Contexts = contextmgr.NewManager(ctxCfg, router, memory, logger)

	limiters := ratelimit.NewSet(ratelimit.InMemory())
	if cfg.RateLimit.Backend == "redis" {
		limiters = ratelimit.NewSet(ratelimit.Redis(a.Redis, cfg.RateLimit.Prefix, logger))
	}
	exec := retry.New(cfg.RetryPolicy(), agent.Retryable, logger)
	pipeline := agent.NewPipeline(a.Contexts, limiters, exec, logger)

	prices := cfg.PriceTable()
	agents := cfg.AgentConfigs()
	if cfg.PromptsDir != "" {
		agents = agent.ApplyPromptDir(agents, cfg.PromptsDir)
	}
	a.Registry = agent.NewRegistry(logger)
	if err := agent.RegisterAll(a.Registry, agents, router, prices, logger); err != nil {
		a.Close()
		return nil, err
	}

	a.Maestro = orchestrator.New(cfg.OrchestratorSettings(), a.Registry, pipeline, router, prices, logger)
	if a.Store != nil {
		a.Maestro.SetSessionLogger(a.Store)
		a.Maestro.SetProfileSource(a.Store)
		a.Maestro.SetHistoryStore(a.Store)
	}
	if cfg.Orchestrator.PublishTraces && a.Redis != nil {
		a.Traces = orchestrator.NewTraceBus(a.Redis, logger)
		a.Maestro.SetTraceBus(a.Traces)
	}

	if every := cfg.Memory.SweepInterval.Std(); every > 0 {
		jctx, cancel := context.WithCancel(context.Background())
		a.stop = cancel
		a.Janitor = contextmgr.NewJanitor(memory, every, logger)
		go a.Janitor.Run(jctx)
	}

	logger.Info("Maestro wired",
		zap.Int("agents", len(a.Registry.IDs())),
		zap.Bool("postgres", a.Store != nil),
		zap.Bool("redis", a.Redis != nil),
		zap.String("rate_limit", cfg.RateLimit.Backend))
	return a, nil
}

// HealthChecks returns a probe per live dependency: the database, Redis
// and every registered model provider.
func (a *App) HealthChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if a.Store != nil {
		checks["postgres"] = a.Store.Ping
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	for _, p := range a.Router.Providers() {
		checks["provider:"+p.ID()] = p.HealthCheck
	}
	return checks
}

// Close stops the memory janitor and releases database and Redis connections.
func (a *App) Close() error {
	if a.stop != nil {
		a.stop()
	}
	var err error
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	if a.Store != nil {
		a.Store.Close()
	}
	return err
}
