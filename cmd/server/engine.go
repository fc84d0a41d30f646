package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ims/calc-engine/internal/api"
	"github.com/ims/calc-engine/internal/config"
	"github.com/ims/calc-engine/internal/events"
	"github.com/ims/calc-engine/internal/inventory"
	"github.com/ims/calc-engine/internal/limits"
	"github.com/ims/calc-engine/internal/locate"
	"github.com/ims/calc-engine/internal/position"
	"github.com/ims/calc-engine/internal/rules"
	"github.com/ims/calc-engine/internal/seed"
	"github.com/ims/calc-engine/internal/store"
	"github.com/ims/calc-engine/internal/validation"
	"github.com/ims/calc-engine/internal/workflow"
)

// engine holds every wired component plus the resources to release.
type engine struct {
	positions  *position.Service
	inventory  *inventory.Calculator
	rules      *rules.Service
	limits     *limits.Service
	validation *validation.Engine
	locates    *locate.Service
	workflow   *workflow.Orchestrator
	jobs       *workflow.Jobs
	hub        *events.Hub

	cleanup []func()
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	e := &engine{}

	st, err := e.openStore(ctx, cfg)
	if err != nil {
		e.Close()
		return nil, err
	}

	composition, err := inventory.ParseComposition(cfg.Inventory.Composition)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.hub = events.NewHub()
	e.positions = position.NewService(st, st)

	ruleCache := rules.NewCache(st)
	e.rules = rules.NewService(st, ruleCache)

	e.inventory = inventory.NewCalculator(st, e.positions, ruleCache, inventory.Policy{
		HTBThreshold:  config.Dec(cfg.Inventory.HTBThreshold),
		Composition:   composition,
		AllowNegative: cfg.Inventory.AllowNegative,
		Workers:       cfg.Inventory.Workers,
	})

	e.limits = limits.NewService(e.inventory, limits.Shares{
		Client:          config.Dec(cfg.Limits.ClientShare),
		AggregationUnit: config.Dec(cfg.Limits.AggregationUnitShare),
		Overrides:       cfg.Limits.OverrideShares(),
	})
	e.limits.SetUniverse(st)

	e.validation = validation.NewEngine(st, e.limits, e.hub, validation.Config{
		SLA:              cfg.Validation.SLA,
		BatchConcurrency: cfg.Validation.BatchConcurrency,
	})

	e.locates = locate.NewService(st, e.inventory, e.limits, e.hub, locate.Policy{
		AutoApprove:            cfg.Locate.AutoApprove,
		AutoApproveMaxQuantity: config.Dec(cfg.Locate.AutoApproveMaxQuantity),
		AutoRejectUnavailable:  cfg.Locate.AutoRejectUnavailable,
		TTL:                    cfg.Locate.TTL,
		GCBorrowRate:           config.Dec(cfg.Locate.GCBorrowRate),
		HTBBorrowRate:          config.Dec(cfg.Locate.HTBBorrowRate),
	})

	e.workflow = workflow.New(e.locates, e.validation)
	e.jobs = workflow.NewJobs(workflow.JobConfig{
		ExpireInterval:      cfg.Jobs.ExpireInterval,
		RecalculateInterval: cfg.Jobs.RecalculateInterval,
	}, e.locates, e.limits, e.hub)

	if cfg.Seed.File != "" {
		f, err := seed.LoadFile(cfg.Seed.File)
		if err != nil {
			e.Close()
			return nil, err
		}
		if _, err := seed.Apply(ctx, f, st, e.positions, e.rules); err != nil {
			e.Close()
			return nil, fmt.Errorf("apply seed: %w", err)
		}
	}
	return e, nil
}

// openStore selects PostgreSQL when a database URL is set, optionally
// wrapped by the Redis cache, and the in-memory store otherwise.
func (e *engine) openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}

	pool, err := store.Connect(ctx, cfg.Database.URL, cfg.Database.MinConns, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	e.cleanup = append(e.cleanup, pool.Close)
	if err := store.Migrate(ctx, pool); err != nil {
		return nil, err
	}
	var st store.Store = store.NewPostgresStore(pool)
	slog.Info("connected to PostgreSQL")

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb := redis.NewClient(opt)
		e.cleanup = append(e.cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
	}
	return st, nil
}

func (e *engine) services() api.Services {
	return api.Services{
		Positions:  e.positions,
		Inventory:  e.inventory,
		Rules:      e.rules,
		Limits:     e.limits,
		Validation: e.validation,
		Locates:    e.locates,
		Workflow:   e.workflow,
		Jobs:       e.jobs,
		Hub:        e.hub,
	}
}

// Close releases resources in reverse order of acquisition.
func (e *engine) Close() {
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
	e.cleanup = nil
}
