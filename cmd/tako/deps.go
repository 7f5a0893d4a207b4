package main

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/agent/backends"
	"github.com/gosuda/tako/internal/checkpoint"
	"github.com/gosuda/tako/internal/config"
	"github.com/gosuda/tako/internal/domain"
	"github.com/gosuda/tako/internal/store/postgres"
	"github.com/gosuda/tako/internal/store/sqlite"
)

// deps holds what every command that drives turns needs.
type deps struct {
	store   checkpoint.Store
	turns   domain.TurnRepository
	engine  agent.Engine
	closers []func() error
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Warn().Err(err).Msg("closing dependency")
		}
	}
}

// openDeps opens the checkpoint store selected by cfg and builds the engine.
// withEngine is false for commands that never start a turn.
func openDeps(ctx context.Context, cfg *config.Config, withEngine bool) (*deps, error) {
	d := &deps{}

	if err := d.openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if !withEngine {
		return d, nil
	}
	if err := d.openEngine(cfg); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *deps) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Checkpoint.Driver {
	case config.DriverSQLite:
		store, err := sqlite.OpenFile(ctx, cfg.Checkpoint.SQLitePath)
		if err != nil {
			return fmt.Errorf("checkpoint store: %w", err)
		}
		d.store, d.turns = store, store.Turns()
		d.closers = append(d.closers, store.Close)
		log.Info().Str("path", cfg.Checkpoint.SQLitePath).Msg("using sqlite checkpoint store")

	case config.DriverPostgres:
		if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
			return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
		if err != nil {
			return fmt.Errorf("checkpoint store: %w", err)
		}
		d.store, d.turns = store, store.Turns()
		d.closers = append(d.closers, store.Close)
		log.Info().Str("host", cfg.Database.Host).Msg("using postgres checkpoint store")

	default:
		store := checkpoint.NewMemoryStore()
		d.store = store
		d.closers = append(d.closers, store.Close)
	}
	return nil
}

func (d *deps) openEngine(cfg *config.Config) error {
	registry := agent.NewRegistry()
	backends.Register(registry)

	opts := agent.EngineOptions{
		URL:     cfg.Engine.URL,
		Image:   cfg.Docker.ImageDefault,
		Timeout: cfg.Engine.Timeout,
	}
	if cfg.Engine.Type == config.EngineDocker {
		rt, err := agent.NewDockerRuntime(
			cfg.Docker.Host,
			cfg.Docker.ImageDefault,
			cfg.Docker.CPULimit,
			cfg.Docker.MemLimit,
			cfg.Docker.Network,
		)
		if err != nil {
			return fmt.Errorf("docker runtime: %w", err)
		}
		d.closers = append(d.closers, rt.Close)
		opts.Runtime = rt
	}

	engine, err := registry.Create(cfg.Engine.Type, opts)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	d.engine = engine
	log.Info().Str("engine", engine.Name()).Strs("available", registry.Available()).Msg("engine ready")
	return nil
}

// engineFor hands every thread the configured engine.
func (d *deps) engineFor(string) (agent.Engine, error) {
	if d.engine == nil {
		return nil, agent.ErrNoEngine
	}
	return d.engine, nil
}
