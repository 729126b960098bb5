package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/cache"
	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/dashboard"
	"github.com/sawpanic/ares/internal/governance"
	"github.com/sawpanic/ares/internal/metrics"
	"github.com/sawpanic/ares/internal/providers"
	"github.com/sawpanic/ares/internal/secrets"
	"github.com/sawpanic/ares/internal/store"
	"github.com/sawpanic/ares/internal/store/file"
	"github.com/sawpanic/ares/internal/store/postgres"
	"github.com/sawpanic/ares/internal/store/redislock"
)

// app is the wired engine plus whatever must be closed after the run.
type app struct {
	cfg     *config.Config
	engine  *governance.Engine
	state   store.StateStore
	locker  store.Locker
	guard   store.Locker
	metrics *metrics.Registry
	closers []func() error
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("Close failed")
		}
	}
}

// writeMetrics flushes the textfile when requested. It runs whether or not
// the command succeeded.
func (a *app) writeMetrics(path string) {
	if err := a.metrics.WriteTextfile(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Metrics textfile not written")
	}
}

func buildApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configDir)
	if err != nil {
		return nil, err
	}
	if flags.dataDir != "" {
		cfg.Engine.Storage.DataDir = flags.dataDir
	}
	dataDir := cfg.Engine.Storage.DataDir

	a := &app{cfg: cfg, metrics: metrics.NewRegistry()}
	env := secrets.NewEnv()
	files := file.New(dataDir)

	switch cfg.Engine.Storage.Backend {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Engine.Storage.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.state = pg
		log.Info().Str("dsn", secrets.NewRedactor().Redact(cfg.Engine.Storage.Postgres.DSN)).Msg("Postgres state store ready")
	default:
		a.state = files
	}

	switch cfg.Engine.Lock.Backend {
	case "redis":
		l, err := redislock.Dial(ctx, cfg.Engine.Lock.RedisAddr, cfg.Engine.Lock.RedisDB, cfg.Engine.Lock.Key)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.locker = l
		a.guard = l.WithKey(redislock.RunGuardKey)
	default:
		a.locker = file.NewLocker(dataDir)
		a.guard = file.NewRunGuard(dataDir)
	}

	transport := providers.NewTransport(cfg.Providers.Global.UserAgent)
	sources, err := providers.NewSources(cfg.Providers, env, transport)
	if err != nil {
		a.Close()
		return nil, err
	}
	timeouts := make(map[string]time.Duration)
	for _, p := range cfg.Providers.EnabledProviders() {
		timeouts[p.Name] = p.Timeout()
	}

	eng, err := governance.NewEngine(governance.Deps{
		Config:     cfg.Engine,
		Fetcher:    providers.NewFetcher(sources, timeouts, a.metrics),
		Valuer:     providers.NewValuer(cfg.Providers.Valuation, cache.New(cfg.Engine.Cache.RedisAddr, cfg.Engine.Cache.RedisDB), transport, a.metrics),
		State:      a.state,
		Exclusions: files,
		Artifacts:  files,
		Locker:     a.locker,
		RunGuard:   a.guard,
		Env:        env,
		Metrics:    a.metrics,
		Dashboard:  dashboard.NewExporter(cfg.Engine.Index, dataDir),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.engine = eng

	log.Debug().
		Str("data_dir", dataDir).
		Str("storage", cfg.Engine.Storage.Backend).
		Str("lock", cfg.Engine.Lock.Backend).
		Int("providers", len(sources)).
		Msg("Engine wired")
	return a, nil
}
