package main

import (
	"context"
	"fmt"

	"github.com/davidahmann/gatewave/core/cache"
	"github.com/davidahmann/gatewave/core/decision"
	"github.com/davidahmann/gatewave/core/koji"
	"github.com/davidahmann/gatewave/core/policy"
	"github.com/davidahmann/gatewave/core/retrieval"
	"github.com/davidahmann/gatewave/internal/config"
)

// buildEngine assembles the decision engine from the loaded configuration.
// The returned cleanup closes the cache and Koji connections.
func buildEngine(ctx context.Context, app *appContext) (*decision.Engine, func(), error) {
	if app.cfg.PoliciesDir == "" {
		return nil, nil, fmt.Errorf("policies_dir is not configured")
	}
	policies, err := policy.LoadPolicies(app.cfg.PoliciesDir)
	if err != nil {
		return nil, nil, err
	}

	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	store, err := buildCache(ctx, app.cfg.Cache)
	if err != nil {
		return nil, nil, err
	}
	if store != nil {
		closers = append(closers, func() { _ = store.Close() })
	}

	var builds koji.BuildSource
	if app.cfg.KojiURL != "" {
		client, err := koji.NewClient(app.cfg.KojiURL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		builds = client
	}

	engine := &decision.Engine{
		Policies:   policies,
		Session:    retrieval.NewSession(app.cfg.HTTPTimeout),
		ResultsURL: app.cfg.ResultsURL,
		WaiversURL: app.cfg.WaiversURL,
		Cache:      store,
		Builds:     builds,
		Templates:  app.cfg.URLTemplates(),
		Logger:     app.logger,
	}
	return engine, cleanup, nil
}

func buildCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "memory":
		return cache.NewMemory(cfg.TTL), nil
	case "redis":
		return cache.NewRedis(ctx, cfg.Redis, cfg.Password, cfg.DB, cfg.TTL)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
