package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/model-router/internal/logger"
	"github.com/nulpointcorp/model-router/internal/metrics"
	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/router"
	"github.com/nulpointcorp/model-router/internal/server"
	"github.com/nulpointcorp/model-router/internal/store"
)

// initState opens the embedded database that persists health marks, budget
// counters and request sessions across restarts.
func (a *App) initState(_ context.Context) error {
	db, err := store.Open(a.cfg.StateDBPath)
	if err != nil {
		return err
	}
	a.db = db
	a.stores = db.Stores()
	a.log.Info("state db opened", slog.String("path", a.cfg.StateDBPath))
	return nil
}

// initRegistry loads the model registry / policy file and applies configured
// budget limits to the budget store.
func (a *App) initRegistry(ctx context.Context) error {
	snap, err := registry.LoadFile(a.cfg.RouterConfig)
	if err != nil {
		return err
	}
	if err := server.ApplyBudgets(ctx, snap, a.stores.Budget); err != nil {
		return fmt.Errorf("apply budgets: %w", err)
	}
	a.reg = registry.NewStore(snap)
	a.log.Info("registry loaded",
		slog.String("path", a.cfg.RouterConfig),
		slog.Int("models", len(snap.Models)),
	)
	return nil
}

// initAdapters builds the provider adapter map. At least one provider must
// be configured; config.Load enforces this before we reach here, but the
// registry may still reference providers without keys. Those models simply
// never route.
func (a *App) initAdapters(_ context.Context) error {
	a.adapters = buildAdapters(a.baseCtx, a.cfg)
	if len(a.adapters) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.adapters))
	for n := range a.adapters {
		names = append(names, n)
	}
	a.log.Info("adapters loaded", slog.Any("providers", names))

	for _, m := range a.reg.Snapshot().Models {
		if _, ok := a.adapters[m.Provider]; !ok && m.Enabled {
			a.log.Warn("model has no configured adapter",
				slog.String("model", m.ID),
				slog.String("provider", m.Provider),
			)
		}
	}

	return nil
}

// initServices creates the Prometheus registry and the async attempt logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	al, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("attempt logger: %w", err)
	}
	a.attemptLog = al

	return nil
}

// initServer builds the routing engine, health prober and HTTP front-end.
func (a *App) initServer(ctx context.Context) error {
	a.engine = router.New(a.reg, a.stores, a.adapters, a.prom, a.attemptLog, a.log)

	a.hc = server.NewHealthChecker(ctx, a.adapters, dbPinger(a.db), a.prom)

	a.srv = server.New(server.Config{
		Engine:              a.engine,
		Registry:            a.reg,
		Stores:              a.stores,
		Metrics:             a.prom,
		Health:              a.hc,
		Log:                 a.log,
		AdminToken:          a.cfg.AdminToken,
		AllowInsecureResume: a.cfg.AllowInsecureResume,
		CORSOrigins:         a.cfg.CORSOrigins,
		RouterConfigPath:    a.cfg.RouterConfig,
	})

	return nil
}
