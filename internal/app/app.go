// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initState    — embedded state database
//  2. initRegistry — model registry / policy snapshot
//  3. initAdapters — LLM provider clients
//  4. initServices — metrics registry, attempt logger
//  5. initServer   — routing engine + HTTP front-end
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/model-router/internal/config"
	"github.com/nulpointcorp/model-router/internal/logger"
	"github.com/nulpointcorp/model-router/internal/metrics"
	"github.com/nulpointcorp/model-router/internal/providers"
	anthropicprov "github.com/nulpointcorp/model-router/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/model-router/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/model-router/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/model-router/internal/providers/openaicompat"
	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/router"
	"github.com/nulpointcorp/model-router/internal/server"
	"github.com/nulpointcorp/model-router/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	db     *store.SQLite
	stores store.Stores

	reg *registry.Store

	adapters map[string]providers.Adapter

	prom       *metrics.Registry
	attemptLog *logger.Logger

	engine *router.Engine
	hc     *server.HealthChecker
	srv    *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"state", a.initState},
		{"registry", a.initRegistry},
		{"adapters", a.initAdapters},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting router",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("providers", len(a.adapters)),
		slog.Int("models", len(a.reg.Snapshot().Models)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.hc != nil {
		a.hc.Close()
		a.hc = nil
	}
	if a.attemptLog != nil {
		if err := a.attemptLog.Close(); err != nil {
			a.log.Error("attempt logger close error", slog.String("error", err.Error()))
		}
		a.attemptLog = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("state db close error", slog.String("error", err.Error()))
		}
		a.db = nil
	}
}

// buildAdapters creates an adapter map from non-empty API keys.
func buildAdapters(ctx context.Context, cfg *config.Config) map[string]providers.Adapter {
	adapters := make(map[string]providers.Adapter)

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		adapters["openai"] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		adapters["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		adapters["gemini"] = geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
	}

	// OpenAI-compatible providers share one adapter implementation.
	type ocEntry struct {
		cfg     config.ProviderConfig
		name    string
		baseURL string
	}
	ocProviders := []ocEntry{
		{cfg.XAI, "xai", "https://api.x.ai/v1"},
		{cfg.DeepSeek, "deepseek", "https://api.deepseek.com/v1"},
		{cfg.Groq, "groq", "https://api.groq.com/openai/v1"},
		{cfg.Together, "together", "https://api.together.xyz/v1"},
		{cfg.Mistral, "mistral", "https://api.mistral.ai/v1"},
	}
	for _, e := range ocProviders {
		if e.cfg.APIKey == "" {
			continue
		}
		baseURL := e.baseURL
		if e.cfg.BaseURL != "" {
			baseURL = e.cfg.BaseURL
		}
		adapters[e.name] = openaicompatprov.New(e.name, e.cfg.APIKey, baseURL)
	}

	return adapters
}

// dbPinger returns a zero-argument probe function for the HealthChecker.
func dbPinger(db *store.SQLite) func() bool {
	return func() bool {
		return db.Ping() == nil
	}
}
