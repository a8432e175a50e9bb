// Package server is the HTTP surface of the router: the OpenAI-compatible
// completion endpoints, the admin/ops endpoints, and the middleware chain.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"time"

	fasthttprouter "github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-router/internal/metrics"
	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/router"
	"github.com/nulpointcorp/model-router/internal/store"
	"github.com/nulpointcorp/model-router/pkg/apierr"
)

// Config wires the server's collaborators and settings.
type Config struct {
	Engine   *router.Engine
	Registry *registry.Store
	Stores   store.Stores
	Metrics  *metrics.Registry
	Health   *HealthChecker
	Log      *slog.Logger

	AdminToken          string
	AllowInsecureResume bool
	CORSOrigins         []string

	// RouterConfigPath is re-read on POST /admin/reload.
	RouterConfigPath string
}

// Server is the fasthttp front-end.
type Server struct {
	engine   *router.Engine
	registry *registry.Store
	stores   store.Stores
	metrics  *metrics.Registry
	health   *HealthChecker
	log      *slog.Logger

	adminToken          string
	allowInsecureResume bool
	corsOrigins         []string
	configPath          string

	srv *fasthttp.Server
}

func New(cfg Config) *Server {
	return &Server{
		engine:              cfg.Engine,
		registry:            cfg.Registry,
		stores:              cfg.Stores,
		metrics:             cfg.Metrics,
		health:              cfg.Health,
		log:                 cfg.Log,
		adminToken:          cfg.AdminToken,
		allowInsecureResume: cfg.AllowInsecureResume,
		corsOrigins:         cfg.CORSOrigins,
		configPath:          cfg.RouterConfigPath,
	}
}

// Start starts the HTTP server on addr (e.g. ":8080"). Blocks until the
// listener closes.
func (s *Server) Start(addr string) error {
	r := fasthttprouter.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/responses", s.handleResponses)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	r.POST("/admin/reload", s.handleReload)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	mws := []func(fasthttp.RequestHandler) fasthttp.RequestHandler{
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	}
	if s.metrics != nil {
		mws = append(mws, httpMetrics(s.metrics))
	}

	s.srv = &fasthttp.Server{
		Handler: applyMiddleware(r.Handler, mws...),
		// Generous timeouts: a single request may legitimately wait out
		// many routing cycles.
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// handleReload re-reads the registry/policy file and swaps the snapshot for
// subsequent requests. In-flight requests keep the snapshot they started
// with.
func (s *Server) handleReload(ctx *fasthttp.RequestCtx) {
	if !s.adminAuthorized(ctx) {
		apierr.WriteUnauthorized(ctx, "admin token required")
		return
	}

	snap, err := registry.LoadFile(s.configPath)
	if err != nil {
		s.log.ErrorContext(ctx, "config reload failed", slog.String("error", err.Error()))
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	if err := ApplyBudgets(ctx, snap, s.stores.Budget); err != nil {
		s.log.ErrorContext(ctx, "budget limits apply failed", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx, err.Error())
		return
	}

	s.registry.Swap(snap)
	s.log.InfoContext(ctx, "config reloaded",
		slog.String("path", s.configPath),
		slog.Int("models", len(snap.Models)),
	)
	writeJSON(ctx, map[string]any{"status": "ok", "models": len(snap.Models)})
}

// ApplyBudgets pushes the snapshot's per-provider limits into the budget
// store. Usage is preserved.
func ApplyBudgets(ctx context.Context, snap *registry.Snapshot, budget store.BudgetStore) error {
	for provider, lim := range snap.Budgets {
		if err := budget.EnsureLimits(ctx, provider, lim.SoftLimitTokens, lim.HardLimitTokens); err != nil {
			return err
		}
	}
	return nil
}

// adminAuthorized checks the shared admin secret.
func (s *Server) adminAuthorized(ctx *fasthttp.RequestCtx) bool {
	if s.adminToken == "" {
		return false
	}
	supplied := ctx.Request.Header.Peek("x-router-admin-token")
	return subtle.ConstantTimeCompare(supplied, []byte(s.adminToken)) == 1
}

// resumeAuthorized gates the idempotent-replay path: open when the insecure
// flag is set, otherwise admin-only.
func (s *Server) resumeAuthorized(ctx *fasthttp.RequestCtx) bool {
	return s.allowInsecureResume || s.adminAuthorized(ctx)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
