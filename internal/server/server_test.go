package server

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-router/internal/registry"
	"github.com/nulpointcorp/model-router/internal/store"
)

// --- admin token --------------------------------------------------------------

func TestAdminAuthorized(t *testing.T) {
	s := &Server{adminToken: "secret"}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("x-router-admin-token", "secret")
	if !s.adminAuthorized(ctx) {
		t.Error("matching token should authorize")
	}

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("x-router-admin-token", "wrong")
	if s.adminAuthorized(ctx) {
		t.Error("wrong token must not authorize")
	}
}

func TestAdminAuthorized_NoTokenConfigured(t *testing.T) {
	// An unset admin token disables the admin surface entirely; an empty
	// supplied header must not match it.
	s := &Server{adminToken: ""}

	ctx := &fasthttp.RequestCtx{}
	if s.adminAuthorized(ctx) {
		t.Error("empty configured token must never authorize")
	}
}

func TestResumeAuthorized(t *testing.T) {
	open := &Server{allowInsecureResume: true}
	if !open.resumeAuthorized(&fasthttp.RequestCtx{}) {
		t.Error("insecure resume flag should open the replay path")
	}

	locked := &Server{adminToken: "secret"}
	if locked.resumeAuthorized(&fasthttp.RequestCtx{}) {
		t.Error("resume without token must be denied")
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("x-router-admin-token", "secret")
	if !locked.resumeAuthorized(ctx) {
		t.Error("admin token should allow resume")
	}
}

// --- ApplyBudgets -------------------------------------------------------------

func TestApplyBudgets(t *testing.T) {
	snap, err := registry.Parse([]byte(`
models:
  - id: a
    provider: openai
    context_tokens: 1000
budgets:
  openai:
    soft_limit_tokens: 100
    hard_limit_tokens: 200
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	stores := store.NewMemory().Stores()
	if err := ApplyBudgets(context.Background(), snap, stores.Budget); err != nil {
		t.Fatalf("ApplyBudgets: %v", err)
	}

	b, err := stores.Budget.Get(context.Background(), "openai")
	if err != nil {
		t.Fatal(err)
	}
	if b.SoftLimitTokens == nil || *b.SoftLimitTokens != 100 {
		t.Errorf("soft limit = %v", b.SoftLimitTokens)
	}
	if b.HardLimitTokens == nil || *b.HardLimitTokens != 200 {
		t.Errorf("hard limit = %v", b.HardLimitTokens)
	}
}

// --- health / readiness handlers ----------------------------------------------

func TestHandleHealth_NoChecker(t *testing.T) {
	s := &Server{}

	ctx := &fasthttp.RequestCtx{}
	s.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
	var resp map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v", resp["status"])
	}
}

func TestHandleReadiness_NoChecker(t *testing.T) {
	s := &Server{}

	ctx := &fasthttp.RequestCtx{}
	s.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

// --- handleReload -------------------------------------------------------------

func TestHandleReload_Unauthorized(t *testing.T) {
	s := newTestServer(t, handlerTestConfig, &stubAdapter{})

	ctx := &fasthttp.RequestCtx{}
	s.handleReload(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("expected 401, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleReload_SwapsSnapshot(t *testing.T) {
	s := newTestServer(t, handlerTestConfig, &stubAdapter{})

	path := filepath.Join(t.TempDir(), "router.yaml")
	updated := strings.Replace(handlerTestConfig, "id: primary", "id: renamed", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	s.configPath = path

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("x-router-admin-token", "secret")
	s.handleReload(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if s.registry.Snapshot().ModelByID("renamed") == nil {
		t.Error("reload did not swap the snapshot")
	}
}

func TestHandleReload_BadConfigKeepsSnapshot(t *testing.T) {
	s := newTestServer(t, handlerTestConfig, &stubAdapter{})

	path := filepath.Join(t.TempDir(), "router.yaml")
	if err := os.WriteFile(path, []byte(`models: []`), 0o644); err != nil {
		t.Fatal(err)
	}
	s.configPath = path

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("x-router-admin-token", "secret")
	s.handleReload(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if s.registry.Snapshot().ModelByID("primary") == nil {
		t.Error("failed reload must keep the previous snapshot")
	}
}

// --- writeJSON ----------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}
	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}
