package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/model-router/internal/providers"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New("mock-api-key", WithBaseURL(srv.URL))
}

func baseRequest() *providers.GenerateRequest {
	return &providers.GenerateRequest{
		Model:     "claude-sonnet-4-5",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func respondMessageJSON(w http.ResponseWriter, id, model, text string, inTok, outTok int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":    id,
		"type":  "message",
		"role":  "assistant",
		"model": model,
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  inTok,
			"output_tokens": outTok,
		},
	})
}

func respondErrorJSON(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	})
}

func TestProvider_Name(t *testing.T) {
	if p := New("key"); p.Name() != "anthropic" {
		t.Fatalf("expected 'anthropic', got %q", p.Name())
	}
}

func TestProvider_Generate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("X-Api-Key") != "mock-api-key" {
			t.Errorf("missing api key header")
		}
		respondMessageJSON(w, "msg_123", "claude-sonnet-4-5", "Hello, world!", 10, 5)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	resp, err := p.Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "msg_123" {
		t.Errorf("id = %q", resp.ID)
	}
	if resp.Text != "Hello, world!" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestProvider_Generate_SystemPromptLifted(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		respondMessageJSON(w, "msg_1", "claude-sonnet-4-5", "ok then, understood", 1, 1)
	}))
	defer srv.Close()

	req := baseRequest()
	req.Messages = []providers.Message{
		{Role: "system", Content: "Be terse."},
		{Role: "user", Content: "Hello"},
	}

	p := newTestProvider(srv)
	if _, err := p.Generate(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The Messages API takes the system prompt as a top-level field.
	if _, ok := body["system"]; !ok {
		t.Fatal("system prompt not lifted to the system field")
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Errorf("messages = %v, system turn must not remain in the list", msgs)
	}
}

func TestProvider_Generate_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		respondErrorJSON(w, http.StatusTooManyRequests, "rate_limit_error", "Number of requests exceeded")
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Generate(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}

	ae, ok := providers.AsAdapterError(err)
	if !ok {
		t.Fatalf("expected AdapterError, got %T", err)
	}
	if ae.Kind != providers.KindRateLimit {
		t.Errorf("kind = %s, want rate_limit", ae.Kind)
	}
	if ae.RetryAfterMs != 1000 {
		t.Errorf("retry after = %d, want 1000", ae.RetryAfterMs)
	}
}

func TestProvider_Generate_ContextLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, http.StatusBadRequest, "invalid_request_error", "prompt is too long: 250000 tokens > 200000 maximum")
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Generate(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}

	ae, ok := providers.AsAdapterError(err)
	if !ok {
		t.Fatalf("expected AdapterError, got %T", err)
	}
	if ae.Sentinel != providers.SentinelContextLength {
		t.Errorf("sentinel = %q", ae.Sentinel)
	}
	if ae.Kind != providers.KindPermanent {
		t.Errorf("kind = %s, want permanent", ae.Kind)
	}
}

func TestProvider_Generate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, http.StatusInternalServerError, "api_error", "internal error")
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Generate(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}

	ae, ok := providers.AsAdapterError(err)
	if !ok {
		t.Fatalf("expected AdapterError, got %T", err)
	}
	if ae.Kind != providers.KindTransient {
		t.Errorf("kind = %s, want transient", ae.Kind)
	}
}

func TestBuildParams_DefaultMaxTokens(t *testing.T) {
	params := buildParams(baseRequest())
	if params.MaxTokens != defaultMaxTokens {
		t.Errorf("max tokens = %d, want the default %d", params.MaxTokens, defaultMaxTokens)
	}

	req := baseRequest()
	req.MaxTokens = 512
	if params := buildParams(req); params.MaxTokens != 512 {
		t.Errorf("max tokens = %d, want 512", params.MaxTokens)
	}
}
