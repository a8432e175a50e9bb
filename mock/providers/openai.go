package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

const healthyAnswer = "Here is a worked answer to your question. The approach " +
	"breaks the problem into small verifiable steps, explains the tradeoffs of " +
	"each option, and finishes with a concrete recommendation you can apply " +
	"directly. First, restate the requirement precisely so the constraints are " +
	"explicit. Second, compare the candidate solutions against those constraints. " +
	"Third, pick the simplest option that satisfies all of them and note what " +
	"would have to change for the alternatives to win instead. This structure " +
	"keeps the reasoning auditable and makes the final recommendation easy to " +
	"check against the original requirement."

const codeAnswer = "The fix is a one-line change in the retry loop:\n\n" +
	"```go\nfor attempt := 0; attempt < maxRetries; attempt++ {\n" +
	"\tif err := do(ctx); err == nil {\n\t\treturn nil\n\t}\n" +
	"\ttime.Sleep(backoff(attempt))\n}\nreturn fmt.Errorf(\"retries exhausted\")\n```\n\n" +
	"The previous version slept before the first attempt, adding latency to the " +
	"happy path. Moving the sleep after the failed call keeps the first attempt " +
	"immediate while preserving the backoff between retries. The tests in " +
	"src/retry_test.go cover both the immediate-success and exhausted cases."

// newOpenAIHandler returns an http.Handler that simulates the OpenAI chat
// completions API, with per-model scripted behaviour.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		model := req.Model
		if model == "" {
			model = "mock-default"
		}

		// Scripted failure modes, keyed by model name suffix.
		switch {
		case strings.HasSuffix(model, "-rate-limited"):
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusTooManyRequests, "mock rate limit exceeded", "rate_limit_exceeded")
			return
		case strings.HasSuffix(model, "-flaky"):
			if rand.Float64() < 0.5 {
				writeError(w, http.StatusInternalServerError, "mock transient failure", "server_error")
				return
			}
		case strings.HasSuffix(model, "-slow"):
			time.Sleep(time.Duration(cfg.SlowMS) * time.Millisecond)
		}

		content := answerFor(model, lastUserContent(req.Messages))
		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		inTokens := 10
		outTokens := len(content) / 4

		if req.Stream {
			serveStream(w, id, model, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	})

	// Models list (used by adapter health checks).
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "mock-default", "object": "model", "created": 1710000000, "owned_by": "mock"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// answerFor picks the scripted answer body for a model.
func answerFor(model, prompt string) string {
	switch {
	case strings.HasSuffix(model, "-refuser"):
		return "I'm sorry, but I cannot assist with that request."
	case strings.HasSuffix(model, "-terse"):
		return "Yes."
	case strings.Contains(strings.ToLower(prompt), "```") ||
		strings.Contains(strings.ToLower(prompt), "implement"):
		return codeAnswer
	default:
		return healthyAnswer
	}
}

func lastUserContent(msgs []struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// serveStream writes an SSE stream of chat completion chunks.
func serveStream(w http.ResponseWriter, id, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	words := strings.Fields(content)
	for _, word := range words {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"delta": map[string]string{
						"content": word + " ",
					},
					"finish_reason": nil,
				},
			},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	finalChunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"delta":         map[string]string{},
				"finish_reason": "stop",
			},
		},
	}
	data, _ := json.Marshal(finalChunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the generic OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}

// applyLatency sleeps for the configured global latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an error.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}
