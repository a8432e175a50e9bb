// Package openaicompat provides a generic OpenAI-compatible LLM adapter.
// Use it for any service that implements the OpenAI chat completions API
// (xAI, Groq, DeepSeek, Together AI, Mistral, Perplexity, Cerebras, etc.).
package openaicompat

import (
	"github.com/nulpointcorp/model-router/internal/providers/openai"
)

// New creates an OpenAI-compatible adapter.
//
//   - name    — unique provider identifier used for routing and logs.
//   - apiKey  — API key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1".
//
// The wire protocol is identical to OpenAI's, so the adapter is the openai
// package under a different identity and base URL.
func New(name, apiKey, baseURL string) *openai.Provider {
	return openai.New(apiKey,
		openai.WithName(name),
		openai.WithBaseURL(baseURL),
	)
}
