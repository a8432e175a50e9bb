// Package providers defines the common adapter interface and normalized
// error taxonomy used by all LLM back-end implementations (OpenAI,
// Anthropic, Gemini, and any OpenAI-compatible service).
//
// Each back-end lives in its own sub-package and implements the Adapter
// interface. Adapters translate transport-level failures into an
// *AdapterError carrying one of four kinds so the router engine can decide
// between cooldown, failover, and skip without knowing provider details.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProviderTimeout is the default per-attempt HTTP timeout applied by the
// adapter SDK clients.
const ProviderTimeout = 30 * time.Second

type (
	// Message is a single turn in a conversation (role + flat text content).
	Message struct {
		Role    string
		Content string
	}

	// ToolCall is a tool invocation emitted by a model.
	ToolCall struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// Usage — token usage stats as reported by the back-end.
	Usage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// GenerateRequest — normalized request handed to an adapter. Model is the
	// back-end identifier from the registry entry, not the registry id.
	GenerateRequest struct {
		Model       string
		Messages    []Message
		Temperature float64
		TopP        float64
		MaxTokens   int
		RequestID   string

		// Tools and ToolChoice are opaque OpenAI-shaped JSON forwarded to
		// back-ends that support them; adapters without tool support ignore
		// them.
		Tools      json.RawMessage
		ToolChoice json.RawMessage
	}

	// GenerateResponse — normalized adapter response. Usage is nil when the
	// provider omitted usage entirely.
	GenerateResponse struct {
		ID        string
		Model     string
		Text      string
		ToolCalls []ToolCall
		Usage     *Usage
	}

	// StreamChunk is a single text delta delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}
)

// Adapter — uniform capability set over one provider back-end.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	// Stream returns a lazy sequence of text deltas. The channel is closed
	// after the final delta; transport errors surface as a terminal chunk
	// with FinishReason "error".
	Stream(ctx context.Context, req *GenerateRequest) (<-chan StreamChunk, error)
	HealthCheck(ctx context.Context) error
}

// ErrorKind classifies adapter failures for routing decisions.
type ErrorKind string

const (
	KindRateLimit ErrorKind = "rate_limit"
	KindQuota     ErrorKind = "quota_exceeded"
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// SentinelContextLength marks PERMANENT errors caused by the request
// exceeding the model's context window. The router quarantines the model
// longer on this sentinel because the condition does not self-resolve.
const SentinelContextLength = "context_length_exceeded"

// AdapterError is the normalized provider failure.
type AdapterError struct {
	Provider     string
	Kind         ErrorKind
	StatusCode   int
	Message      string
	RetryAfterMs int64  // only meaningful for KindRateLimit; 0 = not reported
	Sentinel     string // e.g. SentinelContextLength
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, kind=%s)", e.Provider, e.Message, e.StatusCode, e.Kind)
}

// HTTPStatus implements the StatusCoder convention used across the codebase.
func (e *AdapterError) HTTPStatus() int { return e.StatusCode }

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// AsAdapterError unwraps err to an *AdapterError when possible.
func AsAdapterError(err error) (*AdapterError, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Classify builds an AdapterError from an upstream HTTP status and message.
//
//	429                → rate_limit (retryAfter header honoured when parseable)
//	402                → quota_exceeded
//	5xx                → transient
//	other 4xx, unknown → permanent
//
// Context-length messages are detected case-insensitively and tagged with
// SentinelContextLength regardless of the exact status the provider chose.
func Classify(provider string, status int, message, retryAfter string) *AdapterError {
	e := &AdapterError{
		Provider:   provider,
		StatusCode: status,
		Message:    message,
	}

	switch {
	case status == 429:
		e.Kind = KindRateLimit
		e.RetryAfterMs = ParseRetryAfterMs(retryAfter)
	case status == 402:
		e.Kind = KindQuota
	case status >= 500 && status < 600:
		e.Kind = KindTransient
	default:
		e.Kind = KindPermanent
	}

	if isContextLengthMessage(message) {
		e.Kind = KindPermanent
		e.Sentinel = SentinelContextLength
	}

	return e
}

// ClassifyTransport normalizes non-HTTP failures: deadline/cancellation and
// connection-level errors are transient, everything else permanent.
func ClassifyTransport(provider string, err error) *AdapterError {
	kind := KindPermanent
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = KindTransient
	}
	return &AdapterError{
		Provider: provider,
		Kind:     kind,
		Message:  err.Error(),
	}
}

// ParseRetryAfterMs parses a Retry-After header value (delta-seconds form)
// into milliseconds. Returns 0 when absent or unparseable; the HTTP-date
// form is not used by any of the targeted providers.
func ParseRetryAfterMs(v string) int64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return int64(secs * 1000)
}

var contextLengthMarkers = []string{
	"context_length_exceeded",
	"context length",
	"maximum context",
	"prompt is too long",
	"input token count exceeds",
}

func isContextLengthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range contextLengthMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
