// Package router implements the routing engine: candidate filtering and
// scoring, the bounded retry/wait loop, quality gating, and streaming
// integration.
package router

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/model-router/internal/providers"
	"github.com/nulpointcorp/model-router/internal/store"
)

// Task types produced by inference and accepted from clients.
const (
	TaskCode      = "code"
	TaskRewrite   = "rewrite"
	TaskResearch  = "research"
	TaskReasoning = "reasoning"
)

// KnownTask reports whether t is a recognized task type.
func KnownTask(t string) bool {
	switch t {
	case TaskCode, TaskRewrite, TaskResearch, TaskReasoning:
		return true
	}
	return false
}

// Request is a normalized routing request, produced by the HTTP layer.
type Request struct {
	RequestID string
	Messages  []providers.Message

	// TaskType empty means "infer from the prompt".
	TaskType string

	// Threshold nil means "use the policy default".
	Threshold *float64

	// MaxWaitMs / AttemptBudget zero mean "use the policy default".
	MaxWaitMs     int
	AttemptBudget int

	Temperature float64
	TopP        float64
	MaxTokens   int

	Stream       bool
	AllowDegrade bool
	Resume       bool
	Debug        bool

	Tools      json.RawMessage
	ToolChoice json.RawMessage
}

// Result is the accepted answer for a request.
//
// For passthrough streaming, Stream is non-nil and Text is empty; deltas
// flow on the channel and accounting runs after the last one.
type Result struct {
	RequestID string
	ModelID   string
	Provider  string
	TaskType  string

	Text      string
	ToolCalls []providers.ToolCall
	Usage     *providers.Usage

	Score    float64
	Attempts []store.Attempt
	Cycles   int
	WaitMs   int64
	Resumed  bool

	Stream <-chan providers.StreamChunk
}

// Metadata is the routing debug payload attached to responses when the
// client asks for it.
type Metadata struct {
	ModelID  string          `json:"model_id"`
	Provider string          `json:"provider"`
	TaskType string          `json:"task_type"`
	Score    float64         `json:"score"`
	Cycles   int             `json:"cycles"`
	WaitMs   int64           `json:"wait_ms"`
	Resumed  bool            `json:"resumed,omitempty"`
	Attempts []store.Attempt `json:"attempts"`
}

// Meta builds the debug payload for a result.
func (r *Result) Meta() Metadata {
	return Metadata{
		ModelID:  r.ModelID,
		Provider: r.Provider,
		TaskType: r.TaskType,
		Score:    r.Score,
		Cycles:   r.Cycles,
		WaitMs:   r.WaitMs,
		Resumed:  r.Resumed,
		Attempts: r.Attempts,
	}
}

// NoSuitableModelError is returned when the wait budget is exhausted
// without an accepted answer. The HTTP layer maps it to a 503.
type NoSuitableModelError struct {
	RetryAfterMs int64
}

func (e *NoSuitableModelError) Error() string {
	return fmt.Sprintf("no suitable model available (retry after %dms)", e.RetryAfterMs)
}

// HTTPStatus implements the StatusCoder convention.
func (e *NoSuitableModelError) HTTPStatus() int { return 503 }
