// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeInternalError   = "internal_error"
	CodeInvalidRequest  = "invalid_request"
	CodeNotImplemented  = "not_implemented"
	CodeUnauthorized    = "unauthorized"
	CodeNoSuitableModel = "no_suitable_model_available"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message,omitempty"`
		Type    string `json:"type,omitempty"`
		Code    string `json:"code"`

		// RetryAfterMs accompanies no_suitable_model_available responses.
		RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalidRequest writes a 400 with the invalid_request code.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteUnauthorized writes a 401.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeUnauthorized)
}

// WriteInternal writes a 500.
func WriteInternal(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeInternalError)
}

// WriteNoSuitableModel writes the 503 returned when the routing wait budget
// is exhausted without an accepted answer.
func WriteNoSuitableModel(ctx *fasthttp.RequestCtx, retryAfterMs int64) {
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Code:         CodeNoSuitableModel,
		RetryAfterMs: retryAfterMs,
	}})
	ctx.SetBody(body)
}
