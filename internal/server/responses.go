package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-router/internal/providers"
	"github.com/nulpointcorp/model-router/internal/router"
	"github.com/nulpointcorp/model-router/pkg/apierr"
)

type responsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions"`
	Temperature     float64         `json:"temperature"`
	TopP            float64         `json:"top_p"`
	MaxOutputTokens int             `json:"max_output_tokens"`
	Stream          bool            `json:"stream"`
}

type (
	responseContent struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	responseOutput struct {
		Type    string            `json:"type"`
		ID      string            `json:"id"`
		Role    string            `json:"role"`
		Content []responseContent `json:"content"`
	}
	responsesUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
	responsesResponse struct {
		ID        string           `json:"id"`
		Object    string           `json:"object"`
		CreatedAt int64            `json:"created_at"`
		Model     string           `json:"model"`
		Status    string           `json:"status"`
		Output    []responseOutput `json:"output"`
		Usage     *responsesUsage  `json:"usage,omitempty"`
		Router    *router.Metadata `json:"router,omitempty"`
	}
)

// handleResponses serves the Responses API shape over the same routing
// engine. Streaming is not offered on this endpoint.
func (s *Server) handleResponses(ctx *fasthttp.RequestCtx) {
	var req responsesRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body: "+err.Error())
		return
	}
	if req.Stream {
		apierr.WriteInvalidRequest(ctx, "streaming is not supported on /v1/responses; use /v1/chat/completions")
		return
	}

	messages, err := parseResponsesInput(req.Input)
	if err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}
	if req.Instructions != "" {
		messages = append([]providers.Message{{Role: "system", Content: req.Instructions}}, messages...)
	}
	if len(messages) == 0 {
		apierr.WriteInvalidRequest(ctx, "input must not be empty")
		return
	}

	routerReq, err := s.buildRouterRequest(ctx, messages)
	if err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}
	routerReq.Temperature = req.Temperature
	routerReq.TopP = req.TopP
	routerReq.MaxTokens = req.MaxOutputTokens

	if routerReq.Resume && !s.resumeAuthorized(ctx) {
		apierr.WriteUnauthorized(ctx, "resume requires the admin token")
		return
	}

	res, err := s.engine.Route(ctx, routerReq)
	if err != nil {
		s.writeRouteError(ctx, routerReq.RequestID, err)
		return
	}

	if routerReq.Debug {
		setMetadataHeader(ctx, res)
	}

	out := responsesResponse{
		ID:        "resp_" + res.RequestID,
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Model:     res.ModelID,
		Status:    "completed",
		Output: []responseOutput{
			{
				Type: "message",
				ID:   "msg_" + res.RequestID,
				Role: "assistant",
				Content: []responseContent{
					{Type: "output_text", Text: res.Text},
				},
			},
		},
	}
	if res.Usage != nil {
		out.Usage = &responsesUsage{
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
			TotalTokens:  res.Usage.TotalTokens,
		}
	}
	if routerReq.Debug {
		meta := res.Meta()
		out.Router = &meta
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	writeJSON(ctx, out)
}

// parseResponsesInput accepts the two input forms: a bare string (one user
// message) or an array of role/content messages.
func parseResponsesInput(raw json.RawMessage) ([]providers.Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []providers.Message{{Role: "user", Content: s}}, nil
	}

	var items []inboundMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("input must be a string or an array of messages")
	}

	messages := make([]providers.Message, 0, len(items))
	for i, m := range items {
		text, err := flattenContent(m.Content)
		if err != nil {
			return nil, fmt.Errorf("input[%d]: %v", i, err)
		}
		role := m.Role
		if role == "" {
			role = "user"
		}
		messages = append(messages, providers.Message{Role: role, Content: text})
	}
	return messages, nil
}
