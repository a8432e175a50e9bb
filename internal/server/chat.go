package server

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/model-router/internal/providers"
	"github.com/nulpointcorp/model-router/internal/router"
	"github.com/nulpointcorp/model-router/pkg/apierr"
)

// inboundMessage carries the raw content so both the string form and the
// structured-parts form can be accepted.
type inboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []inboundMessage `json:"messages"`
	Temperature float64          `json:"temperature"`
	TopP        float64          `json:"top_p"`
	MaxTokens   int              `json:"max_tokens"`
	Stream      bool             `json:"stream"`
	Tools       json.RawMessage  `json:"tools"`
	ToolChoice  json.RawMessage  `json:"tool_choice"`
}

type (
	outboundToolCall struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	outboundMessage struct {
		Role      string             `json:"role"`
		Content   string             `json:"content"`
		ToolCalls []outboundToolCall `json:"tool_calls,omitempty"`
	}
	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	chatResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   *outboundUsage   `json:"usage,omitempty"`

		// Router carries the attempt log when the client asked for debug.
		Router *router.Metadata `json:"router,omitempty"`
	}
)

func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	var req chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteInvalidRequest(ctx, "messages must not be empty")
		return
	}

	messages := make([]providers.Message, 0, len(req.Messages))
	for i, m := range req.Messages {
		text, err := flattenContent(m.Content)
		if err != nil {
			apierr.WriteInvalidRequest(ctx, fmt.Sprintf("messages[%d]: %v", i, err))
			return
		}
		messages = append(messages, providers.Message{Role: m.Role, Content: text})
	}

	routerReq, err := s.buildRouterRequest(ctx, messages)
	if err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}
	routerReq.Temperature = req.Temperature
	routerReq.TopP = req.TopP
	routerReq.MaxTokens = req.MaxTokens
	routerReq.Stream = req.Stream
	routerReq.Tools = req.Tools
	routerReq.ToolChoice = req.ToolChoice

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

	switch {
	case res.Stream != nil:
		s.writePassthroughSSE(ctx, res)
	case req.Stream && len(res.ToolCalls) == 0 && !res.Resumed:
		s.writeBufferedSSE(ctx, res)
	default:
		// Tool calls force a non-streaming payload even when the client
		// asked for a stream.
		s.writeChatJSON(ctx, res, routerReq.Debug)
	}
}

// buildRouterRequest reads the x-router-* headers shared by both endpoints.
func (s *Server) buildRouterRequest(ctx *fasthttp.RequestCtx, messages []providers.Message) (*router.Request, error) {
	h := &ctx.Request.Header

	req := &router.Request{
		Messages: messages,
		TaskType: string(h.Peek("x-router-task-type")),
	}

	req.RequestID = string(h.Peek("x-router-request-id"))
	if req.RequestID == "" {
		if id, ok := ctx.UserValue("request_id").(string); ok {
			req.RequestID = id
		}
	}

	if raw := string(h.Peek("x-router-quality-threshold")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 5 {
			return nil, fmt.Errorf("invalid x-router-quality-threshold %q", raw)
		}
		// A 1-5 rating scale maps onto the 0-1 score range.
		if v > 1 {
			v /= 5
		}
		req.Threshold = &v
	}

	if raw := string(h.Peek("x-router-max-wait-ms")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid x-router-max-wait-ms %q", raw)
		}
		req.MaxWaitMs = v
	}

	req.AllowDegrade = headerFlag(h.Peek("x-router-allow-degrade"))
	req.Resume = headerFlag(h.Peek("x-router-resume"))
	req.Debug = headerFlag(h.Peek("x-router-debug"))

	return req, nil
}

func headerFlag(v []byte) bool {
	switch string(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// flattenContent collapses OpenAI message content to flat text: either a
// JSON string, or an array of parts whose text pieces are concatenated
// (non-text parts are discarded).
func flattenContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", errors.New("content must be a string or an array of content parts")
	}

	var out string
	for _, p := range parts {
		if p.Type == "text" || p.Type == "input_text" || p.Type == "output_text" {
			out += p.Text
		}
	}
	return out, nil
}

func (s *Server) writeRouteError(ctx *fasthttp.RequestCtx, requestID string, err error) {
	var noModel *router.NoSuitableModelError
	if errors.As(err, &noModel) {
		apierr.WriteNoSuitableModel(ctx, noModel.RetryAfterMs)
		return
	}
	s.log.ErrorContext(ctx, "routing failed",
		slog.String("request_id", requestID),
		slog.String("error", err.Error()),
	)
	apierr.WriteInternal(ctx, "routing failed")
}

func setMetadataHeader(ctx *fasthttp.RequestCtx, res *router.Result) {
	data, err := json.Marshal(res.Meta())
	if err != nil {
		return
	}
	ctx.Response.Header.Set("x-router-metadata", base64.StdEncoding.EncodeToString(data))
}

func (s *Server) writeChatJSON(ctx *fasthttp.RequestCtx, res *router.Result, debug bool) {
	out := chatResponse{
		ID:      "chatcmpl-" + res.RequestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   res.ModelID,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: res.Text},
				FinishReason: "stop",
			},
		},
	}

	if len(res.ToolCalls) > 0 {
		out.Choices[0].FinishReason = "tool_calls"
		for _, tc := range res.ToolCalls {
			otc := outboundToolCall{ID: tc.ID, Type: tc.Type}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			out.Choices[0].Message.ToolCalls = append(out.Choices[0].Message.ToolCalls, otc)
		}
	}

	if res.Usage != nil {
		out.Usage = &outboundUsage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.TotalTokens,
		}
	}

	if debug {
		meta := res.Meta()
		out.Router = &meta
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	writeJSON(ctx, out)
}

// writeBufferedSSE replays an accepted (already evaluated) response as SSE
// chunks at the configured pace. The concatenated deltas are exactly the
// accepted text.
func (s *Server) writeBufferedSSE(ctx *fasthttp.RequestCtx, res *router.Result) {
	streaming := s.registry.Snapshot().Streaming
	chunks := router.ChunkText(res.Text, streaming.ChunkSize)
	delay := time.Duration(streaming.ChunkDelayMs) * time.Millisecond

	setSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		for i, chunk := range chunks {
			finish := ""
			if i == len(chunks)-1 {
				finish = "stop"
			}
			writeSSEChunk(w, res.RequestID, res.ModelID, chunk, finish)
			if delay > 0 && i < len(chunks)-1 {
				time.Sleep(delay)
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck
	})
}

// writePassthroughSSE forwards live provider deltas; evaluation already
// happens at end-of-stream inside the engine's completion hook.
func (s *Server) writePassthroughSSE(ctx *fasthttp.RequestCtx, res *router.Result) {
	setSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		for chunk := range res.Stream {
			if chunk.FinishReason == "error" {
				break
			}
			writeSSEChunk(w, res.RequestID, res.ModelID, chunk.Content, chunk.FinishReason)
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck
	})
}

func setSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func writeSSEChunk(w *bufio.Writer, requestID, model, content, finishReason string) {
	delta := map[string]any{
		"id":      "chatcmpl-" + requestID,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index": 0,
				"delta": map[string]string{"content": content},
				"finish_reason": func() any {
					if finishReason != "" {
						return finishReason
					}
					return nil
				}(),
			},
		},
	}
	data, _ := json.Marshal(delta)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush() //nolint:errcheck
}
