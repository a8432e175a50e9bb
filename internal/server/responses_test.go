package server

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestParseResponsesInput(t *testing.T) {
	msgs, err := parseResponsesInput(json.RawMessage(`"hello there"`))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "hello there" {
		t.Errorf("string input = %+v", msgs)
	}

	msgs, err = parseResponsesInput(json.RawMessage(`[
		{"role":"system","content":"be brief"},
		{"content":"no role given"}
	]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != "system" {
		t.Fatalf("array input = %+v", msgs)
	}
	if msgs[1].Role != "user" {
		t.Errorf("missing role should default to user, got %q", msgs[1].Role)
	}

	if _, err := parseResponsesInput(json.RawMessage(`42`)); err == nil {
		t.Error("numeric input should be rejected")
	}

	msgs, err = parseResponsesInput(nil)
	if err != nil || msgs != nil {
		t.Errorf("empty input = (%v, %v)", msgs, err)
	}
}

func TestHandleResponses_StreamRejected(t *testing.T) {
	s := newTestServer(t, handlerTestConfig, &stubAdapter{text: longAnswer})

	ctx := postCtx(`{"stream":true,"input":"hi"}`)
	s.handleResponses(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d, want 400", ctx.Response.StatusCode())
	}
}

func TestHandleResponses_EmptyInput(t *testing.T) {
	s := newTestServer(t, handlerTestConfig, &stubAdapter{text: longAnswer})

	ctx := postCtx(`{"model":"auto"}`)
	s.handleResponses(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d, want 400", ctx.Response.StatusCode())
	}
}

func TestHandleResponses_Success(t *testing.T) {
	s := newTestServer(t, handlerTestConfig, &stubAdapter{text: longAnswer})

	ctx := postCtx(`{"input":"Explain how the retry loop decides to back off, please."}`)
	ctx.Request.Header.Set("x-router-request-id", "req-7")
	s.handleResponses(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	var resp struct {
		ID     string `json:"id"`
		Object string `json:"object"`
		Status string `json:"status"`
		Output []struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage *struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "resp_req-7" || resp.Object != "response" || resp.Status != "completed" {
		t.Errorf("envelope = %s/%s/%s", resp.ID, resp.Object, resp.Status)
	}
	if len(resp.Output) != 1 || resp.Output[0].Role != "assistant" {
		t.Fatalf("output = %+v", resp.Output)
	}
	content := resp.Output[0].Content
	if len(content) != 1 || content[0].Type != "output_text" || content[0].Text != longAnswer {
		t.Error("output text not forwarded")
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 30 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestHandleResponses_InstructionsBecomeSystemMessage(t *testing.T) {
	adapter := &stubAdapter{text: longAnswer}
	s := newTestServer(t, handlerTestConfig, adapter)

	ctx := postCtx(`{"instructions":"Answer in formal English.","input":"Explain the retry loop in this service for me, please."}`)
	s.handleResponses(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if adapter.lastReq == nil || len(adapter.lastReq.Messages) < 2 {
		t.Fatal("adapter did not receive the expanded conversation")
	}
	first := adapter.lastReq.Messages[0]
	if first.Role != "system" || first.Content != "Answer in formal English." {
		t.Errorf("first message = %+v, want the instructions as system", first)
	}
}
