package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   ErrorKind
	}{
		{"rate limit", 429, KindRateLimit},
		{"quota", 402, KindQuota},
		{"server error", 500, KindTransient},
		{"bad gateway", 502, KindTransient},
		{"overloaded", 529, KindTransient},
		{"bad request", 400, KindPermanent},
		{"unauthorized", 401, KindPermanent},
		{"not found", 404, KindPermanent},
		{"teapot", 418, KindPermanent},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := Classify("openai", c.status, "boom", "")
			if e.Kind != c.want {
				t.Errorf("kind = %s, want %s", e.Kind, c.want)
			}
			if e.StatusCode != c.status {
				t.Errorf("status = %d, want %d", e.StatusCode, c.status)
			}
			if e.Provider != "openai" {
				t.Errorf("provider = %s", e.Provider)
			}
		})
	}
}

func TestClassify_RetryAfterHeader(t *testing.T) {
	e := Classify("openai", 429, "slow down", "3")
	if e.RetryAfterMs != 3000 {
		t.Errorf("retry after = %d, want 3000", e.RetryAfterMs)
	}

	// The header only matters on 429.
	e = Classify("openai", 500, "boom", "3")
	if e.RetryAfterMs != 0 {
		t.Errorf("retry after on 500 = %d, want 0", e.RetryAfterMs)
	}
}

func TestClassify_ContextLengthSentinel(t *testing.T) {
	cases := []struct {
		status  int
		message string
	}{
		{400, "This model's maximum context length is 8192 tokens"},
		{400, "context_length_exceeded"},
		{413, "prompt is too long: 250000 tokens"},
		{400, "Input token count exceeds the limit"},
		{429, "CONTEXT LENGTH exceeded"}, // sentinel wins over the status kind
	}
	for _, c := range cases {
		e := Classify("anthropic", c.status, c.message, "")
		if e.Sentinel != SentinelContextLength {
			t.Errorf("Classify(%d, %q): sentinel = %q", c.status, c.message, e.Sentinel)
		}
		if e.Kind != KindPermanent {
			t.Errorf("Classify(%d, %q): kind = %s, want permanent", c.status, c.message, e.Kind)
		}
	}

	if e := Classify("anthropic", 400, "invalid role", ""); e.Sentinel != "" {
		t.Errorf("unexpected sentinel %q", e.Sentinel)
	}
}

func TestClassifyTransport(t *testing.T) {
	if e := ClassifyTransport("gemini", context.DeadlineExceeded); e.Kind != KindTransient {
		t.Errorf("deadline kind = %s, want transient", e.Kind)
	}
	if e := ClassifyTransport("gemini", context.Canceled); e.Kind != KindTransient {
		t.Errorf("canceled kind = %s, want transient", e.Kind)
	}
	wrapped := fmt.Errorf("call failed: %w", context.DeadlineExceeded)
	if e := ClassifyTransport("gemini", wrapped); e.Kind != KindTransient {
		t.Errorf("wrapped deadline kind = %s, want transient", e.Kind)
	}
	if e := ClassifyTransport("gemini", errors.New("tls handshake rejected")); e.Kind != KindPermanent {
		t.Errorf("opaque error kind = %s, want permanent", e.Kind)
	}
}

func TestParseRetryAfterMs(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"3", 3000},
		{"0.5", 500},
		{" 10 ", 10000},
		{"", 0},
		{"soon", 0},
		{"-1", 0},
		{"0", 0},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
	}
	for _, c := range cases {
		if got := ParseRetryAfterMs(c.in); got != c.want {
			t.Errorf("ParseRetryAfterMs(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestAdapterError_HTTPStatus(t *testing.T) {
	e := Classify("openai", 429, "rate limited", "1")
	var sc StatusCoder = e
	if sc.HTTPStatus() != 429 {
		t.Errorf("HTTPStatus = %d", sc.HTTPStatus())
	}
}

func TestAsAdapterError(t *testing.T) {
	inner := Classify("openai", 500, "boom", "")
	wrapped := fmt.Errorf("attempt 2: %w", inner)

	got, ok := AsAdapterError(wrapped)
	if !ok || got != inner {
		t.Fatalf("AsAdapterError failed to unwrap")
	}
	if _, ok := AsAdapterError(errors.New("plain")); ok {
		t.Error("plain error must not unwrap")
	}
}
