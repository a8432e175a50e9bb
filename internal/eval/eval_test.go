package eval

import (
	"strings"
	"testing"
)

func TestHeuristic_EmptyText(t *testing.T) {
	res := Heuristic("", "reasoning", false)
	if res.Score != 0 {
		t.Errorf("empty text score = %v, want 0", res.Score)
	}
	res = Heuristic("   \n\t", "reasoning", false)
	if res.Score != 0 {
		t.Errorf("whitespace-only score = %v, want 0", res.Score)
	}
}

func TestHeuristic_EmptyTextWithToolCalls(t *testing.T) {
	res := Heuristic("", "reasoning", true)
	// base 0.45 minus the short-text penalty.
	if res.Score != 0.25 {
		t.Errorf("tool-call-only score = %v, want 0.25", res.Score)
	}
}

func TestHeuristic_LengthAdjustments(t *testing.T) {
	cases := []struct {
		name string
		text string
		want float64
	}{
		{"short", "ok then", 0.15},                          // 0.35 - 0.20
		{"mid", strings.Repeat("a", 60), 0.35},              // no adjustment
		{"long", strings.Repeat("a", 150), 0.50},            // +0.15
		{"very long", strings.Repeat("a", 500), 0.70},       // +0.15 +0.20
		{"boundary 120", strings.Repeat("a", 120), 0.50},    //
		{"boundary 400", strings.Repeat("a", 400), 0.70},    //
		{"boundary 39", strings.Repeat("a", 39), 0.15},      //
		{"boundary 40", strings.Repeat("a", 40), 0.35},      //
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Heuristic(c.text, "reasoning", false).Score
			if diff := got - c.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score = %v, want %v", got, c.want)
			}
		})
	}
}

func TestHeuristic_RefusalPenalty(t *testing.T) {
	text := strings.Repeat("padding text here. ", 10) + "I'm sorry, but I cannot help with that."
	res := Heuristic(text, "reasoning", false)
	// 0.35 + 0.15 (>=120) - 0.70, clamped to 0.
	if res.Score != 0 {
		t.Errorf("refusal score = %v, want 0 after clamp", res.Score)
	}
}

func TestHeuristic_RefusalCaseInsensitive(t *testing.T) {
	a := Heuristic("I CANNOT comply with this.", "reasoning", false).Score
	b := Heuristic("i cannot comply with this.", "reasoning", false).Score
	if a != b {
		t.Errorf("refusal detection must be case-insensitive: %v vs %v", a, b)
	}
}

func TestHeuristic_RefusalAppliedOnce(t *testing.T) {
	text := "I can't and I cannot and I'm not able to help."
	res := Heuristic(text, "reasoning", false)
	// 0.35 + 0.15 - 0.70 would go below zero twice over if stacked.
	for _, d := range res.Details {
		if d == "refusal -0.70" {
			return
		}
	}
	t.Error("expected a single refusal detail entry")
}

func TestHeuristic_CodeTask(t *testing.T) {
	fenced := "Apply this patch to the handler:\n```go\nfunc main() { run() }\n```"
	res := Heuristic(fenced, "code", false)
	// 0.35 + 0.25 (fence) = 0.60
	if diff := res.Score - 0.60; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("fenced score = %v, want 0.60", res.Score)
	}

	prose := "You should probably change the function to return early."
	res = Heuristic(prose, "code", false)
	// 0.35 - 0.30 (no code block) = 0.05
	if diff := res.Score - 0.05; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("prose score = %v, want 0.05", res.Score)
	}
}

func TestHeuristic_CodeTaskToolCallsSkipPenalty(t *testing.T) {
	prose := "Delegating to the code tool."
	withTools := Heuristic(prose, "code", true).Score
	withoutTools := Heuristic(prose, "code", false).Score
	if withTools <= withoutTools {
		t.Errorf("tool calls must avoid the no-code-block penalty: %v vs %v", withTools, withoutTools)
	}
}

func TestHeuristic_DiffMarkers(t *testing.T) {
	diff := "--- a/main.go\n+++ b/main.go\n@@ -1,3 +1,3 @@\nchanged line here"
	res := Heuristic(diff, "code", false)
	found := false
	for _, d := range res.Details {
		if d == "code block +0.25" {
			found = true
		}
	}
	if !found {
		t.Error("unified-diff markers should count as a code block")
	}
}

func TestHeuristic_FilePathHint(t *testing.T) {
	text := "The bug is in src/parser.go near the tokenizer."
	res := Heuristic(text, "code", false)
	found := false
	for _, d := range res.Details {
		if d == "file path hint +0.05" {
			found = true
		}
	}
	if !found {
		t.Error("expected file path hint bonus")
	}
}

func TestHeuristic_ResearchURL(t *testing.T) {
	withURL := Heuristic("See https://example.com/paper for details and context here.", "research", false).Score
	without := Heuristic("See the referenced paper for details and context here now.", "research", false).Score
	if diff := (withURL - without) - 0.10; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("url bonus = %v, want 0.10", withURL-without)
	}
}

func TestHeuristic_Clamped(t *testing.T) {
	// Long code answer with fence, diff and path hints cannot exceed 1.
	text := strings.Repeat("x", 500) + "\n```go\ncode\n```\nsee src/a.go\n--- a\n+++ b"
	if got := Heuristic(text, "code", false).Score; got > 1 {
		t.Errorf("score = %v, must clamp to 1", got)
	}
}

func TestHeuristic_Pure(t *testing.T) {
	text := strings.Repeat("deterministic input ", 30)
	a := Heuristic(text, "code", false)
	b := Heuristic(text, "code", false)
	if a.Score != b.Score || len(a.Details) != len(b.Details) {
		t.Error("heuristic must be pure over its inputs")
	}
}
