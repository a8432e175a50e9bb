package router

import (
	"strings"
	"testing"

	"github.com/nulpointcorp/model-router/internal/registry"
)

func TestParseJudgeScore(t *testing.T) {
	cases := []struct {
		reply string
		want  float64
		ok    bool
	}{
		{"0.8", 0.8, true},
		{"Score: 0.75", 0.75, true},
		{"1", 1, true},
		{"1.0", 1, true},
		{"0", 0, true},
		{"I'd rate this 0.4 out of 1", 0.4, true},
		{"excellent", 0, false},
		{"", 0, false},
		{"9/10", 0, false}, // 9 is out of range, /10 is not a score token
	}
	for _, c := range cases {
		got, ok := parseJudgeScore(c.reply)
		if ok != c.ok || got != c.want {
			t.Errorf("parseJudgeScore(%q) = (%v, %v), want (%v, %v)", c.reply, got, ok, c.want, c.ok)
		}
	}
}

func TestJudgeMinScore(t *testing.T) {
	if got := judgeMinScore(&registry.JudgeConfig{}, 0.7); got != 0.5 {
		t.Errorf("default min = %v, want threshold-0.2", got)
	}
	min := 0.3
	if got := judgeMinScore(&registry.JudgeConfig{MinScore: &min}, 0.7); got != 0.3 {
		t.Errorf("configured min = %v, want 0.3", got)
	}
}

func TestBuildJudgePrompt_UsesLastUserMessage(t *testing.T) {
	prompt := buildJudgePrompt(msgs("first question", "second question"), "the answer")
	if len(prompt) != 2 {
		t.Fatalf("prompt len = %d, want 2", len(prompt))
	}
	if prompt[0].Role != "system" {
		t.Errorf("first message role = %s, want system", prompt[0].Role)
	}
	user := prompt[1].Content
	if want := "second question"; !strings.Contains(user, want) {
		t.Errorf("judge prompt missing latest request %q", want)
	}
	if !strings.Contains(user, "the answer") {
		t.Error("judge prompt missing the answer under review")
	}
}
