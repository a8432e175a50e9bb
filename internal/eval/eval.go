// Package eval scores model outputs against the quality gate.
//
// The heuristic scorer is pure over (text, taskType, hasToolCalls). An
// optional shell command adjusts the score for code tasks, and the router
// consults an optional judge model for borderline results.
package eval

import (
	"regexp"
	"strings"
)

// Result is an evaluation outcome. Details lists the adjustments applied,
// for debug metadata and logs.
type Result struct {
	Score   float64  `json:"score"`
	Details []string `json:"details,omitempty"`
}

var refusalPhrases = []string{
	"i can't",
	"i cannot",
	"i am not able",
	"i'm not able",
	"as an ai",
	"i do not have the ability",
	"i cannot comply",
	"unable to help",
}

var (
	fenceRe    = regexp.MustCompile("```")
	diffRe     = regexp.MustCompile(`(?m)^(---|\+\+\+|@@ )`)
	filePathRe = regexp.MustCompile(`(?i)(src/|lib/|tests/|\S+\.(ts|js|py|go)\b)`)
	urlRe      = regexp.MustCompile(`https?://\S+`)
)

// Heuristic scores text in [0,1]. Empty text with no tool calls scores 0.
func Heuristic(text, taskType string, hasToolCalls bool) Result {
	if strings.TrimSpace(text) == "" && !hasToolCalls {
		return Result{Score: 0, Details: []string{"empty"}}
	}

	score := 0.35
	details := []string{"base 0.35"}
	if hasToolCalls {
		score = 0.45
		details = []string{"base 0.45 (tool calls)"}
	}

	switch n := len(text); {
	case n >= 400:
		score += 0.15 + 0.20
		details = append(details, "length >=120 +0.15", "length >=400 +0.20")
	case n >= 120:
		score += 0.15
		details = append(details, "length >=120 +0.15")
	case n < 40:
		score -= 0.20
		details = append(details, "length <40 -0.20")
	}

	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			score -= 0.70
			details = append(details, "refusal -0.70")
			break
		}
	}

	switch taskType {
	case "code":
		if fenceRe.MatchString(text) || diffRe.MatchString(text) {
			score += 0.25
			details = append(details, "code block +0.25")
		} else if !hasToolCalls {
			score -= 0.30
			details = append(details, "no code block -0.30")
		}
		if filePathRe.MatchString(text) {
			score += 0.05
			details = append(details, "file path hint +0.05")
		}
	case "research":
		if urlRe.MatchString(text) {
			score += 0.10
			details = append(details, "url +0.10")
		}
	}

	return Result{Score: clamp(score), Details: details}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
