package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/nulpointcorp/model-router/internal/providers"
	"github.com/nulpointcorp/model-router/internal/registry"
)

// judgeScoreRe matches the first 0-1 score token in a judge reply.
var judgeScoreRe = regexp.MustCompile(`\b(0(?:\.\d+)?|1(?:\.0+)?)\b`)

// judgeMinScore is the lower bound for consulting the judge: a heuristic
// score below it is hopeless and not worth a model call.
func judgeMinScore(cfg *registry.JudgeConfig, threshold float64) float64 {
	if cfg.MinScore != nil {
		return *cfg.MinScore
	}
	return threshold - 0.2
}

// consultJudge asks the configured judge model to re-score a borderline
// answer. Best-effort: any failure returns ok=false and the heuristic score
// stands. The call goes straight to the adapter, never back through the
// engine, and the judge never scores its own output (the caller checks
// candidate != judge).
func (e *Engine) consultJudge(ctx context.Context, snap *registry.Snapshot, req *Request, answer string) (float64, bool) {
	cfg := snap.Judge
	judgeModel := snap.ModelByID(cfg.ModelID)
	if judgeModel == nil {
		return 0, false
	}
	adapter, ok := e.adapters[judgeModel.Provider]
	if !ok {
		return 0, false
	}

	resp, err := adapter.Generate(ctx, &providers.GenerateRequest{
		Model:     judgeModel.BackendID,
		Messages:  buildJudgePrompt(req.Messages, answer),
		MaxTokens: 8,
		RequestID: req.RequestID,
	})
	if err != nil {
		e.log.WarnContext(ctx, "judge call failed",
			slog.String("judge", cfg.ModelID),
			slog.String("error", err.Error()),
		)
		return 0, false
	}

	score, ok := parseJudgeScore(resp.Text)
	if !ok {
		e.log.WarnContext(ctx, "judge reply unparseable",
			slog.String("judge", cfg.ModelID),
			slog.String("reply", resp.Text),
		)
		return 0, false
	}
	return score, true
}

func buildJudgePrompt(messages []providers.Message, answer string) []providers.Message {
	return []providers.Message{
		{
			Role: "system",
			Content: "You are a strict quality judge. Score how well the answer " +
				"addresses the request. Reply with a single number between 0 and 1 " +
				"and nothing else.",
		},
		{
			Role:    "user",
			Content: fmt.Sprintf("Request:\n%s\n\nAnswer:\n%s\n\nScore:", lastUserContent(messages), answer),
		},
	}
}

func lastUserContent(messages []providers.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.ToLower(messages[i].Role) == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func parseJudgeScore(reply string) (float64, bool) {
	match := judgeScoreRe.FindString(reply)
	if match == "" {
		return 0, false
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil || score < 0 || score > 1 {
		return 0, false
	}
	return score, true
}
