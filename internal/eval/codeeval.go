package eval

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/nulpointcorp/model-router/internal/registry"
)

const defaultCodeEvalTimeout = 30 * time.Second

// RunCodeEval executes the configured test command with the model output on
// stdin and folds the verdict into res. Exit 0 adds cfg.Weight; any failure
// (non-zero exit, timeout, spawn error) subtracts cfg.FailurePenalty.
func RunCodeEval(ctx context.Context, log *slog.Logger, cfg *registry.CodeEvalConfig, text string, res Result) Result {
	if cfg == nil || cfg.Command == "" {
		return res
	}

	timeout := defaultCodeEvalTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
	cmd.Stdin = strings.NewReader(text)

	err := cmd.Run()
	if err == nil {
		res.Score = clamp(res.Score + cfg.Weight)
		res.Details = append(res.Details, fmt.Sprintf("code eval pass +%.2f", cfg.Weight))
		return res
	}

	if ctx.Err() != nil {
		log.WarnContext(ctx, "code eval timed out",
			slog.String("command", cfg.Command),
			slog.Duration("timeout", timeout),
		)
	} else {
		log.WarnContext(ctx, "code eval failed",
			slog.String("command", cfg.Command),
			slog.String("error", err.Error()),
		)
	}

	res.Score = clamp(res.Score - cfg.FailurePenalty)
	res.Details = append(res.Details, fmt.Sprintf("code eval fail -%.2f", cfg.FailurePenalty))
	return res
}
