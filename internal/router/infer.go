package router

import (
	"strings"

	"github.com/nulpointcorp/model-router/internal/providers"
)

var (
	codeMarkers     = []string{"```", "stack trace", "error", "exception", "refactor", "implement", "bug", "typescript", "javascript"}
	rewriteMarkers  = []string{"summarize", "rewrite", "rephrase", "tone", "polish"}
	researchMarkers = []string{"latest", "source", "compare", "research", "cite"}
)

// InferTask classifies the prompt into one of the known task types. The
// scan runs over the lowercased concatenation of all message contents;
// reasoning is the fallback.
func InferTask(messages []providers.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	prompt := strings.ToLower(sb.String())

	for _, marker := range codeMarkers {
		if strings.Contains(prompt, marker) {
			return TaskCode
		}
	}
	for _, marker := range rewriteMarkers {
		if strings.Contains(prompt, marker) {
			return TaskRewrite
		}
	}
	for _, marker := range researchMarkers {
		if strings.Contains(prompt, marker) {
			return TaskResearch
		}
	}
	return TaskReasoning
}

// ResolveTask returns the declared task type when it is in the known set,
// otherwise infers one from the messages.
func ResolveTask(declared string, messages []providers.Message) string {
	if KnownTask(declared) {
		return declared
	}
	return InferTask(messages)
}
