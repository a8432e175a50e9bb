package router

import (
	"strings"

	"github.com/nulpointcorp/model-router/internal/providers"
)

// EstimateTokens approximates token usage as ceil(chars/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// estimateMessages counts the characters of all messages plus one separator
// character per adjacent pair, then converts to tokens.
func estimateMessages(messages []providers.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	if len(messages) > 1 {
		chars += len(messages) - 1
	}
	return (chars + 3) / 4
}

// FitContext trims the conversation to a model's context window by dropping
// the oldest non-system messages. Returns the (possibly trimmed) messages
// and the number dropped; ok is false when even the system messages alone
// exceed the window and the model must be skipped.
//
// Fitting already-fitting messages returns the input unchanged with
// trimmedCount 0.
func FitContext(messages []providers.Message, contextTokens, maxOutputTokens int) (fitted []providers.Message, trimmedCount int, ok bool) {
	fitted = messages
	for estimateMessages(fitted)+maxOutputTokens > contextTokens {
		idx := firstNonSystem(fitted)
		if idx < 0 {
			return nil, trimmedCount, false
		}
		trimmed := make([]providers.Message, 0, len(fitted)-1)
		trimmed = append(trimmed, fitted[:idx]...)
		trimmed = append(trimmed, fitted[idx+1:]...)
		fitted = trimmed
		trimmedCount++
	}
	return fitted, trimmedCount, true
}

func firstNonSystem(messages []providers.Message) int {
	for i, m := range messages {
		if strings.ToLower(m.Role) != "system" {
			return i
		}
	}
	return -1
}
